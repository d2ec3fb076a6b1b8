package crpc

import (
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// CallInfo describes the inbound call being served. It is attached to the handler context.
type CallInfo struct {
	Method     string
	Pubkey     string
	RemoteAddr net.Addr
}

type callInfoKey struct{}

// CallInfoFromContext returns the CallInfo of the call served with ctx.
func CallInfoFromContext(ctx context.Context) (*CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(*CallInfo)
	return info, ok
}

// Interceptor runs before every handler. A non-nil error rejects the call and is returned to the caller.
type Interceptor func(ctx context.Context, info *CallInfo) error

type methodType struct {
	sync.Mutex // protects counters
	method     reflect.Method
	ArgType    reflect.Type
	ReplyType  reflect.Type
	numCalls   uint
}

type service struct {
	name   string                 // name of service
	rcvr   reflect.Value          // receiver of methods for the service
	typ    reflect.Type           // type of the receiver
	method map[string]*methodType // registered methods
}

type Server struct {
	listener     net.Listener
	serviceMap   sync.Map // map[string]*service
	interceptors []Interceptor
}

func NewServer(listener net.Listener) *Server {
	return &Server{
		listener: listener,
	}
}

// Use appends an interceptor. It must be called before Serve.
func (srv *Server) Use(i Interceptor) {
	srv.interceptors = append(srv.interceptors, i)
}

func (srv *Server) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.rcvr = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.rcvr).Type().Name()
	if sname == "" {
		s := fmt.Sprintf("rpc.Register: no service name for type %s", s.typ.String())
		log.Error(s)
		return errors.New(s)
	}
	if !token.IsExported(sname) {
		s := "rpc.Register: type " + sname + " is not exported"
		log.Error(s)
		return errors.New(s)
	}
	s.name = sname

	// Install the methods
	s.method = suitableMethods(s.typ)
	if len(s.method) == 0 {
		str := "rpc.Register: type " + sname + " has no exported methods of suitable type"
		log.Error(str)
		return errors.New(str)
	}

	if _, dup := srv.serviceMap.LoadOrStore(sname, s); dup {
		return errors.New("rpc: service already defined: " + sname)
	}

	for m := range s.method {
		log.Debugf("rpc.Register: %s.%s", sname, m)
	}

	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableMethods returns suitable Rpc methods of typ: func(ctx context.Context, args *A, reply *R) error
func suitableMethods(typ reflect.Type) map[string]*methodType {
	methods := make(map[string]*methodType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		mname := method.Name
		// Method must be exported.
		if !method.IsExported() {
			continue
		}
		// Method needs four ins: receiver, ctx, *args, *reply.
		if mtype.NumIn() != 4 {
			log.Debugf("rpc.Register: method %q has %d input parameters; needs exactly four", mname, mtype.NumIn())
			continue
		}
		if mtype.In(1) != reflect.TypeOf((*context.Context)(nil)).Elem() {
			log.Errorf("rpc.Register: first argument of method %q is not a context.Context", mname)
			continue
		}
		// Args need not be a pointer.
		argType := mtype.In(2)
		if !isExportedOrBuiltinType(argType) {
			log.Errorf("rpc.Register: argument type of method %q is not exported: %q", mname, argType)
			continue
		}
		// Reply must be a pointer.
		replyType := mtype.In(3)
		if replyType.Kind() != reflect.Pointer {
			log.Errorf("rpc.Register: reply type of method %q is not a pointer: %q", mname, replyType)
			continue
		}
		if !isExportedOrBuiltinType(replyType) {
			log.Errorf("rpc.Register: reply type of method %q is not exported: %q", mname, replyType)
			continue
		}
		// Method needs one out.
		if mtype.NumOut() != 1 {
			log.Errorf("rpc.Register: method %q has %d output parameters; needs exactly one", mname, mtype.NumOut())
			continue
		}
		// The return type of the method must be error.
		if returnType := mtype.Out(0); returnType != reflect.TypeOf((*error)(nil)).Elem() {
			log.Errorf("rpc.Register: return type of method %q is %q, must be error", mname, returnType)
			continue
		}
		methods[mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType}
	}
	return methods
}

func (srv *Server) Serve(ctx context.Context) error {
	// Closing the listener will cause srv.listener.Accept() to return an error.
	go func() {
		<-ctx.Done()
		log.Infof("crpc.Server: context cancelled, initiating shutdown for listener %s", srv.listener.Addr())
		if err := srv.listener.Close(); err != nil {
			log.Warnf("crpc.Server: error closing listener %s: %v", srv.listener.Addr(), err)
		}
	}()

	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("crpc.Server: shutting down listener %s due to context cancellation.", srv.listener.Addr())
				return ctx.Err()
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					if tempDelay == 0 {
						tempDelay = 5 * time.Millisecond
					} else {
						tempDelay *= 2
					}
					if max := 1 * time.Second; tempDelay > max {
						tempDelay = max
					}
					log.Warnf("crpc.Server: Accept error on %s: %v; retrying in %v", srv.listener.Addr(), err, tempDelay)
					time.Sleep(tempDelay)
					continue
				}
				log.Errorf("crpc.Server: critical accept error on %s: %v. Server stopping.", srv.listener.Addr(), err)
				return err
			}
		}

		tempDelay = 0
		log.Debugf("crpc.Server: accepted connection from %s on %s", rw.RemoteAddr().String(), srv.listener.Addr())
		go srv.ServeConn(ctx, rw)
	}
}

// ServeConn serves requests of a single connection in arrival order until it is closed.
func (srv *Server) ServeConn(ctx context.Context, conn net.Conn) {
	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)
	defer conn.Close()

	// Unblock the decoder when the server is shutting down
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		req := &RequestHeader{}
		err := decoder.Decode(req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				log.Debugf("crpc.Server: connection %s closed: %v", conn.RemoteAddr(), err)
			} else {
				log.Errorf("crpc.Server: error decoding request header for %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		dot := strings.LastIndex(req.Method, ".")
		if dot < 0 {
			log.Errorf("crpc.Server: service/method request ill-formed: %q from %s", req.Method, conn.RemoteAddr())
			return
		}
		serviceName := req.Method[:dot]
		methodName := req.Method[dot+1:]

		svci, ok := srv.serviceMap.Load(serviceName)
		if !ok {
			log.Errorf("crpc.Server: can't find service %q for method %q from %s", serviceName, req.Method, conn.RemoteAddr())
			return
		}
		svc := svci.(*service)
		mtype := svc.method[methodName]
		if mtype == nil {
			log.Errorf("crpc.Server: can't find method %q for service %q from %s", methodName, serviceName, conn.RemoteAddr())
			return
		}

		// Decode the argument value
		var argv reflect.Value
		argIsValue := mtype.ArgType.Kind() != reflect.Pointer
		if argIsValue {
			argv = reflect.New(mtype.ArgType)
		} else {
			argv = reflect.New(mtype.ArgType.Elem())
		}

		if err := decoder.Decode(argv.Interface()); err != nil {
			log.Errorf("crpc.Server: error decoding argument for %s on connection %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}
		if argIsValue {
			argv = argv.Elem()
		}

		info := &CallInfo{Method: req.Method, Pubkey: req.Pubkey, RemoteAddr: conn.RemoteAddr()}
		cctx := context.WithValue(ctx, callInfoKey{}, info)

		repl := &ResponseHeader{Seq: req.Seq}
		replyv := reflect.New(mtype.ReplyType.Elem())

		callErr := srv.intercept(cctx, info)
		if callErr == nil {
			callErr = svc.call(cctx, mtype, argv, replyv)
		}
		if callErr != nil {
			repl.Err = callErr.Error()
		}

		if err := encoder.Encode(repl); err != nil {
			log.Errorf("crpc.Server: error encoding response header for %s on connection %s: %v", req.Method, conn.RemoteAddr(), err)
			return
		}

		// Encode response body if call error was nil
		if callErr == nil {
			if err := encoder.Encode(replyv.Interface()); err != nil {
				log.Errorf("crpc.Server: error encoding response body for %s on connection %s: %v", req.Method, conn.RemoteAddr(), err)
				return
			}
		}
	}
}

func (srv *Server) intercept(ctx context.Context, info *CallInfo) error {
	for _, i := range srv.interceptors {
		if err := i(ctx, info); err != nil {
			log.Debugf("crpc.Server: %s from %s rejected: %v", info.Method, info.RemoteAddr, err)
			return err
		}
	}
	return nil
}

func (svc *service) call(ctx context.Context, mtype *methodType, argv, replyv reflect.Value) (err error) {
	mtype.Lock()
	mtype.numCalls++
	mtype.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("crpc.Server: panic during RPC call %s.%s: %v", svc.name, mtype.method.Name, r)
			err = fmt.Errorf("rpc: internal server error during %s.%s", svc.name, mtype.method.Name)
		}
	}()

	function := mtype.method.Func
	returnValues := function.Call([]reflect.Value{svc.rcvr, reflect.ValueOf(ctx), argv, replyv})
	// The return value for the method is an error.
	errInter := returnValues[0].Interface()
	if errInter != nil {
		return errInter.(error)
	}
	return nil
}

// Addr returns the address the server is listening on.
func (srv *Server) Addr() net.Addr {
	return srv.listener.Addr()
}
