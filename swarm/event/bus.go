// Package event delivers network events to in-process subscribers.
//
// A subscriber is any exported type. Each of its exported methods with a single
// pointer argument and no results handles the topic named after the method, for
// example PeerConnected(*PeerConnectedEvent).
package event

import (
	"fmt"
	"go/token"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"
)

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type subscriber struct {
	name     string
	rcvr     reflect.Value
	handlers map[string]*handlerType
}

type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
}

func NewBus() *Bus {
	return &Bus{}
}

// Register adds rcvr to the subscribers. It fails if rcvr handles no topic.
func (b *Bus) Register(rcvr any) error {
	s := &subscriber{rcvr: reflect.ValueOf(rcvr)}
	typ := reflect.TypeOf(rcvr)
	s.name = reflect.Indirect(s.rcvr).Type().Name()
	if s.name == "" || !token.IsExported(s.name) {
		return fmt.Errorf("event: subscriber type %s is not exported", typ)
	}

	s.handlers = suitableHandlers(typ)
	if len(s.handlers) == 0 {
		return fmt.Errorf("event: type %s has no exported methods of suitable type", s.name)
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, s)
	b.mu.Unlock()

	for topic := range s.handlers {
		log.Debugf("event: %s subscribed to %s", s.name, topic)
	}
	return nil
}

func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		if !method.IsExported() {
			continue
		}
		// receiver, *event
		if mtype.NumIn() != 2 || mtype.NumOut() != 0 {
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer {
			continue
		}
		handlers[method.Name] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

// Publish hands ev to every subscriber handling topic, synchronously and in
// registration order. It returns the number of handlers invoked.
func (b *Bus) Publish(topic string, ev any) int {
	arg := reflect.ValueOf(ev)

	b.mu.RLock()
	subscribers := b.subscribers
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subscribers {
		h := s.handlers[topic]
		if h == nil {
			continue
		}
		if !arg.IsValid() || arg.Type() != h.argType {
			log.Errorf("event: %s.%s expects %s, got %T", s.name, topic, h.argType, ev)
			continue
		}
		if call(s, h, arg) {
			delivered++
		}
	}
	return delivered
}

func call(s *subscriber, h *handlerType, arg reflect.Value) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event: %s.%s panicked: %v", s.name, h.method.Name, r)
			ok = false
		}
	}()
	h.method.Func.Call([]reflect.Value{s.rcvr, arg})
	return true
}
