package main

import (
	"context"
	"flag"
	"os"
	"peernet/commands"
	"peernet/config"

	log "github.com/sirupsen/logrus"
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

func checkConfig(cfg string) {
	if cfg == "" {
		log.Fatal("Config file not specified")
	}
}

func loadConfig(configFile string) *config.Config {
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// main is the entry point of the application.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configFile := flag.String("config", "", "Path to config file")
	logLevel := flag.String("loglevel", "info", "Log level")

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	registerGlobalFlags(serveCmd)

	dialCmd := flag.NewFlagSet("dial", flag.ExitOnError)
	endpoint := dialCmd.String("endpoint", "", "Listening endpoint of the remote node, host:port")
	registerGlobalFlags(dialCmd)

	infoCmd := flag.NewFlagSet("info", flag.ExitOnError)
	registerGlobalFlags(infoCmd)

	if len(os.Args) < 2 {
		log.WithField("args", os.Args).Fatal("Expected a subcommand")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		cfg := config.NewEmptyConfig(*configFile)
		commands.RunInit(ctx, cfg, *configFile)
	case "serve":
		serveCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunServe(ctx, loadConfig(*configFile))
	case "dial":
		dialCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		if *endpoint == "" {
			log.Fatal("Endpoint not specified")
		}
		commands.RunDial(ctx, loadConfig(*configFile), *endpoint)
	case "info":
		infoCmd.Parse(args)
		checkConfig(*configFile)
		setLogLevel(*logLevel)
		commands.RunInfo(ctx, loadConfig(*configFile))
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}
