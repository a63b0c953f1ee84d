// Clipforge is a private, multi-user video transcoding service fed by a
// chat-messaging platform. This binary wires the core components (intake
// controller, job store, queue broker, I/O worker, CPU worker) plus the
// operator-facing ops API into one process: flag-parsed log level, TOML
// config load, signal-driven context cancellation, and a single top-level
// Run call per component.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/clipforge/clipforge/internal/broker"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/cpuworker"
	"github.com/clipforge/clipforge/internal/intake"
	"github.com/clipforge/clipforge/internal/ioworker"
	"github.com/clipforge/clipforge/internal/mediaclient"
	"github.com/clipforge/clipforge/internal/opsapi"
	"github.com/clipforge/clipforge/internal/store"
	"github.com/clipforge/clipforge/internal/store/memstore"
	"github.com/clipforge/clipforge/internal/store/postgres"
	"github.com/clipforge/clipforge/pkg/logger"
)

var log = logger.Get("Bootstrap")

var (
	logLevelFlag = flag.String("log-level", "info", "Define logging level from one of [verbose, debug, info, important, warning, error]")
	configFlag   = flag.String("config", "", "Path to the TOML config file; if empty, configuration is read from the environment")
	memStoreFlag = flag.Bool("mem-store", false, "Use the in-memory job store instead of Postgres (local smoke-runs only)")
	opsAPIFlag   = flag.Bool("ops-api", true, "Whether to start the operator HTTP+WebSocket surface")
)

// 0 normal shutdown; 1 config invalid; 2 store unreachable; 3 broker
// unreachable.
const (
	exitOK            = 0
	exitConfigInvalid = 1
	exitStoreUnreach  = 2
	exitBrokerUnreach = 3
)

func main() {
	flag.Parse()

	level, err := parseLogLevelFromString(*logLevelFlag)
	if err != nil {
		fmt.Println(err.Error())
		flag.Usage()
		os.Exit(exitConfigInvalid)
	}
	logger.SetMinLoggingLevel(level)

	cfg := config.Config{}
	if *configFlag != "" {
		err = cfg.LoadFromFile(*configFlag)
	} else {
		err = cfg.LoadFromEnv()
	}
	if err != nil {
		log.Fatalf("failed to load configuration: %v\n", err)
		os.Exit(exitConfigInvalid)
	}

	os.Exit(run(cfg))
}

func run(cfg config.Config) int {
	log.Infof(" --- Starting Clipforge ---\n")

	ctx, cancel := context.WithCancel(context.Background())
	go listenForInterrupt(cancel)

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("job store unreachable: %v\n", err)
		return exitStoreUnreach
	}

	br := broker.New(256)
	defer br.Close()

	mc := mediaclient.NewFake()

	// With the ops API enabled, every successful status CAS also lands on
	// the operator socket feed; wrap the store before any component sees it.
	feed := opsapi.NewFeed()
	if *opsAPIFlag {
		st = feed.WrapStore(st)
	}

	ctrl := intake.New(cfg, st, br, mc)
	ioWorker := ioworker.New(cfg, st, br, mc)
	cpuWorker := cpuworker.New(cfg, st, br, mc)

	var wg sync.WaitGroup
	runComponent(ctx, &wg, "io-worker", ioWorker.Run)
	runComponent(ctx, &wg, "cpu-worker", cpuWorker.Run)

	if *opsAPIFlag {
		api := opsapi.New(cfg, st, ctrl, br, feed)
		runComponent(ctx, &wg, "ops-api", api.Run)
	}

	wg.Wait()
	log.Infof("Clipforge shutdown complete\n")
	return exitOK
}

func openStore(cfg config.Config) (store.Store, error) {
	if *memStoreFlag {
		return memstore.New(), nil
	}
	return postgres.Connect(cfg.Database)
}

func runComponent(ctx context.Context, wg *sync.WaitGroup, name string, run func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("%s exited unexpectedly: %v\n", name, err)
		}
	}()
}

func listenForInterrupt(cancel context.CancelFunc) {
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)

	<-exitChannel
	cancel()
}

func parseLogLevelFromString(l string) (logger.LogLevel, error) {
	switch strings.ToLower(l) {
	case "verbose":
		return logger.VERBOSE.Level(), nil
	case "debug":
		return logger.DEBUG.Level(), nil
	case "info":
		return logger.INFO.Level(), nil
	case "important":
		return logger.SUCCESS.Level(), nil
	case "warning":
		return logger.WARNING.Level(), nil
	case "error":
		return logger.ERROR.Level(), nil
	default:
		return logger.INFO.Level(), fmt.Errorf("logging level %s is not recognized", l)
	}
}
