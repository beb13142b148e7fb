package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/ardanlabs/p2pchain/app/services/node/handlers"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/network"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/state"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/worker"
	"github.com/ardanlabs/p2pchain/foundation/events"
	"github.com/ardanlabs/p2pchain/foundation/logger"
	"github.com/libp2p/go-libp2p/core/crypto"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("NODE")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
		}
		P2P struct {
			ListenAddrs   []string      `conf:"default:/ip4/0.0.0.0/tcp/0"`
			ChainTopic    string        `conf:"default:chains"`
			BlockTopic    string        `conf:"default:blocks"`
			ServiceTag    string        `conf:"default:p2pchain"`
			KnownPeers    []string      `conf:"help:full multiaddrs including /p2p/<id>"`
			PeerTTL       time.Duration `conf:"default:5m"`
			SweepInterval time.Duration `conf:"default:30s"`
		}
		State struct {
			Difficulty string        `conf:"default:00"`
			InitDelay  time.Duration `conf:"default:1s"`
			Console    bool          `conf:"default:true"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "p2p proof of work chain node",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "NODE"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Blockchain Support

	// The blockchain packages accept a function of this signature to allow the
	// application to log. These raw messages are also sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	// The identity of this node is generated once per process and handed to
	// the network.
	identity, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return fmt.Errorf("generating node identity: %w", err)
	}

	p2p, err := network.New(network.Config{
		Identity:      identity,
		ListenAddrs:   cfg.P2P.ListenAddrs,
		ChainTopic:    cfg.P2P.ChainTopic,
		BlockTopic:    cfg.P2P.BlockTopic,
		ServiceTag:    cfg.P2P.ServiceTag,
		KnownPeers:    cfg.P2P.KnownPeers,
		PeerTTL:       cfg.P2P.PeerTTL,
		SweepInterval: cfg.P2P.SweepInterval,
		EvHandler:     network.EventHandler(ev),
	})
	if err != nil {
		return fmt.Errorf("starting network: %w", err)
	}
	defer p2p.Shutdown()

	log.Infow("startup", "status", "network started", "peerid", p2p.ID(), "addrs", p2p.Addrs())

	// The worker mines blocks off the event loop goroutine.
	w := worker.New(cfg.State.Difficulty, worker.EventHandler(ev))
	defer w.Shutdown()

	// The state value represents the blockchain node and owns the chain.
	st, err := state.New(state.Config{
		Network:    p2p,
		Miner:      w,
		Difficulty: cfg.State.Difficulty,
		InitDelay:  cfg.State.InitDelay,
		Out:        os.Stdout,
		EvHandler:  state.EventHandler(ev),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Make a channel to listen for a fatal error from the event loop.
	stateErrors := make(chan error, 1)
	go func() {
		stateErrors <- st.Run(ctx)
	}()

	if cfg.State.Console {
		go console(ctx, log, st)
	}

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st)

	// Start the service listening for debug requests.
	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug v1 router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Service Start/Stop Support

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct the mux for the public API calls.
	publicMux := handlers.PublicMux(handlers.MuxConfig{
		Shutdown: shutdown,
		Log:      log,
		State:    st,
		Evts:     evts,
	})

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      publicMux,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "public api router started", "host", public.Addr)
		serverErrors <- public.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case err := <-stateErrors:
		evts.Shutdown()
		if err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
		return errors.New("event loop stopped unexpectedly")

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Stop the event loop before the network goes away.
		cancel()
		if err := <-stateErrors; err != nil {
			log.Errorw("shutdown", "status", "event loop", "ERROR", err)
		}

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPub := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPub()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown public API started")
		if err := public.Shutdown(ctx); err != nil {
			public.Close()
			return fmt.Errorf("could not stop public service gracefully: %w", err)
		}
	}

	return nil
}

// console reads commands from stdin and hands them to the event loop.
func console(ctx context.Context, log *zap.SugaredLogger, st *state.State) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := st.Submit(ctx, line); err != nil {
			log.Infow("console", "status", "stopped", "ERROR", err)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		log.Errorw("console", "status", "stdin closed", "ERROR", err)
	}
}
