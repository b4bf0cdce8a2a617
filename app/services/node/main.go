package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ardanlabs/blockstore/app/services/node/handlers"
	"github.com/ardanlabs/blockstore/business/web/mid"
	"github.com/ardanlabs/blockstore/foundation/blockchain/genesis"
	"github.com/ardanlabs/blockstore/foundation/blockchain/notify"
	"github.com/ardanlabs/blockstore/foundation/blockchain/peer"
	"github.com/ardanlabs/blockstore/foundation/blockchain/signature"
	"github.com/ardanlabs/blockstore/foundation/blockchain/state"
	"github.com/ardanlabs/blockstore/foundation/blockchain/storage"
	"github.com/ardanlabs/blockstore/foundation/blockchain/worker"
	"github.com/ardanlabs/blockstore/foundation/events"
	"github.com/ardanlabs/blockstore/foundation/logger"
	"github.com/ardanlabs/blockstore/foundation/nameservice"
	"github.com/ardanlabs/conf/v3"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger. When NODE_LOG_FILE is set the log is
	// also written to a rotating file.
	var log *zap.SugaredLogger
	switch path := os.Getenv("NODE_LOG_FILE"); path {
	case "":
		var err error
		log, err = logger.New("NODE")
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	default:
		log = logger.NewRotating("NODE", path, 100, 5)
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

	// This is all the configuration for the application and the default values.
	// Configuration values will be passed through the application as individual
	// values.
	cfg := struct {
		conf.Version
		Web struct {
			ReadTimeout     time.Duration `conf:"default:5s"`
			WriteTimeout    time.Duration `conf:"default:10s"`
			IdleTimeout     time.Duration `conf:"default:120s"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			PublicHost      string        `conf:"default:0.0.0.0:8080"`
			PrivateHost     string        `conf:"default:0.0.0.0:9080"`
		}
		State struct {
			MinerName   string        `conf:"default:miner1"`
			Backend     string        `conf:"default:bolt"`
			DBPath      string        `conf:"default:zblock/ledger.db"`
			BlocksPath  string        `conf:"default:zblock/blocks"`
			GenesisPath string        `conf:"default:zblock/genesis.yaml"`
			MaxOrphans  int           `conf:"default:100"`
			OrphanTTL   time.Duration `conf:"default:1h"`
			FetchLimit  int           `conf:"default:4"`
			ReadOnly    bool          `conf:"default:false"`
			KnownPeers  []string      `conf:"default:0.0.0.0:9080;0.0.0.0:9180"`
		}
		NameService struct {
			Folder string `conf:"default:zblock/accounts/"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
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

	fmt.Println(` ____  _     ___   ____ _  ______ _____ ___  ____  _____ `)
	fmt.Println(`| __ )| |   / _ \ / ___| |/ / ___|_   _/ _ \|  _ \| ____|`)
	fmt.Println(`|  _ \| |  | | | | |   | ' /\___ \ | || | | | |_) |  _|  `)
	fmt.Println(`| |_) | |__| |_| | |___| . \ ___) || || |_| |  _ <| |___ `)
	fmt.Println(`|____/|_____\___/ \____|_|\_\____/ |_| \___/|_| \_\_____|`)
	fmt.Print("\n")

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Name Service Support

	// The nameservice package provides name resolution for account addresses.
	// The names come from the file names in the zblock/accounts folder.
	ns, err := nameservice.New(cfg.NameService.Folder)
	if err != nil {
		return fmt.Errorf("unable to load account name service: %w", err)
	}

	// Logging the accounts for documentation in the logs.
	for account, name := range ns.Copy() {
		log.Infow("startup", "status", "nameservice", "name", name, "account", account)
	}

	// =========================================================================
	// Metrics Support

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	requestMetrics, err := mid.NewRequestMetrics(reg)
	if err != nil {
		return fmt.Errorf("registering request metrics: %w", err)
	}

	// =========================================================================
	// Blockchain Support

	// The genesis file is optional. Without it the built in parameters are used.
	gen := genesis.Default()
	if _, err := os.Stat(cfg.State.GenesisPath); err == nil {
		if gen, err = genesis.Load(cfg.State.GenesisPath); err != nil {
			return fmt.Errorf("unable to load genesis: %w", err)
		}
	}

	// Need to load the private key file for the configured miner so the
	// address can get credited with the mining reward. A node without a
	// miner only validates and relays.
	var beneficiary string
	if cfg.State.MinerName != "" && !cfg.State.ReadOnly {
		path := filepath.Join(cfg.NameService.Folder, cfg.State.MinerName+".ecdsa")
		privateKey, err := crypto.LoadECDSA(path)
		if err != nil {
			return fmt.Errorf("unable to load private key for node: %w", err)
		}
		beneficiary = signature.Address(privateKey)
	}

	// A peer set is a collection of known nodes in the network so blocks
	// can be shared.
	peerSet := peer.NewPeerSet()
	for _, host := range cfg.State.KnownPeers {
		if host != cfg.Web.PrivateHost {
			peerSet.Add(peer.New(host))
		}
	}

	// The blockchain packages accept a function of this signature to allow the
	// application to log. For now, these raw messages are sent to any websocket
	// client that is connected into the system through the events package.
	evts := events.New()
	ev := func(v string, args ...any) {
		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		evts.Send(s)
	}

	store, err := storage.Open(storage.Config{
		Backend:    cfg.State.Backend,
		DBPath:     cfg.State.DBPath,
		BlocksPath: cfg.State.BlocksPath,
		ReadOnly:   cfg.State.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("unable to open storage: %w", err)
	}

	// The notification bus delivers chain events to the worker and any other
	// subscriber after the chain state lock is released.
	bus := notify.New(ev)
	bus.Start()
	defer bus.Stop()

	// The state value represents the chain store and manages the block
	// index, the ledger and provides an API for application support.
	st, err := state.New(state.Config{
		Genesis:    gen,
		Ledger:     store.Ledger,
		Blocks:     store.Blocks,
		Bus:        bus,
		MaxOrphans: cfg.State.MaxOrphans,
		OrphanTTL:  cfg.State.OrphanTTL,
		ReadOnly:   cfg.State.ReadOnly,
		Registerer: reg,
		EvHandler:  ev,
	})
	if err != nil {
		store.Close()
		return err
	}
	defer st.Shutdown()

	// The worker package implements the different workflows such as mining,
	// block fetching, block relaying, and peer updates. The worker registers
	// itself with the notification bus.
	if !cfg.State.ReadOnly {
		w := worker.Run(worker.Config{
			State:       st,
			Bus:         bus,
			Peers:       peerSet,
			Host:        cfg.Web.PrivateHost,
			Beneficiary: beneficiary,
			FetchLimit:  cfg.State.FetchLimit,
			EvHandler:   ev,
		})
		defer w.Shutdown()
	}

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug v1 router started", "host", cfg.Web.DebugHost)

	// The Debug function returns a mux to listen and serve on for all the debug
	// related endpoints. This includes the standard library endpoints.

	// Construct the mux for the debug calls.
	debugMux := handlers.DebugMux(build, log, st, reg)

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

	muxCfg := handlers.MuxConfig{
		Shutdown:    shutdown,
		Log:         log,
		State:       st,
		Peers:       peerSet,
		Host:        cfg.Web.PrivateHost,
		Beneficiary: beneficiary,
		NS:          ns,
		Evts:        evts,
		Metrics:     requestMetrics,
	}

	// =========================================================================
	// Start Public Service

	log.Infow("startup", "status", "initializing V1 public API support")

	// Construct a server to service the requests against the mux.
	public := http.Server{
		Addr:         cfg.Web.PublicHost,
		Handler:      handlers.PublicMux(muxCfg),
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
	// Start Private Service

	log.Infow("startup", "status", "initializing V1 private API support")

	// Construct a server to service the requests against the mux.
	private := http.Server{
		Addr:         cfg.Web.PrivateHost,
		Handler:      handlers.PrivateMux(muxCfg),
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     zap.NewStdLog(log.Desugar()),
	}

	// Start the service listening for api requests.
	go func() {
		log.Infow("startup", "status", "private api router started", "host", private.Addr)
		serverErrors <- private.ListenAndServe()
	}()

	// =========================================================================
	// Shutdown

	// Blocking main and waiting for shutdown.
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		// Release any web sockets that are currently active.
		log.Infow("shutdown", "status", "shutdown web socket channels")
		evts.Shutdown()

		// Give outstanding requests a deadline for completion.
		ctx, cancelPri := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancelPri()

		// Asking listener to shut down and shed load.
		log.Infow("shutdown", "status", "shutdown private API started")
		if err := private.Shutdown(ctx); err != nil {
			private.Close()
			return fmt.Errorf("could not stop private service gracefully: %w", err)
		}

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
