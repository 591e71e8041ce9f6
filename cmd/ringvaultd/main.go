package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringvault/internal/api"
	"ringvault/internal/chord"
	"ringvault/internal/config"
	"ringvault/internal/dhash"
	"ringvault/internal/ida"
	"ringvault/internal/merkle"
	"ringvault/internal/ring"
	"ringvault/internal/transport"
	"ringvault/pkg"
)

func main() {
	host := flag.String("host", "127.0.0.1", "host address to bind to")
	port := flag.Int("port", 7300, "port for the JSON/TCP ring protocol")
	httpPort := flag.Int("http-port", 8080, "port for the telemetry WebSocket API")
	bootstrap := flag.String("bootstrap", "", "bootstrap peer address (host:port) to join an existing ring")
	idaN := flag.Int("ida-n", 0, "IDA fragment count n (0 = config default)")
	idaM := flag.Int("ida-m", 0, "IDA reconstruction threshold m (0 = config default)")
	idaP := flag.Int64("ida-p", 0, "IDA prime modulus p (0 = config default)")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", "console", "log format (json, console)")
	logFile := flag.String("log-file", "", "path to a rotated log file (empty disables file logging)")
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.Host = *host
	cfg.Port = *port
	cfg.HTTPPort = *httpPort
	cfg.BootstrapAddr = *bootstrap
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.LogFile = *logFile
	if *idaN > 0 {
		cfg.IdaN = *idaN
	}
	if *idaM > 0 {
		cfg.IdaM = *idaM
	}
	if *idaP > 0 {
		cfg.IdaP = *idaP
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = cfg.LogFile
	}
	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Int("http_port", cfg.HTTPPort).Msg("starting ringvault node")

	space := ring.NewSpace(cfg.RingBase, cfg.RingDigits)
	self := chord.RemotePeer{
		ID:     space.HashNode(cfg.Host, cfg.Port),
		MinKey: space.HashNode(cfg.Host, cfg.Port),
		IP:     cfg.Host,
		Port:   cfg.Port,
	}
	store := merkle.New[ida.Fragment](space, cfg.MerkleFanout, self.ID.AddUint64(1), self.ID)
	client := transport.NewClient[ida.Fragment](space, cfg.RPCTimeout, logger)

	chordNode := chord.NewNode(chord.Config{
		Space:               space,
		Self:                self,
		SuccessorListSize:   cfg.SuccessorListSize,
		StabilizeInterval:   cfg.StabilizeInterval,
		MaintenanceInterval: cfg.MaintenanceInterval,
		RPCTimeout:          cfg.RPCTimeout,
	}, store, client, logger)

	codec, err := ida.NewCodec(cfg.IdaN, cfg.IdaM, cfg.IdaP)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct IDA codec")
		os.Exit(1)
	}
	node := dhash.NewNode(chordNode, codec, logger)
	chordNode.SetMaintenanceHook(node)

	hub := api.NewWebSocketHub(logger)
	chordNode.SetBroadcaster(hub)
	go hub.Run()

	server := transport.NewServer[ida.Fragment](chordNode, node, transport.DefaultWorkers, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	if err := server.Listen(addr); err != nil {
		logger.Error().Err(err).Msg("failed to start transport server")
		os.Exit(1)
	}
	logger.Info().Str("address", addr).Msg("transport server listening")

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/ws", hub.HandleWebSocket)
	httpSrv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort), Handler: httpMux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("telemetry http server failed")
		}
	}()
	logger.Info().Int("port", cfg.HTTPPort).Msg("telemetry websocket api started")

	ctx := context.Background()
	if cfg.BootstrapAddr == "" {
		logger.Info().Msg("creating new ring")
		if err := chordNode.StartChord(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to start ring")
			shutdown(chordNode, server, hub, httpSrv, logger)
			os.Exit(1)
		}
	} else {
		logger.Info().Str("bootstrap", cfg.BootstrapAddr).Msg("joining existing ring")
		if err := chordNode.Join(ctx, cfg.BootstrapAddr); err != nil {
			logger.Error().Err(err).Msg("failed to join ring")
			shutdown(chordNode, server, hub, httpSrv, logger)
			os.Exit(1)
		}
	}

	logger.Info().Msg("ringvault node ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdown(chordNode, server, hub, httpSrv, logger)
	logger.Info().Msg("ringvault node shutdown complete")
}

func shutdown(node *chord.Node[ida.Fragment], server *transport.Server[ida.Fragment], hub *api.WebSocketHub, httpSrv *http.Server, logger *pkg.Logger) {
	logger.Info().Msg("starting graceful shutdown")

	if err := node.Leave(context.Background()); err != nil {
		logger.Error().Err(err).Msg("error leaving ring gracefully")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error stopping telemetry http server")
	}

	hub.Stop()

	if err := server.Close(); err != nil {
		logger.Error().Err(err).Msg("error stopping transport server")
	}

	logger.Close()
}
