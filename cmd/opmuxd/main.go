// Command opmuxd serves demonstration methods over TCP and WebSocket.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/julienschmidt/httprouter"
	"github.com/linkdata/opmux"
	"github.com/pkg/profile"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		listenAddr string
		httpAddr   string
		configPath string
		logLevel   string
		netLog     bool
		cpuProfile bool
	)
	flagSet := pflag.NewFlagSet("opmuxd", pflag.ContinueOnError)
	flagSet.StringVar(&listenAddr, "listen", opmux.DefaultListenAddr, "TCP address to serve operations on")
	flagSet.StringVar(&httpAddr, "http", "", "HTTP address for /link (websocket) and /stats, disabled if empty")
	flagSet.StringVar(&configPath, "config", "", "TOML configuration file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	flagSet.BoolVar(&netLog, "netlog", false, "log every frame at debug level")
	flagSet.BoolVar(&cpuProfile, "profile", false, "write a CPU profile to a file")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg := opmux.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = opmux.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.NetLog = cfg.NetLog || netLog
	cfg.Logger = opmux.NewLogger(os.Stderr, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cpuProfile {
		defer profile.Start(profile.CPUProfile, profile.Quiet).Stop()
	}

	srv := &opmux.Server{
		Addr:     listenAddr,
		Servicer: newDemoServicer(cfg.Logger),
		Config:   cfg,
	}
	ln, err := srv.Listen(listenAddr)
	if err != nil {
		return err
	}
	cfg.Logger.Info().Str("addr", srv.Addr).Msg("serving operations")

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Serve(ln) }()

	var hs *http.Server
	if httpAddr != "" {
		hs = &http.Server{Addr: httpAddr, Handler: newRouter(srv, cfg.Logger)}
		go func() { errCh <- hs.ListenAndServe() }()
		cfg.Logger.Info().Str("addr", httpAddr).Msg("serving http")
	}

	stopChannel := make(chan os.Signal, 1)
	signal.Notify(stopChannel, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stopChannel:
		cfg.Logger.Info().Stringer("signal", sig).Msg("stopping")
	case err = <-errCh:
	}
	if hs != nil {
		hs.Close()
	}
	srv.Close()
	return err
}

func newRouter(srv *opmux.Server, log zerolog.Logger) *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/link", srv.ServeWebsocket)
	router.GET("/stats", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, outcome := range opmux.Outcomes() {
			fmt.Fprintf(w, "%s\t%d\n", outcome, srv.OperationStats()[outcome])
		}
		fmt.Fprintf(w, "live\t%d\nread\t%d\nwritten\t%d\n", srv.LiveOperations(), srv.BytesRead(), srv.BytesWritten())
		for msg, n := range srv.ServeErrors() {
			log.Debug().Int("count", n).Msg(msg)
		}
	})
	return router
}
