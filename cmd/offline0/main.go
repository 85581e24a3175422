package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offline0/internal/offline0"
)

func main() {
	var (
		configPath string
		trace      bool
		logFile    string
	)
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.BoolVar(&trace, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFile, "log-file", "", "Log file to use (in addition to stdout)")
	flag.Parse()

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			log.Fatal().Err(err).Msg("cannot open log file")
		}
		defer f.Close()
		outputs = append(outputs, f)
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(outputs...))

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("load config")
	}
	level := cfg.LogLevel()
	if trace {
		level = zerolog.TraceLevel
	}
	log.Logger = log.Logger.Level(level)

	svc, err := offline0.NewService(cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init service")
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// without an active version requests get 503 until a reload installs one
	if err := svc.Start(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("install failed")
	}

	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("listen")
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return
		case <-hup:
			next, err := offline0.LoadConfig(configPath)
			if err != nil {
				log.Error().Err(err).Msg("reload config")
				continue
			}
			if err := svc.Reload(ctx, next); err != nil {
				log.Error().Err(err).Msg("reload")
				continue
			}
			log.Info().Str("token", next.Version.Token).Msg("reloaded")
		}
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
