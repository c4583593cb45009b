// Command sipstackd wires the router, call actor, registrar, outbound and
// auth packages into a runnable service, replacing the teacher's
// cmd/proxysip/example/proxysip demo. It has no socket of its own: per
// the transport layer being an external collaborator, a real UDP/TCP/TLS
// listener plugs in by constructing sip.Connection values and delivering
// parsed messages to Router.SendWork (see connRegistry in this package
// for the flow-token side of that contract).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog/v2"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/router"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug-level logging")
	metricsAddr := flag.String("metrics", ":8080", "address for /metrics and /health")
	realm := flag.String("realm", "sipstack.local", "digest realm issued on challenges")
	maxCalls := flag.Int("max-calls", 0, "per-service concurrent call cap, 0 = unbounded")
	flag.Parse()

	logger := newLogger(*debug)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())

	authSvc := auth.NewService("sipstackd", 5*time.Minute)
	store := registrar.NewStore()
	conns := newConnRegistry()

	svc := buildService(logger, authSvc, store, conns, *realm, *maxCalls)

	r := router.New(logger)
	if err := r.RegisterService("default", svc, registry); err != nil {
		logger.Error("failed to register service", "error", err)
		os.Exit(1)
	}

	go runSweeper(context.Background(), authSvc, store, logger)

	srv := &http.Server{Addr: *metricsAddr, Handler: metricsMux(registry)}
	go func() {
		logger.Info("metrics server listening", "addr", *metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("sipstackd ready", "service", "default", "active_calls", r.ActiveCalls("default"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func newLogger(debug bool) *slog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05.000"}).
		With().Timestamp().Logger().Level(level)

	slogLevel := slog.LevelInfo
	if debug {
		slogLevel = slog.LevelDebug
	}
	handler := slogzerolog.Option{Level: slogLevel, Logger: &zl}.NewZerologHandler()
	return slog.New(handler)
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

// runSweeper implements §4.8/§4.7's periodic housekeeping: expired nonces
// and expired registrar bindings are dropped on a fixed interval so
// neither table grows unbounded.
func runSweeper(ctx context.Context, authSvc *auth.Service, store *registrar.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			authSvc.ExpireNonces(now)
			store.ExpireAll(now)
		}
	}
}
