// Command gatekeepd is the process entry point. It is a thin wrapper,
// deliberately outside the CORE's scope: it decides, from WORKER_ID,
// whether this process is the supervisor or one of its peer workers, and
// wires the CORE components together for the worker role.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gatekeepd/gatekeepd/internal/acmebroker"
	"github.com/gatekeepd/gatekeepd/internal/certstore"
	"github.com/gatekeepd/gatekeepd/internal/config"
	"github.com/gatekeepd/gatekeepd/internal/forwarder"
	"github.com/gatekeepd/gatekeepd/internal/logging"
	"github.com/gatekeepd/gatekeepd/internal/routing"
	"github.com/gatekeepd/gatekeepd/internal/store"
	"github.com/gatekeepd/gatekeepd/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatekeepd: config:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gatekeepd: logging:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if !cfg.IsWorker() {
		sup, err := supervisor.New(log)
		if err != nil {
			log.Error("failed to construct supervisor", zap.Error(err))
			os.Exit(1)
		}
		os.Exit(sup.RunUntilSignal())
	}

	if err := runWorker(cfg, log); err != nil {
		log.Error("worker failed", zap.Int("worker_id", cfg.WorkerID), zap.Error(err))
		os.Exit(1)
	}
	os.Exit(0)
}

func runWorker(cfg config.Config, log *zap.Logger) error {
	log = log.With(zap.Int("worker_id", cfg.WorkerID))

	st, err := store.Initialize(cfg.DBPath, log)
	if err != nil {
		return fmt.Errorf("initialize mapping store: %w", err)
	}
	defer st.Close()

	resolver := routing.NewResolver(st)
	builder := routing.NewTargetBuilder()
	broker := acmebroker.New(cfg.CertsDir, cfg.AcmeDirURL, log)
	certs, err := certstore.Initialize(cfg.CertsDir, broker, log)
	if err != nil {
		return fmt.Errorf("initialize certificate store: %w", err)
	}

	srv := forwarder.NewServer(resolver, builder, broker, certs, log)
	authorizer := forwarder.NewAuthorizer(resolver)
	sni := forwarder.NewSNIResolver(certs, authorizer, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpLn, err := supervisor.Listen(ctx, httpAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	httpServer := &http.Server{Handler: srv, ReadHeaderTimeout: 30 * time.Second}
	go func() {
		log.Info("plain http listener started", zap.String("addr", httpAddr))
		errCh <- httpServer.Serve(httpLn)
	}()

	var httpsServer *http.Server
	if cfg.EnableHTTPS {
		httpsAddr := fmt.Sprintf(":%d", cfg.HTTPSPort)
		httpsLn, err := supervisor.Listen(ctx, httpsAddr)
		if err != nil {
			return fmt.Errorf("listen https: %w", err)
		}
		tlsConfig := forwarder.TLSConfig(sni)
		httpsServer = &http.Server{Handler: srv, TLSConfig: tlsConfig, ReadHeaderTimeout: 30 * time.Second}
		tlsLn := tls.NewListener(httpsLn, tlsConfig)
		go func() {
			log.Info("tls listener started", zap.String("addr", httpsAddr))
			errCh <- httpsServer.Serve(tlsLn)
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		if httpsServer != nil {
			httpsServer.Shutdown(shutdownCtx)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
