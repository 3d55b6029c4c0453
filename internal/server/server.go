// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the TW-Gate License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implementa o gateway HTTP (twgate-server).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nishisan-dev/tw-gate/internal/config"
	"github.com/nishisan-dev/tw-gate/internal/pki"
)

// shutdownTimeout limita o drain de requests em andamento durante o
// desligamento. Acima disso as conexões restantes são derrubadas.
const shutdownTimeout = 10 * time.Second

// Run inicia o gateway e bloqueia até o context ser cancelado. TLS é
// habilitado quando server_cert e server_key estão configurados; client_ca
// opcionalmente exige mTLS.
func Run(ctx context.Context, cfg *config.ServerConfig, handler *Handler, logger *slog.Logger) error {
	srv := newHTTPServer(cfg, handler)

	if cfg.TLS.Enabled() {
		tlsCfg, err := pki.NewServerTLSConfig(cfg.TLS.ServerCert, cfg.TLS.ServerKey, cfg.TLS.ClientCA)
		if err != nil {
			return fmt.Errorf("configuring TLS: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}

	logger.Info("server listening", "address", ln.Addr().String(), "tls", cfg.TLS.Enabled())
	return serve(ctx, srv, ln, logger)
}

// RunWithListener inicia o gateway sobre um listener já existente (para testes).
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.ServerConfig, handler *Handler, logger *slog.Logger) error {
	return serve(ctx, newHTTPServer(cfg, handler), ln, logger)
}

func newHTTPServer(cfg *config.ServerConfig, handler *Handler) *http.Server {
	return &http.Server{
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	}
}
