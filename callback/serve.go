//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"trpc.group/trpc-go/trpc-durable-go/log"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("callback: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the handler on ln until ctx is done, then shuts the server
// down. Open event streams end with ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Infof("callback: listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return fmt.Errorf("callback: serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("callback: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("callback: serve: %w", err)
	}
	log.Infof("callback: stopped listening on %s", ln.Addr())
	return nil
}
