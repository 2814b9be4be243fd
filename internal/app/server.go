package app

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/MrWong99/tutorlive/internal/health"
	"github.com/MrWong99/tutorlive/internal/observe"
	"github.com/MrWong99/tutorlive/internal/voice"
)

// serve starts the metrics and health side server when server.listen_addr is
// set. The listener is bound synchronously so a bad address fails Run.
func (a *App) serve() error {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	health.New(
		health.StateCheck("session", a.ctrl.State, voice.StateActive),
	).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	a.srvMu.Lock()
	a.addr = ln.Addr().String()
	a.srvMu.Unlock()
	a.closers = append(a.closers, srv.Shutdown)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("side server stopped", "err", err)
		}
	}()
	a.log.Info("side server listening", "addr", a.addr)
	return nil
}

// Addr returns the side server's bound address, or "" when it is not running.
func (a *App) Addr() string {
	a.srvMu.Lock()
	defer a.srvMu.Unlock()
	return a.addr
}
