// Package admin serves the optional operator HTTP API: event injection,
// tracker management, delivery status and pprof.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chestnut/internal/config"
	rtsup "chestnut/internal/runtime/supervisor"
	"chestnut/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return config.DefaultAdminAddr
}

type Service struct {
	log logx.Logger
	api *api

	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor // nil when not serving
	ln  net.Listener
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Component("admin"))
	return &Service{cfg: cfg, log: log, api: &api{deps: deps, log: log}}
}

// Handler returns the authenticated router for the current token.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	tok := s.cfg.Token
	s.mu.Unlock()
	return s.api.routes(tok)
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, then starts, stops or restarts the server.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev, running := s.cfg, s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is a no-op when already serving or disabled. The listener is
// restarted with backoff if it fails; the admin API never takes the app down.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("admin.http", func(c context.Context) error {
		return s.serve(c, cfg)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}

// Stop shuts the server down and waits for it until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("admin stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("admin stopped")
}

var errInsecureBind = errors.New("non-loopback admin addr requires a token or allow_insecure")

// checkBind reports whether cfg may listen on its address.
func checkBind(cfg Config) (addr string, err error) {
	addr = cfg.addr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, fmt.Errorf("admin addr %q: %w", addr, err)
	}
	if cfg.Token == "" && !cfg.AllowInsecure && !config.IsLoopbackHost(host) {
		return addr, errInsecureBind
	}
	return addr, nil
}

// serve runs one listener until ctx ends. A refused bind stops the task
// instead of restarting it.
func (s *Service) serve(ctx context.Context, cfg Config) error {
	addr, err := checkBind(cfg)
	if errors.Is(err, errInsecureBind) {
		s.log.Error("admin refused to start", logx.String("addr", addr), logx.Err(err))
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.Token == "" && cfg.AllowInsecure {
		s.log.Warn("admin running without token (allow_insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.api.routes(cfg.Token),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("admin started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		<-shutdownDone
		return nil
	}
	_ = srv.Close()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin server exited unexpectedly")
	}
	return err
}
