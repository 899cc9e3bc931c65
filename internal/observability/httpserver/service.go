package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rtsup "taskforge/internal/runtime/supervisor"
	logx "taskforge/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9464"
	pprofPrefix = "/debug/pprof/"
)

// Config controls the diagnostics server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sources feed the endpoints. A nil source answers 404.
type Sources struct {
	// Gatherer backs /metrics.
	Gatherer prometheus.Gatherer
	// Tasks backs /tasks with a JSON-encodable snapshot.
	Tasks func() any
	// Runs backs /runs?limit=N with recent executions.
	Runs func(ctx context.Context, limit int) (any, error)
}

var errInsecureBind = errors.New("http server refused to start: insecure bind")

type Service struct {
	log logx.Logger
	src Sources

	mu       sync.Mutex
	cfg      Config
	sup      *rtsup.Supervisor
	addr     string
	stopDone chan struct{}
}

func New(cfg Config, src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "http"))}
}

// Addr returns the bound address while serving, or "".
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Reconfigure applies cfg, starting, stopping or restarting the server as
// needed. Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the server under a restart loop. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		// Diagnostics are optional; a failing server never cancels the app.
		sup := rtsup.NewSupervisor(context.WithoutCancel(ctx),
			rtsup.WithLogger(s.log),
			rtsup.WithCancelOnError(false),
		)
		s.sup = sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down, giving in-flight requests until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	sup := s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		sup.Cancel()
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup = nil
		s.addr = ""
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("http server stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	loopback := isLoopbackAddr(addr)
	if !loopback && cur.Token == "" {
		if !cur.AllowInsecure {
			s.log.Error("http server refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return errInsecureBind
		}
		s.log.Warn("http server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}

	srv := &http.Server{
		Handler:      s.routes(cur),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
	}
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(cctx)
			cancel()
		case <-stopped:
		}
	}()
	defer close(stopped)

	bound := ln.Addr().String()
	s.mu.Lock()
	s.addr = bound
	s.mu.Unlock()
	s.log.Info("http server started",
		logx.String("addr", bound),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)

	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Service) routes(cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.Handler) http.Handler { return withAuth(cfg.Token, h) }

	mux.Handle("GET /healthz", auth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})))
	if s.src.Gatherer != nil {
		mux.Handle("GET /metrics", auth(promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.src.Tasks != nil {
		mux.Handle("GET /tasks", auth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			s.writeJSON(w, s.src.Tasks())
		})))
	}
	if s.src.Runs != nil {
		mux.Handle("GET /runs", auth(http.HandlerFunc(s.handleRuns)))
	}
	if cfg.Pprof {
		mux.Handle(pprofPrefix, auth(http.HandlerFunc(hpprof.Index)))
		mux.Handle(pprofPrefix+"cmdline", auth(http.HandlerFunc(hpprof.Cmdline)))
		mux.Handle(pprofPrefix+"profile", auth(http.HandlerFunc(hpprof.Profile)))
		mux.Handle(pprofPrefix+"symbol", auth(http.HandlerFunc(hpprof.Symbol)))
		mux.Handle(pprofPrefix+"trace", auth(http.HandlerFunc(hpprof.Trace)))
	}
	return mux
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 5000)
	}
	runs, err := s.src.Runs(r.Context(), limit)
	if err != nil {
		s.log.Warn("runs query failed", logx.Err(err))
		http.Error(w, "runs unavailable", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, runs)
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	b, err := sonic.Marshal(v)
	if err != nil {
		s.log.Warn("json encode failed", logx.Err(err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				got = strings.TrimSpace(ah)
			}
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// isLoopbackAddr reports whether host:port binds only to loopback. An empty
// host means every interface.
func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
