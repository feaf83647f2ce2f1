// Package gateway exposes the sandbox manager over HTTP and streams
// container terminals over WebSocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hkuds/sandboxd/internal/sandbox"
	"github.com/hkuds/sandboxd/internal/terminal"
)

// Default WebSocket settings.
const (
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 64 * 1024
	DefaultSendQueue      = 256
	DefaultBufferSize     = 4096
)

const shutdownTimeout = 5 * time.Second

// Lifecycle is the container manager the gateway serves.
type Lifecycle interface {
	terminal.Sessions
	Spawn(ctx context.Context, challengeID, image string) (sandbox.Session, error)
	Terminate(ctx context.Context, containerID string) error
	Reset(ctx context.Context, containerID string) error
	List() []sandbox.Session
	Ping(ctx context.Context) error
}

// Options configures the gateway server.
type Options struct {
	Host           string
	Port           int
	PathPrefix     string
	AllowedOrigins []string

	ReadBufferSize int
	SendQueue      int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// Version is reported by the health check.
	Version string
}

func (o *Options) validate() {
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.Port < 0 {
		o.Port = 0
	}
	o.PathPrefix = "/" + strings.Trim(o.PathPrefix, "/")
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultBufferSize
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
}

// pingPeriod must stay below PongWait.
func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// Server is the HTTP and WebSocket front end of the sandbox manager.
type Server struct {
	opts     Options
	manager  Lifecycle
	log      logrus.FieldLogger
	router   chi.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*wsConn]struct{}
	baseCtx context.Context
	addr    net.Addr
	server  *http.Server
}

// NewServer creates a gateway for manager.
func NewServer(manager Lifecycle, opts Options, log logrus.FieldLogger) *Server {
	opts.validate()
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Server{
		opts:    opts,
		manager: manager,
		log:     log.WithField("component", "gateway"),
		conns:   make(map[*wsConn]struct{}),
		baseCtx: context.Background(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.ReadBufferSize,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(accessLog(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
	}))

	r.Route(s.routePrefix(), func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/containers", s.handleList)
		r.Post("/containers", s.handleSpawn)
		r.Post("/containers/terminate", s.handleTerminate)
		r.Post("/containers/reset", s.handleReset)

		r.Get("/terminal", s.handleTerminal)

		// Legacy /docker/* aliases.
		r.Route("/docker", func(r chi.Router) {
			r.Get("/containers", s.handleList)
			r.Post("/spawn", s.handleSpawn)
			r.Post("/terminate", s.handleTerminate)
			r.Post("/reset", s.handleReset)
		})
	})

	return r
}

func (s *Server) routePrefix() string {
	if s.opts.PathPrefix == "/" {
		return "/"
	}
	return s.opts.PathPrefix
}

func (s *Server) corsOrigins() []string {
	if len(s.opts.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.opts.AllowedOrigins
}

// checkOrigin accepts requests without an Origin header and, when an
// allow-list is configured, only the origins on it.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start serves until ctx is cancelled, then shuts down gracefully and
// closes every live terminal connection.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.baseCtx = ctx
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logBanner(ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeConns()
		return err
	case err := <-errCh:
		s.closeConns()
		return err
	}
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) logBanner(addr net.Addr) {
	base := "http://" + addr.String()
	prefix := strings.TrimSuffix(s.routePrefix(), "/")
	s.log.WithFields(logrus.Fields{
		"server":    base,
		"websocket": "ws://" + addr.String() + prefix + "/terminal",
		"health":    base + prefix + "/health",
		"version":   s.opts.Version,
	}).Info("Sandbox gateway running")
}

func (s *Server) connContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Server) track(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// ConnCount returns the number of live terminal connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}
