package outspeed

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/outspeed-ai/outspeed-go/shared"
	"github.com/outspeed-ai/outspeed-go/tracing"
)

// Environment variables honored by the server.
const (
	envKeyHTTPPort    = "HTTP_PORT"
	envKeySSLCertPath = "SSL_CERT_PATH"
	envKeySSLKeyPath  = "SSL_KEY_PATH"
)

const defaultHTTPPort = 8080

// RealtimeServer serves the SDK's HTTP surface: the connection listing, the
// WebSocket endpoint and the WebRTC offer endpoint. TLS is enabled when
// SSL_CERT_PATH and SSL_KEY_PATH name existing files.
type RealtimeServer struct {
	logger  shared.LoggerAdapter
	metrics *tracing.Publisher

	host     string
	port     int
	certPath string
	keyPath  string

	mu      sync.Mutex
	conns   map[string]struct{}
	routes  map[string]fasthttp.RequestHandler
	srv     *fasthttp.Server
	running bool
}

// NewRealtimeServer builds a server listening on 0.0.0.0:$HTTP_PORT
// (default 8080).
func NewRealtimeServer(logger shared.LoggerAdapter, metrics *tracing.Publisher) (*RealtimeServer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	port, err := shared.Getenv(shared.GetenvInt, envKeyHTTPPort, false, defaultHTTPPort)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", envKeyHTTPPort, err)
	}
	s := &RealtimeServer{
		logger:  logger,
		metrics: metrics,
		host:    "0.0.0.0",
		port:    port,
		conns:   make(map[string]struct{}),
		routes:  make(map[string]fasthttp.RequestHandler),
	}
	certPath := os.Getenv(envKeySSLCertPath)
	keyPath := os.Getenv(envKeySSLKeyPath)
	if fileExists(certPath) && fileExists(keyPath) {
		s.certPath, s.keyPath = certPath, keyPath
	}
	return s, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// TLS reports whether the server will serve HTTPS.
func (s *RealtimeServer) TLS() bool {
	return s.certPath != "" && s.keyPath != ""
}

// Addr returns the listen address.
func (s *RealtimeServer) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Handle registers a handler for an exact path. Must be called before Start.
func (s *RealtimeServer) Handle(path string, handler fasthttp.RequestHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return shared.ErrServerAlreadyRunning
	}
	s.routes[path] = handler
	return nil
}

// AddConnection registers a new client connection and returns its id.
func (s *RealtimeServer) AddConnection() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.conns[id] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("connection added", zap.String("connection_id", id))
	return id
}

// RemoveConnection deregisters a client connection.
func (s *RealtimeServer) RemoveConnection(id string) {
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		s.logger.Warn("removing unknown connection", zap.String("connection_id", id))
		return
	}
	s.logger.Info("connection removed", zap.String("connection_id", id))
}

// Connections returns the ids of the active connections.
func (s *RealtimeServer) Connections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

func (s *RealtimeServer) handleConnections(ctx *fasthttp.RequestCtx) {
	body, err := sonic.Marshal(map[string]any{"connections": s.Connections()})
	if err != nil {
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *RealtimeServer) handleRoot(ctx *fasthttp.RequestCtx) {
	body, err := sonic.Marshal(map[string]string{
		"address": fmt.Sprintf("http://%s", s.Addr()),
	})
	if err != nil {
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *RealtimeServer) route(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	s.mu.Lock()
	handler, ok := s.routes[path]
	s.mu.Unlock()
	if !ok {
		ctx.Error("not found", fasthttp.StatusNotFound)
		return
	}
	handler(ctx)
}

// Start serves until the context is done. The /connections route is always
// present; the root route advertising the local function URL is only exposed
// when running without TLS, matching the hosted platform contract.
func (s *RealtimeServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return shared.ErrServerAlreadyRunning
	}
	s.running = true
	s.routes["/connections"] = s.handleConnections
	if !s.TLS() {
		s.routes["/"] = s.handleRoot
		s.logger.Info("local server detected", zap.String("function_url", fmt.Sprintf("http://%s", s.Addr())))
	}
	s.srv = &fasthttp.Server{
		Handler: s.route,
		Name:    "outspeed/" + shared.Version,
	}
	s.mu.Unlock()

	s.metrics.Push(tracing.MetricServerStarted, nil)
	errC := make(chan error, 1)
	go func() {
		if s.TLS() {
			errC <- s.srv.ListenAndServeTLS(s.Addr(), s.certPath, s.keyPath)
			return
		}
		errC <- s.srv.ListenAndServe(s.Addr())
	}()

	select {
	case <-ctx.Done():
		s.metrics.Push(tracing.MetricServerShutdown, nil)
		if err := s.srv.Shutdown(); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		return ctx.Err()
	case err := <-errC:
		s.metrics.Push(tracing.MetricServerShutdown, nil)
		if err != nil {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	}
}
