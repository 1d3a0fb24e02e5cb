package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const maxHTTPBody = maxMessageSize

type httpServer struct {
	addr    string
	logger  *slog.Logger
	metrics http.Handler

	mu      sync.Mutex
	handler Handler
	srv     *http.Server
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
}

func newHTTPServer(addr string, logger *slog.Logger, metrics http.Handler) *httpServer {
	return &httpServer{addr: addr, logger: logger, metrics: metrics}
}

func (s *httpServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.addr
}

func (s *httpServer) SetRequestHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *httpServer) currentHandler() Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func (s *httpServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, OK(map[string]string{"status": "ok"}))
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *httpServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHTTPBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Errorf("reading request: %v", err))
		return
	}
	if len(body) > maxHTTPBody {
		writeJSON(w, http.StatusRequestEntityTooLarge, Errorf("request exceeds %d bytes", maxHTTPBody))
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Errorf("invalid request: %v", err))
		return
	}
	// Error envelopes still travel with 200; the status field carries them.
	writeJSON(w, http.StatusOK, safeHandle(s.ctx, s.currentHandler(), req, s.logger))
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *httpServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("http server on %s already started", s.addr)
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http transport stopped", "error", err)
		}
	}()
	s.logger.Info("transport listening", "addr", "http://"+ln.Addr().String())
	return nil
}

func (s *httpServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	cancel := s.cancel
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("stopping http server: %w", err)
	}
	return nil
}

type httpClient struct {
	base   string
	client *http.Client

	mu        sync.Mutex
	connected bool
}

func newHTTPClient(addr string, timeout time.Duration) *httpClient {
	return &httpClient{
		base:   "http://" + addr,
		client: &http.Client{Timeout: timeout},
	}
}

// Connect verifies the server answers /health.
func (c *httpClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.base, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("connecting to %s: health returned %s", c.base, resp.Status)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *httpClient) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.client.CloseIdleConnections()
	return nil
}

func (c *httpClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *httpClient) SendRequest(ctx context.Context, r Request) (Response, error) {
	if !c.IsConnected() {
		return Response{}, ErrNotConnected
	}
	body, err := json.Marshal(r)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("sending request to %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxHTTPBody)).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("decoding response (%s): %w", resp.Status, err)
	}
	return out, nil
}
