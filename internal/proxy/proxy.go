// Package proxy runs per-node local HTTP proxies that present the
// Anthropic Messages API regardless of the upstream provider: anthropic
// upstreams are passed through with credential injection, openai upstreams
// are translated request by request. Terminal nodes point their CLI at the
// proxy via ANTHROPIC_BASE_URL.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/common/portutil"
	"github.com/ensemble-ai/ensemble/internal/tracing"
)

// Provider describes the upstream a node's proxy fronts.
type Provider struct {
	// APIFormat selects the proxy mode: "anthropic" (default, pass-through)
	// or "openai" (transform).
	APIFormat string `json:"api_format"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	// Model overrides the requested model. Required for openai upstreams.
	Model string `json:"model,omitempty"`
	// DebugDir, when set, receives request body dumps.
	DebugDir string `json:"debug_dir,omitempty"`
}

// Instance is a running per-node proxy.
type Instance struct {
	NodeID string `json:"node_id"`
	Port   int    `json:"port"`
	URL    string `json:"url"`

	server   *http.Server
	serveErr chan error
}

// Manager owns the lifecycle of per-node proxies. One proxy per node.
type Manager struct {
	cfg config.ProxyConfig
	log *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// NewManager creates a proxy manager.
func NewManager(cfg config.ProxyConfig, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:       cfg,
		log:       log,
		instances: make(map[string]*Instance),
	}
}

// buildHandler picks the proxy mode for a provider and wraps it with the
// health endpoint.
func (m *Manager) buildHandler(nodeID string, p Provider) (http.Handler, error) {
	log := m.log.WithNodeID(nodeID)

	var inner http.Handler
	var err error
	format := strings.ToLower(p.APIFormat)
	switch format {
	case "", "anthropic":
		format = "anthropic"
		inner, err = newPassthroughHandler(p, log)
	case "openai":
		inner, err = newTransformHandler(p, log)
	default:
		return nil, fmt.Errorf("unsupported api_format %q", p.APIFormat)
	}
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", traceForward(nodeID, format, inner))
	return mux, nil
}

// traceForward spans every forwarded request with its response status.
func traceForward(nodeID, provider string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.TraceProxyForward(r.Context(), nodeID, provider, r.URL.Path)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		tracing.RecordResult(span, strconv.Itoa(sw.status), nil)
	})
}

// statusWriter records the status code and keeps streaming flushes working
// through the wrap.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StartForNode starts a proxy dedicated to one node and waits for it to
// report healthy.
func (m *Manager) StartForNode(ctx context.Context, nodeID string, p Provider) (*Instance, error) {
	if nodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}
	if p.BaseURL == "" {
		return nil, fmt.Errorf("provider base_url is required")
	}

	m.mu.Lock()
	if _, exists := m.instances[nodeID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("node %q already has a proxy", nodeID)
	}
	m.mu.Unlock()

	handler, err := m.buildHandler(nodeID, p)
	if err != nil {
		return nil, err
	}

	ln, port, err := m.listen(ctx)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		NodeID:   nodeID,
		Port:     port,
		URL:      fmt.Sprintf("http://127.0.0.1:%d", port),
		server:   &http.Server{Handler: handler},
		serveErr: make(chan error, 1),
	}
	go func() {
		inst.serveErr <- inst.server.Serve(ln)
	}()

	if err := m.waitHealthy(ctx, inst); err != nil {
		_ = inst.server.Close()
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.instances[nodeID]; exists {
		m.mu.Unlock()
		_ = inst.server.Close()
		return nil, fmt.Errorf("node %q already has a proxy", nodeID)
	}
	m.instances[nodeID] = inst
	m.mu.Unlock()

	m.log.Info("Proxy started",
		zap.String("node_id", nodeID),
		zap.Int("port", port),
		zap.String("api_format", p.APIFormat))
	return inst, nil
}

// listen binds a loopback listener, retrying allocation when a port is
// taken between allocation and bind.
func (m *Manager) listen(ctx context.Context) (net.Listener, int, error) {
	attempts := m.cfg.PortAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := 50 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		port, err := portutil.AllocatePort()
		if err != nil {
			return nil, 0, err
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, 0, fmt.Errorf("failed to bind proxy port after %d attempts: %w", attempts, lastErr)
}

// waitHealthy polls the proxy's health endpoint until it answers.
func (m *Manager) waitHealthy(ctx context.Context, inst *Instance) error {
	timeout := m.cfg.HealthTimeoutDuration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	healthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, inst.URL+"/health", nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		select {
		case <-healthCtx.Done():
			return fmt.Errorf("proxy on port %d never became healthy: %w", inst.Port, healthCtx.Err())
		case err := <-inst.serveErr:
			return fmt.Errorf("proxy server exited: %w", err)
		case <-ticker.C:
		}
	}
}

// Get returns the running proxy for a node, if any.
func (m *Manager) Get(nodeID string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[nodeID]
	return inst, ok
}

// Release shuts down a node's proxy, draining in-flight requests within
// the configured grace period. Releasing a node without a proxy is a
// no-op.
func (m *Manager) Release(nodeID string) {
	m.mu.Lock()
	inst, ok := m.instances[nodeID]
	if ok {
		delete(m.instances, nodeID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.shutdown(inst)
}

// ReleaseAll shuts down every proxy. Used at server stop.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	instances := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		instances = append(instances, inst)
	}
	m.instances = make(map[string]*Instance)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *Instance) {
			defer wg.Done()
			m.shutdown(inst)
		}(inst)
	}
	wg.Wait()
}

func (m *Manager) shutdown(inst *Instance) {
	grace := m.cfg.ShutdownGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := inst.server.Shutdown(ctx); err != nil {
		m.log.Warn("Proxy shutdown forced",
			zap.String("node_id", inst.NodeID),
			zap.Error(err))
		_ = inst.server.Close()
	}
	m.log.Info("Proxy released", zap.String("node_id", inst.NodeID))
}
