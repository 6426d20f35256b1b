package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// passthroughHandler forwards Anthropic-format traffic to an upstream that
// already speaks the Messages API, swapping in the provider's credentials
// and optionally forcing a model.
type passthroughHandler struct {
	proxy    *httputil.ReverseProxy
	provider Provider
	log      *logger.Logger
}

func newPassthroughHandler(p Provider, log *logger.Logger) (*passthroughHandler, error) {
	target, err := url.Parse(p.BaseURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", p.BaseURL)
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	director := rp.Director
	rp.Director = func(req *http.Request) {
		director(req)
		req.Host = target.Host
		if p.APIKey != "" {
			req.Header.Set("x-api-key", p.APIKey)
			req.Header.Del("Authorization")
		}
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		log.Debug("Upstream response",
			zap.Int("status", resp.StatusCode),
			zap.String("path", resp.Request.URL.Path))
		return nil
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Error("Proxy forward failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeAPIError(w, http.StatusBadGateway, protocol.ErrNetwork,
			fmt.Sprintf("upstream unreachable: %v", err))
	}

	return &passthroughHandler{proxy: rp, provider: p, log: log}, nil
}

func (h *passthroughHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// ReverseProxy panics with http.ErrAbortHandler when the client
	// disconnects mid-stream. Recover quietly.
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				h.log.Debug("Client disconnected mid-stream", zap.String("path", r.URL.Path))
				return
			}
			panic(rec)
		}
	}()

	if r.Method == http.MethodPost && isJSONRequest(r) {
		if err := h.prepareBody(r); err != nil {
			writeAPIError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
			return
		}
	}

	h.proxy.ServeHTTP(w, r)
}

// prepareBody applies the model override and the optional debug dump. The
// body is re-read into memory for both, so streaming uploads are not
// supported through the override path.
func (h *passthroughHandler) prepareBody(r *http.Request) error {
	if h.provider.Model == "" && h.provider.DebugDir == "" {
		return nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	_ = r.Body.Close()

	if h.provider.Model != "" {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			payload["model"] = h.provider.Model
			if rewritten, err := json.Marshal(payload); err == nil {
				body = rewritten
			}
		}
	}

	if h.provider.DebugDir != "" {
		h.dump(r.URL.Path, body)
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

func (h *passthroughHandler) dump(path string, body []byte) {
	if err := os.MkdirAll(h.provider.DebugDir, 0o755); err != nil {
		h.log.Warn("Failed to create debug dir", zap.Error(err))
		return
	}
	name := fmt.Sprintf("%d%s.json", time.Now().UnixNano(),
		strings.ReplaceAll(path, "/", "_"))
	if err := os.WriteFile(filepath.Join(h.provider.DebugDir, name), body, 0o644); err != nil {
		h.log.Warn("Failed to write debug dump", zap.Error(err))
	}
}

func isJSONRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}
