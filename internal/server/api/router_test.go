package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-ai/ensemble/internal/gateway/websocket"
	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

func TestHealthEndpoint(t *testing.T) {
	hub := websocket.NewHub(protocol.NewDispatcher(), nil, nil)
	router := SetupRouter(nil, hub, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"clients":0`)
}

func TestCORSPreflight(t *testing.T) {
	hub := websocket.NewHub(protocol.NewDispatcher(), nil, nil)
	router := SetupRouter(nil, hub, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/health", nil))

	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
