package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsdv/internal/observability"
	"github.com/vjranagit/tsdv/pkg/bridge"
	"github.com/vjranagit/tsdv/pkg/engine"
	"github.com/vjranagit/tsdv/pkg/engine/memengine"
	"github.com/vjranagit/tsdv/pkg/perflog"
	"github.com/vjranagit/tsdv/pkg/prefs"
	"github.com/vjranagit/tsdv/pkg/protocol"
	"github.com/vjranagit/tsdv/pkg/schema"
	"github.com/vjranagit/tsdv/pkg/signals"
	"github.com/vjranagit/tsdv/pkg/types"
)

type testEnv struct {
	server  *httptest.Server
	bridge  *bridge.Bridge
	engine  *memengine.Engine
	logDir  string
	metrics *observability.Metrics
}

func setupServer(t *testing.T, staticDir string) *testEnv {
	t.Helper()

	cache, err := schema.ParseCacheConfig([]byte(`{"useCache":true,"downsamplingLevels":[{"duration":86400,"numOfPoints":40}]}`))
	require.NoError(t, err)
	ds, err := schema.ParseDataSchema([]byte(`{"table":"steps","date_key_column":"date","columns":{"date":"TEXT","steps":"INT"}}`))
	require.NoError(t, err)

	eng := memengine.New()
	h, err := engine.Configure(context.Background(), eng, cache, ds, filepath.Join(t.TempDir(), "data.db"), true)
	require.NoError(t, err)

	logDir := t.TempDir()
	rec := perflog.NewRecorder(prefs.NewMemory(), perflog.Options{Dir: logDir})
	metrics := observability.NewMetrics("test")

	b, err := bridge.New(h, bridge.WithRecorder(rec), bridge.WithObserver(metrics))
	require.NoError(t, err)

	srv := NewServer(b, Options{StaticDir: staticDir, Metrics: metrics})
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		b.Close()
		rec.Close()
		h.Close()
	})

	return &testEnv{server: ts, bridge: b, engine: eng, logDir: logDir, metrics: metrics}
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func TestInterceptedDataRequest(t *testing.T) {
	env := setupServer(t, "")
	env.engine.Load(types.Point{"date": "2020-01-05", "steps": 1200})

	resp, body := doRequest(t, http.MethodGet,
		env.server.URL+"/assets/tsdv?startDate=2020-01-01&endDate=2020-01-31&numOfPoints=40&zoom=2", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ContentTypeJSON, resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"startDate":"2020-01-01","endDate":"2020-01-31","points":[{"date":"2020-01-05","steps":1200}]}`, body)

	resp, body = doRequest(t, http.MethodGet, env.server.URL+"/tsdv?startDate=&endDate=2020-01-31", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "{}", body)
}

func TestNonMatchingRequestsPassThrough(t *testing.T) {
	static := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(static, "index.html"), []byte("<html>chart</html>"), 0644))
	env := setupServer(t, static)

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/index.html", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "chart")

	resp, _ = doRequest(t, http.MethodGet, env.server.URL+"/missing.js", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, env.engine.Queries())
}

func TestLoadEndpoint(t *testing.T) {
	env := setupServer(t, "")
	env.engine.Load(types.Point{"date": "2020-01-05", "steps": 1200})

	resp, body := doRequest(t, http.MethodPost, env.server.URL+"/api/v1/load",
		`{"params":{"startDate":"2020-01-01","endDate":"2020-01-31","numOfPoints":40},"callback":"onData","args":"x","errorCallback":"onError"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inv protocol.Invocation
	require.NoError(t, json.Unmarshal([]byte(body), &inv))
	assert.True(t, inv.Success)
	assert.True(t, strings.HasPrefix(inv.Script, "onData('{"))

	resp, body = doRequest(t, http.MethodPost, env.server.URL+"/api/v1/load",
		`{"params":{"startDate":"2030-01-01","endDate":"2030-01-31","numOfPoints":40},"callback":"onData","errorCallback":"onError"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal([]byte(body), &inv))
	assert.Equal(t, "onError('Failed to find any data in that range')", inv.Script)

	// decode failures are abandoned without a callback
	resp, _ = doRequest(t, http.MethodPost, env.server.URL+"/api/v1/load",
		`{"params":{"startDate":"2020-01-01","endDate":"2020-01-31","numOfPoints":"lots"},"callback":"onData","errorCallback":"onError"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodGet, env.server.URL+"/api/v1/load", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDataEndpoint(t *testing.T) {
	env := setupServer(t, "")

	resp, _ := doRequest(t, http.MethodPost, env.server.URL+"/api/v1/data",
		`{"startDate":"2020-01-01","endDate":"2020-01-01","points":[{"date":"2020-01-01","steps":7}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodPost, env.server.URL+"/api/v1/data", `{"points":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body := doRequest(t, http.MethodGet, env.server.URL+"/tsdv?startDate=2020-01-01&endDate=2020-01-31", "")
	assert.Contains(t, body, `"steps":7`)
}

func TestSignalEndpoint(t *testing.T) {
	env := setupServer(t, "")

	got := make(chan string, 1)
	env.bridge.SetSignalListener(signals.ListenerFunc(func(name, values string) {
		got <- name + " " + values
	}))

	resp, _ := doRequest(t, http.MethodPost, env.server.URL+"/api/v1/signal", `{"name":"zoom","values":"{\"level\":2}"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `zoom {"level":2}`, <-got)

	resp, _ = doRequest(t, http.MethodPost, env.server.URL+"/api/v1/signal", `{"values":"1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLoggingEndpoints(t *testing.T) {
	env := setupServer(t, "")

	_, body := doRequest(t, http.MethodGet, env.server.URL+"/api/v1/logging", "")
	assert.JSONEq(t, `{"enabled":false}`, body)

	_, body = doRequest(t, http.MethodPut, env.server.URL+"/api/v1/logging", `{"enabled":true}`)
	assert.JSONEq(t, `{"enabled":true}`, body)

	resp, _ := doRequest(t, http.MethodPost, env.server.URL+"/api/v1/logs",
		`{"timestamp":"2015-03-03 00:00:01","durationMs":12,"dataSize":400,"method":"zoomEnd()"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, os.WriteFile(filepath.Join(env.logDir, "tsdv-old.csv"), []byte("x"), 0644))
	_, body = doRequest(t, http.MethodPost, env.server.URL+"/api/v1/logs/prune", "")
	assert.JSONEq(t, `{"removed":1}`, body)

	entries, err := os.ReadDir(env.logDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(env.logDir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), "zoomEnd()")

	resp, _ = doRequest(t, http.MethodDelete, env.server.URL+"/api/v1/logging", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	env := setupServer(t, "")

	_, body := doRequest(t, http.MethodGet, env.server.URL+"/health", "")
	assert.JSONEq(t, `{"status":"healthy"}`, body)

	doRequest(t, http.MethodGet, env.server.URL+"/tsdv?startDate=2020-01-01&endDate=2020-01-31&bogus=1", "")

	resp, body := doRequest(t, http.MethodGet, env.server.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `test_bridge_requests_total{outcome="no_data",path="sync"} 1`)
	assert.Contains(t, body, `test_bridge_unsupported_params_total{key="bogus"} 1`)
}

func TestWebSocketDelivery(t *testing.T) {
	env := setupServer(t, "")
	env.engine.Load(types.Point{"date": "2020-01-05", "steps": 1200})

	got := make(chan string, 1)
	env.bridge.SetSignalListener(signals.ListenerFunc(func(name, values string) {
		got <- name
	}))

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"op":"loadData","params":{"startDate":"2020-01-01","endDate":"2020-01-31","numOfPoints":40},"callback":"draw","args":"series-1","errorCallback":"fail"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(msg), "draw('{"), string(msg))
	assert.True(t, strings.HasSuffix(string(msg), "','series-1')"), string(msg))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
		`{"op":"loadData","params":{"startDate":"","endDate":"2020-01-31","numOfPoints":40},"callback":"draw","errorCallback":"fail"}`)))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "fail('No startDate or endDate provided')", string(msg))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"emitSignal","name":"ActivitySelected","values":"{}"}`)))
	select {
	case name := <-got:
		assert.Equal(t, "ActivitySelected", name)
	case <-time.After(5 * time.Second):
		t.Fatal("signal not delivered")
	}
}

func TestStopBeforeStart(t *testing.T) {
	env := setupServer(t, "")
	srv := NewServer(env.bridge, Options{Addr: "127.0.0.1:0"})

	require.NoError(t, srv.Stop(context.Background()))
	assert.ErrorIs(t, srv.Start(), http.ErrServerClosed)
}
