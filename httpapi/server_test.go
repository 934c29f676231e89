package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	phantomlink "github.com/yelabb/PhantomLink"
	"github.com/yelabb/PhantomLink/sidebus"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	ds := phantomlink.NewSyntheticDataset(phantomlink.SyntheticDatasetConfig{
		Name: "httpapi-fixture", NumChannels: 4, DurationSeconds: 1, BehaviorHz: 100, TrialSeconds: 1, NumTargets: 4,
	})
	sm := phantomlink.NewSessionManager(ds, phantomlink.NoiseConfig{}, 10, time.Hour, log.New(testWriter{t}, "", 0))
	s := NewServer(sm, ds, sidebus.Noop{}, "ws://127.0.0.1", "httpapi-fixture", log.New(testWriter{t}, "", 0))
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return v
}

func TestHandleHealth(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHandleMetadata(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/api/metadata")
	if err != nil {
		t.Fatalf("GET /api/metadata: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["dataset"] != "httpapi-fixture" {
		t.Fatalf("expected dataset name echoed back, got %v", body["dataset"])
	}
	if body["num_channels"].(float64) != 4 {
		t.Fatalf("expected 4 channels, got %v", body["num_channels"])
	}
}

func TestHandleTrialsAndByID(t *testing.T) {
	_, srv := testServer(t)
	resp, err := http.Get(srv.URL + "/api/trials")
	if err != nil {
		t.Fatalf("GET /api/trials: %v", err)
	}
	body := decodeJSON(t, resp)
	trials, ok := body["trials"].([]any)
	if !ok || len(trials) == 0 {
		t.Fatalf("expected at least one trial, got %v", body["trials"])
	}

	resp2, err := http.Get(srv.URL + "/api/trials/0")
	if err != nil {
		t.Fatalf("GET /api/trials/0: %v", err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for trial 0, got %d", resp2.StatusCode)
	}
	resp2.Body.Close()

	resp3, err := http.Get(srv.URL + "/api/trials/99999")
	if err != nil {
		t.Fatalf("GET /api/trials/99999: %v", err)
	}
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown trial id, got %d", resp3.StatusCode)
	}
	resp3.Body.Close()
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	_, srv := testServer(t)

	createResp, err := http.Post(srv.URL+"/api/sessions/create", "application/json", nil)
	if err != nil {
		t.Fatalf("POST create: %v", err)
	}
	created := decodeJSON(t, createResp)
	code, _ := created["session_code"].(string)
	if code == "" {
		t.Fatal("expected a non-empty session_code")
	}

	getResp, err := http.Get(srv.URL + "/api/sessions/" + code)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for an existing session, got %d", getResp.StatusCode)
	}
	getResp.Body.Close()

	notFoundResp, err := http.Get(srv.URL + "/api/sessions/does-not-exist")
	if err != nil {
		t.Fatalf("GET missing session: %v", err)
	}
	if notFoundResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown session, got %d", notFoundResp.StatusCode)
	}
	notFoundResp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+code, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE session: %v", err)
	}
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 deleting an idle session, got %d", delResp.StatusCode)
	}
	delResp.Body.Close()

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+code, nil)
	delResp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("DELETE session again: %v", err)
	}
	if delResp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 deleting an already-deleted session, got %d", delResp2.StatusCode)
	}
	delResp2.Body.Close()
}

func TestControlEndpointsOnUnknownSession(t *testing.T) {
	_, srv := testServer(t)
	for _, path := range []string{"pause", "resume", "stop"} {
		resp, err := http.Post(srv.URL+"/api/control/nonexistent/"+path, "application/json", nil)
		if err != nil {
			t.Fatalf("POST control/%s: %v", path, err)
		}
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for control/%s on an unknown session, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestControlPauseResumeOnLiveSession(t *testing.T) {
	_, srv := testServer(t)
	createResp, _ := http.Post(srv.URL+"/api/sessions/create", "application/json", nil)
	code := decodeJSON(t, createResp)["session_code"].(string)

	resp, err := http.Post(srv.URL+"/api/control/"+code+"/pause", "application/json", nil)
	if err != nil {
		t.Fatalf("POST pause: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for pause, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp2, err := http.Post(srv.URL+"/api/control/"+code+"/resume", "application/json", nil)
	if err != nil {
		t.Fatalf("POST resume: %v", err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for resume, got %d", resp2.StatusCode)
	}
	resp2.Body.Close()
}

func TestStreamTextDeliversMetadataThenData(t *testing.T) {
	_, srv := testServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws-fixture"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, firstMsg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read metadata frame: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(firstMsg, &meta); err != nil {
		t.Fatalf("unmarshal metadata frame: %v", err)
	}
	if meta["type"] != "metadata" {
		t.Fatalf("expected the first frame to be type metadata, got %v", meta["type"])
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, secondMsg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read data frame: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(secondMsg, &data); err != nil {
		t.Fatalf("unmarshal data frame: %v", err)
	}
	if data["type"] != "data" {
		t.Fatalf("expected the second frame to be type data, got %v", data["type"])
	}
}

func TestMetricsEnvelopeShape(t *testing.T) {
	_, srv := testServer(t)
	http.Post(srv.URL+"/api/sessions/create", "application/json", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body := decodeJSON(t, resp)
	if body["service"] != "phantomlink" {
		t.Fatalf("expected service phantomlink, got %v", body["service"])
	}
	metrics, ok := body["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("expected a metrics object, got %v", body["metrics"])
	}
	if _, ok := metrics["sessions"].(map[string]any); !ok {
		t.Fatalf("expected metrics.sessions to be an object, got %v", metrics["sessions"])
	}
}
