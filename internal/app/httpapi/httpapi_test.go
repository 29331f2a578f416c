package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"skillswap/internal/app/metrics"
	"skillswap/pkg/calls"
	"skillswap/pkg/presence"
	"skillswap/pkg/webrtc/protocol"
	"skillswap/pkg/webrtc/signaling"
)

type fakeHub struct {
	err error
}

func (f fakeHub) HTTPHandler() http.Handler {
	return http.NotFoundHandler()
}

func (f fakeHub) StartCall(context.Context, signaling.StartCallRequest) (*calls.Record, bool, error) {
	return nil, false, f.err
}

func newTestRouter(t *testing.T, opts Options) (http.Handler, *signaling.Hub) {
	t.Helper()
	if opts.Calls == nil {
		opts.Calls = calls.NewMemoryStore()
	}
	hub := signaling.NewHub(nil, opts.Calls, signaling.HubOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	if opts.Hub == nil {
		opts.Hub = hub
	}
	return NewRouter(opts), hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func TestStartAndGetCall(t *testing.T) {
	router, _ := newTestRouter(t, Options{})

	rec := do(t, router, http.MethodPost, "/api/video/start-call",
		`{"callerId":"A","receiverId":"B","chatId":"roomX","offer":{"type":"offer","sdp":"x"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	var created struct {
		Message string       `json:"message"`
		Call    calls.Record `json:"call"`
	}
	decode(t, rec, &created)
	if created.Message != "Call created successfully" || created.Call.ID == "" || created.Call.Status != calls.StatusRinging {
		t.Fatalf("created = %+v", created)
	}

	rec = do(t, router, http.MethodGet, "/api/video/"+created.Call.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got calls.Record
	decode(t, rec, &got)
	if got.ID != created.Call.ID || got.ChatID != "roomX" || string(got.Offer) != `{"type":"offer","sdp":"x"}` {
		t.Fatalf("got = %+v", got)
	}
}

func TestStartCallReusesLiveCall(t *testing.T) {
	router, _ := newTestRouter(t, Options{})
	body := `{"callerId":"A","receiverId":"B","chatId":"roomX","offer":{"type":"offer","sdp":"x"}}`

	first := do(t, router, http.MethodPost, "/api/video/start-call", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	var created struct {
		Call calls.Record `json:"call"`
	}
	decode(t, first, &created)

	// The reverse direction with a padded chat id is the same call.
	second := do(t, router, http.MethodPost, "/api/video/start-call",
		`{"callerId":"B","receiverId":"A","chatId":" roomX ","offer":{"type":"offer","sdp":"z"}}`)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d body = %s", second.Code, second.Body)
	}
	var reused struct {
		Message string       `json:"message"`
		Call    calls.Record `json:"call"`
	}
	decode(t, second, &reused)
	if reused.Message != "Call already in progress" || reused.Call.ID != created.Call.ID {
		t.Fatalf("reused = %+v, want call %s", reused, created.Call.ID)
	}
}

func TestStartCallBadRequests(t *testing.T) {
	router, _ := newTestRouter(t, Options{})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"not json", `{`, "Invalid request body"},
		{"missing offer", `{"callerId":"A","receiverId":"B","chatId":"roomX"}`, "Missing required fields"},
		{"missing chat", `{"callerId":"A","receiverId":"B","offer":{}}`, "Missing required fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/api/video/start-call", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["message"] != tt.message {
				t.Fatalf("message = %q", body["message"])
			}
		})
	}
}

func TestStartCallStoreFailure(t *testing.T) {
	perr := &signaling.PersistenceError{Op: "create", Room: "roomX", Err: errors.New("redis down")}
	router, _ := newTestRouter(t, Options{Hub: fakeHub{err: perr}})

	rec := do(t, router, http.MethodPost, "/api/video/start-call",
		`{"callerId":"A","receiverId":"B","chatId":"roomX","offer":{}}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "redis down") {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestGetCallNotFound(t *testing.T) {
	router, _ := newTestRouter(t, Options{})
	rec := do(t, router, http.MethodGet, "/api/video/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["message"] != "Call not found" {
		t.Fatalf("body = %v", body)
	}
}

func TestSettings(t *testing.T) {
	ice := []protocol.ICEServer{{URLs: []string{"stun:a:3478"}}}
	router, _ := newTestRouter(t, Options{Settings: Settings{ICEMode: "stun-only", ICEServers: ice}})

	req := httptest.NewRequest(http.MethodGet, "/api/settings", nil)
	req.Host = "calls.example.org"
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body struct {
		WSURL      string               `json:"wsURL"`
		ICEMode    string               `json:"iceMode"`
		ICEServers []protocol.ICEServer `json:"iceServers"`
	}
	decode(t, rec, &body)
	if body.WSURL != "wss://calls.example.org/ws" || body.ICEMode != "stun-only" || len(body.ICEServers) != 1 {
		t.Fatalf("settings = %+v", body)
	}
}

func TestPresence(t *testing.T) {
	online := presence.NewMemoryStore()
	_ = online.Connect(context.Background(), "bob")
	_ = online.Connect(context.Background(), "alice")
	router, _ := newTestRouter(t, Options{Presence: online})

	rec := do(t, router, http.MethodGet, "/api/presence", "")
	var body struct {
		Online []string `json:"online"`
	}
	decode(t, rec, &body)
	if strings.Join(body.Online, ",") != "alice,bob" {
		t.Fatalf("online = %v", body.Online)
	}
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, Options{})
	if rec := do(t, router, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	down, _ := newTestRouter(t, Options{Health: func(context.Context) error { return errors.New("redis down") }})
	if rec := do(t, down, http.MethodGet, "/health", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsAndObserver(t *testing.T) {
	collector := metrics.NewPrometheusCollector(prometheus.NewRegistry())
	router, _ := newTestRouter(t, Options{Metrics: collector.Handler(), Observer: collector})

	do(t, router, http.MethodGet, "/api/video/missing", "")
	rec := do(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	want := `http_requests_total{method="GET",route="/api/video/{callId}",status="404"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	router, _ := newTestRouter(t, Options{})
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?userId=A"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var f struct {
		Event string `json:"event"`
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Event != protocol.EventWelcome {
		t.Fatalf("first frame = %s", f.Event)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	router, _ := newTestRouter(t, Options{Settings: Settings{StaticDir: dir}})

	if rec := do(t, router, http.MethodGet, "/app.js", ""); !strings.Contains(rec.Body.String(), "console.log") {
		t.Fatalf("asset body = %s", rec.Body)
	}
	if rec := do(t, router, http.MethodGet, "/calls/123", ""); !strings.Contains(rec.Body.String(), "app") {
		t.Fatalf("fallback body = %s", rec.Body)
	}
	if rec := do(t, router, http.MethodGet, "/api/video/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("api status = %d", rec.Code)
	}
}
