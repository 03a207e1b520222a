package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/receiptflow/internal/metrics"
	"github.com/agentworkforce/receiptflow/internal/receiptflow"
)

const testSecret = "dev-secret"

type testEnv struct {
	store   *receiptflow.Store
	retries *receiptflow.MemoryRetryPersister
	metrics *metrics.Collector
	server  *Server
	now     time.Time
}

func newTestEnv(t *testing.T, cfg ServerConfig) *testEnv {
	t.Helper()
	store, err := receiptflow.OpenMemoryStore()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	env := &testEnv{
		store:   store,
		retries: receiptflow.NewMemoryRetryPersister(),
		metrics: metrics.NewCollector(),
		now:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	cfg.Metrics = env.metrics
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return env.now }
	}
	store.SetClock(cfg.Now)
	env.server = NewServer(store, env.retries, cfg)
	return env
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id header")
	}

	_ = env.store.Close()
	down := doRequest(t, env.server, request{method: http.MethodGet, path: "/health"})
	if down.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with closed store, got %d", down.Code)
	}
}

func TestDocumentWebhookQueuesAndRequestsScan(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/documents",
		headers: map[string]string{"X-Correlation-Id": "corr_hook_1"},
		body:    map[string]any{"document_id": 42},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		DocumentID    int64  `json:"documentId"`
		Queued        bool   `json:"queued"`
		CorrelationID string `json:"correlationId"`
	}
	decodeBody(t, resp, &payload)
	if payload.DocumentID != 42 || !payload.Queued || payload.CorrelationID != "corr_hook_1" {
		t.Fatalf("unexpected response: %+v", payload)
	}

	ctx := context.Background()
	pending, err := receiptflow.NewWebhookQueue(env.store).HasPending(ctx)
	if err != nil || !pending {
		t.Fatalf("expected pending entry, got %v (%v)", pending, err)
	}
	requested, err := env.store.ScanRequested(ctx)
	if err != nil || !requested {
		t.Fatalf("expected scan request, got %v (%v)", requested, err)
	}

	dup := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		body:   map[string]any{"id": "42"},
	})
	if dup.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for duplicate, got %d", dup.Code)
	}
	decodeBody(t, dup, &payload)
	if payload.Queued {
		t.Fatalf("expected duplicate webhook to report queued=false")
	}

	body := scrapeMetrics(t, env.server)
	if !strings.Contains(body, `receiptflow_webhooks_received_total{outcome="queued"} 1`) ||
		!strings.Contains(body, `receiptflow_webhooks_received_total{outcome="duplicate"} 1`) {
		t.Fatalf("webhook counters missing from metrics:\n%s", body)
	}
}

func TestParseDocumentIDVariants(t *testing.T) {
	cases := []struct {
		name  string
		path  string
		body  string
		want  int64
		valid bool
	}{
		{name: "snake", body: `{"document_id": 7}`, want: 7, valid: true},
		{name: "camel", body: `{"documentId": "8"}`, want: 8, valid: true},
		{name: "id", body: `{"id": 9}`, want: 9, valid: true},
		{name: "url", body: `{"url": "http://paperless:8000/documents/10/details"}`, want: 10, valid: true},
		{name: "form", body: "document_id=11", want: 11, valid: true},
		{name: "form url", body: "url=http%3A%2F%2Fp%2Fdocuments%2F12%2F", want: 12, valid: true},
		{name: "query", path: "/v1/webhooks/documents?document_id=13", want: 13, valid: true},
		{name: "fraction", body: `{"id": 1.5}`},
		{name: "negative", body: `{"id": -3}`},
		{name: "missing", body: `{"other": 1}`},
		{name: "bad json", body: `{"id": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path
			if path == "" {
				path = "/v1/webhooks/documents"
			}
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(tc.body))
			got, err := parseDocumentID(req, []byte(tc.body))
			if tc.valid {
				if err != nil || got != tc.want {
					t.Fatalf("expected %d, got %d (%v)", tc.want, got, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error, got %d", got)
			}
		})
	}
}

func TestDocumentWebhookRejectsMissingID(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		body:   []byte(`{"hello": "world"}`),
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestDocumentWebhookToken(t *testing.T) {
	env := newTestEnv(t, ServerConfig{WebhookToken: "hook-secret"})

	missing := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		body:   map[string]any{"document_id": 1},
	})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}

	wrong := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/documents",
		headers: map[string]string{"X-Webhook-Token": "nope"},
		body:    map[string]any{"document_id": 1},
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrong.Code)
	}

	header := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/documents",
		headers: map[string]string{"X-Webhook-Token": "hook-secret"},
		body:    map[string]any{"document_id": 1},
	})
	if header.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with header token, got %d (%s)", header.Code, header.Body.String())
	}

	query := doRequest(t, env.server, request{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents?token=hook-secret",
		body:   map[string]any{"document_id": 2},
	})
	if query.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with query token, got %d (%s)", query.Code, query.Body.String())
	}
}

func TestDocumentWebhookHMAC(t *testing.T) {
	env := newTestEnv(t, ServerConfig{WebhookHMACSecret: "hmac-secret"})
	body := []byte(`{"document_id": 77}`)
	ts := env.now.Format(time.RFC3339)
	sig := mustHMAC("hmac-secret", ts+"\n"+string(body))

	okResp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		headers: map[string]string{
			"X-Receiptflow-Timestamp": ts,
			"X-Receiptflow-Signature": "sha256=" + sig,
			"Content-Type":            "application/json",
		},
		body: body,
	})
	if okResp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for valid signature, got %d (%s)", okResp.Code, okResp.Body.String())
	}

	replay := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		headers: map[string]string{
			"X-Receiptflow-Timestamp": ts,
			"X-Receiptflow-Signature": sig,
		},
		body: body,
	})
	if replay.Code != http.StatusConflict {
		t.Fatalf("expected 409 for replayed signature, got %d (%s)", replay.Code, replay.Body.String())
	}

	bad := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		headers: map[string]string{
			"X-Receiptflow-Timestamp": ts,
			"X-Receiptflow-Signature": "bad_signature",
		},
		body: body,
	})
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", bad.Code)
	}

	staleTs := env.now.Add(-10 * time.Minute).Format(time.RFC3339)
	stale := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		headers: map[string]string{
			"X-Receiptflow-Timestamp": staleTs,
			"X-Receiptflow-Signature": mustHMAC("hmac-secret", staleTs+"\n"+string(body)),
		},
		body: body,
	})
	if stale.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", stale.Code)
	}

	unsigned := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		body:   body,
	})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned request, got %d", unsigned.Code)
	}

	unixTs := strconv.FormatInt(env.now.Unix(), 10)
	unix := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		headers: map[string]string{
			"X-Receiptflow-Timestamp": unixTs,
			"X-Receiptflow-Signature": mustHMAC("hmac-secret", unixTs+"\n"+string(body)),
		},
		body: body,
	})
	if unix.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for unix timestamp, got %d (%s)", unix.Code, unix.Body.String())
	}
}

func TestDocumentWebhookBodyLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{MaxBodyBytes: 16})
	resp := doRawRequest(t, env.server, rawRequest{
		method: http.MethodPost,
		path:   "/v1/webhooks/documents",
		body:   []byte(`{"document_id": 1, "padding": "xxxxxxxxxxxxxxxx"}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestDocumentWebhookRateLimitByClient(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		resp := doRequest(t, env.server, request{
			method:  http.MethodPost,
			path:    "/v1/webhooks/documents",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.1"},
			body:    map[string]any{"document_id": i + 1},
		})
		if resp.Code != http.StatusAccepted {
			t.Fatalf("expected request %d to be allowed, got %d", i, resp.Code)
		}
	}
	denied := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/documents",
		headers: map[string]string{"X-Forwarded-For": "10.0.0.1"},
		body:    map[string]any{"document_id": 3},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", denied.Code)
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}

	other := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/webhooks/documents",
		headers: map[string]string{"X-Forwarded-For": "10.0.0.2"},
		body:    map[string]any{"document_id": 3},
	})
	if other.Code != http.StatusAccepted {
		t.Fatalf("expected other client to be allowed, got %d", other.Code)
	}
}

func TestBearerAuthAndScopes(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	exp := env.now.Add(time.Hour)

	none := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/status"})
	if none.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", none.Code)
	}

	readOnly := mustTestJWT(t, testSecret, "viewer", []string{"status:read"}, exp)
	forbidden := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/worker/pause",
		headers: bearer(readOnly),
	})
	if forbidden.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without worker:control, got %d", forbidden.Code)
	}

	expired := mustTestJWT(t, testSecret, "viewer", []string{"status:read"}, env.now.Add(-time.Minute))
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(expired)}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	wrongAud := mustTestJWTWithAudience(t, testSecret, "viewer", []string{"status:read"}, "other-service", exp)
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(wrongAud)}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}

	wrongKey := mustTestJWT(t, "other-secret", "viewer", []string{"status:read"}, exp)
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(wrongKey)}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong signing key, got %d", resp.Code)
	}

	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/nothing", headers: bearer(readOnly)}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown route, got %d", resp.Code)
	}
}

func TestWorkerControlRoundTrip(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	token := mustTestJWT(t, testSecret, "operator", []string{"status:read", "worker:control"}, env.now.Add(time.Hour))

	pause := doRequest(t, env.server, request{
		method:  http.MethodPost,
		path:    "/v1/worker/pause",
		headers: bearer(token),
		body:    map[string]any{"reason": "month end"},
	})
	if pause.Code != http.StatusOK {
		t.Fatalf("expected 200 from pause, got %d (%s)", pause.Code, pause.Body.String())
	}
	var state receiptflow.WorkerState
	decodeBody(t, pause, &state)
	if !state.IsPaused || state.PauseReason != "month end" {
		t.Fatalf("unexpected state after pause: %+v", state)
	}
	if !strings.Contains(scrapeMetrics(t, env.server), "receiptflow_worker_paused 1") {
		t.Fatalf("expected paused gauge to be set")
	}

	scan := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/worker/scan", headers: bearer(token)})
	if scan.Code != http.StatusAccepted {
		t.Fatalf("expected 202 from scan, got %d", scan.Code)
	}
	decodeBody(t, scan, &state)
	if !state.ScanRequested {
		t.Fatalf("expected scan requested flag")
	}

	resume := doRequest(t, env.server, request{method: http.MethodPost, path: "/v1/worker/resume", headers: bearer(token)})
	if resume.Code != http.StatusOK {
		t.Fatalf("expected 200 from resume, got %d", resume.Code)
	}
	decodeBody(t, resume, &state)
	if state.IsPaused || state.PauseReason != "" {
		t.Fatalf("unexpected state after resume: %+v", state)
	}

	bad := doRawRequest(t, env.server, rawRequest{
		method:  http.MethodPost,
		path:    "/v1/worker/pause",
		headers: bearer(token),
		body:    []byte("{not json"),
	})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed pause body, got %d", bad.Code)
	}
}

func TestStatusAndReportingEndpoints(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	ctx := context.Background()
	token := mustTestJWT(t, testSecret, "viewer", []string{"status:read"}, env.now.Add(time.Hour))

	logs := receiptflow.NewProcessingLog(env.store)
	entry, err := logs.Begin(ctx, 5, receiptflow.OriginScan, "receipt.pdf")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := logs.Fail(ctx, 5, entry.Attempt, "extraction timed out"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := receiptflow.NewWebhookQueue(env.store).Enqueue(ctx, 6, `{"document_id":6}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := env.retries.Save([]receiptflow.RetryEntry{
		{DocumentID: 9, Attempts: 2, NextRetryAt: env.now.Add(2 * time.Minute)},
		{DocumentID: 5, Attempts: 1, NextRetryAt: env.now.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("save retries: %v", err)
	}

	status := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/status", headers: bearer(token)})
	if status.Code != http.StatusOK {
		t.Fatalf("expected 200 from status, got %d (%s)", status.Code, status.Body.String())
	}
	var snapshot receiptflow.StatusSnapshot
	decodeBody(t, status, &snapshot)
	if snapshot.RetryDepth != 2 || snapshot.Webhooks.Pending != 1 || snapshot.Logs[receiptflow.StatusFailed] != 1 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	retries := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/retries", headers: bearer(token)})
	var retryBody struct {
		Depth   int                      `json:"depth"`
		Entries []receiptflow.RetryEntry `json:"entries"`
	}
	decodeBody(t, retries, &retryBody)
	if retryBody.Depth != 2 || retryBody.Entries[0].DocumentID != 5 {
		t.Fatalf("expected retries ordered by next retry, got %+v", retryBody)
	}

	webhooks := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/webhooks?limit=10", headers: bearer(token)})
	var webhookBody struct {
		Stats   receiptflow.WebhookStats   `json:"stats"`
		Entries []receiptflow.WebhookEntry `json:"entries"`
	}
	decodeBody(t, webhooks, &webhookBody)
	if webhookBody.Stats.Pending != 1 || len(webhookBody.Entries) != 1 || webhookBody.Entries[0].DocumentID != 6 {
		t.Fatalf("unexpected webhook listing: %+v", webhookBody)
	}

	failed := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs?status=failed", headers: bearer(token)})
	var logBody struct {
		Entries []receiptflow.LogEntry `json:"entries"`
	}
	decodeBody(t, failed, &logBody)
	if len(logBody.Entries) != 1 || logBody.Entries[0].Error != "extraction timed out" {
		t.Fatalf("unexpected log listing: %+v", logBody)
	}

	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs?status=exploded", headers: bearer(token)}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", resp.Code)
	}

	detail := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs/5", headers: bearer(token)})
	if detail.Code != http.StatusOK {
		t.Fatalf("expected 200 from log detail, got %d", detail.Code)
	}
	var detailBody struct {
		Latest   receiptflow.LogEntry   `json:"latest"`
		Attempts []receiptflow.LogEntry `json:"attempts"`
	}
	decodeBody(t, detail, &detailBody)
	if detailBody.Latest.Status != receiptflow.StatusFailed || len(detailBody.Attempts) != 1 {
		t.Fatalf("unexpected log detail: %+v", detailBody)
	}

	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs/404", headers: bearer(token)}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown document, got %d", resp.Code)
	}
	if resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/logs/abc", headers: bearer(token)}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", resp.Code)
	}
}

func TestRetriesUnreadableReadsAsEmpty(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	env.retries.FailWith(fmt.Errorf("disk gone"))
	token := mustTestJWT(t, testSecret, "viewer", []string{"status:read"}, env.now.Add(time.Hour))
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/v1/retries", headers: bearer(token)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["depth"].(float64) != 0 || body["error"] == nil {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestStatusStreamPushesSnapshots(t *testing.T) {
	env := newTestEnv(t, ServerConfig{StreamInterval: 20 * time.Millisecond, Now: func() time.Time { return time.Now().UTC() }})
	if err := env.store.Pause(context.Background(), "stream test"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	srv := httptest.NewServer(env.server)
	defer srv.Close()

	token := mustTestJWT(t, testSecret, "viewer", []string{"status:read"}, time.Now().Add(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", nil); err == nil {
		t.Fatalf("expected unauthenticated dial to fail")
	} else if resp != nil && resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake, got %d", resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream?access_token="+token, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for i := 0; i < 2; i++ {
		var snapshot receiptflow.StatusSnapshot
		if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
			t.Fatalf("read snapshot %d: %v", i, err)
		}
		if !snapshot.Worker.IsPaused || snapshot.Worker.PauseReason != "stream test" {
			t.Fatalf("unexpected streamed snapshot: %+v", snapshot.Worker)
		}
	}
}

func TestDashboardServesHTML(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	resp := doRequest(t, env.server, request{method: http.MethodGet, path: "/dashboard"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Header().Get("Content-Type"), "text/html") || !strings.Contains(resp.Body.String(), "/v1/stream") {
		t.Fatalf("dashboard page missing stream wiring")
	}
}

func TestConcurrentWebhooksForSameDocumentQueueOnce(t *testing.T) {
	env := newTestEnv(t, ServerConfig{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	queued := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := doRequest(t, env.server, request{
				method: http.MethodPost,
				path:   "/v1/webhooks/documents",
				body:   map[string]any{"document_id": 31},
			})
			var payload struct {
				Queued bool `json:"queued"`
			}
			_ = json.Unmarshal(resp.Body.Bytes(), &payload)
			if payload.Queued {
				mu.Lock()
				queued++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if queued != 1 {
		t.Fatalf("expected exactly one queued response, got %d", queued)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func scrapeMetrics(t *testing.T, server http.Handler) string {
	t.Helper()
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics scrape failed: %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, "receiptflow", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p
	sigBytes, err := hex.DecodeString(mustHMAC(secret, signingInput))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sigBytes)
}

func mustHMAC(secret, data string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(data))
	return fmt.Sprintf("%x", mac.Sum(nil))
}
