package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/receiptflow/internal/metrics"
	"github.com/agentworkforce/receiptflow/internal/receiptflow"
)

const (
	correlationHeader = "X-Correlation-Id"
	timestampHeader   = "X-Receiptflow-Timestamp"
	signatureHeader   = "X-Receiptflow-Signature"
	tokenHeader       = "X-Webhook-Token"

	statusRetryEntries = 50
)

type ServerConfig struct {
	JWTSecret         string
	WebhookToken      string
	WebhookHMACSecret string
	WebhookMaxSkew    time.Duration
	RateLimitMax      int
	RateLimitWindow   time.Duration
	MaxBodyBytes      int64
	StreamInterval    time.Duration
	Logger            zerolog.Logger
	Metrics           *metrics.Collector
	Now               func() time.Time
}

// Server is the API process: webhook ingress, worker control and the
// read-only reporting endpoints. It never processes documents itself.
type Server struct {
	store       *receiptflow.Store
	webhooks    *receiptflow.WebhookQueue
	logs        *receiptflow.ProcessingLog
	retries     receiptflow.RetryPersister
	cfg         ServerConfig
	log         zerolog.Logger
	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *receiptflow.Store, retries receiptflow.RetryPersister, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		webhooks:    receiptflow.NewWebhookQueue(store),
		logs:        receiptflow.NewProcessingLog(store),
		retries:     retries,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r, correlationID)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		if s.cfg.Metrics == nil {
			writeError(w, http.StatusNotFound, "not_found", "metrics disabled", correlationID)
			return
		}
		s.cfg.Metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/webhooks/documents" && r.Method == http.MethodPost:
		s.handleDocumentWebhook(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "status"
	case len(parts) == 2 && parts[1] == "webhooks" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "webhooks"
	case len(parts) == 2 && parts[1] == "retries" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "retries"
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "logs"
	case len(parts) == 3 && parts[1] == "logs" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "log"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeStatusRead
		route = "stream"
	case len(parts) == 3 && parts[1] == "worker" && parts[2] == "pause" && r.Method == http.MethodPost:
		requiredScope = scopeWorkerControl
		route = "pause"
	case len(parts) == 3 && parts[1] == "worker" && parts[2] == "resume" && r.Method == http.MethodPost:
		requiredScope = scopeWorkerControl
		route = "resume"
	case len(parts) == 3 && parts[1] == "worker" && parts[2] == "scan" && r.Method == http.MethodPost:
		requiredScope = scopeWorkerControl
		route = "scan"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "stream" {
		// Browsers cannot set headers on a websocket handshake.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, s.cfg.Now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(w, "sub|"+claims.Subject, correlationID) {
		return
	}

	switch route {
	case "status":
		s.handleStatus(w, r, correlationID)
	case "webhooks":
		s.handleWebhooks(w, r, correlationID)
	case "retries":
		s.handleRetries(w, correlationID)
	case "logs":
		s.handleLogs(w, r, correlationID)
	case "log":
		s.handleLog(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, claims)
	case "pause":
		s.handlePause(w, r, claims, correlationID)
	case "resume":
		s.handleResume(w, r, claims, correlationID)
	case "scan":
		s.handleScan(w, r, claims, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store unreachable", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": s.store.Kind()})
}

// handleDocumentWebhook records the document in the durable queue and asks
// the worker for a pass. It answers as soon as both writes are done.
func (s *Server) handleDocumentWebhook(w http.ResponseWriter, r *http.Request, correlationID string) {
	if !s.allow(w, "ip|"+clientIP(r), correlationID) {
		s.observeWebhook("rejected")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		s.observeWebhook("invalid")
		return
	}
	if authErr := s.authorizeWebhook(r, body); authErr != nil {
		s.observeWebhook("rejected")
		s.log.Warn().Str("correlation_id", correlationID).Str("remote", clientIP(r)).Msg(authErr.message)
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	documentID, err := parseDocumentID(r, body)
	if err != nil {
		s.observeWebhook("invalid")
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}

	queued, err := s.webhooks.Enqueue(r.Context(), documentID, string(body))
	if err != nil {
		s.log.Error().Err(err).Int64("document_id", documentID).Str("correlation_id", correlationID).Msg("enqueue webhook failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to queue document", correlationID)
		return
	}
	if err := s.store.RequestScan(r.Context()); err != nil {
		// The queued entry is picked up by the next poll regardless.
		s.log.Warn().Err(err).Int64("document_id", documentID).Msg("request scan after webhook failed")
	}
	if queued {
		s.observeWebhook("queued")
	} else {
		s.observeWebhook("duplicate")
	}
	s.log.Info().
		Int64("document_id", documentID).
		Bool("queued", queued).
		Str("correlation_id", correlationID).
		Msg("document webhook received")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"documentId":    documentID,
		"queued":        queued,
		"correlationId": correlationID,
	})
}

// authorizeWebhook prefers a signature when one is sent and a secret is set.
// With neither a token nor a secret configured the endpoint is open.
func (s *Server) authorizeWebhook(r *http.Request, body []byte) *authError {
	now := s.cfg.Now()
	signature := r.Header.Get(signatureHeader)
	if s.cfg.WebhookHMACSecret != "" && signature != "" {
		timestamp := r.Header.Get(timestampHeader)
		if err := verifyWebhookHMAC(s.cfg.WebhookHMACSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); err != nil {
			return err
		}
		if !s.markReplaySeen(timestamp, strings.TrimPrefix(strings.TrimSpace(signature), "sha256="), now) {
			return &authError{status: 409, code: "replay", message: "webhook signature already used"}
		}
		return nil
	}
	if s.cfg.WebhookToken != "" {
		return verifyWebhookToken(s.cfg.WebhookToken, r.Header.Get(tokenHeader), r.URL.Query().Get("token"))
	}
	if s.cfg.WebhookHMACSecret != "" {
		return &authError{status: 401, code: "unauthorized", message: "missing webhook signature headers"}
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	snapshot, err := receiptflow.Snapshot(r.Context(), s.store, s.retries, statusRetryEntries)
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("status snapshot failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read status", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleWebhooks(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	stats, err := s.webhooks.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read webhook queue", correlationID)
		return
	}
	entries, err := s.webhooks.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read webhook queue", correlationID)
		return
	}
	if entries == nil {
		entries = []receiptflow.WebhookEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   stats,
		"entries": entries,
	})
}

func (s *Server) handleRetries(w http.ResponseWriter, correlationID string) {
	entries := []receiptflow.RetryEntry{}
	response := map[string]any{}
	if s.retries != nil {
		loaded, err := s.retries.Load()
		if err != nil {
			s.log.Warn().Err(err).Str("correlation_id", correlationID).Msg("retry state unreadable")
			response["error"] = "retry state unreadable"
		} else if loaded != nil {
			entries = loaded
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].NextRetryAt.Equal(entries[j].NextRetryAt) {
			return entries[i].DocumentID < entries[j].DocumentID
		}
		return entries[i].NextRetryAt.Before(entries[j].NextRetryAt)
	})
	response["depth"] = len(entries)
	response["entries"] = entries
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	limit := parseBoundedInt(query.Get("limit"), 50, 1, 500)
	status := receiptflow.Status(strings.TrimSpace(query.Get("status")))
	if status != "" && !knownStatus(status) {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status: "+string(status), correlationID)
		return
	}
	entries, err := s.logs.Recent(r.Context(), limit, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read processing log", correlationID)
		return
	}
	if entries == nil {
		entries = []receiptflow.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request, rawID, correlationID string) {
	documentID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || documentID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid document id", correlationID)
		return
	}
	attempts, err := s.logs.ForDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read processing log", correlationID)
		return
	}
	if len(attempts) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no processing log for document", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": documentID,
		"latest":     attempts[len(attempts)-1],
		"attempts":   attempts,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		Reason string `json:"reason"`
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if err := s.store.Pause(r.Context(), req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to pause worker", correlationID)
		return
	}
	s.log.Info().Str("subject", claims.Subject).Str("reason", req.Reason).Msg("worker paused")
	s.writeWorkerState(w, r, http.StatusOK, correlationID)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if err := s.store.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to resume worker", correlationID)
		return
	}
	s.log.Info().Str("subject", claims.Subject).Msg("worker resumed")
	s.writeWorkerState(w, r, http.StatusOK, correlationID)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	if err := s.store.RequestScan(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to request scan", correlationID)
		return
	}
	s.log.Info().Str("subject", claims.Subject).Msg("scan requested")
	s.writeWorkerState(w, r, http.StatusAccepted, correlationID)
}

func (s *Server) writeWorkerState(w http.ResponseWriter, r *http.Request, status int, correlationID string) {
	state, err := s.store.WorkerState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read worker state", correlationID)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetPaused(state.IsPaused)
	}
	writeJSON(w, status, state)
}

// handleStream pushes a StatusSnapshot over a websocket every
// StreamInterval until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, claims tokenClaims) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	ticker := time.NewTicker(s.cfg.StreamInterval)
	defer ticker.Stop()

	s.log.Debug().Str("subject", claims.Subject).Msg("status stream opened")
	for {
		if err := s.pushSnapshot(ctx, conn); err != nil {
			if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			s.log.Warn().Err(err).Msg("status stream write failed")
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushSnapshot(ctx context.Context, conn *websocket.Conn) error {
	snapshot, err := receiptflow.Snapshot(ctx, s.store, s.retries, statusRetryEntries)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, snapshot)
}

func (s *Server) allow(w http.ResponseWriter, key, correlationID string) bool {
	if s.rateLimiter == nil {
		return true
	}
	if s.rateLimiter.allow(key, s.cfg.Now()) {
		return true
	}
	retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
	return false
}

func (s *Server) observeWebhook(outcome string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ObserveWebhook(outcome)
	}
}

var documentURLPattern = regexp.MustCompile(`/documents/(\d+)/?`)

// parseDocumentID accepts a JSON body with document_id, documentId, id or a
// document url, a form body with the same fields, or a document_id query
// parameter.
func parseDocumentID(r *http.Request, body []byte) (int64, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return 0, errors.New("invalid json body")
		}
		for _, key := range []string{"document_id", "documentId", "id"} {
			if id, ok := positiveID(payload[key]); ok {
				return id, nil
			}
		}
		if raw, ok := payload["url"].(string); ok {
			if id, ok := idFromURL(raw); ok {
				return id, nil
			}
		}
	} else if trimmed != "" {
		if form, err := url.ParseQuery(trimmed); err == nil {
			for _, key := range []string{"document_id", "documentId", "id"} {
				if id, ok := positiveID(form.Get(key)); ok {
					return id, nil
				}
			}
			if id, ok := idFromURL(form.Get("url")); ok {
				return id, nil
			}
		}
	}
	if id, ok := positiveID(r.URL.Query().Get("document_id")); ok {
		return id, nil
	}
	return 0, errors.New("missing or invalid document id")
}

func positiveID(v any) (int64, bool) {
	var id int64
	switch typed := v.(type) {
	case float64:
		if typed != math.Trunc(typed) {
			return 0, false
		}
		id = int64(typed)
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, false
		}
		id = parsed
	default:
		return 0, false
	}
	return id, id > 0
}

func idFromURL(raw string) (int64, bool) {
	match := documentURLPattern.FindStringSubmatch(raw)
	if match == nil {
		return 0, false
	}
	return positiveID(match[1])
}

func knownStatus(status receiptflow.Status) bool {
	for _, known := range receiptflow.LogStatuses() {
		if status == known {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return "rf_" + uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(2 * s.cfg.WebhookMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
