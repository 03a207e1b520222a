package paperless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("document store: not found")

// HTTPError is a non-2xx answer from the document store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Path       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s %s: %s", e.StatusCode, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Path, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

type Document struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	Tags             []int64 `json:"tags"`
	Correspondent    *int64  `json:"correspondent"`
	Created          string  `json:"created"`
	OriginalFileName string  `json:"original_file_name"`
	MimeType         string  `json:"mime_type,omitempty"`
}

// DocumentUpdate is a partial update. Zero fields are left untouched; a
// non-nil Tags replaces the tag set, an empty non-nil slice clears it.
type DocumentUpdate struct {
	Title         string
	Created       string
	Correspondent int64
	Tags          []int64
}

func (u DocumentUpdate) payload() map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(u.Title) != "" {
		out["title"] = strings.TrimSpace(u.Title)
	}
	if strings.TrimSpace(u.Created) != "" {
		out["created"] = strings.TrimSpace(u.Created)
	}
	if u.Correspondent > 0 {
		out["correspondent"] = u.Correspondent
	}
	if u.Tags != nil {
		out["tags"] = u.Tags
	}
	return out
}

type namedObject struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

type Options struct {
	// AuthScheme prefixes the token in the Authorization header. Paperless
	// uses "Token"; a reverse proxy may want "Bearer".
	AuthScheme string
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to a Paperless-style document store REST API.
type Client struct {
	baseURL    string
	token      string
	authScheme string
	httpClient *http.Client
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu         sync.Mutex
	tagNames   map[int64]string
	tagsByName map[string]int64
}

func NewClient(baseURL, token string, httpClient *http.Client, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(opts.AuthScheme) == "" {
		opts.AuthScheme = "Token"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		authScheme: strings.TrimSpace(opts.AuthScheme),
		httpClient: httpClient,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		tagNames:   map[int64]string{},
		tagsByName: map[string]int64{},
	}
}

// ListUntaggedDocuments returns documents carrying triggerTag and none of the
// excluded tags. Excluded tags that do not exist yet cannot be on any document.
func (c *Client) ListUntaggedDocuments(ctx context.Context, triggerTag string, excludeTags ...string) ([]Document, error) {
	triggerTag = strings.TrimSpace(triggerTag)
	if triggerTag == "" {
		return nil, fmt.Errorf("list documents: empty trigger tag")
	}
	excluded := map[int64]struct{}{}
	for _, name := range excludeTags {
		if strings.TrimSpace(name) == "" {
			continue
		}
		id, ok, err := c.findTag(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			excluded[id] = struct{}{}
		}
	}

	docs := []Document{}
	for pageNum := 1; ; pageNum++ {
		q := url.Values{}
		q.Set("tags__name__iexact", triggerTag)
		q.Set("ordering", "added")
		q.Set("page", strconv.Itoa(pageNum))
		q.Set("page_size", strconv.Itoa(c.pageSize))
		var resp page[Document]
		if err := c.doJSON(ctx, http.MethodGet, "/api/documents/?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, doc := range resp.Results {
			if hasAnyTag(doc.Tags, excluded) {
				continue
			}
			docs = append(docs, doc)
		}
		if resp.Next == nil || len(resp.Results) == 0 {
			break
		}
	}
	return docs, nil
}

func (c *Client) GetDocument(ctx context.Context, id int64) (Document, error) {
	var doc Document
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d/", id), nil, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// DownloadThumbnail returns the rendered thumbnail and its content type.
func (c *Client) DownloadThumbnail(ctx context.Context, id int64) ([]byte, string, error) {
	return c.doRaw(ctx, fmt.Sprintf("/api/documents/%d/thumb/", id))
}

// DownloadOriginal returns the stored original file.
func (c *Client) DownloadOriginal(ctx context.Context, id int64) ([]byte, string, error) {
	return c.doRaw(ctx, fmt.Sprintf("/api/documents/%d/download/?original=true", id))
}

func (c *Client) UpdateDocument(ctx context.Context, id int64, update DocumentUpdate) error {
	body := update.payload()
	if len(body) == 0 {
		return nil
	}
	return c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/", id), body, nil)
}

func (c *Client) GetOrCreateTag(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("tag name is empty")
	}
	id, ok, err := c.findTag(ctx, name)
	if err != nil {
		return 0, err
	}
	if ok {
		return id, nil
	}
	var created namedObject
	if err := c.doJSON(ctx, http.MethodPost, "/api/tags/", map[string]any{"name": name}, &created); err != nil {
		return 0, err
	}
	c.rememberTag(created)
	return created.ID, nil
}

func (c *Client) GetOrCreateCorrespondent(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("correspondent name is empty")
	}
	q := url.Values{}
	q.Set("name__iexact", name)
	var resp page[namedObject]
	if err := c.doJSON(ctx, http.MethodGet, "/api/correspondents/?"+q.Encode(), nil, &resp); err != nil {
		return 0, err
	}
	for _, item := range resp.Results {
		if strings.EqualFold(item.Name, name) {
			return item.ID, nil
		}
	}
	var created namedObject
	if err := c.doJSON(ctx, http.MethodPost, "/api/correspondents/", map[string]any{"name": name}, &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

// TagNames resolves tag IDs to names, fetching the ones not seen before.
func (c *Client) TagNames(ctx context.Context, ids []int64) ([]string, error) {
	missing := []string{}
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.tagNames[id]; !ok {
			missing = append(missing, strconv.FormatInt(id, 10))
		}
	}
	c.mu.Unlock()
	if len(missing) > 0 {
		q := url.Values{}
		q.Set("id__in", strings.Join(missing, ","))
		q.Set("page_size", strconv.Itoa(len(missing)))
		var resp page[namedObject]
		if err := c.doJSON(ctx, http.MethodGet, "/api/tags/?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		for _, tag := range resp.Results {
			c.rememberTag(tag)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := c.tagNames[id]; ok {
			names = append(names, name)
		}
	}
	return names, nil
}

func (c *Client) findTag(ctx context.Context, name string) (int64, bool, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	c.mu.Lock()
	id, ok := c.tagsByName[key]
	c.mu.Unlock()
	if ok {
		return id, true, nil
	}
	q := url.Values{}
	q.Set("name__iexact", strings.TrimSpace(name))
	var resp page[namedObject]
	if err := c.doJSON(ctx, http.MethodGet, "/api/tags/?"+q.Encode(), nil, &resp); err != nil {
		return 0, false, err
	}
	for _, tag := range resp.Results {
		c.rememberTag(tag)
		if strings.EqualFold(tag.Name, name) {
			return tag.ID, true, nil
		}
	}
	return 0, false, nil
}

func (c *Client) rememberTag(tag namedObject) {
	if tag.ID <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagNames[tag.ID] = tag.Name
	c.tagsByName[strings.ToLower(tag.Name)] = tag.ID
}

func hasAnyTag(tags []int64, set map[int64]struct{}) bool {
	for _, id := range tags {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

func (c *Client) newRequest(ctx context.Context, method, requestPath string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", c.authScheme+" "+c.token)
	}
	req.Header.Set("X-Correlation-Id", correlationID())
	req.Header.Set("Accept", "application/json; version=5")
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	payload, _, err := c.do(ctx, method, requestPath, bodyBytes)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func (c *Client) doRaw(ctx context.Context, requestPath string) ([]byte, string, error) {
	return c.do(ctx, http.MethodGet, requestPath, nil)
}

func (c *Client) do(ctx context.Context, method, requestPath string, bodyBytes []byte) ([]byte, string, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := c.newRequest(ctx, method, requestPath, bodyReader)
		if err != nil {
			return nil, "", err
		}
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, "", waitErr
				}
				continue
			}
			return nil, "", err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, "", readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, resp.Header.Get("Content-Type"), nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, "", waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Detail  string `json:"detail"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Detail
		if message == "" {
			message = errPayload.Message
		}
		if message == "" {
			message = strings.TrimSpace(string(truncate(payload, 256)))
		}
		return nil, "", &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    message,
			Path:       requestPath,
		}
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func correlationID() string {
	return "rf_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
