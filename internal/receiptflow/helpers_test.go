package receiptflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/receiptflow/internal/extraction"
	"github.com/agentworkforce/receiptflow/internal/paperless"
	"github.com/agentworkforce/receiptflow/internal/workflow"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) *Store {
	t.Helper()
	store, err := OpenMemoryStore()
	if err != nil {
		t.Fatalf("open memory store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if clock != nil {
		store.SetClock(clock.Now)
	}
	return store
}

type fakeDocs struct {
	mu             sync.Mutex
	docs           map[int64]*paperless.Document
	tags           map[int64]string
	nextTagID      int64
	correspondents map[string]int64
	updates        []int64
	listErr        error
	getErr         error
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:           map[int64]*paperless.Document{},
		tags:           map[int64]string{},
		nextTagID:      100,
		correspondents: map[string]int64{},
	}
}

func (f *fakeDocs) tagIDLocked(name string) int64 {
	for id, existing := range f.tags {
		if strings.EqualFold(existing, name) {
			return id
		}
	}
	f.nextTagID++
	f.tags[f.nextTagID] = name
	return f.nextTagID
}

func (f *fakeDocs) add(id int64, tagNames ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &paperless.Document{ID: id, OriginalFileName: fmt.Sprintf("scan-%d.pdf", id)}
	for _, name := range tagNames {
		doc.Tags = append(doc.Tags, f.tagIDLocked(name))
	}
	f.docs[id] = doc
}

func (f *fakeDocs) tagNamesOf(id int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil
	}
	names := []string{}
	for _, tag := range doc.Tags {
		names = append(names, f.tags[tag])
	}
	sort.Strings(names)
	return names
}

func (f *fakeDocs) updatedOrder() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.updates...)
}

func (f *fakeDocs) hasTagLocked(doc *paperless.Document, name string) bool {
	for _, id := range doc.Tags {
		if strings.EqualFold(f.tags[id], name) {
			return true
		}
	}
	return false
}

func (f *fakeDocs) ListUntaggedDocuments(_ context.Context, triggerTag string, excludeTags ...string) ([]paperless.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	ids := []int64{}
	for id := range f.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := []paperless.Document{}
next:
	for _, id := range ids {
		doc := f.docs[id]
		if !f.hasTagLocked(doc, triggerTag) {
			continue
		}
		for _, ex := range excludeTags {
			if f.hasTagLocked(doc, ex) {
				continue next
			}
		}
		copied := *doc
		copied.Tags = append([]int64(nil), doc.Tags...)
		out = append(out, copied)
	}
	return out, nil
}

func (f *fakeDocs) GetDocument(_ context.Context, id int64) (paperless.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return paperless.Document{}, f.getErr
	}
	doc, ok := f.docs[id]
	if !ok {
		return paperless.Document{}, &paperless.HTTPError{StatusCode: 404, Message: "not found"}
	}
	copied := *doc
	copied.Tags = append([]int64(nil), doc.Tags...)
	return copied, nil
}

func (f *fakeDocs) DownloadThumbnail(_ context.Context, id int64) ([]byte, string, error) {
	return []byte(strconv.FormatInt(id, 10)), "image/png", nil
}

func (f *fakeDocs) UpdateDocument(_ context.Context, id int64, update paperless.DocumentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return &paperless.HTTPError{StatusCode: 404, Message: "not found"}
	}
	if update.Title != "" {
		doc.Title = update.Title
	}
	if update.Tags != nil {
		doc.Tags = append([]int64(nil), update.Tags...)
	}
	if update.Correspondent > 0 {
		c := update.Correspondent
		doc.Correspondent = &c
	}
	f.updates = append(f.updates, id)
	return nil
}

func (f *fakeDocs) GetOrCreateTag(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tagIDLocked(name), nil
}

func (f *fakeDocs) GetOrCreateCorrespondent(_ context.Context, name string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.correspondents[name]; ok {
		return id, nil
	}
	id := int64(len(f.correspondents) + 1)
	f.correspondents[name] = id
	return id, nil
}

func (f *fakeDocs) TagNames(_ context.Context, ids []int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for _, id := range ids {
		if name, ok := f.tags[id]; ok {
			out = append(out, name)
		}
	}
	return out, nil
}

// fakeExtractor answers per document; the document id travels in the image.
type fakeExtractor struct {
	mu       sync.Mutex
	failures map[int64]int
	data     map[int64]map[string]any
	calls    map[int64]int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{failures: map[int64]int{}, data: map[int64]map[string]any{}, calls: map[int64]int{}}
}

func (f *fakeExtractor) failNext(id int64, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[id] = times
}

func (f *fakeExtractor) callsFor(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExtractor) Extract(_ context.Context, req extraction.Request) (extraction.Result, error) {
	id, err := strconv.ParseInt(string(req.Image), 10, 64)
	if err != nil {
		return extraction.Result{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.failures[id] != 0 {
		if f.failures[id] > 0 {
			f.failures[id]--
		}
		return extraction.Result{}, fmt.Errorf("%w: model timeout", extraction.ErrExtraction)
	}
	data, ok := f.data[id]
	if !ok {
		data = map[string]any{"vendor": "ACME", "total": 12.5, "currency": "EUR", "is_receipt": true}
	}
	raw, _ := json.Marshal(data)
	return extraction.Result{Data: data, Raw: raw}, nil
}

func receiptWorkflow() workflow.Workflow {
	return workflow.Workflow{
		Name:         "receipts",
		Priority:     10,
		TriggerTag:   "inbox-receipt",
		ProcessedTag: "receipt-processed",
		FailedTag:    "receipt-failed",
		SkippedTag:   "not-a-receipt",
		SkipField:    "is_receipt",
		Schema: extraction.Schema{Fields: []extraction.Field{
			{Name: "vendor", Type: extraction.TypeString, Required: true},
			{Name: "total", Type: extraction.TypeNumber, Required: true},
			{Name: "currency", Type: extraction.TypeString},
			{Name: "is_receipt", Type: extraction.TypeBoolean},
		}},
		Output: workflow.OutputMapping{
			Title:         "{{.vendor}} {{.total}}",
			Correspondent: "vendor",
			Vendor:        "vendor",
			Amount:        "total",
			Currency:      "currency",
		},
	}
}

func staticReceipts() workflow.Static {
	return workflow.Static{receiptWorkflow()}
}

type harness struct {
	t         *testing.T
	clock     *fakeClock
	store     *Store
	docs      *fakeDocs
	extractor *fakeExtractor
	retries   *RetryQueue
	log       *ProcessingLog
	webhooks  *WebhookQueue
	lock      *LockCoordinator
	processor *Processor
	driver    *Driver
	metrics   *recordingMetrics
	configErr error
}

func newHarness(t *testing.T, maxRetries int, workflows ...workflow.Workflow) *harness {
	t.Helper()
	if len(workflows) == 0 {
		workflows = []workflow.Workflow{receiptWorkflow()}
	}
	h := &harness{t: t, clock: newFakeClock(), docs: newFakeDocs(), extractor: newFakeExtractor(), metrics: &recordingMetrics{}}
	h.store = newTestStore(t, h.clock)
	h.retries = NewRetryQueue(h.store.RetryTable(), RetryQueueOptions{MaxRetries: maxRetries, Now: h.clock.Now, Logger: zerolog.Nop()})
	h.log = NewProcessingLog(h.store)
	h.webhooks = NewWebhookQueue(h.store)
	h.lock = NewLockCoordinator(h.store, "worker-test", time.Minute)
	h.processor = NewProcessor(h.docs, h.extractor, workflow.Static(workflows), h.log, h.retries, ProcessorOptions{
		Logger:    zerolog.Nop(),
		Metrics:   h.metrics,
		Heartbeat: h.lock.Renew,
		Now:       h.clock.Now,
	})
	h.driver = NewDriver(h.store, h.lock, h.webhooks, h.retries, h.processor, DriverOptions{
		Config: DriverConfig{
			PollInterval: 5 * time.Second,
			ScanInterval: 10 * time.Minute,
			Cooldown:     60 * time.Second,
		},
		ConfigError: func() error { return h.configErr },
		Logger:      zerolog.Nop(),
		Metrics:     h.metrics,
		Now:         h.clock.Now,
	})
	return h
}

func (h *harness) latest(id int64) LogEntry {
	h.t.Helper()
	entry, err := h.log.Latest(context.Background(), id)
	if err != nil {
		h.t.Fatalf("latest log for %d failed: %v", id, err)
	}
	return entry
}

func (h *harness) statuses(id int64) []Status {
	h.t.Helper()
	entries, err := h.log.ForDocument(context.Background(), id)
	if err != nil {
		h.t.Fatalf("log for %d failed: %v", id, err)
	}
	out := []Status{}
	for _, e := range entries {
		out = append(out, e.Status)
	}
	return out
}

var errBoom = errors.New("boom")

type recordingMetrics struct {
	mu        sync.Mutex
	documents map[Status]int
	scans     []ScanResult
	gaveUp    int
	tickErrs  int
	busy      []string
	paused    bool
	webhooks  int
	retries   int
}

func (m *recordingMetrics) ObserveDocument(_ Origin, status Status, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.documents == nil {
		m.documents = map[Status]int{}
	}
	m.documents[status]++
}

func (m *recordingMetrics) ObserveScan(result ScanResult, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scans = append(m.scans, result)
}

func (m *recordingMetrics) RetryGaveUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaveUp++
}

func (m *recordingMetrics) TickError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickErrs++
}

func (m *recordingMetrics) LockBusy(section string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = append(m.busy, section)
}

func (m *recordingMetrics) SetQueueDepths(webhookPending, retries int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks, m.retries = webhookPending, retries
}

func (m *recordingMetrics) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}
