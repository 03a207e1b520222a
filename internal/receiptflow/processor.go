package receiptflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/receiptflow/internal/extraction"
	"github.com/agentworkforce/receiptflow/internal/paperless"
	"github.com/agentworkforce/receiptflow/internal/workflow"
)

// DocumentStore is the subset of the document store API the engine uses.
type DocumentStore interface {
	ListUntaggedDocuments(ctx context.Context, triggerTag string, excludeTags ...string) ([]paperless.Document, error)
	GetDocument(ctx context.Context, id int64) (paperless.Document, error)
	DownloadThumbnail(ctx context.Context, id int64) ([]byte, string, error)
	UpdateDocument(ctx context.Context, id int64, update paperless.DocumentUpdate) error
	GetOrCreateTag(ctx context.Context, name string) (int64, error)
	GetOrCreateCorrespondent(ctx context.Context, name string) (int64, error)
	TagNames(ctx context.Context, ids []int64) ([]string, error)
}

type Extractor interface {
	Extract(ctx context.Context, req extraction.Request) (extraction.Result, error)
}

// Outcome is the result of one document attempt.
type Outcome struct {
	DocumentID int64
	Attempt    int
	Status     Status
	Workflow   string
	Err        error
	GaveUp     bool
	// NotStarted is set for documents left untouched because the pass stopped.
	NotStarted bool
}

type ProcessorOptions struct {
	Concurrency int
	Logger      zerolog.Logger
	Metrics     Metrics
	// Heartbeat runs after every document. An error stops the pass before
	// the next document starts.
	Heartbeat func(ctx context.Context) error
	Now       func() time.Time
}

// Processor runs automation passes: discovery, extraction, write-back and
// per-attempt logging.
type Processor struct {
	docs        DocumentStore
	extractor   Extractor
	workflows   workflow.Registry
	log         *ProcessingLog
	retries     *RetryQueue
	concurrency int
	logger      zerolog.Logger
	metrics     Metrics
	heartbeat   func(ctx context.Context) error
	now         func() time.Time
	stopping    atomic.Bool
}

func NewProcessor(docs DocumentStore, extractor Extractor, workflows workflow.Registry, log *ProcessingLog, retries *RetryQueue, opts ProcessorOptions) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		docs:        docs,
		extractor:   extractor,
		workflows:   workflows,
		log:         log,
		retries:     retries,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With().Str("component", "processor").Logger(),
		metrics:     opts.Metrics,
		heartbeat:   opts.Heartbeat,
		now:         opts.Now,
	}
}

// Stop makes running and future passes stop before their next document.
func (p *Processor) Stop() {
	p.stopping.Store(true)
}

func (p *Processor) Stopped() bool {
	return p.stopping.Load()
}

type candidate struct {
	id       int64
	doc      *paperless.Document
	workflow *workflow.Workflow
	origin   Origin
}

// RunScan runs one automation pass over every enabled workflow, highest
// priority first. A document is claimed by the first workflow that lists it.
// Documents waiting out a retry backoff or given up on are skipped.
func (p *Processor) RunScan(ctx context.Context) (ScanResult, error) {
	result := ScanResult{}
	givenUp, err := p.log.GivenUp(ctx)
	if err != nil {
		return result, fmt.Errorf("load given up documents: %w", err)
	}
	workflows := p.workflows.ListEnabled()
	seen := map[int64]struct{}{}
	batch := []candidate{}
	for i := range workflows {
		wf := workflows[i]
		docs, err := p.docs.ListUntaggedDocuments(ctx, wf.TriggerTag, wf.ExcludedTags()...)
		if err != nil {
			return result, fmt.Errorf("list documents for workflow %s: %w", wf.Name, err)
		}
		for j := range docs {
			doc := docs[j]
			if _, dup := seen[doc.ID]; dup {
				continue
			}
			seen[doc.ID] = struct{}{}
			result.DocumentsFound++
			if _, ok := givenUp[doc.ID]; ok || p.retries.Waiting(doc.ID) {
				result.DocumentsSkipped++
				continue
			}
			result.DocumentsQueued++
			batch = append(batch, candidate{id: doc.ID, doc: &doc, workflow: &wf, origin: OriginScan})
		}
	}
	if p.heartbeat != nil && len(batch) > 0 {
		if err := p.heartbeat(ctx); err != nil {
			return result, fmt.Errorf("renew lease after listing: %w", err)
		}
	}
	for _, outcome := range p.runBatch(ctx, batch) {
		switch outcome.Status {
		case StatusCompleted:
			result.DocumentsCompleted++
		case StatusFailed:
			result.DocumentsFailed++
		case StatusSkipped:
			result.DocumentsSkipped++
		}
	}
	return result, nil
}

// ProcessDocuments fetches and processes the given documents, resolving the
// workflow from each document's tags.
func (p *Processor) ProcessDocuments(ctx context.Context, ids []int64, origin Origin) []Outcome {
	batch := make([]candidate, 0, len(ids))
	for _, id := range ids {
		batch = append(batch, candidate{id: id, origin: origin})
	}
	return p.runBatch(ctx, batch)
}

func (p *Processor) ProcessDocument(ctx context.Context, id int64, origin Origin) Outcome {
	return p.ProcessDocuments(ctx, []int64{id}, origin)[0]
}

func (p *Processor) runBatch(ctx context.Context, batch []candidate) []Outcome {
	outcomes := make([]Outcome, len(batch))
	var halted atomic.Bool
	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, item := range batch {
		g.Go(func() error {
			if p.stopping.Load() || halted.Load() || ctx.Err() != nil {
				outcomes[i] = Outcome{DocumentID: item.id, NotStarted: true}
				return nil
			}
			outcomes[i] = p.safeProcess(ctx, item)
			if p.heartbeat != nil {
				if err := p.heartbeat(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("heartbeat failed, stopping pass")
					halted.Store(true)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (p *Processor) safeProcess(ctx context.Context, item candidate) (outcome Outcome) {
	started := p.now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int64("document_id", item.id).Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("document processing panicked")
			outcome = Outcome{DocumentID: item.id, Status: StatusFailed, Err: fmt.Errorf("panic: %v", r)}
		}
		p.metrics.ObserveDocument(item.origin, outcome.Status, p.now().Sub(started))
	}()
	return p.process(ctx, item)
}

func (p *Processor) process(ctx context.Context, item candidate) Outcome {
	logger := p.logger.With().Int64("document_id", item.id).Str("origin", string(item.origin)).Logger()
	origin := item.origin
	if origin != OriginRetry && p.retries.Has(item.id) {
		origin = OriginRetry
	}
	if origin == OriginWebhook {
		// Our own failed-tag update fires a webhook too.
		if latest, err := p.log.Latest(ctx, item.id); err == nil && latest.GaveUp {
			logger.Info().Int("attempt", latest.Attempt).Msg("ignoring webhook for given up document")
			return Outcome{DocumentID: item.id, Attempt: latest.Attempt, Status: StatusFailed, Workflow: latest.Workflow, Err: ErrGivenUp, GaveUp: true}
		}
	}

	doc := item.doc
	if doc == nil {
		fetched, err := p.docs.GetDocument(ctx, item.id)
		if err != nil {
			if errors.Is(err, paperless.ErrNotFound) {
				// Deleted documents are not retried.
				_ = p.retries.Remove(item.id)
				logger.Warn().Err(err).Msg("document no longer exists")
				return Outcome{DocumentID: item.id, Status: StatusFailed, Err: err}
			}
			return p.failBeforeAttempt(ctx, item.id, origin, err, logger)
		}
		doc = &fetched
	}

	entry, err := p.log.Begin(ctx, item.id, origin, doc.OriginalFileName)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot open processing log entry")
		return Outcome{DocumentID: item.id, Status: StatusFailed, Err: err}
	}
	outcome := Outcome{DocumentID: item.id, Attempt: entry.Attempt}
	logger = logger.With().Int("attempt", entry.Attempt).Logger()

	wf := item.workflow
	if wf == nil {
		names, err := p.docs.TagNames(ctx, doc.Tags)
		if err != nil {
			return p.fail(ctx, outcome, entry.Status, nil, fmt.Errorf("resolve tags: %w", err), logger)
		}
		matched, ok := workflow.Match(p.workflows.ListEnabled(), names)
		if !ok {
			return p.skip(ctx, outcome, entry.Status, "no workflow trigger tag on document", logger)
		}
		wf = &matched
	}
	outcome.Workflow = wf.Name
	logger = logger.With().Str("workflow", wf.Name).Logger()

	if err := p.log.Transition(ctx, item.id, entry.Attempt, StatusProcessing, wf.Name, ""); err != nil {
		logger.Warn().Err(err).Msg("cannot move attempt to processing")
		outcome.Status = StatusFailed
		outcome.Err = err
		return outcome
	}

	skipped, summary, raw, err := p.extractAndApply(ctx, doc, wf)
	if err != nil {
		return p.fail(ctx, outcome, StatusProcessing, wf, err, logger)
	}
	if skipped {
		return p.skip(ctx, outcome, StatusProcessing, fmt.Sprintf("%s is false", wf.SkipField), logger)
	}
	if err := p.retries.Remove(item.id); err != nil {
		logger.Warn().Err(err).Msg("cannot remove retry entry")
	}
	if err := p.log.Complete(ctx, item.id, entry.Attempt, summary, raw); err != nil {
		logger.Warn().Err(err).Msg("cannot record completion")
	}
	logger.Info().Str("vendor", summary.Vendor).Msg("document processed")
	outcome.Status = StatusCompleted
	return outcome
}

func (p *Processor) extractAndApply(ctx context.Context, doc *paperless.Document, wf *workflow.Workflow) (skipped bool, summary Summary, raw []byte, err error) {
	image, mimeType, err := p.docs.DownloadThumbnail(ctx, doc.ID)
	if err != nil {
		return false, Summary{}, nil, fmt.Errorf("download thumbnail: %w", err)
	}
	result, err := p.extractor.Extract(ctx, extraction.Request{
		Image:    image,
		MIMEType: mimeType,
		Schema:   wf.Schema,
		Prompt:   wf.Prompt,
	})
	if err != nil {
		return false, Summary{}, nil, err
	}

	triggerID, err := p.docs.GetOrCreateTag(ctx, wf.TriggerTag)
	if err != nil {
		return false, Summary{}, nil, fmt.Errorf("resolve trigger tag: %w", err)
	}
	tags := withoutTag(doc.Tags, triggerID)

	if wf.SkipField != "" {
		if v, ok := result.Data[wf.SkipField].(bool); ok && !v {
			if wf.SkippedTag != "" {
				id, err := p.docs.GetOrCreateTag(ctx, wf.SkippedTag)
				if err != nil {
					return false, Summary{}, nil, fmt.Errorf("resolve skipped tag: %w", err)
				}
				tags = withTag(tags, id)
			}
			if err := p.docs.UpdateDocument(ctx, doc.ID, paperless.DocumentUpdate{Tags: tags}); err != nil {
				return false, Summary{}, nil, fmt.Errorf("update document: %w", err)
			}
			return true, Summary{}, nil, nil
		}
	}

	mapped, err := wf.Output.Apply(result.Data)
	if err != nil {
		return false, Summary{}, nil, fmt.Errorf("apply output mapping: %w", err)
	}
	update := paperless.DocumentUpdate{Title: mapped.Title, Created: mapped.Date}
	if mapped.Correspondent != "" {
		id, err := p.docs.GetOrCreateCorrespondent(ctx, mapped.Correspondent)
		if err != nil {
			return false, Summary{}, nil, fmt.Errorf("resolve correspondent: %w", err)
		}
		update.Correspondent = id
	}
	extra := append([]string{}, mapped.Tags...)
	if wf.ProcessedTag != "" {
		extra = append(extra, wf.ProcessedTag)
	}
	for _, name := range extra {
		id, err := p.docs.GetOrCreateTag(ctx, name)
		if err != nil {
			return false, Summary{}, nil, fmt.Errorf("resolve tag %q: %w", name, err)
		}
		tags = withTag(tags, id)
	}
	update.Tags = tags
	if err := p.docs.UpdateDocument(ctx, doc.ID, update); err != nil {
		return false, Summary{}, nil, fmt.Errorf("update document: %w", err)
	}
	return false, Summary{Vendor: mapped.Vendor, Amount: mapped.Amount, Currency: mapped.Currency}, result.Raw, nil
}

// failBeforeAttempt handles errors raised before a log row exists, such as
// the document store being unreachable for a webhook document.
func (p *Processor) failBeforeAttempt(ctx context.Context, id int64, origin Origin, cause error, logger zerolog.Logger) Outcome {
	entry, err := p.log.Begin(ctx, id, origin, "")
	if err != nil {
		logger.Warn().Err(err).Msg("cannot open processing log entry")
		// Giving up needs a log row, so the entry stays queued until one can be written.
		if _, err := p.retries.Add(id, cause.Error()); err != nil {
			logger.Warn().Err(err).Msg("cannot persist retry entry")
		}
		return Outcome{DocumentID: id, Status: StatusFailed, Err: cause}
	}
	return p.fail(ctx, Outcome{DocumentID: id, Attempt: entry.Attempt}, entry.Status, nil, cause, logger)
}

func (p *Processor) fail(ctx context.Context, outcome Outcome, current Status, wf *workflow.Workflow, cause error, logger zerolog.Logger) Outcome {
	outcome.Status = StatusFailed
	outcome.Err = cause
	if current != StatusProcessing {
		if err := p.log.Transition(ctx, outcome.DocumentID, outcome.Attempt, StatusProcessing, "", ""); err != nil {
			logger.Warn().Err(err).Msg("cannot move attempt to processing")
		}
	}
	outcome.GaveUp = p.scheduleRetry(ctx, outcome.DocumentID, wf, cause, logger)
	record := p.log.Fail
	message := cause.Error()
	if outcome.GaveUp {
		record = p.log.GiveUp
		message = "gave up: " + message
	}
	if err := record(ctx, outcome.DocumentID, outcome.Attempt, message); err != nil {
		logger.Warn().Err(err).Msg("cannot record failure")
		return outcome
	}
	if outcome.GaveUp {
		if err := p.retries.Remove(outcome.DocumentID); err != nil {
			logger.Warn().Err(err).Msg("cannot remove retry entry after giving up")
		}
	}
	return outcome
}

// scheduleRetry records the failure in the retry queue and reports whether
// the document was given up on. The caller removes the entry of a given up
// document once the give-up is logged.
func (p *Processor) scheduleRetry(ctx context.Context, id int64, wf *workflow.Workflow, cause error, logger zerolog.Logger) bool {
	entry, err := p.retries.Add(id, cause.Error())
	if err != nil {
		logger.Warn().Err(err).Msg("cannot persist retry entry")
		return false
	}
	if !p.retries.ShouldGiveUp(id) {
		logger.Warn().Err(cause).Int("retry_attempts", entry.Attempts).Time("next_retry_at", entry.NextRetryAt).Msg("document failed, retry scheduled")
		return false
	}
	p.metrics.RetryGaveUp()
	logger.Error().Err(cause).Int("retry_attempts", entry.Attempts).Msg("giving up on document")
	if wf == nil || wf.FailedTag != "" {
		if err := p.tagFailed(ctx, id, wf); err != nil {
			logger.Warn().Err(err).Msg("cannot apply failed tag")
		}
	}
	return true
}

// tagFailed swaps the trigger tag for the workflow's failed tag. A nil
// workflow is resolved from the document's current tags.
func (p *Processor) tagFailed(ctx context.Context, id int64, wf *workflow.Workflow) error {
	doc, err := p.docs.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if wf == nil {
		names, err := p.docs.TagNames(ctx, doc.Tags)
		if err != nil {
			return err
		}
		matched, ok := workflow.Match(p.workflows.ListEnabled(), names)
		if !ok {
			return nil
		}
		wf = &matched
	}
	if wf.FailedTag == "" {
		return nil
	}
	failedID, err := p.docs.GetOrCreateTag(ctx, wf.FailedTag)
	if err != nil {
		return err
	}
	triggerID, err := p.docs.GetOrCreateTag(ctx, wf.TriggerTag)
	if err != nil {
		return err
	}
	return p.docs.UpdateDocument(ctx, id, paperless.DocumentUpdate{Tags: withTag(withoutTag(doc.Tags, triggerID), failedID)})
}

func (p *Processor) skip(ctx context.Context, outcome Outcome, current Status, reason string, logger zerolog.Logger) Outcome {
	outcome.Status = StatusSkipped
	if current == StatusRetrying {
		if err := p.log.Transition(ctx, outcome.DocumentID, outcome.Attempt, StatusProcessing, "", ""); err != nil {
			logger.Warn().Err(err).Msg("cannot move attempt to processing")
		}
	}
	if err := p.retries.Remove(outcome.DocumentID); err != nil {
		logger.Warn().Err(err).Msg("cannot remove retry entry")
	}
	if err := p.log.Skip(ctx, outcome.DocumentID, outcome.Attempt, strings.TrimSpace(reason)); err != nil {
		logger.Warn().Err(err).Msg("cannot record skip")
	}
	logger.Info().Str("reason", reason).Msg("document skipped")
	return outcome
}

func withoutTag(tags []int64, id int64) []int64 {
	out := make([]int64, 0, len(tags))
	for _, t := range tags {
		if t != id {
			out = append(out, t)
		}
	}
	return out
}

func withTag(tags []int64, id int64) []int64 {
	for _, t := range tags {
		if t == id {
			return tags
		}
	}
	return append(tags, id)
}
