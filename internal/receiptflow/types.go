package receiptflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLockNotHeld       = errors.New("lock not held")
	ErrNoWorkflow        = errors.New("no matching workflow")
	ErrConfigInvalid     = errors.New("configuration invalid")
	ErrNotImplemented    = errors.New("not implemented")
	ErrGivenUp           = errors.New("document was given up on")
)

// Status is the lifecycle state of one processing attempt.
type Status string

const (
	StatusDetected   Status = "detected"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
	StatusSkipped    Status = "skipped"
)

// WebhookStatus is the state of a webhook queue entry.
type WebhookStatus string

const (
	WebhookPending    WebhookStatus = "pending"
	WebhookProcessing WebhookStatus = "processing"
	WebhookCompleted  WebhookStatus = "completed"
	WebhookFailed     WebhookStatus = "failed"
)

// Origin records what caused a processing attempt.
type Origin string

const (
	OriginScan    Origin = "scan"
	OriginWebhook Origin = "webhook"
	OriginRetry   Origin = "retry"
)

type TransitionError struct {
	DocumentID int64
	From       Status
	To         Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("document %d: cannot move from %s to %s", e.DocumentID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type LockRecord struct {
	HeldBy     string     `json:"heldBy,omitempty"`
	AcquiredAt *time.Time `json:"acquiredAt,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type ScanResult struct {
	DocumentsFound     int       `json:"documentsFound"`
	DocumentsQueued    int       `json:"documentsQueued"`
	DocumentsSkipped   int       `json:"documentsSkipped"`
	DocumentsCompleted int       `json:"documentsCompleted"`
	DocumentsFailed    int       `json:"documentsFailed"`
	Error              string    `json:"error,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

type WorkerState struct {
	IsPaused       bool        `json:"isPaused"`
	PauseReason    string      `json:"pauseReason,omitempty"`
	PausedAt       *time.Time  `json:"pausedAt,omitempty"`
	LastScanAt     *time.Time  `json:"lastScanAt,omitempty"`
	ScanRequested  bool        `json:"scanRequested"`
	LastScanResult *ScanResult `json:"lastScanResult,omitempty"`
	Lock           LockRecord  `json:"lock"`
}

type WebhookEntry struct {
	DocumentID int64         `json:"documentId"`
	RawPayload string        `json:"rawPayload"`
	Status     WebhookStatus `json:"status"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	UpdatedAt  time.Time     `json:"updatedAt"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"lastError,omitempty"`
}

type WebhookStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

type RetryEntry struct {
	DocumentID    int64     `json:"documentId"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError"`
	NextRetryAt   time.Time `json:"nextRetryAt"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type LogEntry struct {
	DocumentID  int64           `json:"documentId"`
	Attempt     int             `json:"attempt"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Origin      Origin          `json:"origin"`
	Workflow    string          `json:"workflow,omitempty"`
	FileName    string          `json:"fileName,omitempty"`
	Vendor      string          `json:"vendor,omitempty"`
	Amount      *float64        `json:"amount,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	ReceiptData json.RawMessage `json:"receiptData,omitempty"`
	Error       string          `json:"error,omitempty"`
	GaveUp      bool            `json:"gaveUp,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Summary is the subset of an extraction result shown next to a log row.
type Summary struct {
	Vendor   string
	Amount   *float64
	Currency string
}

type StatusSnapshot struct {
	Worker     WorkerState    `json:"worker"`
	Webhooks   WebhookStats   `json:"webhooks"`
	RetryDepth int            `json:"retryDepth"`
	Retries    []RetryEntry   `json:"retries,omitempty"`
	Logs       map[Status]int `json:"logs"`
	TakenAt    time.Time      `json:"takenAt"`
}
