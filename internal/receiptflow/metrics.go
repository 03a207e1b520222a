package receiptflow

import "time"

// Metrics receives engine events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveDocument(origin Origin, status Status, elapsed time.Duration)
	ObserveScan(result ScanResult, elapsed time.Duration)
	RetryGaveUp()
	TickError()
	LockBusy(section string)
	SetQueueDepths(webhookPending, retries int)
	SetPaused(paused bool)
}

type nopMetrics struct{}

func (nopMetrics) ObserveDocument(Origin, Status, time.Duration) {}
func (nopMetrics) ObserveScan(ScanResult, time.Duration)         {}
func (nopMetrics) RetryGaveUp()                                  {}
func (nopMetrics) TickError()                                    {}
func (nopMetrics) LockBusy(string)                               {}
func (nopMetrics) SetQueueDepths(int, int)                       {}
func (nopMetrics) SetPaused(bool)                                {}
