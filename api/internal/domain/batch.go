package domain

import "time"

type Batch struct {
	ID        string
	TaskIDs   []string
	CreatedAt time.Time
}

type BatchStatus string

const (
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchPartial    BatchStatus = "partial"
)

// DeriveBatchStatus summarizes member states. Cancelled tasks count as
// non-success. A batch whose tasks were all deleted has nothing completed and
// reports failed.
func DeriveBatchStatus(states []State) BatchStatus {
	completed := 0
	for _, s := range states {
		if !s.Terminal() {
			return BatchProcessing
		}
		if s == StateCompleted {
			completed++
		}
	}

	switch {
	case completed == 0:
		return BatchFailed
	case completed == len(states):
		return BatchCompleted
	default:
		return BatchPartial
	}
}
