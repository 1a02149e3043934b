package models

import "time"

// Backfill status lifecycle per (symbol, timeframe) pair.
const (
	BackfillInProgress = "in_progress"
	BackfillCompleted  = "completed"
	BackfillError      = "error"
	BackfillStale      = "stale"
)

// BackfillStatus is the per-pair status blob stored in Redis with bounded
// validity. LastUpdatedTS is unix seconds.
type BackfillStatus struct {
	Status        string `json:"status"`
	LastUpdatedTS int64  `json:"last_updated_ts"`
}

// Effective returns the status a reader should trust: an in_progress record
// older than the staleness threshold is reported as stale instead.
func (s *BackfillStatus) Effective(now time.Time, staleAfter time.Duration) string {
	if s == nil {
		return ""
	}
	if s.Status == BackfillInProgress {
		age := now.Sub(time.Unix(s.LastUpdatedTS, 0))
		if age > staleAfter {
			return BackfillStale
		}
	}
	return s.Status
}

// Fanout envelope types published on kline_updates channels.
const (
	EnvelopeKlineClosed = "kline_closed"
	EnvelopeKlineTick   = "kline_tick"
)

// Envelope wraps a kline payload for pub/sub fanout.
type Envelope struct {
	Type string        `json:"type"`
	Data *KlinePayload `json:"data"`
}
