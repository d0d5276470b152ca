// Package pending holds the durable per-recipient queues used while a user
// is offline: connection requests and chat/key-exchange messages.
package pending

import (
	"context"

	"go.uber.org/zap"

	"github.com/lzyats/im-relay/internal/metrics"
)

// Queue names.
const (
	QueueRequests = "requests"
	QueueMessages = "messages"
)

// Backend persists opaque records in per-(queue, uid) FIFO lists.
//
// Drain must read and delete in one atomic step: two concurrent drains of
// the same list never return overlapping records.
type Backend interface {
	Push(ctx context.Context, queue, uid string, records ...string) error
	Drain(ctx context.Context, queue, uid string) ([]string, error)
	Count(ctx context.Context, queue, uid string) (int64, error)
	Close() error
}

// Options apply to every backend.
type Options struct {
	// MaxKeep caps each list; the oldest records are trimmed first. 0 = no cap.
	MaxKeep int64
	// Log receives a warning whenever MaxKeep trims records. Optional.
	Log *zap.Logger
}

// trimmed accounts for records dropped by the MaxKeep cap.
func (o Options) trimmed(queue, uid string, n int64) {
	if n <= 0 {
		return
	}
	metrics.PendingTrimmed.WithLabelValues(queue).Add(float64(n))
	if o.Log != nil {
		o.Log.Warn("pending list trimmed",
			zap.String("queue", queue), zap.String("uid", uid),
			zap.Int64("dropped", n), zap.Int64("max_keep", o.MaxKeep))
	}
}
