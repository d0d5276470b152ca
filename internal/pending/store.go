package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lzyats/im-relay/internal/metrics"
)

// ErrUnavailable wraps every backend failure so callers can tell a storage
// outage from a bad argument.
var ErrUnavailable = errors.New("pending: store unavailable")

var ErrInvalidArgument = errors.New("pending: invalid argument")

// IDSource assigns ids to items enqueued without one.
type IDSource interface {
	NextString() (string, error)
}

// Request is a chat_request addressed to a user who was offline.
type Request struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is a chat or shared_secret frame addressed to a user who was
// offline. Payload and Signature are stored exactly as received.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Signature json.RawMessage `json:"signature,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type queue struct {
	name string
	b    Backend
	ids  IDSource
	now  func() time.Time
}

func (q *queue) stamp(id *string, at *time.Time) error {
	if *id == "" {
		v, err := q.ids.NextString()
		if err != nil {
			return err
		}
		*id = v
	}
	if at.IsZero() {
		*at = q.now()
	}
	return nil
}

func (q *queue) push(ctx context.Context, uid string, items ...any) error {
	recs := make([]string, 0, len(items))
	for _, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		recs = append(recs, string(b))
	}
	if err := q.b.Push(ctx, q.name, uid, recs...); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (q *queue) count(ctx context.Context, uid string) (int64, error) {
	n, err := q.b.Count(ctx, q.name, uid)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// drain decodes in FIFO order. Records that no longer decode are skipped.
func drain[T any](ctx context.Context, q *queue, uid string) ([]T, error) {
	recs, err := q.b.Drain(ctx, q.name, uid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		var v T
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			metrics.PendingCorrupt.WithLabelValues(q.name).Inc()
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// RequestStore is the pending connection-request queue.
type RequestStore struct{ q queue }

func NewRequestStore(b Backend, ids IDSource) *RequestStore {
	return &RequestStore{q: queue{name: QueueRequests, b: b, ids: ids, now: time.Now}}
}

func (s *RequestStore) Enqueue(ctx context.Context, r Request) (string, error) {
	if r.To == "" {
		return "", ErrInvalidArgument
	}
	if err := s.q.stamp(&r.ID, &r.CreatedAt); err != nil {
		return "", err
	}
	if err := s.q.push(ctx, r.To, r); err != nil {
		return "", err
	}
	return r.ID, nil
}

// DrainFor returns and removes every request addressed to uid, oldest first.
func (s *RequestStore) DrainFor(ctx context.Context, uid string) ([]Request, error) {
	return drain[Request](ctx, &s.q, uid)
}

// Requeue appends previously drained requests back in their original order.
func (s *RequestStore) Requeue(ctx context.Context, uid string, rs []Request) error {
	if len(rs) == 0 {
		return nil
	}
	items := make([]any, len(rs))
	for i := range rs {
		items[i] = rs[i]
	}
	return s.q.push(ctx, uid, items...)
}

func (s *RequestStore) PeekCount(ctx context.Context, uid string) (int64, error) {
	return s.q.count(ctx, uid)
}

// MessageStore is the pending chat/shared_secret queue.
type MessageStore struct{ q queue }

func NewMessageStore(b Backend, ids IDSource) *MessageStore {
	return &MessageStore{q: queue{name: QueueMessages, b: b, ids: ids, now: time.Now}}
}

func (s *MessageStore) Enqueue(ctx context.Context, m Message) (string, error) {
	if m.To == "" {
		return "", ErrInvalidArgument
	}
	if err := s.q.stamp(&m.ID, &m.CreatedAt); err != nil {
		return "", err
	}
	if err := s.q.push(ctx, m.To, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (s *MessageStore) DrainFor(ctx context.Context, uid string) ([]Message, error) {
	return drain[Message](ctx, &s.q, uid)
}

func (s *MessageStore) Requeue(ctx context.Context, uid string, ms []Message) error {
	if len(ms) == 0 {
		return nil
	}
	items := make([]any, len(ms))
	for i := range ms {
		items[i] = ms[i]
	}
	return s.q.push(ctx, uid, items...)
}

func (s *MessageStore) PeekCount(ctx context.Context, uid string) (int64, error) {
	return s.q.count(ctx, uid)
}
