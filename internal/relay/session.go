package relay

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/lzyats/im-relay/internal/history"
	"github.com/lzyats/im-relay/internal/hub"
	"github.com/lzyats/im-relay/internal/metrics"
)

type State int

const (
	StateConnecting State = iota
	StateReplaying
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// session is the per-connection task. Only its own goroutine touches it.
type session struct {
	r     *Relay
	c     *hub.Conn
	ws    Socket
	log   *zap.Logger
	state State
}

func (s *session) enter(st State) {
	s.state = st
	s.log.Debug("session state", zap.Stringer("state", st))
}

// connect registers the channel, announces it and replays everything that
// was parked for this identity. Frames for uid from other senders wait on
// the identity lock until the replay is done.
//
// The previous channel is evicted before the lock is taken: a session still
// replaying holds that lock, and closing its channel is what makes it stop
// and hand the untried rest back to the store.
func (s *session) connect(ctx context.Context) bool {
	r, uid := s.r, s.c.UID
	s.enter(StateConnecting)

	if old := r.hub.Evict(uid); old != nil {
		s.superseded(old)
	}

	unlock := r.hub.Lock(uid)
	defer unlock()

	// superseded or shut down while waiting for the lock
	if s.c.Closed() {
		return false
	}
	if old := r.hub.Register(uid, s.c); old != nil {
		s.superseded(old)
	}
	metrics.OnlineConns.Set(float64(r.hub.Len()))
	s.log.Info("connected")
	_ = r.broadcast(ctx, uid, true)

	s.enter(StateReplaying)
	return s.replay(ctx)
}

// replay delivers requests first, then messages, each in stored order. On a
// failed send the failed item is lost and the untried rest is put back.
func (s *session) replay(ctx context.Context) bool {
	r, uid := s.r, s.c.UID

	sctx, cancel := r.storeCtx(ctx)
	reqs, err := r.requests.DrainFor(sctx, uid)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("drain").Inc()
		s.log.Warn("drain requests failed", zap.Error(err))
		s.notifyStoreError(ctx, "", TypeChatRequest)
	}
	for i, q := range reqs {
		b, err := requestFrame(q)
		if err == nil {
			err = s.deliver(ctx, b)
		}
		if err != nil {
			s.abortReplay(ctx, "requests", err, func(rctx context.Context) error {
				return r.requests.Requeue(rctx, uid, reqs[i+1:])
			}, len(reqs)-i-1)
			return false
		}
		metrics.Replayed.WithLabelValues("requests").Inc()
	}

	sctx, cancel = r.storeCtx(ctx)
	msgs, err := r.messages.DrainFor(sctx, uid)
	cancel()
	if err != nil {
		metrics.StoreErrors.WithLabelValues("drain").Inc()
		s.log.Warn("drain messages failed", zap.Error(err))
		s.notifyStoreError(ctx, "", TypeChat)
	}
	for i, m := range msgs {
		b, err := messageFrame(m)
		if err == nil {
			err = s.deliver(ctx, b)
		}
		if err != nil {
			s.abortReplay(ctx, "messages", err, func(rctx context.Context) error {
				return r.messages.Requeue(rctx, uid, msgs[i+1:])
			}, len(msgs)-i-1)
			return false
		}
		metrics.Replayed.WithLabelValues("messages").Inc()
	}

	if len(reqs)+len(msgs) > 0 {
		s.log.Info("replayed pending", zap.Int("requests", len(reqs)), zap.Int("messages", len(msgs)))
	}
	return true
}

func (s *session) superseded(old *hub.Conn) {
	metrics.Superseded.Inc()
	s.log.Info("connection superseded", zap.String("old_session", old.SessionID))
}

func (s *session) abortReplay(ctx context.Context, queue string, cause error, requeue func(context.Context) error, rest int) {
	metrics.ReplayAborted.Inc()
	fields := []zap.Field{zap.String("queue", queue), zap.Int("requeued", rest), zap.Error(cause)}
	if rest > 0 {
		rctx, cancel := s.r.storeCtx(ctx)
		err := requeue(rctx)
		cancel()
		if err != nil {
			metrics.StoreErrors.WithLabelValues("requeue").Inc()
			fields = append(fields, zap.NamedError("requeue_error", err))
		}
	}
	s.log.Warn("replay aborted", fields...)
}

// deliver sends to this session's own channel, bounded by the write timeout.
func (s *session) deliver(ctx context.Context, b []byte) error {
	dctx, cancel := context.WithTimeout(ctx, s.r.opts.WriteTimeout)
	defer cancel()
	return s.c.Send(dctx, b)
}

func (s *session) live(ctx context.Context) {
	s.enter(StateLive)
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			s.log.Debug("read ended", zap.Error(err))
			return
		}
		s.handle(ctx, data)
	}
}

// handle processes one inbound frame. Nothing here ends the connection.
func (s *session) handle(ctx context.Context, data []byte) {
	r := s.r
	f, err := decodeFrame(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownFrameType) {
			reason = "unknown_type"
		}
		metrics.Dropped.WithLabelValues(reason).Inc()
		s.log.Debug("frame dropped", zap.String("reason", reason), zap.Error(err))
		return
	}
	from := f.From
	if from == "" {
		from = s.c.UID
	}

	if _, err := r.route(ctx, from, f, data); err != nil {
		s.log.Warn("frame not stored", zap.String("to", f.To), zap.String("type", f.Type), zap.Error(err))
		s.notifyStoreError(ctx, f.To, f.Type)
	}

	if f.Type == TypeChat {
		hctx, cancel := r.storeCtx(ctx)
		err := r.history.Append(hctx, from, f.To, f.Payload)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, history.ErrCircuitOpen):
			metrics.StoreErrors.WithLabelValues("history_skipped").Inc()
		default:
			metrics.StoreErrors.WithLabelValues("history").Inc()
			s.log.Warn("history append failed", zap.String("to", f.To), zap.Error(err))
		}
	}
}

func (s *session) notifyStoreError(ctx context.Context, to, ref string) {
	b, err := json.Marshal(ErrorNotice{Type: TypeError, Error: errCodeStoreUnavailable, To: to, Ref: ref})
	if err != nil {
		return
	}
	_ = s.deliver(ctx, b)
}

// closing releases the registration unless a newer channel has taken over,
// in which case presence is left alone.
func (s *session) closing() {
	r, uid := s.r, s.c.UID
	s.enter(StateClosing)
	s.c.Close()

	unlock := r.hub.Lock(uid)
	released := r.hub.Release(s.c)
	if released {
		_ = r.broadcast(context.Background(), uid, false)
		r.graph.RemoveObserver(uid)
		metrics.PresenceSubjects.Set(float64(r.graph.Subjects()))
	}
	unlock()

	metrics.OnlineConns.Set(float64(r.hub.Len()))
	s.enter(StateClosed)
	s.log.Info("disconnected", zap.Bool("superseded", !released))
}
