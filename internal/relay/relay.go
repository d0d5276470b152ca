package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lzyats/im-relay/internal/history"
	"github.com/lzyats/im-relay/internal/hub"
	"github.com/lzyats/im-relay/internal/metrics"
	"github.com/lzyats/im-relay/internal/pending"
	"github.com/lzyats/im-relay/internal/presence"
)

// Socket is the websocket surface a session reads from and writes to.
type Socket interface {
	hub.Socket
	ReadMessage() (messageType int, p []byte, err error)
}

type Options struct {
	OutBuffer       int
	WriteTimeout    time.Duration
	ForwardTimeout  time.Duration
	PresenceTimeout time.Duration
	StoreTimeout    time.Duration
}

func (o *Options) applyDefaults() {
	if o.OutBuffer <= 0 {
		o.OutBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.ForwardTimeout <= 0 {
		o.ForwardTimeout = 2 * time.Second
	}
	if o.PresenceTimeout <= 0 {
		o.PresenceTimeout = 500 * time.Millisecond
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 3 * time.Second
	}
}

// Relay routes frames between connected identities and parks them in the
// pending stores when the recipient is away.
type Relay struct {
	hub      *hub.Hub
	graph    *presence.Graph
	requests *pending.RequestStore
	messages *pending.MessageStore
	history  history.Store
	log      *zap.Logger
	opts     Options

	mu       sync.Mutex
	shutdown bool
	active   map[*hub.Conn]struct{}
	wg       sync.WaitGroup
}

func New(h *hub.Hub, g *presence.Graph, requests *pending.RequestStore, messages *pending.MessageStore,
	hist history.Store, log *zap.Logger, opts Options) *Relay {
	if hist == nil {
		hist = history.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.applyDefaults()
	return &Relay{
		hub:      h,
		graph:    g,
		requests: requests,
		messages: messages,
		history:  hist,
		log:      log,
		opts:     opts,
		active:   make(map[*hub.Conn]struct{}),
	}
}

// Serve runs one connection for uid until the socket fails or ctx ends.
// It owns ws from here on and closes it before returning.
func (r *Relay) Serve(ctx context.Context, uid string, ws Socket) {
	c := hub.NewConn(uid, ws, r.opts.OutBuffer)
	if !r.track(c) {
		_ = ws.Close()
		return
	}
	defer r.untrack(c)

	s := &session{
		r:   r,
		c:   c,
		ws:  ws,
		log: r.log.With(zap.String("uid", uid), zap.String("session", c.SessionID)),
	}
	go c.WriteLoop(r.opts.WriteTimeout)
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	defer s.closing()
	if !s.connect(ctx) {
		return
	}
	s.live(ctx)
}

// track admits c unless Shutdown has started. Every admitted Conn is closed
// by Shutdown, registered or not.
func (r *Relay) track(c *hub.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shutdown {
		return false
	}
	r.active[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Relay) untrack(c *hub.Conn) {
	r.mu.Lock()
	delete(r.active, c)
	r.mu.Unlock()
	r.wg.Done()
}

// WatchPeer records mutual presence interest between user and peer and
// reports whether peer is online right now.
func (r *Relay) WatchPeer(user, peer string) bool {
	if user != "" {
		r.graph.Subscribe(user, peer)
		r.graph.Subscribe(peer, user)
		metrics.PresenceSubjects.Set(float64(r.graph.Subjects()))
	}
	return r.hub.IsOnline(peer)
}

// DrainRequests hands out and removes every chat request waiting for uid.
func (r *Relay) DrainRequests(ctx context.Context, uid string) ([]pending.Request, error) {
	return r.requests.DrainFor(ctx, uid)
}

// DrainMessages hands out and removes every message waiting for uid.
func (r *Relay) DrainMessages(ctx context.Context, uid string) ([]pending.Message, error) {
	return r.messages.DrainFor(ctx, uid)
}

func (r *Relay) History(ctx context.Context, a, b string, afterID int64, limit int) ([]history.Record, error) {
	return r.history.RangeQuery(ctx, a, b, afterID, limit)
}

func (r *Relay) Online() int { return r.hub.Len() }

// Shutdown refuses new connections, closes every admitted one and waits for
// their sessions to finish cleanup.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.shutdown = true
	conns := make([]*hub.Conn, 0, len(r.active))
	for c := range r.active {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// route forwards f to its recipient when online and persists it otherwise.
// The decision and the send happen under the recipient's lock so a replay
// for the same identity cannot interleave.
func (r *Relay) route(ctx context.Context, from string, f Frame, raw []byte) (forwarded bool, err error) {
	unlock := r.hub.Lock(f.To)
	defer unlock()

	if c, ok := r.hub.Lookup(f.To); ok {
		fctx, cancel := context.WithTimeout(ctx, r.opts.ForwardTimeout)
		err := c.Send(fctx, raw)
		cancel()
		if err == nil {
			metrics.Forwarded.WithLabelValues(f.Type).Inc()
			return true, nil
		}
		metrics.ForwardFallback.Inc()
		r.log.Info("forward fell back to store",
			zap.String("to", f.To), zap.String("type", f.Type),
			zap.Error(fmt.Errorf("%w: %v", ErrChannelClosedDuringForward, err)))
	} else {
		r.log.Debug("storing for later", zap.String("to", f.To), zap.String("type", f.Type),
			zap.Error(ErrRecipientUnknown))
	}
	return false, r.enqueue(ctx, from, f)
}

func (r *Relay) enqueue(ctx context.Context, from string, f Frame) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()

	var err error
	switch f.Type {
	case TypeChatRequest:
		_, err = r.requests.Enqueue(sctx, pending.Request{From: from, To: f.To})
	default:
		_, err = r.messages.Enqueue(sctx, pending.Message{
			Type:      f.Type,
			From:      from,
			To:        f.To,
			Payload:   f.Payload,
			Signature: f.Signature,
		})
	}
	if err != nil {
		metrics.StoreErrors.WithLabelValues("enqueue").Inc()
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	metrics.Enqueued.WithLabelValues(f.Type).Inc()
	return nil
}

// broadcast tells every online observer of subject about its new state.
// Observers that are offline are skipped; failed sends are collected.
func (r *Relay) broadcast(ctx context.Context, subject string, online bool) error {
	observers := r.graph.InterestedIn(subject)
	if len(observers) == 0 {
		return nil
	}
	b, err := json.Marshal(StatusUpdate{Type: TypeStatusUpdate, PeerID: subject, Online: online})
	if err != nil {
		return err
	}
	base := context.WithoutCancel(ctx)
	var errs []error
	for _, o := range observers {
		c, ok := r.hub.Lookup(o)
		if !ok {
			continue
		}
		sctx, cancel := context.WithTimeout(base, r.opts.PresenceTimeout)
		err := c.Send(sctx, b)
		cancel()
		if err != nil {
			metrics.PresenceFailed.Inc()
			errs = append(errs, fmt.Errorf("observer %s: %w", o, err))
			continue
		}
		metrics.PresenceSent.Inc()
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("presence broadcast incomplete",
			zap.String("subject", subject), zap.Bool("online", online), zap.Error(err))
		return err
	}
	return nil
}

func (r *Relay) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.opts.StoreTimeout)
}
