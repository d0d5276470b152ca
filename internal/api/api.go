// Package api exposes the relay over HTTP: the websocket endpoint, the key
// directory and a small administrative surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lzyats/im-relay/internal/auth"
	"github.com/lzyats/im-relay/internal/history"
	"github.com/lzyats/im-relay/internal/keydir"
	"github.com/lzyats/im-relay/internal/pending"
	"github.com/lzyats/im-relay/internal/relay"
)

type Options struct {
	CORSOrigins   []string
	MaxFrameBytes int64
	Timeout       time.Duration

	// AuthEnabled requires a token on every identity-bound route; otherwise
	// the identity in the path or query is trusted.
	AuthEnabled  bool
	TokenHeader  string
	BearerPrefix string
	QueryKey     string

	HistoryDefaultLimit int
	HistoryMaxLimit     int
}

type Server struct {
	relay *relay.Relay
	keys  keydir.Directory
	auth  auth.Authenticator
	log   *zap.Logger
	opts  Options
	up    websocket.Upgrader
}

func New(r *relay.Relay, keys keydir.Directory, authn auth.Authenticator, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if authn == nil {
		authn = auth.PathIdentity{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.HistoryDefaultLimit <= 0 {
		opts.HistoryDefaultLimit = 50
	}
	if opts.HistoryMaxLimit <= 0 {
		opts.HistoryMaxLimit = 500
	}
	s := &Server{relay: r, keys: keys, auth: authn, log: log, opts: opts}
	s.up = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/{user_id}", s.handleWS)

	mux.HandleFunc("POST /api/publish_kem", s.handlePublishKEM)
	mux.HandleFunc("GET /api/get_kyber_pub/{user_id}", s.handleGetKEM)
	mux.HandleFunc("GET /api/get_falcon_pub/{user_id}", s.handleGetSign)

	mux.HandleFunc("GET /api/check_online/{peer_id}", s.handleCheckOnline)
	mux.HandleFunc("GET /api/pending_requests/{user_id}", s.handlePendingRequests)
	mux.HandleFunc("GET /api/pending_messages/{user_id}", s.handlePendingMessages)
	mux.HandleFunc("GET /api/history/{peer_id}", s.handleHistory)

	return withCORS(s.opts.CORSOrigins, mux)
}

// identify resolves the caller. With auth on, the token decides and claimed
// must be empty or equal to it.
func (s *Server) identify(r *http.Request, claimed string) (string, int) {
	claimed = strings.TrimSpace(claimed)
	if !s.opts.AuthEnabled {
		if claimed == "" {
			return "", http.StatusBadRequest
		}
		return claimed, 0
	}
	tok := auth.ExtractToken(r, s.opts.TokenHeader, s.opts.BearerPrefix, s.opts.QueryKey)
	if tok == "" {
		return "", http.StatusUnauthorized
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	uid, err := s.auth.Validate(ctx, tok)
	cancel()
	if err != nil {
		if !errors.Is(err, auth.ErrRejected) {
			s.log.Warn("token check failed", zap.Error(err))
		}
		return "", http.StatusUnauthorized
	}
	if claimed != "" && claimed != uid {
		return "", http.StatusForbidden
	}
	return uid, 0
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, code := s.identify(r, r.PathValue("user_id"))
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	ws, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("uid", uid), zap.Error(err))
		return
	}
	if s.opts.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.opts.MaxFrameBytes)
	}
	s.relay.Serve(r.Context(), uid, ws)
}

type publishReq struct {
	User      string          `json:"user"`
	KEMPub    json.RawMessage `json:"kem_pub"`
	FalconPub json.RawMessage `json:"falcon_pub"`
}

func (s *Server) handlePublishKEM(w http.ResponseWriter, r *http.Request) {
	var q publishReq
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(q.User) == "" || blank(q.KEMPub) || blank(q.FalconPub) {
		writeJSON(w, map[string]any{"status": "error", "message": "Missing user or keys"})
		return
	}
	uid, code := s.identify(r, q.User)
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	err := s.keys.Put(ctx, uid, keydir.Keys{KEM: q.KEMPub, Sign: q.FalconPub})
	cancel()
	if err != nil {
		s.log.Error("publish keys failed", zap.String("uid", uid), zap.Error(err))
		http.Error(w, "store error", http.StatusServiceUnavailable)
		return
	}
	s.log.Info("published keys", zap.String("uid", uid), zap.Int("kem_len", len(q.KEMPub)), zap.Int("sign_len", len(q.FalconPub)))
	writeJSON(w, map[string]any{"status": "success"})
}

func (s *Server) handleGetKEM(w http.ResponseWriter, r *http.Request) {
	s.getKey(w, r, "pk", func(k keydir.Keys) json.RawMessage { return k.KEM })
}

func (s *Server) handleGetSign(w http.ResponseWriter, r *http.Request) {
	s.getKey(w, r, "fk", func(k keydir.Keys) json.RawMessage { return k.Sign })
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request, field string, pick func(keydir.Keys) json.RawMessage) {
	uid := r.PathValue("user_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	k, err := s.keys.Get(ctx, uid)
	cancel()
	if errors.Is(err, keydir.ErrNotFound) || (err == nil && blank(pick(k))) {
		writeJSON(w, map[string]any{"status": "error", "message": "Key not found"})
		return
	}
	if err != nil {
		s.log.Error("get keys failed", zap.String("uid", uid), zap.Error(err))
		http.Error(w, "store error", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "success", field: pick(k)})
}

func (s *Server) handleCheckOnline(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer_id")
	user, code := s.identify(r, r.URL.Query().Get("user"))
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	writeJSON(w, map[string]any{"status": "success", "peerId": peer, "online": s.relay.WatchPeer(user, peer)})
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	uid, code := s.identify(r, r.PathValue("user_id"))
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	items, err := s.relay.DrainRequests(ctx, uid)
	cancel()
	if err != nil {
		s.storeError(w, "drain requests", uid, err)
		return
	}
	if items == nil {
		items = []pending.Request{}
	}
	writeJSON(w, map[string]any{"status": "success", "requests": items})
}

func (s *Server) handlePendingMessages(w http.ResponseWriter, r *http.Request) {
	uid, code := s.identify(r, r.PathValue("user_id"))
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	items, err := s.relay.DrainMessages(ctx, uid)
	cancel()
	if err != nil {
		s.storeError(w, "drain messages", uid, err)
		return
	}
	if items == nil {
		items = []pending.Message{}
	}
	writeJSON(w, map[string]any{"status": "success", "messages": items})
}

type historyItem struct {
	MsgID      int64           `json:"msg_id"`
	ConvID     string          `json:"conv_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Payload    json.RawMessage `json:"payload"`
	CreateTime int64           `json:"create_time"` // unix millis
}

// GET /api/history/{peer_id}?user=alice&after=0&limit=50
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer_id")
	user, code := s.identify(r, r.URL.Query().Get("user"))
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = s.opts.HistoryDefaultLimit
	}
	if limit > s.opts.HistoryMaxLimit {
		limit = s.opts.HistoryMaxLimit
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.Timeout)
	list, err := s.relay.History(ctx, user, peer, after, limit)
	cancel()
	if errors.Is(err, history.ErrUnsupported) {
		http.Error(w, "history not available", http.StatusNotImplemented)
		return
	}
	if err != nil {
		s.storeError(w, "history", user, err)
		return
	}
	out := make([]historyItem, 0, len(list))
	for _, m := range list {
		out = append(out, historyItem{
			MsgID:      m.MsgID,
			ConvID:     m.ConvID,
			From:       m.Sender,
			To:         m.Recipient,
			Payload:    m.Ciphertext,
			CreateTime: m.CreateTime.UnixMilli(),
		})
	}
	writeJSON(w, map[string]any{"status": "success", "items": out})
}

func (s *Server) storeError(w http.ResponseWriter, op, uid string, err error) {
	s.log.Error(op+" failed", zap.String("uid", uid), zap.Error(err))
	http.Error(w, "store unavailable", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func blank(b json.RawMessage) bool {
	v := strings.TrimSpace(string(b))
	return v == "" || v == "null" || v == `""` || v == "[]"
}
