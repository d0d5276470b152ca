package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/lzyats/im-relay/internal/auth"
	"github.com/lzyats/im-relay/internal/db"
	"github.com/lzyats/im-relay/internal/history"
	"github.com/lzyats/im-relay/internal/hub"
	"github.com/lzyats/im-relay/internal/keydir"
	"github.com/lzyats/im-relay/internal/pending"
	"github.com/lzyats/im-relay/internal/presence"
	"github.com/lzyats/im-relay/internal/relay"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() (int64, error)        { return s.n.Add(1), nil }
func (s *seqIDs) NextString() (string, error) { return fmt.Sprint(s.n.Add(1)), nil }

type env struct {
	srv *httptest.Server
	hub *hub.Hub
	rl  *relay.Relay
}

func newEnv(t *testing.T, hist history.Store, authn auth.Authenticator, opts Options) *env {
	t.Helper()
	ids := &seqIDs{}
	b := pending.NewMemoryBackend(pending.Options{})
	h := hub.New()
	rl := relay.New(h, presence.NewGraph(), pending.NewRequestStore(b, ids), pending.NewMessageStore(b, ids),
		hist, nil, relay.Options{ForwardTimeout: 200 * time.Millisecond})
	if opts.CORSOrigins == nil {
		opts.CORSOrigins = []string{"http://localhost:5173"}
	}
	s := New(rl, keydir.NewMemory(), authn, nil, opts)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rl.Shutdown(ctx)
		srv.Close()
	})
	return &env{srv: srv, hub: h, rl: rl}
}

func (e *env) getJSON(t *testing.T, path string, hdr http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range hdr {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var m map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	}
	return resp.StatusCode, m
}

func (e *env) postJSON(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var m map[string]any
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	}
	return resp.StatusCode, m
}

func (e *env) dial(t *testing.T, path string, hdr http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, hdr)
	if ws != nil {
		t.Cleanup(func() { _ = ws.Close() })
	}
	return ws, resp, err
}

func TestKeyDirectoryRoundTrip(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})

	_, m := e.getJSON(t, "/api/get_kyber_pub/alice", nil)
	require.Equal(t, map[string]any{"status": "error", "message": "Key not found"}, m)

	code, m := e.postJSON(t, "/api/publish_kem", `{"user":"alice","kem_pub":[1,2,3],"falcon_pub":[9,8]}`)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", m["status"])

	_, m = e.getJSON(t, "/api/get_kyber_pub/alice", nil)
	require.Equal(t, "success", m["status"])
	require.Equal(t, []any{1.0, 2.0, 3.0}, m["pk"])

	_, m = e.getJSON(t, "/api/get_falcon_pub/alice", nil)
	require.Equal(t, []any{9.0, 8.0}, m["fk"])

	// republish replaces both keys
	e.postJSON(t, "/api/publish_kem", `{"user":"alice","kem_pub":"AA==","falcon_pub":"BB=="}`)
	_, m = e.getJSON(t, "/api/get_kyber_pub/alice", nil)
	require.Equal(t, "AA==", m["pk"])
}

func TestPublishRequiresUserAndKeys(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})
	for _, body := range []string{
		`{"kem_pub":[1],"falcon_pub":[2]}`,
		`{"user":"alice","falcon_pub":[2]}`,
		`{"user":"alice","kem_pub":[1],"falcon_pub":null}`,
	} {
		code, m := e.postJSON(t, "/api/publish_kem", body)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, map[string]any{"status": "error", "message": "Missing user or keys"}, m, body)
	}
	code, _ := e.postJSON(t, "/api/publish_kem", `not json`)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestCheckOnlineSubscribesBothWays(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})
	alice, _, err := e.dial(t, "/ws/alice", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	_, m := e.getJSON(t, "/api/check_online/bob?user=alice", nil)
	require.Equal(t, false, m["online"])

	bob, _, err := e.dial(t, "/ws/bob", nil)
	require.NoError(t, err)

	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note map[string]any
	require.NoError(t, alice.ReadJSON(&note))
	require.Equal(t, map[string]any{"type": "status_update", "peerId": "bob", "online": true}, note)

	require.NoError(t, alice.Close())
	_ = bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, bob.ReadJSON(&note))
	require.Equal(t, map[string]any{"type": "status_update", "peerId": "alice", "online": false}, note)

	code, _ := e.getJSON(t, "/api/check_online/bob", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPendingDrainEndpoints(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})
	alice, _, err := e.dial(t, "/ws/alice", nil)
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(relay.Frame{Type: relay.TypeChatRequest, To: "bob", From: "alice"}))
	require.NoError(t, alice.WriteJSON(relay.Frame{Type: relay.TypeChat, To: "bob", From: "alice", Payload: json.RawMessage(`"x"`)}))

	var reqs []any
	require.Eventually(t, func() bool {
		_, m := e.getJSON(t, "/api/pending_requests/bob", nil)
		reqs = append(reqs, m["requests"].([]any)...)
		return len(reqs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "alice", reqs[0].(map[string]any)["from"])

	var msgs []any
	require.Eventually(t, func() bool {
		_, m := e.getJSON(t, "/api/pending_messages/bob", nil)
		msgs = append(msgs, m["messages"].([]any)...)
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "x", msgs[0].(map[string]any)["payload"])

	_, m := e.getJSON(t, "/api/pending_messages/bob", nil)
	require.Empty(t, m["messages"])
}

func TestHistoryEndpoint(t *testing.T) {
	m, err := db.Open(db.Options{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	st := history.NewSQLStore(m.DB, m.Driver, &seqIDs{})
	require.NoError(t, st.Migrate(context.Background()))

	e := newEnv(t, st, nil, Options{})
	alice, _, err := e.dial(t, "/ws/alice", nil)
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(relay.Frame{Type: relay.TypeChat, To: "bob", From: "alice", Payload: json.RawMessage(`{"ct":"1"}`)}))
	require.NoError(t, alice.WriteJSON(relay.Frame{Type: relay.TypeSharedSecret, To: "bob", From: "alice", Payload: json.RawMessage(`"k"`)}))
	require.NoError(t, alice.WriteJSON(relay.Frame{Type: relay.TypeChat, To: "bob", From: "alice", Payload: json.RawMessage(`{"ct":"2"}`)}))

	var items []any
	require.Eventually(t, func() bool {
		_, body := e.getJSON(t, "/api/history/alice?user=bob", nil)
		items, _ = body["items"].([]any)
		return len(items) == 2
	}, 2*time.Second, 10*time.Millisecond)
	first := items[0].(map[string]any)
	require.Equal(t, "alice", first["from"])
	require.Equal(t, map[string]any{"ct": "1"}, first["payload"])

	_, body := e.getJSON(t, fmt.Sprintf("/api/history/alice?user=bob&after=%d", int64(first["msg_id"].(float64))), nil)
	require.Len(t, body["items"], 1)
}

func TestHistoryUnavailableWithoutStore(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})
	code, _ := e.getJSON(t, "/api/history/alice?user=bob", nil)
	require.Equal(t, http.StatusNotImplemented, code)
}

const secret = "0123456789abcdef"

func tokenFor(t *testing.T, mr *miniredis.Miniredis, uid string) string {
	t.Helper()
	tok, err := auth.Encrypt(fmt.Sprintf(`{"userId":%q,"timestamp":"1"}`, uid), secret)
	require.NoError(t, err)
	require.NoError(t, mr.Set("token:"+tok, "1"))
	return tok
}

func TestTokenAuthGuardsIdentity(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	authn := &auth.TokenAuthenticator{Secret: secret, RedisPrefix: "token:", Sessions: cli}

	e := newEnv(t, nil, authn, Options{
		AuthEnabled:  true,
		TokenHeader:  "Authorization",
		BearerPrefix: "Bearer ",
		QueryKey:     "token",
	})
	tok := tokenFor(t, mr, "alice")

	_, resp, err := e.dial(t, "/ws/alice", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = e.dial(t, "/ws/bob?token="+tok, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = e.dial(t, "/ws", http.Header{"Authorization": {"Bearer " + tok}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hub.IsOnline("alice") }, 2*time.Second, 5*time.Millisecond)

	code, _ := e.getJSON(t, "/api/pending_messages/bob", http.Header{"Authorization": {"Bearer " + tok}})
	require.Equal(t, http.StatusForbidden, code)
	code, _ = e.getJSON(t, "/api/pending_messages/alice", http.Header{"Authorization": {"Bearer " + tok}})
	require.Equal(t, http.StatusOK, code)

	mr.Del("token:" + tok)
	code, _ = e.getJSON(t, "/api/pending_messages/alice", http.Header{"Authorization": {"Bearer " + tok}})
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t, nil, nil, Options{})

	req, _ := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/publish_kem", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	require.Equal(t, "content-type", resp.Header.Get("Access-Control-Allow-Headers"))

	req, _ = http.NewRequest(http.MethodGet, e.srv.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	_, resp, err = e.dial(t, "/ws/alice", http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
