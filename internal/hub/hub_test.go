package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSocket struct {
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Bool
}

func (f *fakeSocket) WriteMessage(_ int, data []byte) error {
	if f.closed.Load() {
		return ErrClosed
	}
	f.mu.Lock()
	f.frames = append(f.frames, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeSocket) written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func TestRegisterSupersedes(t *testing.T) {
	h := New()
	s1, s2 := &fakeSocket{}, &fakeSocket{}
	c1 := NewConn("alice", s1, 4)
	c2 := NewConn("alice", s2, 4)

	require.Nil(t, h.Register("alice", c1))
	require.Equal(t, c1, h.Register("alice", c2))

	require.True(t, c1.Closed())
	require.True(t, s1.closed.Load())
	require.False(t, c2.Closed())

	got, ok := h.Lookup("alice")
	require.True(t, ok)
	require.Same(t, c2, got)
	require.Equal(t, 1, h.Len())
	require.NotEqual(t, c1.SessionID, c2.SessionID)
}

func TestReleaseOnlyRemovesOwnConn(t *testing.T) {
	h := New()
	c1 := NewConn("alice", &fakeSocket{}, 4)
	c2 := NewConn("alice", &fakeSocket{}, 4)
	h.Register("alice", c1)
	h.Register("alice", c2)

	require.False(t, h.Release(c1))
	require.True(t, h.IsOnline("alice"))
	require.True(t, h.Release(c2))
	require.False(t, h.IsOnline("alice"))

	require.Nil(t, h.Evict("nobody"))
	require.Equal(t, 0, h.Len())
}

func TestEvictClosesAndUnregisters(t *testing.T) {
	h := New()
	s1 := &fakeSocket{}
	c1 := NewConn("alice", s1, 4)
	h.Register("alice", c1)

	require.Same(t, c1, h.Evict("alice"))
	require.True(t, c1.Closed())
	require.True(t, s1.closed.Load())
	require.False(t, h.IsOnline("alice"))
	require.ErrorIs(t, c1.Send(context.Background(), []byte("x")), ErrClosed)

	// the evicted session's own cleanup must not count as a release
	require.False(t, h.Release(c1))
	require.Nil(t, h.Evict("alice"))
}

func TestConcurrentRegisterKeepsOneConn(t *testing.T) {
	h := New()
	var wg sync.WaitGroup
	conns := make([]*Conn, 50)
	for i := range conns {
		conns[i] = NewConn("bob", &fakeSocket{}, 1)
	}
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			h.Register("bob", c)
		}(c)
	}
	wg.Wait()

	cur, ok := h.Lookup("bob")
	require.True(t, ok)
	open := 0
	for _, c := range conns {
		if !c.Closed() {
			open++
			require.Same(t, cur, c)
		}
	}
	require.Equal(t, 1, open)
}

func TestSendAndWriteLoop(t *testing.T) {
	s := &fakeSocket{}
	c := NewConn("alice", s, 2)
	go c.WriteLoop(time.Second)

	ctx := context.Background()
	require.NoError(t, c.Send(ctx, []byte("one")))
	require.NoError(t, c.Send(ctx, []byte("two")))
	require.Eventually(t, func() bool { return len(s.written()) == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "one", string(s.written()[0]))

	c.Close()
	c.Close()
	require.ErrorIs(t, c.Send(ctx, []byte("three")), ErrClosed)
}

func TestSendBlocksOnFullBuffer(t *testing.T) {
	c := NewConn("alice", &fakeSocket{}, 1)
	require.NoError(t, c.Send(context.Background(), []byte("fill")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Send(ctx, []byte("blocked")), context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Close()
	}()
	require.ErrorIs(t, c.Send(context.Background(), []byte("blocked")), ErrClosed)
}

func TestLockSerializesPerKey(t *testing.T) {
	h := New()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := h.Lock("carol")
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), maxInside.Load())
	require.Equal(t, 0, h.locks.len())

	// distinct keys do not block each other
	u1 := h.Lock("a")
	u2 := h.Lock("b")
	u1()
	u2()
	u2()
}
