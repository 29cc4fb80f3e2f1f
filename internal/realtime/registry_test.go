package realtime_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/servicematch/internal/realtime"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	closed bool
	refuse bool
}

func (c *fakeConn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.refuse {
		return false
	}
	c.msgs = append(c.msgs, msg)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, string(m))
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSendToUser(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	require.False(t, reg.SendToUser("u1", []byte("hi")))

	c := &fakeConn{}
	reg.Connect("u1", "requester", c)
	require.True(t, reg.IsOnline("u1"))
	require.True(t, reg.SendToUser("u1", []byte("hi")))
	require.Equal(t, []string{"hi"}, c.received())

	c.refuse = true
	require.False(t, reg.SendToUser("u1", []byte("again")))
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	first := &fakeConn{}
	h1 := reg.Connect("u1", "worker", first)
	require.NoError(t, reg.JoinRoom("u1", "request:R1"))

	second := &fakeConn{}
	h2 := reg.Connect("u1", "worker", second)
	require.NotEqual(t, h1.ID, h2.ID)
	require.True(t, first.isClosed())
	require.Equal(t, 1, reg.ConnectionCount())
	// memberships belonged to the replaced connection
	require.Zero(t, reg.RoomCount())

	// the old connection shutting down must not evict the new one
	reg.Release(h1)
	require.True(t, reg.IsOnline("u1"))
	require.False(t, second.isClosed())

	reg.Release(h2)
	require.False(t, reg.IsOnline("u1"))
	require.True(t, second.isClosed())
}

func TestDisconnectIsIdempotentAndClearsRooms(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	reg.Disconnect("nobody")

	reg.Connect("u1", "requester", &fakeConn{})
	reg.Connect("u2", "worker", &fakeConn{})
	require.NoError(t, reg.JoinRoom("u1", "request:R1"))
	require.NoError(t, reg.JoinRoom("u2", "request:R1"))
	require.NoError(t, reg.JoinRoom("u1", "request:R2"))
	require.Equal(t, 2, reg.RoomCount())

	reg.Disconnect("u1")
	reg.Disconnect("u1")
	require.Equal(t, 1, reg.RoomCount())
	require.Equal(t, []string{"u2"}, reg.Members("request:R1"))
	require.False(t, reg.IsOnline("u1"))
}

func TestJoinRoomRequiresConnection(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	require.ErrorIs(t, reg.JoinRoom("ghost", "request:R1"), realtime.ErrNotConnected)
	require.Zero(t, reg.RoomCount())
	reg.LeaveRoom("ghost", "request:R1")
}

func TestBroadcastToRoom(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	reg.Connect("a", "requester", a)
	reg.Connect("b", "worker", b)
	reg.Connect("c", "worker", c)
	require.NoError(t, reg.JoinRoom("a", "request:R1"))
	require.NoError(t, reg.JoinRoom("b", "request:R1"))

	require.Equal(t, 2, reg.BroadcastToRoom("request:R1", []byte("update")))
	require.Equal(t, []string{"update"}, a.received())
	require.Empty(t, c.received())

	reg.LeaveRoom("b", "request:R1")
	require.Equal(t, 1, reg.BroadcastToRoom("request:R1", []byte("again")))
	require.Zero(t, reg.BroadcastToRoom("request:none", []byte("x")))
}

func TestConcurrentConnectDisconnectLeavesNoDanglingMembership(t *testing.T) {
	reg := realtime.NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Connect("u1", "worker", &fakeConn{})
			_ = reg.JoinRoom("u1", "request:R1")
		}()
		go func() {
			defer wg.Done()
			reg.Disconnect("u1")
		}()
	}
	wg.Wait()

	if reg.IsOnline("u1") {
		require.LessOrEqual(t, reg.RoomCount(), 1)
	} else {
		require.Zero(t, reg.RoomCount())
	}
	reg.Disconnect("u1")
	require.Zero(t, reg.RoomCount())
	require.Zero(t, reg.ConnectionCount())
}
