package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsPair returns the server and client ends of a live websocket.
func wsPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-serverSide:
		t.Cleanup(func() { _ = c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("websocket upgrade timed out")
		return nil, nil
	}
}

func readFrame(t *testing.T, c *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestCoordinator_Registry(t *testing.T) {
	t.Run("should register and unregister connections", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", nil, "acme", "alice"))
		c.Register(NewConnection("c2", nil, "acme", "bob"))

		assert.Equal(t, 2, c.Count())
		conn, ok := c.Get("c1")
		require.True(t, ok)
		assert.Equal(t, "acme:alice", conn.Identity())

		c.Unregister("c1")
		_, ok = c.Get("c1")
		assert.False(t, ok)
		assert.Len(t, c.Connections(), 1)
	})
}

func TestCoordinator_Cancel(t *testing.T) {
	t.Run("should ignore unknown connections", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())

		assert.False(t, c.Cancel("missing"))
		assert.False(t, c.IsCancelled("missing"))
		assert.NoError(t, c.Send("missing", Frame{Type: FrameStream, Delta: "x"}))
	})

	t.Run("should clear the flag on unregister", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", nil, "acme", "alice"))

		require.True(t, c.Cancel("c1"))
		assert.True(t, c.IsCancelled("c1"))

		c.Unregister("c1")
		assert.False(t, c.IsCancelled("c1"))

		c.Register(NewConnection("c1", nil, "acme", "alice"))
		assert.False(t, c.IsCancelled("c1"))
	})

	t.Run("should clear the flag on reset", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", nil, "acme", "alice"))

		c.Cancel("c1")
		c.ResetCancel("c1")
		assert.False(t, c.IsCancelled("c1"))
	})

	t.Run("should drop stream and complete frames once cancelled", func(t *testing.T) {
		server, client := wsPair(t)
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", server, "acme", "alice"))

		require.NoError(t, c.Send("c1", Frame{Type: FrameStream, Delta: "before"}))
		assert.Equal(t, "before", readFrame(t, client).Delta)

		c.Cancel("c1")
		require.NoError(t, c.Send("c1", Frame{Type: FrameStream, Delta: "after"}))
		require.NoError(t, c.Send("c1", Frame{Type: FrameComplete, RequestID: "r1"}))
		require.NoError(t, c.Send("c1", errorFrame(MsgCancelled)))

		// Only the error frame made it through.
		f := readFrame(t, client)
		assert.Equal(t, FrameError, f.Type)
		assert.Equal(t, MsgCancelled, f.Message)
	})
}

func TestCoordinator_RequestCancel(t *testing.T) {
	t.Run("should mark only requests in flight at cancel time", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", nil, "acme", "alice"))

		require.True(t, c.Admit("c1", "r1"))
		c.Cancel("c1")
		c.ResetCancel("c1")
		require.True(t, c.Admit("c1", "r2"))

		assert.True(t, c.IsRequestCancelled("c1", "r1"))
		assert.False(t, c.IsRequestCancelled("c1", "r2"))
		assert.False(t, c.IsCancelled("c1"))

		c.Done("c1", "r1")
		assert.False(t, c.IsRequestCancelled("c1", "r1"))
	})

	t.Run("should refuse requests on unknown connections", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		assert.False(t, c.Admit("missing", "r1"))
		assert.False(t, c.IsRequestCancelled("missing", "r1"))
	})

	t.Run("should drop frames of a cancelled request after reset", func(t *testing.T) {
		server, client := wsPair(t)
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", server, "acme", "alice"))

		c.Admit("c1", "old")
		c.Cancel("c1")
		c.ResetCancel("c1")
		c.Admit("c1", "new")

		require.NoError(t, c.Send("c1", Frame{Type: FrameStream, Delta: "stale", RequestID: "old"}))
		require.NoError(t, c.Send("c1", Frame{Type: FrameComplete, RequestID: "old"}))
		require.NoError(t, c.Send("c1", Frame{Type: FrameStream, Delta: "fresh", RequestID: "new"}))

		f := readFrame(t, client)
		assert.Equal(t, "fresh", f.Delta)
		assert.Equal(t, "new", f.RequestID)
	})

	t.Run("should forget requests on unregister", func(t *testing.T) {
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("c1", nil, "acme", "alice"))
		c.Admit("c1", "r1")
		c.Cancel("c1")

		c.Unregister("c1")
		assert.False(t, c.IsRequestCancelled("c1", "r1"))
	})
}

func TestCoordinator_Broadcast(t *testing.T) {
	t.Run("should deliver to every connection", func(t *testing.T) {
		s1, c1 := wsPair(t)
		s2, c2 := wsPair(t)
		c := NewCoordinator(zerolog.Nop())
		c.Register(NewConnection("a", s1, "acme", "alice"))
		c.Register(NewConnection("b", s2, "acme", "bob"))

		c.Broadcast(errorFrame(MsgShuttingDown))

		assert.Equal(t, MsgShuttingDown, readFrame(t, c1).Message)
		assert.Equal(t, MsgShuttingDown, readFrame(t, c2).Message)
	})
}
