package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/session"
)

// fakeRunner reports a tool update, streams its words and completes. When
// holdAfter is set it waits for cancellation after that many deltas.
type fakeRunner struct {
	words     []string
	holdAfter int
	err       error

	mu    sync.Mutex
	calls []agent.ExecutionContext
	done  chan struct{}
}

func newFakeRunner(words ...string) *fakeRunner {
	return &fakeRunner{words: words, done: make(chan struct{}, 16)}
}

func (r *fakeRunner) Run(ctx context.Context, ec agent.ExecutionContext, input string) agent.Result {
	defer func() { r.done <- struct{}{} }()

	r.mu.Lock()
	r.calls = append(r.calls, ec)
	r.mu.Unlock()

	res := agent.Result{RequestID: ec.RequestID, SessionID: ec.SessionID, Agent: "inventory_agent"}
	if ec.Sink != nil {
		ec.Sink.ToolUpdate("get_product_stock", "running")
	}
	if r.err != nil {
		res.Err = r.err
		return res
	}

	var text strings.Builder
	for i, w := range r.words {
		if r.holdAfter > 0 && i == r.holdAfter {
			deadline := time.Now().Add(2 * time.Second)
			for !ec.Cancelled() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		text.WriteString(w)
		if ec.Stream && ec.Sink != nil {
			ec.Sink.Delta(ec.RequestID, w)
		}
	}
	if ec.Cancelled() {
		res.Err = agent.ErrCancelled
		return res
	}
	res.Output = &agent.Output{Type: agent.OutputAnswer, Summary: text.String(), Confidence: 0.85}
	return res
}

func (r *fakeRunner) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}
}

func (r *fakeRunner) lastCall() agent.ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type testGateway struct {
	server *Server
	http   *httptest.Server
	store  *session.FileStore
}

func newTestGateway(t *testing.T, runner Runner, mutate func(*Config)) *testGateway {
	t.Helper()

	store, err := session.NewFileStore(session.FileConfig{Dir: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	cfg := Config{
		StreamDefault: true,
		Runner:        runner,
		Store:         store,
		Logger:        zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
		ts.Close()
	})
	return &testGateway{server: srv, http: ts, store: store}
}

func (g *testGateway) url(params url.Values) string {
	return "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws?" + params.Encode()
}

func (g *testGateway) dial(t *testing.T, params url.Values) (*websocket.Conn, Frame) {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(g.url(params), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	connected := readFrame(t, c)
	require.Equal(t, FrameConnected, connected.Type)
	return c, connected
}

func identity(tenant, user string) url.Values {
	return url.Values{"tenant_id": {tenant}, "user_id": {user}}
}

func TestServer_Handshake(t *testing.T) {
	t.Run("should create a session and announce it", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)

		_, connected := g.dial(t, identity("acme", "alice"))
		assert.NotEmpty(t, connected.SessionID)
		assert.Equal(t, "acme", connected.TenantID)
		assert.Equal(t, "alice", connected.UserID)

		sess, err := g.store.GetSession(context.Background(), connected.SessionID)
		require.NoError(t, err)
		assert.True(t, sess.OwnedBy("acme", "alice"))
	})

	t.Run("should resume an owned session", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)
		sess, err := g.store.CreateSession(context.Background(), "acme", "alice")
		require.NoError(t, err)

		params := identity("acme", "alice")
		params.Set("session_id", sess.ID)
		_, connected := g.dial(t, params)
		assert.Equal(t, sess.ID, connected.SessionID)
	})

	t.Run("should not resume another user's session", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)
		sess, err := g.store.CreateSession(context.Background(), "acme", "bob")
		require.NoError(t, err)

		params := identity("acme", "alice")
		params.Set("session_id", sess.ID)
		_, connected := g.dial(t, params)
		assert.NotEqual(t, sess.ID, connected.SessionID)
	})

	t.Run("should require tenant and user", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)

		_, resp, err := websocket.DefaultDialer.Dial(g.url(url.Values{"tenant_id": {"acme"}}), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("should reject bad tokens when a secret is set", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), func(cfg *Config) { cfg.SharedSecret = "s3cret" })

		params := identity("acme", "alice")
		params.Set("token", "nope")
		_, resp, err := websocket.DefaultDialer.Dial(g.url(params), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		params.Set("token", NewAuthHandler("s3cret").Token("acme", "alice"))
		g.dial(t, params)
	})
}

func TestServer_Message(t *testing.T) {
	t.Run("should emit tool updates then deltas then one complete", func(t *testing.T) {
		runner := newFakeRunner("You ", "have ", "stock.")
		g := newTestGateway(t, runner, nil)
		c, connected := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "show my stock"}))

		update := readFrame(t, c)
		assert.Equal(t, FrameToolUpdate, update.Type)
		assert.Equal(t, "get_product_stock", update.Tool)

		var deltas []string
		var complete Frame
		for {
			f := readFrame(t, c)
			if f.Type == FrameStream {
				deltas = append(deltas, f.Delta)
				continue
			}
			complete = f
			break
		}
		assert.Equal(t, []string{"You ", "have ", "stock."}, deltas)
		assert.Equal(t, FrameComplete, complete.Type)
		assert.Equal(t, connected.SessionID, complete.SessionID)
		assert.NotEmpty(t, complete.RequestID)
		require.NotNil(t, complete.Output)
		assert.Equal(t, "You have stock.", complete.Output.Summary)

		runner.waitDone(t)
		ec := runner.lastCall()
		assert.Equal(t, "acme", ec.TenantID)
		assert.Equal(t, complete.RequestID, ec.RequestID)

		// Nothing else follows the complete frame.
		require.NoError(t, c.WriteJSON(Frame{Type: FramePing}))
		assert.Equal(t, FramePong, readFrame(t, c).Type)
	})

	t.Run("should skip deltas when streaming is off", func(t *testing.T) {
		runner := newFakeRunner("a ", "b")
		g := newTestGateway(t, runner, nil)
		params := identity("acme", "alice")
		params.Set("stream", "false")
		c, _ := g.dial(t, params)

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "hello"}))

		assert.Equal(t, FrameToolUpdate, readFrame(t, c).Type)
		f := readFrame(t, c)
		assert.Equal(t, FrameComplete, f.Type)
		assert.Equal(t, "a b", f.Output.Summary)
	})

	t.Run("should reject empty content", func(t *testing.T) {
		runner := newFakeRunner()
		g := newTestGateway(t, runner, nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "   "}))
		f := readFrame(t, c)
		assert.Equal(t, FrameError, f.Type)
		assert.Equal(t, MsgEmptyMessage, f.Message)

		runner.mu.Lock()
		assert.Empty(t, runner.calls)
		runner.mu.Unlock()
	})

	t.Run("should report run errors as a generic message", func(t *testing.T) {
		runner := newFakeRunner()
		runner.err = assert.AnError
		g := newTestGateway(t, runner, nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "hi"}))
		assert.Equal(t, FrameToolUpdate, readFrame(t, c).Type)
		f := readFrame(t, c)
		assert.Equal(t, FrameError, f.Type)
		assert.Equal(t, agent.UserMessage(assert.AnError), f.Message)
	})

	t.Run("should answer malformed and unknown frames", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
		assert.Equal(t, MsgInvalidFrame, readFrame(t, c).Message)

		require.NoError(t, c.WriteJSON(Frame{Type: "dance"}))
		assert.Equal(t, MsgUnknownFrame, readFrame(t, c).Message)
	})
}

func TestServer_Cancel(t *testing.T) {
	t.Run("should stop deltas and the complete frame after cancel", func(t *testing.T) {
		runner := newFakeRunner("one ", "two ", "three")
		runner.holdAfter = 1
		g := newTestGateway(t, runner, nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "count"}))
		assert.Equal(t, FrameToolUpdate, readFrame(t, c).Type)
		assert.Equal(t, "one ", readFrame(t, c).Delta)

		require.NoError(t, c.WriteJSON(Frame{Type: FrameCancel}))
		ack := readFrame(t, c)
		assert.Equal(t, FrameError, ack.Type)
		assert.Equal(t, MsgCancelled, ack.Message)

		runner.waitDone(t)
		require.NoError(t, c.WriteJSON(Frame{Type: FramePing}))
		assert.Equal(t, FramePong, readFrame(t, c).Type)
	})

	t.Run("should accept new messages after cancel", func(t *testing.T) {
		runner := newFakeRunner("ok")
		g := newTestGateway(t, runner, nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameCancel}))
		assert.Equal(t, MsgCancelled, readFrame(t, c).Message)

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "again"}))
		assert.Equal(t, FrameToolUpdate, readFrame(t, c).Type)
		assert.Equal(t, FrameStream, readFrame(t, c).Type)
		assert.Equal(t, FrameComplete, readFrame(t, c).Type)
	})
}

// gatedRunner holds the "slow" message until release is closed and then
// finishes it without looking at cancellation. Other messages answer at once.
type gatedRunner struct {
	release chan struct{}
	slowEC  chan agent.ExecutionContext
	done    chan bool
}

func (r *gatedRunner) Run(_ context.Context, ec agent.ExecutionContext, input string) agent.Result {
	res := agent.Result{RequestID: ec.RequestID, SessionID: ec.SessionID}
	if input != "slow" {
		res.Output = &agent.Output{Type: agent.OutputAnswer, Summary: "reply-" + input}
		return res
	}

	r.slowEC <- ec
	<-r.release
	ec.Sink.Delta(ec.RequestID, "late")
	res.Output = &agent.Output{Type: agent.OutputAnswer, Summary: "reply-slow"}
	r.done <- ec.Cancelled()
	return res
}

func TestServer_CancelThenMessage(t *testing.T) {
	t.Run("should keep a cancelled request silent after a newer message", func(t *testing.T) {
		runner := &gatedRunner{
			release: make(chan struct{}),
			slowEC:  make(chan agent.ExecutionContext, 1),
			done:    make(chan bool, 1),
		}
		g := newTestGateway(t, runner, nil)
		c, _ := g.dial(t, identity("acme", "alice"))

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "slow"}))
		var slow agent.ExecutionContext
		select {
		case slow = <-runner.slowEC:
		case <-time.After(2 * time.Second):
			t.Fatal("slow run did not start")
		}

		require.NoError(t, c.WriteJSON(Frame{Type: FrameCancel}))
		assert.Equal(t, MsgCancelled, readFrame(t, c).Message)
		assert.True(t, slow.Cancelled())

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "fast"}))
		complete := readFrame(t, c)
		require.Equal(t, FrameComplete, complete.Type)
		assert.Equal(t, "reply-fast", complete.Output.Summary)
		assert.NotEqual(t, slow.RequestID, complete.RequestID)

		// The newer message must not revive the cancelled one.
		assert.True(t, slow.Cancelled())
		close(runner.release)
		select {
		case stillCancelled := <-runner.done:
			assert.True(t, stillCancelled)
		case <-time.After(2 * time.Second):
			t.Fatal("slow run did not finish")
		}

		require.NoError(t, c.WriteJSON(Frame{Type: FramePing}))
		next := readFrame(t, c)
		assert.Equal(t, FramePong, next.Type, "got %s %q for request %s", next.Type, next.Delta, next.RequestID)
	})
}

func TestServer_RateLimit(t *testing.T) {
	t.Run("should reject messages over the window limit", func(t *testing.T) {
		runner := newFakeRunner("ok")
		g := newTestGateway(t, runner, func(cfg *Config) {
			cfg.StreamDefault = false
			cfg.Limiter = NewRateLimiter(2, time.Minute)
		})
		c, _ := g.dial(t, identity("acme", "alice"))

		for i := 0; i < 3; i++ {
			require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "hi"}))
		}

		completes, limited := 0, 0
		for completes+limited < 3 {
			f := readFrame(t, c)
			switch f.Type {
			case FrameComplete:
				completes++
			case FrameError:
				assert.Equal(t, MsgRateLimited, f.Message)
				limited++
			}
		}
		assert.Equal(t, 2, completes)
		assert.Equal(t, 1, limited)
	})
}

func TestServer_SessionSwitch(t *testing.T) {
	t.Run("should switch to an owned session named on a frame", func(t *testing.T) {
		runner := newFakeRunner("ok")
		g := newTestGateway(t, runner, nil)
		c, connected := g.dial(t, identity("acme", "alice"))

		other, err := g.store.CreateSession(context.Background(), "acme", "alice")
		require.NoError(t, err)
		require.NotEqual(t, connected.SessionID, other.ID)

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "hi", SessionID: other.ID}))
		var complete Frame
		for complete.Type != FrameComplete {
			complete = readFrame(t, c)
		}
		assert.Equal(t, other.ID, complete.SessionID)
	})

	t.Run("should ignore sessions of other users", func(t *testing.T) {
		runner := newFakeRunner("ok")
		g := newTestGateway(t, runner, nil)
		c, connected := g.dial(t, identity("acme", "alice"))

		foreign, err := g.store.CreateSession(context.Background(), "acme", "bob")
		require.NoError(t, err)

		require.NoError(t, c.WriteJSON(Frame{Type: FrameMessage, Content: "hi", SessionID: foreign.ID}))
		var complete Frame
		for complete.Type != FrameComplete {
			complete = readFrame(t, c)
		}
		assert.Equal(t, connected.SessionID, complete.SessionID)
	})
}

func TestServer_Healthz(t *testing.T) {
	t.Run("should report ok", func(t *testing.T) {
		g := newTestGateway(t, newFakeRunner(), nil)

		resp, err := http.Get(g.http.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
