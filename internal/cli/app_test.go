package cli

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/pkg/agent"
	"github.com/harun/parley/pkg/gateway"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Gateway.Port = 0
	cfg.Session.Dir = filepath.Join(dir, "sessions")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.LLM.BaseDelayMs = 1
	cfg.LLM.MaxDelayMs = 5
	return cfg
}

func readFrame(t *testing.T, c *websocket.Conn) gateway.Frame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f gateway.Frame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func TestApp(t *testing.T) {
	t.Run("should answer a message end to end", func(t *testing.T) {
		cfg := testConfig(t)
		a, err := newApp(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		require.NoError(t, a.start())
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.stop(ctx)
		}()

		q := url.Values{"tenant_id": {"demo"}, "user_id": {"u1"}}
		c, _, err := websocket.DefaultDialer.Dial("ws://"+a.server.Addr()+"/ws?"+q.Encode(), nil)
		require.NoError(t, err)
		defer c.Close()

		connected := readFrame(t, c)
		require.Equal(t, gateway.FrameConnected, connected.Type)

		require.NoError(t, c.WriteJSON(gateway.Frame{Type: gateway.FrameMessage, Content: "show my stock levels"}))

		var sawTool, sawStream bool
		var complete gateway.Frame
		for complete.Type == "" {
			f := readFrame(t, c)
			switch f.Type {
			case gateway.FrameToolUpdate:
				assert.False(t, sawStream, "tool updates precede deltas")
				sawTool = true
			case gateway.FrameStream:
				sawStream = true
			case gateway.FrameComplete:
				complete = f
			case gateway.FrameError:
				t.Fatalf("unexpected error frame: %s", f.Message)
			}
		}

		assert.True(t, sawTool)
		assert.True(t, sawStream)
		assert.Equal(t, connected.SessionID, complete.SessionID)
		require.NotNil(t, complete.Output)
		assert.Equal(t, agent.OutputAnswer, complete.Output.Type)

		used, err := a.ledger.Usage(context.Background(), "demo", time.Time{})
		require.NoError(t, err)
		assert.Positive(t, used)
	})

	t.Run("should apply reloaded limits", func(t *testing.T) {
		cfg := testConfig(t)
		a, err := newApp(context.Background(), cfg, zerolog.Nop())
		require.NoError(t, err)
		defer a.stop(context.Background())

		next := testConfig(t)
		next.Quota.DefaultLimit = 500
		next.Quota.Tenants = map[string]int64{"bigco": 9000}
		next.Gateway.RateLimit = 3
		a.applyReload(next)

		assert.Equal(t, int64(500), a.tracker.Limit("demo"))
		assert.Equal(t, int64(9000), a.tracker.Limit("bigco"))
		assert.Equal(t, 3, a.server.Limiter().Stats("x").Limit)
	})

	t.Run("should fail on an unknown session backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Session.Backend = "redis"
		cfg.Session.RedisAddr = ""

		_, err := newApp(context.Background(), cfg, zerolog.Nop())
		assert.Error(t, err)
	})
}
