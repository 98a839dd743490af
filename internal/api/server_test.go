package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cellbridge/internal/auth"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/storage/local"
	"github.com/fruitsalade/cellbridge/internal/worker"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

// frame is a decoded server frame, either a reply or an event.
type frame struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Kind   string          `json:"kind"`
	Error  string          `json:"error"`
	Result json.RawMessage `json:"result"`
	Event  string          `json:"event"`
	Status string          `json:"status"`
}

func newTestServer(t *testing.T, secret string) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(worker.Config{
		NewLocal: func() (storage.Device, error) {
			return local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
		},
	}, auth.New(secret))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	conn.SetReadLimit(MaxFrameBytes)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// client sends frames and sorts incoming replies from events.
type client struct {
	t      *testing.T
	conn   *websocket.Conn
	events []frame
}

func (c *client) send(id uint64, op protocol.Kind, args any) frame {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, err := json.Marshal(args)
	require.NoError(c.t, err)
	require.NoError(c.t, wsjson.Write(ctx, c.conn, protocol.Frame{ID: id, Op: op, Args: raw}))
	for {
		var f frame
		require.NoError(c.t, wsjson.Read(ctx, c.conn, &f))
		if f.Event != "" {
			c.events = append(c.events, f)
			continue
		}
		if f.ID == id {
			return f
		}
	}
}

// waitEvent reads until a status event with the given status arrives.
func (c *client) waitStatus(status protocol.Status) {
	c.t.Helper()
	for _, e := range c.events {
		if e.Status == string(status) {
			return
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var f frame
		require.NoError(c.t, wsjson.Read(ctx, c.conn, &f))
		if f.Event != "" {
			c.events = append(c.events, f)
			if f.Status == string(status) {
				return
			}
		}
	}
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestInitRunCodeRoundTrip(t *testing.T) {
	srv, ts := newTestServer(t, "")
	c := &client{t: t, conn: dial(t, ts, "")}

	r := c.send(1, protocol.KindInit, nil)
	require.True(t, r.OK, r.Error)
	c.waitStatus(protocol.StatusReady)
	assert.Equal(t, 1, srv.Sessions())

	r = c.send(2, protocol.KindRunCode, protocol.RunCode{Lang: protocol.LangSQL, Source: "SELECT 1 AS x", ViewName: "t1"})
	require.True(t, r.OK, r.Error)

	r = c.send(3, protocol.KindRunCode, protocol.RunCode{Lang: protocol.LangSQL, Source: "SELECT x FROM t1"})
	require.True(t, r.OK, r.Error)
	var res struct {
		Rows  []map[string]any `json:"result_rows"`
		Total int64            `json:"total_row_count"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, []map[string]any{{"x": float64(1)}}, res.Rows)
	assert.Equal(t, int64(1), res.Total)

	var statuses []string
	for _, e := range c.events {
		statuses = append(statuses, e.Status)
	}
	assert.Contains(t, statuses, string(protocol.StatusLoading))
	assert.Contains(t, statuses, string(protocol.StatusReady))
}

func TestFrameErrors(t *testing.T) {
	_, ts := newTestServer(t, "")
	c := &client{t: t, conn: dial(t, ts, "")}

	r := c.send(1, "explode", nil)
	assert.False(t, r.OK)
	assert.Equal(t, string(protocol.ErrProtocol), r.Kind)

	r = c.send(2, protocol.KindReadFile, protocol.ReadFile{Path: "nope.csv"})
	assert.False(t, r.OK)
	assert.Equal(t, string(protocol.ErrStorage), r.Kind)

	r = c.send(3, opReset, nil)
	assert.True(t, r.OK)
}

func TestWebsocketRequiresToken(t *testing.T) {
	_, ts := newTestServer(t, "s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.New("s3cret").IssueToken("ann", time.Minute)
	require.NoError(t, err)
	c := &client{t: t, conn: dial(t, ts, "?token="+tok)}
	r := c.send(1, protocol.KindInit, nil)
	assert.True(t, r.OK, r.Error)
}
