package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/researchmcp/orchestrator/dispatch"
	"github.com/researchmcp/orchestrator/dispatch/schema"
	"github.com/researchmcp/orchestrator/eventbus"
	"github.com/researchmcp/orchestrator/jobs"
	"github.com/researchmcp/orchestrator/store/inmem"
	"github.com/researchmcp/orchestrator/transport"
)

func newTestConn(t *testing.T, query string) (*websocket.Conn, *inmem.Store, *transport.Router) {
	t.Helper()
	s := inmem.New(time.Hour)
	bus := eventbus.New(s, nil)
	d := dispatch.New(s, schema.DefaultRegistry(), 16, 3)
	router := transport.NewRouter(d, s, nil, bus, nil)

	srv := httptest.NewServer(New(router, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, s, router
}

func TestToolCallOverWebSocket(t *testing.T) {
	conn, _, _ := newTestConn(t, "")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id":        1,
		"type":      "tool_call",
		"name":      "submit_research",
		"arguments": map[string]any{"query": "ws test"},
	}))

	var frame struct {
		ID     int64           `json:"id"`
		Type   string          `json:"type"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, int64(1), frame.ID)
	assert.Equal(t, "result", frame.Type)

	var handle transport.AsyncResult
	require.NoError(t, json.Unmarshal(frame.Result, &handle))
	assert.NotEmpty(t, handle.JobID)
}

func TestSubscribeReplaysAndFollowsLive(t *testing.T) {
	conn, s, router := newTestConn(t, "")
	ctx := context.Background()

	jobID, _, err := s.InsertJob(ctx, jobs.Job{
		ID: "job-ws", IdempotencyKey: "idem-ws", Kind: jobs.KindResearch,
	})
	require.NoError(t, err)

	// Two historical events before the subscription.
	for i := 0; i < 2; i++ {
		id, err := s.AppendEvent(ctx, jobID, jobs.EventJobProgress, []byte(`{}`))
		require.NoError(t, err)
		events, err := s.ReadEvents(ctx, jobID, id-1, 1)
		require.NoError(t, err)
		router.Bus.Publish(ctx, events[0])
	}

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":   "subscribe",
		"job_id": jobID,
	}))

	read := func() transport.WireEvent {
		var frame struct {
			Type  string               `json:"type"`
			Event *transport.WireEvent `json:"event"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		require.Equal(t, "event", frame.Type)
		require.NotNil(t, frame.Event)
		return *frame.Event
	}

	assert.Equal(t, int64(1), read().EventID)
	assert.Equal(t, int64(2), read().EventID)

	// A live terminal event after catch-up.
	id, err := s.AppendEvent(ctx, jobID, jobs.EventJobSucceeded, []byte(`{"ok":true}`))
	require.NoError(t, err)
	events, err := s.ReadEvents(ctx, jobID, id-1, 1)
	require.NoError(t, err)
	router.Bus.Publish(ctx, events[0])

	final := read()
	assert.Equal(t, int64(3), final.EventID)
	assert.Equal(t, jobs.EventJobSucceeded, final.Type)
}
