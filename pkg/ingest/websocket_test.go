package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/meterflow/pkg/config"
	"github.com/nicktill/meterflow/pkg/telemetry"
)

func TestReadingsHub_DeviceFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewReadingsHub(nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?device=M2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, time.Second, 5*time.Millisecond)

	hub.Publish(Result{Reading: telemetry.Reading{DeviceID: "M1", Power: 1}})
	hub.Publish(Result{Reading: telemetry.Reading{DeviceID: "M2", Power: 2}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got telemetry.Reading
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "M2", got.DeviceID, "readings of other devices are filtered out")
	require.Equal(t, 2.0, got.Power)
}

func TestReadingsHub_PublishWithoutClients(t *testing.T) {
	hub := NewReadingsHub(nil)
	// Nothing is queued, so a full buffer can never block the worker.
	for i := 0; i < 10*cap(hub.broadcast); i++ {
		hub.Publish(Result{Reading: telemetry.Reading{DeviceID: "M1"}})
	}
	require.Zero(t, len(hub.broadcast))
}

// serverConns returns n server-side connections that nobody reads from.
func serverConns(t *testing.T, n int) []*websocket.Conn {
	t.Helper()
	conns := make(chan *websocket.Conn, n)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	out := make([]*websocket.Conn, 0, n)
	for range n {
		client, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { client.Close() })
		out = append(out, <-conns)
	}
	return out
}

func TestReadingsHub_ManyFailedWritesDoNotStallShutdown(t *testing.T) {
	hub := NewReadingsHub(nil)
	failing := config.WSChannelBuffer + 5
	for _, conn := range serverConns(t, failing) {
		hub.clients[&wsClient{conn: conn}] = true
		conn.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	hub.Publish(Result{Reading: telemetry.Reading{DeviceID: "M1", Power: 1}})
	require.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 5*time.Millisecond,
		"every client whose write failed is dropped")

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestReadingsHub_HandlerReturnsAfterShutdown(t *testing.T) {
	hub := NewReadingsHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r)
		close(returned)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked after the hub stopped")
	}
}
