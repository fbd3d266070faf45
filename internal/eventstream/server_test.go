package eventstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/codemd/internal/events"
)

func dialFeed(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestFeedSendsSnapshotThenEvents(t *testing.T) {
	notifier := events.NewNotifier(8)
	defer notifier.Close()
	srv := NewServer("127.0.0.1:0", notifier, func() events.Event {
		return events.Event{Kind: events.PlaybackChanged, At: time.Now(), Payload: map[string]any{"volume_percent": 80}}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialFeed(t, ts, "")
	first := readEvent(t, conn)
	assert.Equal(t, "PLAYBACK_CHANGED", first["kind"])

	require.Eventually(t, func() bool { return notifier.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	notifier.Publish(events.Event{Kind: events.JobProgress, Key: "j1", Seq: 10, At: time.Now()})

	ev := readEvent(t, conn)
	assert.Equal(t, "JOB_PROGRESS", ev["kind"])
	assert.Equal(t, "j1", ev["key"])
}

func TestFeedFiltersKinds(t *testing.T) {
	notifier := events.NewNotifier(8)
	defer notifier.Close()
	srv := NewServer("127.0.0.1:0", notifier, func() events.Event {
		return events.Event{Kind: events.PlaybackChanged, At: time.Now()}
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialFeed(t, ts, "?kinds=job_completed")
	require.Eventually(t, func() bool { return notifier.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	notifier.Publish(events.Event{Kind: events.PlaybackChanged, At: time.Now()})
	notifier.Publish(events.Event{Kind: events.JobCompleted, Key: "j2", At: time.Now()})

	ev := readEvent(t, conn)
	assert.Equal(t, "JOB_COMPLETED", ev["kind"])

	conn.Close()
	require.Eventually(t, func() bool { return notifier.SubscriberCount() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestFeedRejectsUnknownKinds(t *testing.T) {
	notifier := events.NewNotifier(8)
	defer notifier.Close()
	ts := httptest.NewServer(NewServer("127.0.0.1:0", notifier, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?kinds=NOPE")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	notifier := events.NewNotifier(8)
	defer notifier.Close()
	srv := NewServer("127.0.0.1:0", notifier, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	url := "ws://" + srv.Addr().String() + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return notifier.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds(" playback_changed , JOB_PROGRESS")
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.PlaybackChanged, events.JobProgress}, kinds)

	kinds, err = parseKinds("")
	require.NoError(t, err)
	assert.Nil(t, kinds)
}
