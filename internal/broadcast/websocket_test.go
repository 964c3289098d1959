package broadcast_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/broadcast"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return ws
}

func read(t *testing.T, ws *websocket.Conn) string {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	return string(msg)
}

func TestWebSocketSubscribers(t *testing.T) {
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	sink := &memSink{}
	fan.Attach("job-1", sink)
	fan.Attach("job-2", sink)

	srv := httptest.NewServer(broadcast.NewHandler(reg, broadcast.ConnOptions{Buffer: 8}))
	t.Cleanup(srv.Close)

	first := dial(t, srv, "")
	second := dial(t, srv, "")
	only2 := dial(t, srv, "?job=job-2")

	for _, ws := range []*websocket.Conn{first, second, only2} {
		require.JSONEq(t, `{"type":"connected","message":"`+broadcast.DefaultGreeting+`"}`, read(t, ws))
	}
	require.Eventually(t, func() bool { return reg.Len() == 3 }, 5*time.Second, 10*time.Millisecond)

	d, err := fan.OnChunk("job-1", model.StreamStdout, []byte("progress 10%\n"))
	require.NoError(t, err)
	require.Equal(t, 2, d.Attempted)

	_, err = fan.OnChunk("job-2", model.StreamStdout, []byte("other job\n"))
	require.NoError(t, err)

	require.Equal(t, "progress 10%\n", read(t, first))
	require.Equal(t, "progress 10%\n", read(t, second))
	// unfiltered subscribers see every job
	require.Equal(t, "other job\n", read(t, first))
	require.Equal(t, "other job\n", read(t, second))
	require.Equal(t, "other job\n", read(t, only2))

	// a disconnected client is removed by its reader
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return reg.Len() == 2 }, 5*time.Second, 10*time.Millisecond)

	d, err = fan.OnChunk("job-1", model.StreamStderr, []byte("still here\n"))
	require.NoError(t, err)
	require.Equal(t, 1, d.Attempted)
	require.Equal(t, "still here\n", read(t, second))

	require.NoError(t, reg.CloseAll())
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	_, _, err = only2.ReadMessage()
	require.Error(t, err)
	_ = second.Close()
	_ = only2.Close()
}

func TestConnSendAfterClose(t *testing.T) {
	reg := broadcast.NewRegistry("")
	srv := httptest.NewServer(broadcast.NewHandler(reg, broadcast.ConnOptions{}))
	t.Cleanup(srv.Close)

	ws := dial(t, srv, "")
	t.Cleanup(func() { _ = ws.Close() })
	read(t, ws)
	require.Eventually(t, func() bool { return reg.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	var sub broadcast.Subscriber
	reg.ForEach(func(s broadcast.Subscriber) { sub = s })
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	require.ErrorIs(t, sub.Send([]byte("x")), broadcast.ErrSubscriberClosed)
	require.Eventually(t, func() bool { return reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
