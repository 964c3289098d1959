package broadcast_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/broadcast"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/stretchr/testify/require"
)

func TestRegistryIdempotent(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("hello")
	a := newFakeSub("a")

	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(a))
	require.Equal(t, 1, reg.Len())

	// greeting is sent once, to the new subscriber only
	require.Len(t, a.messages(), 1)
	var g broadcast.Greeting
	require.NoError(t, json.Unmarshal([]byte(a.messages()[0]), &g))
	require.Equal(t, broadcast.Greeting{Type: "connected", Message: "hello"}, g)

	b := newFakeSub("b")
	require.NoError(t, reg.Add(b))
	require.Len(t, a.messages(), 1)

	require.True(t, reg.Remove(a))
	require.False(t, reg.Remove(a))
	require.Equal(t, 1, reg.Len())
}

func TestRegistryGreetingFailure(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	s := newFakeSub("s")
	s.err = errors.New("closed")

	err := reg.Add(s)
	require.Error(t, err)
	require.Zero(t, reg.Len())
}

func TestRegistryForEachMutation(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	subs := []*fakeSub{newFakeSub("a"), newFakeSub("b"), newFakeSub("c"), newFakeSub("d")}
	for _, s := range subs {
		require.NoError(t, reg.Add(s))
	}

	late := newFakeSub("late")
	var visited []string
	reg.ForEach(func(s broadcast.Subscriber) {
		visited = append(visited, s.ID())
		switch s.ID() {
		case "a":
			// removes itself and an unrelated later subscriber
			reg.Remove(s)
			reg.Remove(subs[2])
		case "b":
			require.NoError(t, reg.Add(late))
		}
	})

	require.Equal(t, []string{"a", "b", "c", "d"}, visited)

	visited = nil
	reg.ForEach(func(s broadcast.Subscriber) {
		visited = append(visited, s.ID())
	})
	require.Equal(t, []string{"b", "d", "late"}, visited)
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	a, b := newFakeSub("a"), newFakeSub("b")
	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))

	require.NoError(t, reg.CloseAll())
	require.Zero(t, reg.Len())
	require.True(t, a.closed)
	require.True(t, b.closed)
}

func TestRegistryGreetingBeforeChunks(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	fan.Attach("job", &memSink{})

	entered := make(chan struct{})
	release := make(chan struct{})
	sub := newFakeSub("slow")
	first := true
	sub.onSend = func() {
		if first {
			first = false
			close(entered)
			<-release
		}
	}

	added := make(chan error, 1)
	go func() { added <- reg.Add(sub) }()
	<-entered

	chunked := make(chan error, 1)
	go func() {
		_, err := fan.OnChunk("job", model.StreamStdout, []byte("progress 10%\n"))
		chunked <- err
	}()

	// the chunk waits for the greeting to be queued
	select {
	case <-chunked:
		t.Fatal("chunk delivered while the greeting was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-added)
	require.NoError(t, <-chunked)

	msgs := sub.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, greeting(t), msgs[0])
	require.Equal(t, "progress 10%\n", msgs[1])
}
