package broadcast_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/broadcast"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeSub records what it receives and fails on demand.
type fakeSub struct {
	id     string
	mx     sync.Mutex
	msgs   [][]byte
	err    error
	closed bool
	sends  int
	onSend func()
}

func newFakeSub(id string) *fakeSub {
	return &fakeSub{id: id}
}

func (s *fakeSub) ID() string { return s.id }

func (s *fakeSub) Send(msg []byte) error {
	if s.onSend != nil {
		s.onSend()
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.sends++
	if s.closed {
		return broadcast.ErrSubscriberClosed
	}
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, append([]byte(nil), msg...))
	return nil
}

func (s *fakeSub) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) messages() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, string(m))
	}
	return out
}

func (s *fakeSub) attempts() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.sends
}

// memSink is an in-memory broadcast.Sink.
type memSink struct {
	mx  sync.Mutex
	buf bytes.Buffer
	err error
}

func (m *memSink) Append(b []byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.err != nil {
		return m.err
	}
	m.buf.Write(b)
	return nil
}

func (m *memSink) String() string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.buf.String()
}

func greeting(t *testing.T) string {
	t.Helper()
	b, err := json.Marshal(broadcast.Greeting{Type: "connected", Message: broadcast.DefaultGreeting})
	require.NoError(t, err)
	return string(b)
}

func TestFanoutDeliversToAll(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	sink := &memSink{}
	fan.Attach("job", sink)

	const n = 5
	subs := make([]*fakeSub, n)
	for i := range subs {
		subs[i] = newFakeSub(fmt.Sprintf("s%d", i))
		require.NoError(t, reg.Add(subs[i]))
	}

	d, err := fan.OnChunk("job", model.StreamStdout, []byte("progress 10%\n"))
	require.NoError(t, err)
	require.Equal(t, broadcast.Delivery{Attempted: n, Delivered: n}, d)

	for _, s := range subs {
		require.Equal(t, []string{greeting(t), "progress 10%\n"}, s.messages())
	}
	require.Equal(t, "progress 10%\n", sink.String())
}

func TestFanoutRemovesFailingSubscriber(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	sink := &memSink{}
	fan.Attach("job", sink)

	alive := newFakeSub("alive")
	gone := newFakeSub("gone")
	broken := newFakeSub("broken")
	require.NoError(t, reg.Add(alive))
	require.NoError(t, reg.Add(gone))
	require.NoError(t, reg.Add(broken))

	// connection closed before the chunk arrives
	require.NoError(t, gone.Close())
	broken.err = errors.New("serialization failed")

	d, err := fan.OnChunk("job", model.StreamStderr, []byte("warning\n"))
	require.NoError(t, err)
	require.Equal(t, 3, d.Attempted)
	require.Equal(t, 1, d.Delivered)
	require.Equal(t, 2, d.Removed)
	require.Equal(t, 1, reg.Len())
	require.Equal(t, "warning\n", sink.String())
	require.Equal(t, []string{greeting(t), "warning\n"}, alive.messages())

	// the next chunk only reaches the remaining subscriber
	d, err = fan.OnChunk("job", model.StreamStdout, []byte("done\n"))
	require.NoError(t, err)
	require.Equal(t, broadcast.Delivery{Attempted: 1, Delivered: 1}, d)
	require.Equal(t, 2, gone.attempts())
}

func TestFanoutDroppedFrameKeepsSubscriber(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	fan.Attach("job", &memSink{})

	slow := newFakeSub("slow")
	require.NoError(t, reg.Add(slow))
	slow.err = broadcast.ErrFrameDropped

	d, err := fan.OnChunk("job", model.StreamStdout, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, broadcast.Delivery{Attempted: 1, Dropped: 1}, d)
	require.Equal(t, 1, reg.Len())

	slow.err = broadcast.ErrSlowSubscriber
	d, err = fan.OnChunk("job", model.StreamStdout, []byte("y"))
	require.NoError(t, err)
	require.Equal(t, broadcast.Delivery{Attempted: 1, Removed: 1}, d)
	require.Zero(t, reg.Len())
}

func TestFanoutLogFirst(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	sub := newFakeSub("s")
	require.NoError(t, reg.Add(sub))

	t.Run("unknown job", func(t *testing.T) {
		_, err := fan.OnChunk("nope", model.StreamStdout, []byte("x"))
		require.ErrorIs(t, err, broadcast.ErrUnknownJob)
		require.Equal(t, []string{greeting(t)}, sub.messages())
	})

	t.Run("sink error skips delivery", func(t *testing.T) {
		sinkErr := errors.New("disk full")
		fan.Attach("job", &memSink{err: sinkErr})
		d, err := fan.OnChunk("job", model.StreamStdout, []byte("x"))
		require.ErrorIs(t, err, sinkErr)
		require.Zero(t, d.Attempted)
		require.Equal(t, []string{greeting(t)}, sub.messages())
	})

	t.Run("detached", func(t *testing.T) {
		fan.Detach("job")
		_, err := fan.OnChunk("job", model.StreamStdout, []byte("x"))
		require.ErrorIs(t, err, broadcast.ErrUnknownJob)
	})
}

func TestFanoutPanickingSubscriber(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	fan.Attach("job", &memSink{})

	ok := newFakeSub("ok")
	bad := newFakeSub("bad")
	require.NoError(t, reg.Add(bad))
	require.NoError(t, reg.Add(ok))
	bad.onSend = func() { panic("boom") }

	d, err := fan.OnChunk("job", model.StreamStdout, []byte("x"))
	require.NoError(t, err)
	require.Equal(t, broadcast.Delivery{Attempted: 2, Delivered: 1, Removed: 1}, d)
	require.Equal(t, []string{greeting(t), "x"}, ok.messages())
}

func TestFanoutPerStreamOrder(t *testing.T) {
	t.Parallel()
	reg := broadcast.NewRegistry("")
	fan := broadcast.NewFanout(reg)
	sink := &memSink{}
	fan.Attach("job", sink)
	sub := newFakeSub("s")
	require.NoError(t, reg.Add(sub))

	var wg sync.WaitGroup
	for _, stream := range []model.Stream{model.StreamStdout, model.StreamStderr} {
		wg.Go(func() {
			for i := range 200 {
				_, err := fan.OnChunk("job", stream, fmt.Appendf(nil, "%s-%03d\n", stream, i))
				if err != nil {
					t.Error(err)
				}
			}
		})
	}
	wg.Wait()

	checkOrder := func(lines []string) {
		next := map[string]int{}
		for _, l := range lines {
			var stream string
			var i int
			_, err := fmt.Sscanf(l, "%6s-%03d", &stream, &i)
			require.NoError(t, err, l)
			require.Equal(t, next[stream], i, "out of order in %s", stream)
			next[stream]++
		}
		require.Equal(t, 200, next["stdout"])
		require.Equal(t, 200, next["stderr"])
	}
	checkOrder(splitLines(sink.String()))
	checkOrder(sub.messages()[1:])
}

func splitLines(s string) []string {
	lines := bytes.Split(bytes.TrimSuffix([]byte(s), []byte("\n")), []byte("\n"))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = string(l)
	}
	return out
}
