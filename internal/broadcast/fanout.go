// Package broadcast distributes child process output: every chunk is
// appended to the job log first and then mirrored to all connected
// subscribers.
//
// Delivery to subscribers is best effort. A subscriber never slows down
// the producer: Send is non-blocking, a subscriber with a full queue loses
// the frame, and a failing subscriber is dropped from the Registry without
// affecting the log write or the other subscribers.
package broadcast

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

// ErrUnknownJob is returned by OnChunk for a job without an attached sink.
var ErrUnknownJob = errors.New("no log attached for job")

// Sink is the durable side of a job, see joblog.Handle.
type Sink interface {
	Append(b []byte) error
}

// Delivery counts what happened to a single chunk.
type Delivery struct {
	Attempted int
	Delivered int
	Dropped   int
	Removed   int
}

// Fanout writes chunks to the job log and to every subscriber.
type Fanout struct {
	registry *Registry
	mx       sync.RWMutex
	sinks    map[string]Sink
}

func NewFanout(registry *Registry) *Fanout {
	return &Fanout{
		registry: registry,
		sinks:    make(map[string]Sink),
	}
}

func (f *Fanout) Registry() *Registry {
	return f.registry
}

// Attach binds the log sink of jobID. It must be called before the first
// chunk of that job.
func (f *Fanout) Attach(jobID string, sink Sink) {
	f.mx.Lock()
	f.sinks[jobID] = sink
	f.mx.Unlock()
}

// Detach forgets the sink of jobID. Later chunks for it fail with
// ErrUnknownJob.
func (f *Fanout) Detach(jobID string) {
	f.mx.Lock()
	delete(f.sinks, jobID)
	f.mx.Unlock()
}

// OnChunk appends data to the log of jobID, then delivers a copy to each
// subscriber. Calls for the same job and stream must be sequential; the
// order of calls is the order in the log and on the wire.
//
// A chunk that cannot be logged is not delivered, the log holds every
// chunk subscribers ever saw. The returned error reports a failed log
// write only. Subscriber failures are handled here and are visible in
// Delivery.
func (f *Fanout) OnChunk(jobID string, stream model.Stream, data []byte) (Delivery, error) {
	f.mx.RLock()
	sink, ok := f.sinks[jobID]
	f.mx.RUnlock()
	if !ok {
		return Delivery{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	if err := sink.Append(data); err != nil {
		return Delivery{}, fmt.Errorf("writing %s chunk of %s: %w", stream, jobID, err)
	}

	var d Delivery
	f.registry.ForEach(func(sub Subscriber) {
		if filter, ok := sub.(JobFilter); ok && !filter.Accepts(jobID) {
			return
		}
		d.Attempted++
		err := safeSend(sub, data)
		switch {
		case err == nil:
			d.Delivered++
		case errors.Is(err, ErrFrameDropped):
			d.Dropped++
		default:
			if f.registry.Remove(sub) {
				d.Removed++
			}
			_ = sub.Close()
			slog.Debug("subscriber removed", "subscriber", sub.ID(), "job_id", jobID, "error", err)
		}
	})
	return d, nil
}

// safeSend keeps a misbehaving subscriber from taking the producer down.
func safeSend(sub Subscriber, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber %s panicked: %v", sub.ID(), r)
		}
	}()
	return sub.Send(data)
}
