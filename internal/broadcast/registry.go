package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrFrameDropped means the subscriber could not take the frame right
	// now and it was discarded. The subscriber stays registered.
	ErrFrameDropped = errors.New("frame dropped")
	// ErrSlowSubscriber means too many consecutive frames were dropped.
	ErrSlowSubscriber = errors.New("subscriber too slow")
	// ErrSubscriberClosed is returned by Send on a closed subscriber.
	ErrSubscriberClosed = errors.New("subscriber closed")
)

// Subscriber is a live consumer of broadcast output.
//
// Send must not block: implementations either queue the message or fail.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// JobFilter can be implemented by subscribers interested in a subset of jobs.
type JobFilter interface {
	Accepts(jobID string) bool
}

// Greeting is the first message a subscriber receives.
type Greeting struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const DefaultGreeting = "Connected to download output stream"

// Registry is the process wide set of connected subscribers.
type Registry struct {
	mx       sync.RWMutex
	subs     []Subscriber
	index    map[Subscriber]struct{}
	greeting []byte
}

// NewRegistry creates an empty registry. An empty message uses
// DefaultGreeting.
func NewRegistry(message string) *Registry {
	if message == "" {
		message = DefaultGreeting
	}
	greeting, err := json.Marshal(Greeting{Type: "connected", Message: message})
	if err != nil {
		panic(err)
	}
	return &Registry{
		index:    make(map[Subscriber]struct{}),
		greeting: greeting,
	}
}

// Add registers sub and sends it the greeting. Adding a registered
// subscriber is a no-op. If the greeting cannot be delivered the
// subscriber is not registered.
//
// The greeting is queued under the write lock, so no chunk can reach sub
// ahead of it.
func (r *Registry) Add(sub Subscriber) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.index[sub]; ok {
		return nil
	}
	if err := sub.Send(r.greeting); err != nil {
		return fmt.Errorf("greeting %s: %w", sub.ID(), err)
	}
	r.index[sub] = struct{}{}
	r.subs = append(r.subs, sub)
	return nil
}

// Remove unregisters sub. Removing an unknown subscriber is a no-op. It
// reports whether sub was registered.
func (r *Registry) Remove(sub Subscriber) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.index[sub]; !ok {
		return false
	}
	delete(r.index, sub)
	for i, s := range r.subs {
		if s == sub {
			// copy, the old backing array may be held by a snapshot
			subs := make([]Subscriber, 0, len(r.subs)-1)
			subs = append(subs, r.subs[:i]...)
			r.subs = append(subs, r.subs[i+1:]...)
			break
		}
	}
	return true
}

// ForEach calls fn for every subscriber registered when the call started,
// in registration order. fn may add or remove subscribers.
func (r *Registry) ForEach(fn func(Subscriber)) {
	for _, sub := range r.snapshot() {
		fn(sub)
	}
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.subs)
}

// CloseAll closes and removes every subscriber.
func (r *Registry) CloseAll() error {
	r.mx.Lock()
	subs := r.subs
	r.subs = nil
	r.index = make(map[Subscriber]struct{})
	r.mx.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) snapshot() []Subscriber {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.subs[:len(r.subs):len(r.subs)]
}
