package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(delay time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &manualTimer{clock: c, at: c.now.Add(delay), fn: fn}
	c.timers = append(c.timers, timer)
	return timer
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in order on the calling goroutine.
func (c *manualClock) Advance(delay time.Duration) {
	c.mu.Lock()
	target := c.now.Add(delay)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *manualTimer
		for _, timer := range c.timers {
			if timer.stopped || timer.fired || timer.at.After(target) {
				continue
			}
			if next == nil || timer.at.Before(next.at) {
				next = timer
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.fn()
	}
}

func (c *manualClock) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := 0
	for _, timer := range c.timers {
		if !timer.stopped && !timer.fired {
			active++
		}
	}
	return active
}

type saveResponse struct {
	outcome SaveOutcome
	err     error
}

// fakeSaver records requests. Scripted responses are consumed in order; once exhausted every
// save succeeds with the next version.
type fakeSaver struct {
	mu        sync.Mutex
	requests  []SaveRequest
	responses []saveResponse
	gate      chan struct{}
	started   chan struct{}
}

func (f *fakeSaver) Save(ctx context.Context, request SaveRequest) (SaveOutcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	gate := f.gate
	started := f.started
	var scripted *saveResponse
	if len(f.responses) > 0 {
		scripted = &f.responses[0]
		f.responses = f.responses[1:]
	}
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if scripted != nil {
		return scripted.outcome, scripted.err
	}
	next := int64(1)
	if request.ExpectedVersion != nil {
		next = *request.ExpectedVersion + 1
	}
	return SaveOutcome{Success: true, Version: next, SavedAt: time.Now()}, nil
}

func (f *fakeSaver) script(responses ...saveResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, responses...)
}

func (f *fakeSaver) Requests() []SaveRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SaveRequest(nil), f.requests...)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) OfType(eventType EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []Event
	for _, event := range r.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

type queueFixture struct {
	queue  *SaveQueue
	clock  *manualClock
	saver  *fakeSaver
	events *eventRecorder
}

func newQueueFixture(t *testing.T, offline OfflineStore) *queueFixture {
	t.Helper()
	clock := newManualClock()
	saver := &fakeSaver{}
	queue, err := NewSaveQueue(SaveQueueConfig{
		Saver:     saver,
		Offline:   offline,
		Clock:     clock,
		Debounce:  2 * time.Second,
		RetryBase: time.Second,
		RetryMax:  30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(queue.Close)
	recorder := &eventRecorder{}
	queue.OnEvent(recorder.record)
	return &queueFixture{queue: queue, clock: clock, saver: saver, events: recorder}
}

func raw(document string) json.RawMessage {
	return json.RawMessage(document)
}

func version(value int64) *int64 {
	return &value
}
