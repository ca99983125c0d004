package delivery

import (
	"context"
	"sync"
	"time"

	"beacon/internal/event"
)

// Channel names.
const (
	ChannelScheduled = "scheduled"
	ChannelAsync     = "async"
	ChannelFallback  = "fallback"
	ChannelSync      = "sync"
)

// Channel is one delivery mechanism with a capability check.
type Channel interface {
	Name() string
	// TryChannel hands item over; false means the channel is unusable right now.
	TryChannel(item Item) bool
}

// Selector tries channels in order of preference.
type Selector struct {
	channels []Channel
}

// NewSelector creates a selector over channels; nil entries are skipped.
// Params: channels ordered by preference.
// Returns: selector.
func NewSelector(channels ...Channel) *Selector {
	kept := make([]Channel, 0, len(channels))
	for _, channel := range channels {
		if channel != nil {
			kept = append(kept, channel)
		}
	}
	return &Selector{channels: kept}
}

// Dispatch hands item to the first channel that accepts it.
// Params: item delivery request.
// Returns: accepting channel name and true, or "" and false when none accepted.
func (s *Selector) Dispatch(item Item) (string, bool) {
	for _, channel := range s.channels {
		if channel.TryChannel(item) {
			return channel.Name(), true
		}
	}
	return "", false
}

// Names lists channel names in preference order.
// Params: none.
// Returns: names.
func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.channels))
	for _, channel := range s.channels {
		names = append(names, channel.Name())
	}
	return names
}

// Scheduler runs a callback slightly in the future.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) bool
}

type scheduledCall struct {
	timer *time.Timer
	fn    func()
}

// TimerScheduler schedules callbacks with time.AfterFunc and bounds pending callbacks.
type TimerScheduler struct {
	mu      sync.Mutex
	max     int
	next    uint64
	closed  bool
	pending map[uint64]*scheduledCall
}

// NewTimerScheduler creates a scheduler.
// Params: maxPending pending callback cap (<=0 means 64).
// Returns: scheduler.
func NewTimerScheduler(maxPending int) *TimerScheduler {
	if maxPending <= 0 {
		maxPending = 64
	}
	return &TimerScheduler{max: maxPending, pending: make(map[uint64]*scheduledCall)}
}

// Schedule arms fn after delay.
// Params: delay wait before running; fn callback.
// Returns: false when closed or at capacity.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.pending) >= s.max {
		return false
	}
	s.next++
	id := s.next
	call := &scheduledCall{fn: fn}
	s.pending[id] = call
	call.timer = time.AfterFunc(delay, func() { s.fire(id) })
	return true
}

// Pending returns armed callback count.
// Params: none.
// Returns: count.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Drain refuses new callbacks and runs the armed ones inline.
// Params: none.
// Returns: callbacks run inline.
func (s *TimerScheduler) Drain() int {
	s.mu.Lock()
	s.closed = true
	var run []func()
	for id, call := range s.pending {
		if call.timer.Stop() {
			run = append(run, call.fn)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, fn := range run {
		fn()
	}
	return len(run)
}

// fire runs a due callback once.
func (s *TimerScheduler) fire(id uint64) {
	s.mu.Lock()
	call, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if ok {
		call.fn()
	}
}

// ScheduledChannel defers items into the in-memory queue through a Scheduler.
type ScheduledChannel struct {
	scheduler Scheduler
	delay     time.Duration
	queue     *Queue
}

// NewScheduledChannel creates the scheduled channel.
// Params: scheduler host scheduler; delay deferral; queue target queue.
// Returns: channel.
func NewScheduledChannel(scheduler Scheduler, delay time.Duration, queue *Queue) *ScheduledChannel {
	return &ScheduledChannel{scheduler: scheduler, delay: delay, queue: queue}
}

// Name returns "scheduled".
func (c *ScheduledChannel) Name() string { return ChannelScheduled }

// TryChannel schedules queue insertion when the queue would admit the item now.
// Params: item delivery request.
// Returns: false under queue backpressure or when no scheduler slot is free.
func (c *ScheduledChannel) TryChannel(item Item) bool {
	if c.scheduler == nil || c.queue == nil || !c.queue.Admits() {
		return false
	}
	return c.scheduler.Schedule(c.delay, func() { c.queue.Add(item) })
}

// AsyncChannel delivers immediately on a goroutine and waits only briefly.
type AsyncChannel struct {
	available func() bool
	batcher   Batcher
	queue     *Queue
	wait      time.Duration
	hooks     Hooks
	wg        sync.WaitGroup
}

// NewAsyncChannel creates the fire-and-forget channel.
// Params: available reports a free sender slot; batcher delivery; queue spill handler; wait caller-side wait; hooks outcome observers.
// Returns: channel.
func NewAsyncChannel(available func() bool, batcher Batcher, queue *Queue, wait time.Duration, hooks Hooks) *AsyncChannel {
	return &AsyncChannel{available: available, batcher: batcher, queue: queue, wait: wait, hooks: hooks}
}

// Name returns "async".
func (c *AsyncChannel) Name() string { return ChannelAsync }

// TryChannel starts delivery when a sender slot is free.
// Params: item delivery request.
// Returns: false when no slot is free.
func (c *AsyncChannel) TryChannel(item Item) bool {
	if c.batcher == nil || (c.available != nil && !c.available()) {
		return false
	}

	done := make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		if _, err := c.batcher.Deliver(context.Background(), []event.TelemetryEvent{item.Event}); err != nil {
			if c.queue != nil {
				c.queue.Spill(item, err)
			} else {
				c.hooks.lost(DropTerminal, item)
			}
			return
		}
		c.hooks.delivered(ChannelAsync, 1)
	}()

	if c.wait > 0 {
		timer := time.NewTimer(c.wait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		}
	}
	return true
}

// Wait blocks until in-flight async deliveries finish.
// Params: none.
// Returns: none.
func (c *AsyncChannel) Wait() {
	c.wg.Wait()
}

// FallbackChannel appends items to the durable disk queue.
type FallbackChannel struct {
	disk *DiskQueue
}

// NewFallbackChannel creates the durable channel.
// Params: disk queue.
// Returns: channel.
func NewFallbackChannel(disk *DiskQueue) *FallbackChannel {
	return &FallbackChannel{disk: disk}
}

// Name returns "fallback".
func (c *FallbackChannel) Name() string { return ChannelFallback }

// TryChannel appends item to disk.
// Params: item delivery request.
// Returns: false when the disk queue is absent, full or failing.
func (c *FallbackChannel) TryChannel(item Item) bool {
	if c.disk == nil {
		return false
	}
	return c.disk.Enqueue(item) == nil
}
