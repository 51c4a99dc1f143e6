package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// StreamBus decouples producers of incremental state (token streams, terminal
// bytes, list diffs, progress) from the regions rendering them. Envelopes
// enter a priority queue and are released to subscribers on a fixed drain
// cadence, so an arbitrarily bursty producer never hands the renderer more
// than one notification batch per tick.
//
// Construct one bus per process at startup and thread it to producers and
// subscribers. There is no hidden global instance.

type SubscriberFunction func(envelope *UpdateEnvelope)

type StreamBusSettings struct {
	// cadence of the background drain loop. One drain per render tick.
	DrainInterval time.Duration
	// queue depth above which backpressure activates and coalescing starts
	HighWaterMark int
	// hard cap. Above this, coalescible envelopes are dropped.
	// non-coalescible envelopes are always admitted.
	MaxQueueSize int
}

func DefaultStreamBusSettings() *StreamBusSettings {
	return &StreamBusSettings{
		DrainInterval: 16 * time.Millisecond,
		HighWaterMark: 128,
		MaxQueueSize:  1024,
	}
}

type StreamBusStats struct {
	TotalUpdates     uint64 `json:"total_updates"`
	DeliveredUpdates uint64 `json:"delivered_updates"`
	CoalescedUpdates uint64 `json:"coalesced_updates"`
	DroppedUpdates   uint64 `json:"dropped_updates"`
	QueueDepth       int    `json:"queue_depth"`
	PeakQueueDepth   int    `json:"peak_queue_depth"`
	SubscriberCount  int    `json:"subscriber_count"`
}

type BackpressureStatus struct {
	Active           bool   `json:"active"`
	QueueDepth       int    `json:"queue_depth"`
	HighWaterMark    int    `json:"high_water_mark"`
	CoalescedUpdates uint64 `json:"coalesced_updates"`
	DroppedUpdates   uint64 `json:"dropped_updates"`
}

type StreamBus struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *StreamBusSettings

	queue       *streamQueue
	subscribers *CallbackList[SubscriberFunction]

	// serializes drain passes from the run loop and `Drain`
	drainLock sync.Mutex

	stateLock          sync.Mutex
	destroyed          bool
	backpressureActive bool
	totalUpdates       uint64
	deliveredUpdates   uint64
	coalescedUpdates   uint64
	droppedUpdates     uint64
	peakQueueDepth     int
}

func NewStreamBusWithDefaults(ctx context.Context) *StreamBus {
	return NewStreamBus(ctx, DefaultStreamBusSettings())
}

func NewStreamBus(ctx context.Context, settings *StreamBusSettings) *StreamBus {
	cancelCtx, cancel := context.WithCancel(ctx)
	streamBus := &StreamBus{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		queue:       newStreamQueue(),
		subscribers: &CallbackList[SubscriberFunction]{},
	}
	go streamBus.run()
	return streamBus
}

func (self *StreamBus) run() {
	ticker := time.NewTicker(self.settings.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.Drain()
		}
	}
}

// Subscribe registers a callback for every released envelope. The returned
// function removes the subscription; envelopes still queued at that moment
// are skipped for this subscriber. Safe to call from inside the callback.
func (self *StreamBus) Subscribe(subscriber SubscriberFunction) func() {
	handle := self.subscribers.add(subscriber)
	return func() {
		self.subscribers.remove(handle)
	}
}

// QueueUpdate accepts an envelope for delivery on the next drain. It never
// blocks the caller. Under backpressure, coalescible envelopes merge into the
// pending envelope for their target; above the hard cap they are dropped.
// High priority, terminal and list envelopes are always admitted intact.
func (self *StreamBus) QueueUpdate(envelope *UpdateEnvelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed {
		glog.V(2).Infof("[bus]drop after destroy %s\n", envelope.UpdateId)
		return
	}

	self.totalUpdates += 1

	if self.backpressureActive && envelope.Coalescible() {
		// only successive envelopes of the same type merge
		if pending := self.queue.PeekCoalescible(envelope.TargetId); pending != nil && pending.Type == envelope.Type {
			merged := mergeEnvelopes(pending, envelope)
			if self.queue.ReplaceCoalescible(envelope.TargetId, merged) {
				self.coalescedUpdates += 1
				return
			}
		}
	}

	if self.settings.MaxQueueSize <= self.queue.QueueSize() && envelope.Coalescible() {
		self.droppedUpdates += 1
		glog.Infof("[bus]drop %s type=%s target=%s queue=%d\n",
			envelope.UpdateId, envelope.Type, envelope.TargetId, self.queue.QueueSize())
		return
	}

	self.queue.Add(envelope)

	queueDepth := self.queue.QueueSize()
	if self.peakQueueDepth < queueDepth {
		self.peakQueueDepth = queueDepth
	}
	if !self.backpressureActive && self.settings.HighWaterMark < queueDepth {
		self.backpressureActive = true
		glog.Infof("[bus]backpressure start queue=%d\n", queueDepth)
	}
}

// Drain releases all queued envelopes to the current subscribers in priority
// then FIFO order. The run loop calls this on its cadence; a host render loop
// may also call it directly to align delivery with render ticks.
func (self *StreamBus) Drain() {
	self.drainLock.Lock()
	defer self.drainLock.Unlock()

	released := 0
	for {
		envelope := self.queue.RemoveFirst()
		if envelope == nil {
			break
		}
		released += 1
		// snapshot per envelope so an unsubscribe between envelopes
		// takes effect immediately
		for _, subscriber := range self.subscribers.get() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						glog.Infof("[bus]subscriber panic = %v\n", r)
					}
				}()
				subscriber(envelope)
			}()
		}
	}

	self.stateLock.Lock()
	self.deliveredUpdates += uint64(released)
	if self.backpressureActive && self.queue.QueueSize() == 0 {
		self.backpressureActive = false
		glog.Infof("[bus]backpressure end\n")
	}
	self.stateLock.Unlock()
}

func (self *StreamBus) GetStats() *StreamBusStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &StreamBusStats{
		TotalUpdates:     self.totalUpdates,
		DeliveredUpdates: self.deliveredUpdates,
		CoalescedUpdates: self.coalescedUpdates,
		DroppedUpdates:   self.droppedUpdates,
		QueueDepth:       self.queue.QueueSize(),
		PeakQueueDepth:   self.peakQueueDepth,
		SubscriberCount:  self.subscribers.size(),
	}
}

// GetBackpressureStatus exposes the backpressure state so producers can
// self-throttle instead of flooding the queue.
func (self *StreamBus) GetBackpressureStatus() *BackpressureStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return &BackpressureStatus{
		Active:           self.backpressureActive,
		QueueDepth:       self.queue.QueueSize(),
		HighWaterMark:    self.settings.HighWaterMark,
		CoalescedUpdates: self.coalescedUpdates,
		DroppedUpdates:   self.droppedUpdates,
	}
}

// PendingTargets lists targets with an open coalesce slot. Diagnostic.
func (self *StreamBus) PendingTargets() []string {
	return self.queue.Targets()
}

// Destroy discards the queue, removes all subscribers and resets counters.
// The bus accepts no further envelopes. Intended for teardown.
func (self *StreamBus) Destroy() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed {
		return
	}
	self.destroyed = true
	self.cancel()
	discarded := self.queue.Clear()
	if 0 < discarded {
		glog.V(2).Infof("[bus]destroy discarded=%d\n", discarded)
	}
	self.subscribers.clear()
	self.backpressureActive = false
	self.totalUpdates = 0
	self.deliveredUpdates = 0
	self.coalescedUpdates = 0
	self.droppedUpdates = 0
	self.peakQueueDepth = 0
}

// mergeEnvelopes folds `next` into the pending envelope for the same target.
// Text deltas concatenate so no streamed content is lost; progress updates
// replace, keeping only the most recent snapshot. The merged envelope keeps
// the pending envelope's queue position.
func mergeEnvelopes(pending *UpdateEnvelope, next *UpdateEnvelope) *UpdateEnvelope {
	merged := *next
	if next.Type == UpdateTypeText && pending.Type == UpdateTypeText {
		merged.Content = pending.Content + next.Content
	}
	return &merged
}
