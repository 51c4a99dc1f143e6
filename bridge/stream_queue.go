package bridge

import (
	"container/heap"
	"sync"

	"golang.org/x/exp/maps"
)

type streamItem struct {
	envelope       *UpdateEnvelope
	sequenceNumber uint64

	// the index of the item in the heap
	heapIndex int
}

// ordered by priority (high first), then sequence number within a priority,
// so streams to one target stay causally ordered
func streamItemCmp(a *streamItem, b *streamItem) int {
	aRank := a.envelope.Priority.rank()
	bRank := b.envelope.Priority.rank()
	if bRank < aRank {
		return -1
	} else if aRank < bRank {
		return 1
	}
	if a.sequenceNumber < b.sequenceNumber {
		return -1
	} else if b.sequenceNumber < a.sequenceNumber {
		return 1
	} else {
		return 0
	}
}

// streamQueue holds queued envelopes between drains.
//
// Besides the heap order it keeps one coalesce slot per target: the latest
// pending coalescible item for that target. A non-coalescible or high
// priority envelope for the same target clears the slot, so a later merge can
// never fold content across it.
type streamQueue struct {
	orderedItems []*streamItem
	// update_id -> item
	updateIdItems map[Id]*streamItem
	// target_id -> latest pending coalescible item
	targetItems map[string]*streamItem

	nextSequenceNumber uint64

	stateLock sync.Mutex
}

func newStreamQueue() *streamQueue {
	streamQueue := &streamQueue{
		orderedItems:  []*streamItem{},
		updateIdItems: map[Id]*streamItem{},
		targetItems:   map[string]*streamItem{},
	}
	heap.Init(streamQueue)
	return streamQueue
}

func (self *streamQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *streamQueue) Add(envelope *UpdateEnvelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := &streamItem{
		envelope:       envelope,
		sequenceNumber: self.nextSequenceNumber,
	}
	self.nextSequenceNumber += 1

	self.updateIdItems[envelope.UpdateId] = item
	heap.Push(self, item)

	if envelope.Coalescible() {
		self.targetItems[envelope.TargetId] = item
	} else if envelope.TargetId != "" {
		// ordering barrier for this target
		delete(self.targetItems, envelope.TargetId)
	}
}

// PeekCoalescible returns the latest pending coalescible envelope for the
// target, or nil if the target has no open coalesce slot.
func (self *streamQueue) PeekCoalescible(targetId string) *UpdateEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.targetItems[targetId]
	if !ok {
		return nil
	}
	return item.envelope
}

// ReplaceCoalescible swaps the envelope in the target's coalesce slot with a
// merged envelope of the same priority. The slot keeps its queue position.
// Returns false if the slot is gone or the priorities differ.
func (self *streamQueue) ReplaceCoalescible(targetId string, envelope *UpdateEnvelope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.targetItems[targetId]
	if !ok {
		return false
	}
	if item.envelope.Priority != envelope.Priority {
		return false
	}
	delete(self.updateIdItems, item.envelope.UpdateId)
	item.envelope = envelope
	self.updateIdItems[envelope.UpdateId] = item
	return true
}

func (self *streamQueue) RemoveFirst() *UpdateEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}

	item := heap.Remove(self, 0).(*streamItem)
	delete(self.updateIdItems, item.envelope.UpdateId)
	if self.targetItems[item.envelope.TargetId] == item {
		delete(self.targetItems, item.envelope.TargetId)
	}
	return item.envelope
}

func (self *streamQueue) PeekFirst() *UpdateEnvelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0].envelope
}

// Targets lists target ids with an open coalesce slot.
func (self *streamQueue) Targets() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return maps.Keys(self.targetItems)
}

func (self *streamQueue) Clear() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := len(self.orderedItems)
	self.orderedItems = []*streamItem{}
	self.updateIdItems = map[Id]*streamItem{}
	self.targetItems = map[string]*streamItem{}
	return n
}

// heap.Interface

func (self *streamQueue) Push(x any) {
	item := x.(*streamItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *streamQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *streamQueue) Len() int {
	return len(self.orderedItems)
}

func (self *streamQueue) Less(i int, j int) bool {
	return streamItemCmp(self.orderedItems[i], self.orderedItems[j]) < 0
}

func (self *streamQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
