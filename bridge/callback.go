package bridge

import (
	"sync"

	"golang.org/x/exp/slices"
)

// CallbackList is a registry of callbacks that can be snapshotted without
// holding the lock during dispatch. `get` returns the current slice, which is
// never mutated in place, so callers can iterate while adds/removes proceed.
type CallbackList[T any] struct {
	mutex  sync.Mutex
	nextId int
	ids    []int
	values []T
}

type callbackHandle struct {
	id int
}

func (self *CallbackList[T]) get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.values
}

func (self *CallbackList[T]) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.values)
}

func (self *CallbackList[T]) add(value T) callbackHandle {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	id := self.nextId
	self.ids = append(slices.Clone(self.ids), id)
	self.values = append(slices.Clone(self.values), value)
	return callbackHandle{id: id}
}

func (self *CallbackList[T]) remove(handle callbackHandle) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.ids, handle.id)
	if i < 0 {
		// not present
		return
	}
	self.ids = slices.Delete(slices.Clone(self.ids), i, i+1)
	self.values = slices.Delete(slices.Clone(self.values), i, i+1)
}

func (self *CallbackList[T]) clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.ids = nil
	self.values = nil
}
