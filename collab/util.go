package collab

import (
	"context"
	"slices"
	"sync"
	"time"
)

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

// NotifyChannel is closed on the next `NotifyAll`.
func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

type callbackEntry[T any] struct {
	id       int
	callback T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, entry := range self.callbacks {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.nextId += 1
	callbackId := self.nextId
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callbackEntry[T]{
		id:       callbackId,
		callback: callback,
	})
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.callbacks, func(entry callbackEntry[T]) bool {
		return entry.id == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = slices.Delete(nextCallbacks, i, i+1)
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = []callbackEntry[T]{}
}

// BoundedIdSet remembers the most recent `capacity` ids.
// The oldest id is evicted first.
type BoundedIdSet struct {
	mutex    sync.Mutex
	capacity int
	ids      map[string]bool
	order    []string
}

func NewBoundedIdSet(capacity int) *BoundedIdSet {
	return &BoundedIdSet{
		capacity: capacity,
		ids:      map[string]bool{},
		order:    []string{},
	}
}

// Add returns false if the id was already present.
func (self *BoundedIdSet) Add(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.ids[id] {
		return false
	}
	self.ids[id] = true
	self.order = append(self.order, id)
	for self.capacity < len(self.order) {
		delete(self.ids, self.order[0])
		self.order = self.order[1:]
	}
	return true
}

func (self *BoundedIdSet) Contains(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ids[id]
}

func (self *BoundedIdSet) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.order)
}

func (self *BoundedIdSet) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.ids = map[string]bool{}
	self.order = []string{}
}

// returns false if the context was done first
func sleepWithContext(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return true
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
