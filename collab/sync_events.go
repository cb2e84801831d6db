package collab

import (
	"encoding/json"
	"sync"
)

type SyncEventKind string

const (
	SyncEventOperation  SyncEventKind = "operation"
	SyncEventState      SyncEventKind = "state"
	SyncEventReady      SyncEventKind = "ready"
	SyncEventTyping     SyncEventKind = "typing"
	SyncEventStopTyping SyncEventKind = "stop_typing"
	SyncEventUserJoined SyncEventKind = "user_joined"
	SyncEventUserLeft   SyncEventKind = "user_left"
	SyncEventError      SyncEventKind = "error"
)

// where a `state` event came from
type StateSource string

const (
	StateSourceDraft    StateSource = "draft"
	StateSourceSnapshot StateSource = "snapshot"
	StateSourceServer   StateSource = "server"
	StateSourceTab      StateSource = "tab"
)

type SyncEvent struct {
	Kind   SyncEventKind
	Module Module
	RoomId string

	// operation
	Operation *Operation
	// state
	State       json.RawMessage
	StateSource StateSource
	// user_joined, user_left, typing, stop_typing
	User *RoomUser
	// error
	Err error
}

type SyncEventFunction func(event *SyncEvent)

type syncEventKey struct {
	module Module
	kind   SyncEventKind
}

// SyncEvents routes orchestrator events to module adapters by (module, kind).
// Errors are not tied to a module.
type SyncEvents struct {
	stateLock   sync.Mutex
	subscribers map[syncEventKey]*CallbackList[SyncEventFunction]
}

func NewSyncEvents() *SyncEvents {
	return &SyncEvents{
		subscribers: map[syncEventKey]*CallbackList[SyncEventFunction]{},
	}
}

// On returns an unsubscribe function.
func (self *SyncEvents) On(module Module, kind SyncEventKind, callback SyncEventFunction) func() {
	if kind == SyncEventError {
		module = ""
	}
	key := syncEventKey{module: module, kind: kind}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subscribers, ok := self.subscribers[key]
	if !ok {
		subscribers = NewCallbackList[SyncEventFunction]()
		self.subscribers[key] = subscribers
	}
	callbackId := subscribers.Add(callback)
	return func() {
		subscribers.Remove(callbackId)
	}
}

func (self *SyncEvents) OnOperation(module Module, callback func(operation *Operation)) func() {
	return self.On(module, SyncEventOperation, func(event *SyncEvent) {
		callback(event.Operation)
	})
}

func (self *SyncEvents) OnState(module Module, callback func(roomId string, state json.RawMessage, source StateSource)) func() {
	return self.On(module, SyncEventState, func(event *SyncEvent) {
		callback(event.RoomId, event.State, event.StateSource)
	})
}

func (self *SyncEvents) OnReady(module Module, callback func(roomId string)) func() {
	return self.On(module, SyncEventReady, func(event *SyncEvent) {
		callback(event.RoomId)
	})
}

func (self *SyncEvents) OnError(callback func(err error)) func() {
	return self.On("", SyncEventError, func(event *SyncEvent) {
		callback(event.Err)
	})
}

func (self *SyncEvents) emit(event *SyncEvent) {
	module := event.Module
	if event.Kind == SyncEventError {
		module = ""
	}
	var subscribers *CallbackList[SyncEventFunction]
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		subscribers = self.subscribers[syncEventKey{module: module, kind: event.Kind}]
	}()
	if subscribers == nil {
		return
	}
	for _, callback := range subscribers.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}
