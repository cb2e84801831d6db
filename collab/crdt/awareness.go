package crdt

import (
	"encoding/json"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// AwarenessChange lists the clients whose state changed in one update.
type AwarenessChange struct {
	Added   []ClientId
	Updated []ClientId
	Removed []ClientId
}

func (self *AwarenessChange) Empty() bool {
	return len(self.Added) == 0 && len(self.Updated) == 0 && len(self.Removed) == 0
}

// all changed clients
func (self *AwarenessChange) Clients() []ClientId {
	clients := []ClientId{}
	clients = append(clients, self.Added...)
	clients = append(clients, self.Updated...)
	clients = append(clients, self.Removed...)
	return clients
}

type AwarenessFunction = func(change *AwarenessChange, origin any)

type awarenessEntry struct {
	clock uint64
	// nil when removed
	state json.RawMessage
}

type awarenessUpdateEntry struct {
	Client ClientId        `json:"client"`
	Clock  uint64          `json:"clock"`
	State  json.RawMessage `json:"state"`
}

// Awareness is ephemeral per-client state such as cursors and presence.
// Each client owns its own entry. The entry with the higher clock wins.
type Awareness struct {
	clientId ClientId

	stateLock sync.Mutex
	entries   map[ClientId]*awarenessEntry

	callbackLock   sync.Mutex
	nextCallbackId int
	callbacks      map[int]AwarenessFunction
}

func NewAwareness(doc *Doc) *Awareness {
	return &Awareness{
		clientId:  doc.ClientId(),
		entries:   map[ClientId]*awarenessEntry{},
		callbacks: map[int]AwarenessFunction{},
	}
}

func (self *Awareness) ClientId() ClientId {
	return self.clientId
}

func (self *Awareness) OnUpdate(callback AwarenessFunction) func() {
	self.callbackLock.Lock()
	defer self.callbackLock.Unlock()
	self.nextCallbackId += 1
	callbackId := self.nextCallbackId
	self.callbacks[callbackId] = callback
	return func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *Awareness) emit(change *AwarenessChange, origin any) {
	if change.Empty() {
		return
	}
	var callbackIds []int
	var callbacks map[int]AwarenessFunction
	func() {
		self.callbackLock.Lock()
		defer self.callbackLock.Unlock()
		callbacks = maps.Clone(self.callbacks)
		callbackIds = maps.Keys(callbacks)
	}()
	slices.Sort(callbackIds)
	for _, callbackId := range callbackIds {
		callbacks[callbackId](change, origin)
	}
}

// SetLocalState replaces the local state. A nil state removes the local client.
func (self *Awareness) SetLocalState(state any) error {
	var stateJson json.RawMessage
	if state != nil {
		var err error
		stateJson, err = json.Marshal(state)
		if err != nil {
			return err
		}
	}

	change := &AwarenessChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		entry, ok := self.entries[self.clientId]
		if !ok {
			entry = &awarenessEntry{}
			self.entries[self.clientId] = entry
		}
		entry.clock += 1
		switch {
		case stateJson == nil && entry.state != nil:
			change.Removed = append(change.Removed, self.clientId)
		case stateJson != nil && entry.state == nil:
			change.Added = append(change.Added, self.clientId)
		case stateJson != nil:
			change.Updated = append(change.Updated, self.clientId)
		}
		entry.state = stateJson
	}()
	self.emit(change, nil)
	return nil
}

func (self *Awareness) LocalState() json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if entry, ok := self.entries[self.clientId]; ok {
		return entry.state
	}
	return nil
}

// States returns the present clients.
func (self *Awareness) States() map[ClientId]json.RawMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	states := map[ClientId]json.RawMessage{}
	for clientId, entry := range self.entries {
		if entry.state != nil {
			states[clientId] = entry.state
		}
	}
	return states
}

// EncodeUpdate encodes the given clients, or every known client when none are given.
func (self *Awareness) EncodeUpdate(clientIds ...ClientId) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if len(clientIds) == 0 {
		clientIds = maps.Keys(self.entries)
		slices.Sort(clientIds)
	}
	updateEntries := []*awarenessUpdateEntry{}
	for _, clientId := range clientIds {
		if entry, ok := self.entries[clientId]; ok {
			updateEntries = append(updateEntries, &awarenessUpdateEntry{
				Client: clientId,
				Clock:  entry.clock,
				State:  entry.state,
			})
		}
	}
	return json.Marshal(updateEntries)
}

func (self *Awareness) ApplyUpdate(update []byte, origin any) error {
	var updateEntries []*awarenessUpdateEntry
	if err := json.Unmarshal(update, &updateEntries); err != nil {
		return err
	}

	change := &AwarenessChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, updateEntry := range updateEntries {
			// the local entry is only changed locally
			if updateEntry.Client == self.clientId {
				continue
			}
			state := updateEntry.State
			if string(state) == "null" {
				state = nil
			}
			entry, ok := self.entries[updateEntry.Client]
			if ok && updateEntry.Clock <= entry.clock {
				continue
			}
			if !ok {
				entry = &awarenessEntry{}
				self.entries[updateEntry.Client] = entry
			}
			switch {
			case state == nil && entry.state != nil:
				change.Removed = append(change.Removed, updateEntry.Client)
			case state != nil && entry.state == nil:
				change.Added = append(change.Added, updateEntry.Client)
			case state != nil:
				change.Updated = append(change.Updated, updateEntry.Client)
			}
			entry.clock = updateEntry.Clock
			entry.state = state
		}
	}()
	self.emit(change, origin)
	return nil
}

// RemoveStates drops remote clients, e.g. when they leave the room.
func (self *Awareness) RemoveStates(clientIds []ClientId, origin any) {
	change := &AwarenessChange{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, clientId := range clientIds {
			if clientId == self.clientId {
				continue
			}
			if entry, ok := self.entries[clientId]; ok && entry.state != nil {
				entry.state = nil
				change.Removed = append(change.Removed, clientId)
			}
		}
	}()
	self.emit(change, origin)
}
