package collab

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"sync"

	"golang.org/x/exp/maps"
)

type TabId = string

// tab ids embed the creation time and a random suffix
func NewTabId(createdAt int64) TabId {
	return fmt.Sprintf("tab_%d_%09d", createdAt, mathrand.Int63n(1000000000))
}

type TabInfo struct {
	Id            TabId `json:"id"`
	IsMaster      bool  `json:"isMaster"`
	CreatedAt     int64 `json:"createdAt"`
	LastHeartbeat int64 `json:"lastHeartbeat"`
}

// earliest (createdAt, id) wins an election
func (self *TabInfo) Before(other *TabInfo) bool {
	if self.CreatedAt != other.CreatedAt {
		return self.CreatedAt < other.CreatedAt
	}
	return self.Id < other.Id
}

type TabMessageType = string

const (
	TabMessageTabJoined        TabMessageType = "tab-joined"
	TabMessageTabLeft          TabMessageType = "tab-left"
	TabMessageMasterElection   TabMessageType = "master-election"
	TabMessageSyncOperation    TabMessageType = "sync-operation"
	TabMessageRoomData         TabMessageType = "room-data"
	TabMessageRoomDataRequest  TabMessageType = "room-data-request"
	TabMessageRoomDataResponse TabMessageType = "room-data-response"
	TabMessageForwardOperation TabMessageType = "forward-operation"
	TabMessageForwardAck       TabMessageType = "forward-ack"
	TabMessageHeartbeat        TabMessageType = "heartbeat"
)

type TabMessage struct {
	Type        TabMessageType  `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SourceTabId TabId           `json:"sourceTabId"`
	Timestamp   int64           `json:"timestamp"`
}

func (self *TabMessage) DecodePayload(v any) error {
	return json.Unmarshal(self.Payload, v)
}

type TabMessageFunction func(message *TabMessage)

// TabRegistry is the shared tab liveness table.
// Access is read-all and write-one.
type TabRegistry interface {
	AllTabs(ctx context.Context) ([]*TabInfo, error)
	PutTab(ctx context.Context, tab *TabInfo) error
	RemoveTab(ctx context.Context, tabId TabId) error
}

// TabChannel delivers every posted message to every listener, including listeners of the poster.
// Tabs filter their own messages.
type TabChannel interface {
	Post(ctx context.Context, message *TabMessage) error
	// returns an unsubscribe function
	Listen(callback TabMessageFunction) func()
	Close() error
}

type MemoryTabRegistry struct {
	stateLock sync.Mutex
	tabs      map[TabId]TabInfo
}

func NewMemoryTabRegistry() *MemoryTabRegistry {
	return &MemoryTabRegistry{
		tabs: map[TabId]TabInfo{},
	}
}

func (self *MemoryTabRegistry) AllTabs(ctx context.Context) ([]*TabInfo, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tabs := []*TabInfo{}
	for _, tab := range maps.Values(self.tabs) {
		tab := tab
		tabs = append(tabs, &tab)
	}
	return tabs, nil
}

func (self *MemoryTabRegistry) PutTab(ctx context.Context, tab *TabInfo) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.tabs[tab.Id] = *tab
	return nil
}

func (self *MemoryTabRegistry) RemoveTab(ctx context.Context, tabId TabId) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.tabs, tabId)
	return nil
}

const hubListenerBufferSize = 64

// TabHub is an in-process broadcast medium.
// Channels opened on the same hub with the same name see each other's messages.
type TabHub struct {
	stateLock sync.Mutex
	nextId    int
	// name -> listener id -> listener
	listeners map[string]map[int]*hubListener
}

func NewTabHub() *TabHub {
	return &TabHub{
		listeners: map[string]map[int]*hubListener{},
	}
}

type hubListener struct {
	ctx      context.Context
	cancel   context.CancelFunc
	messages chan *TabMessage
}

func (self *TabHub) Open(name string) *HubTabChannel {
	return &HubTabChannel{
		hub:         self,
		name:        name,
		listenerIds: map[int]bool{},
	}
}

func (self *TabHub) post(ctx context.Context, name string, message *TabMessage) error {
	var listeners []*hubListener
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		listeners = maps.Values(self.listeners[name])
	}()
	for _, listener := range listeners {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-listener.ctx.Done():
		case listener.messages <- message:
		}
	}
	return nil
}

func (self *TabHub) listen(name string, callback TabMessageFunction) int {
	ctx, cancel := context.WithCancel(context.Background())
	listener := &hubListener{
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan *TabMessage, hubListenerBufferSize),
	}

	var listenerId int
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.nextId += 1
		listenerId = self.nextId
		nameListeners, ok := self.listeners[name]
		if !ok {
			nameListeners = map[int]*hubListener{}
			self.listeners[name] = nameListeners
		}
		nameListeners[listenerId] = listener
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case message := <-listener.messages:
				HandleError(func() {
					callback(message)
				})
			}
		}
	}()

	return listenerId
}

func (self *TabHub) unlisten(name string, listenerId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if nameListeners, ok := self.listeners[name]; ok {
		if listener, ok := nameListeners[listenerId]; ok {
			listener.cancel()
			delete(nameListeners, listenerId)
		}
		if len(nameListeners) == 0 {
			delete(self.listeners, name)
		}
	}
}

type HubTabChannel struct {
	hub  *TabHub
	name string

	stateLock   sync.Mutex
	listenerIds map[int]bool
}

func (self *HubTabChannel) Post(ctx context.Context, message *TabMessage) error {
	return self.hub.post(ctx, self.name, message)
}

func (self *HubTabChannel) Listen(callback TabMessageFunction) func() {
	listenerId := self.hub.listen(self.name, callback)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.listenerIds[listenerId] = true
	}()
	return func() {
		self.hub.unlisten(self.name, listenerId)
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.listenerIds, listenerId)
	}
}

func (self *HubTabChannel) Close() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for listenerId := range self.listenerIds {
		self.hub.unlisten(self.name, listenerId)
	}
	clear(self.listenerIds)
	return nil
}
