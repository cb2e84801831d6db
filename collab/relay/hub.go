package relay

import (
	"context"
	"slices"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/bringyour/collab/collab"
)

type room struct {
	roomId  string
	module  collab.Module
	members map[*client]bool
	// durable operations in arrival order, bounded
	operations   []*collab.Operation
	operationIds map[string]bool
}

// Hub tracks rooms and their members for one relay instance.
type Hub struct {
	ctx      context.Context
	settings *RelaySettings

	stateLock sync.Mutex
	rooms     map[string]*room
	clients   map[*client]bool
}

func NewHub(ctx context.Context, settings *RelaySettings) *Hub {
	return &Hub{
		ctx:      ctx,
		settings: settings,
		rooms:    map[string]*room{},
		clients:  map[*client]bool{},
	}
}

// must be called with the state lock
func (self *Hub) room(roomId string, module collab.Module) *room {
	r, ok := self.rooms[roomId]
	if !ok {
		r = &room{
			roomId:       roomId,
			module:       module,
			members:      map[*client]bool{},
			operations:   []*collab.Operation{},
			operationIds: map[string]bool{},
		}
		self.rooms[roomId] = r
	}
	if r.module == "" {
		r.module = module
	}
	return r
}

func (self *Hub) addClient(c *client) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clients[c] = true
}

// removes the client from every room and tells the remaining members
func (self *Hub) removeClient(c *client) {
	roomIds := []string{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(self.clients, c)
		for roomId, r := range self.rooms {
			if r.members[c] {
				roomIds = append(roomIds, roomId)
			}
		}
	}()
	for _, roomId := range roomIds {
		self.leave(c, roomId)
	}
}

// join replies `sync_ready`, replays the room log, then announces the member.
func (self *Hub) join(c *client, ref *collab.RoomRef) {
	var operations []*collab.Operation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		r := self.room(ref.RoomId, ref.Module)
		r.members[c] = true
		operations = slices.Clone(r.operations)
	}()
	glog.V(1).Infof("[relay]%s join %s (%s)\n", c.userId, ref.RoomId, ref.Module)

	c.enqueueEvent(collab.EventSyncReady, ref)
	if 0 < len(operations) {
		c.enqueueEvent(collab.EventBatchOperations, &collab.BatchOperations{
			Operations: operations,
		})
	}
	self.broadcastEvent(ref.RoomId, collab.EventUserJoined, &collab.RoomUser{
		RoomId:   ref.RoomId,
		UserId:   c.userId,
		UserName: c.userName,
	}, c)
}

func (self *Hub) leave(c *client, roomId string) {
	left := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		r, ok := self.rooms[roomId]
		if !ok || !r.members[c] {
			return false
		}
		delete(r.members, c)
		return true
	}()
	if !left {
		return
	}
	glog.V(1).Infof("[relay]%s leave %s\n", c.userId, roomId)
	self.broadcastEvent(roomId, collab.EventUserLeft, &collab.RoomUser{
		RoomId:   roomId,
		UserId:   c.userId,
		UserName: c.userName,
	}, c)
}

func (self *Hub) isMember(c *client, roomId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	r, ok := self.rooms[roomId]
	return ok && r.members[c]
}

// appendOperations logs new durable operations and returns the operations not seen before.
// Awareness is never logged.
func (self *Hub) appendOperations(operations []*collab.Operation) []*collab.Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	accepted := []*collab.Operation{}
	for _, operation := range operations {
		r := self.room(operation.RoomId, operation.Module)
		if operation.IsAwareness() {
			accepted = append(accepted, operation)
			continue
		}
		if r.operationIds[operation.Id] {
			continue
		}
		r.operationIds[operation.Id] = true
		r.operations = append(r.operations, operation)
		if limit := self.settings.MaxRoomOperations; 0 < limit && limit < len(r.operations) {
			for _, evicted := range r.operations[:len(r.operations)-limit] {
				delete(r.operationIds, evicted.Id)
			}
			r.operations = slices.Clone(r.operations[len(r.operations)-limit:])
		}
		accepted = append(accepted, operation)
	}
	return accepted
}

// RoomOperations returns the logged operations of a room in arrival order.
func (self *Hub) RoomOperations(roomId string) []*collab.Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if r, ok := self.rooms[roomId]; ok {
		return slices.Clone(r.operations)
	}
	return []*collab.Operation{}
}

func (self *Hub) RoomIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	roomIds := maps.Keys(self.rooms)
	slices.Sort(roomIds)
	return roomIds
}

func (self *Hub) ClientCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.clients)
}

func (self *Hub) members(roomId string) []*client {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if r, ok := self.rooms[roomId]; ok {
		return maps.Keys(r.members)
	}
	return nil
}

// sends to every member of the room except `except`, which may be nil
func (self *Hub) broadcastEvent(roomId string, event string, data any, except *client) {
	frame, err := collab.NewFrame(event, data)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", event, err)
		return
	}
	self.broadcastFrame(roomId, frame, except)
}

func (self *Hub) broadcastFrame(roomId string, frame *collab.Frame, except *client) {
	frameBytes, err := collab.EncodeFrame(frame)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", frame.Event, err)
		return
	}
	for _, member := range self.members(roomId) {
		if member != except {
			member.enqueue(frameBytes)
		}
	}
}

// operations grouped by room, keeping order within each room
func operationsByRoom(operations []*collab.Operation) ([]string, map[string][]*collab.Operation) {
	roomIds := []string{}
	byRoom := map[string][]*collab.Operation{}
	for _, operation := range operations {
		if _, ok := byRoom[operation.RoomId]; !ok {
			roomIds = append(roomIds, operation.RoomId)
		}
		byRoom[operation.RoomId] = append(byRoom[operation.RoomId], operation)
	}
	return roomIds, byRoom
}
