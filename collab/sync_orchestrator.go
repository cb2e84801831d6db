package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

type SyncOrchestratorSettings struct {
	// wait after a connect before the queue resumes, so room joins go first
	SettleDelay     time.Duration
	SeenCapacity    int
	BatchAckTimeout time.Duration
	// modules that take state only from the server and skip local resume
	ServerStateModules []Module
	StoreTimeout       time.Duration
}

func DefaultSyncOrchestratorSettings() *SyncOrchestratorSettings {
	return &SyncOrchestratorSettings{
		SettleDelay:        100 * time.Millisecond,
		SeenCapacity:       1000,
		BatchAckTimeout:    30 * time.Second,
		ServerStateModules: []Module{ModuleInquiry},
		StoreTimeout:       5 * time.Second,
	}
}

type SyncStats struct {
	SyncStatus         SyncStatus       `json:"syncStatus"`
	ConnectionStatus   ConnectionStatus `json:"connectionStatus"`
	IsMaster           bool             `json:"isMaster"`
	PendingOperations  int              `json:"pendingOperations"`
	FailedOperations   int              `json:"failedOperations"`
	OperationsSent     uint64           `json:"operationsSent"`
	OperationsReceived uint64           `json:"operationsReceived"`

	// forwarded by this tab and not yet taken by a master
	ForwardedOperations int `json:"forwardedOperations"`
}

type forwardAck struct {
	OperationId string `json:"operationId"`
}

type operationSource string

const (
	operationSourceServer operationSource = "server"
	operationSourceTab    operationSource = "tab"
)

// SyncOrchestrator ties the tab coordinator, connection, queue and local store together
// and routes operations to module adapters through `Events()`.
type SyncOrchestrator struct {
	ctx    context.Context
	cancel context.CancelFunc

	tabs              *TabCoordinator
	connectionManager *ConnectionManager
	operationQueue    *OperationQueue
	storage           *StorageManager

	events *SyncEvents
	seen   *BoundedIdSet

	stateLock     sync.Mutex
	initialized   bool
	subscriptions map[string]map[Module]bool
	// rooms waiting for a sibling tab to answer `room-data-request`
	awaitingRoomData map[string]Module
	roomUsers        map[string]map[string]*RoomUser
	// operations sent to the master, in order, until a master acks them
	forwarded        []*Operation
	syncStatus       SyncStatus
	lastErr          error
	operationsSent   uint64
	operationsRecv   uint64
	unsubscribes     []func()

	settings *SyncOrchestratorSettings
}

func NewSyncOrchestratorWithDefaults(
	ctx context.Context,
	tabs *TabCoordinator,
	connectionManager *ConnectionManager,
	operationQueue *OperationQueue,
	storage *StorageManager,
) *SyncOrchestrator {
	return NewSyncOrchestrator(ctx, tabs, connectionManager, operationQueue, storage, DefaultSyncOrchestratorSettings())
}

func NewSyncOrchestrator(
	ctx context.Context,
	tabs *TabCoordinator,
	connectionManager *ConnectionManager,
	operationQueue *OperationQueue,
	storage *StorageManager,
	settings *SyncOrchestratorSettings,
) *SyncOrchestrator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncOrchestrator{
		ctx:               cancelCtx,
		cancel:            cancel,
		tabs:              tabs,
		connectionManager: connectionManager,
		operationQueue:    operationQueue,
		storage:           storage,
		events:            NewSyncEvents(),
		seen:              NewBoundedIdSet(settings.SeenCapacity),
		subscriptions:     map[string]map[Module]bool{},
		awaitingRoomData:  map[string]Module{},
		roomUsers:         map[string]map[string]*RoomUser{},
		syncStatus:        SyncStatusIdle,
		settings:          settings,
	}
}

func (self *SyncOrchestrator) Events() *SyncEvents {
	return self.events
}

func (self *SyncOrchestrator) TabId() TabId {
	return self.tabs.TabId()
}

// the client id from the credential, or the tab id when the credential has none
func (self *SyncOrchestrator) ClientId() string {
	if clientId := self.connectionManager.ClientId(); clientId != "" {
		return clientId
	}
	return self.tabs.TabId()
}

// Init starts the tab coordinator, loads the queue from the local store and wires the events.
func (self *SyncOrchestrator) Init(ctx context.Context) error {
	initialized := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.initialized {
			return true
		}
		self.initialized = true
		return false
	}()
	if initialized {
		return nil
	}

	// only a connected master sends
	self.operationQueue.Pause()
	if err := self.operationQueue.Init(ctx); err != nil {
		return err
	}
	if err := self.tabs.Init(); err != nil {
		return err
	}

	unsubscribes := []func(){
		self.connectionManager.AddEventListener(ConnectionEventStatusChanged, func(event *ConnectionEvent) {
			self.onConnectionStatus(event.NewStatus)
		}),
		self.connectionManager.AddEventListener(ConnectionEventMessage, func(event *ConnectionEvent) {
			self.handleServerMessage(event.Event, event.Data)
		}),
		self.tabs.On(TabMessageSyncOperation, func(message *TabMessage) {
			operation := &Operation{}
			if err := message.DecodePayload(operation); err != nil {
				glog.Infof("[sync]bad tab operation = %s\n", err)
				return
			}
			self.handleRemoteOperation(operation, operationSourceTab)
		}),
		self.tabs.On(TabMessageForwardOperation, func(message *TabMessage) {
			if !self.tabs.IsMaster() {
				return
			}
			operation := &Operation{}
			if err := message.DecodePayload(operation); err != nil {
				glog.Infof("[sync]bad forwarded operation = %s\n", err)
				return
			}
			glog.V(2).Infof("[sync]forwarded %s from %s\n", operation.Id, message.SourceTabId)
			if err := self.enqueueForwarded(operation); err != nil {
				// no ack, the sender keeps it
				glog.Infof("[sync]enqueue forwarded %s error = %s\n", operation.Id, err)
				return
			}
			self.tabs.Broadcast(TabMessageForwardAck, &forwardAck{OperationId: operation.Id})
		}),
		self.tabs.On(TabMessageForwardAck, func(message *TabMessage) {
			var ack forwardAck
			if err := message.DecodePayload(&ack); err != nil {
				return
			}
			self.removeForwarded(ack.OperationId)
		}),
		self.tabs.On(TabMessageMasterElection, func(message *TabMessage) {
			// a new master may not have seen earlier forwards
			if !self.tabs.IsMaster() {
				self.reforward()
			}
		}),
		self.tabs.On(TabMessageRoomDataRequest, self.onRoomDataRequest),
		self.tabs.On(TabMessageRoomDataResponse, self.onRoomData),
		self.tabs.On(TabMessageRoomData, self.onRoomData),
		self.tabs.AddMasterChangeCallback(self.onMasterChange),
		self.operationQueue.OnSend(self.sendOperations),
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.unsubscribes = append(self.unsubscribes, unsubscribes...)
	}()

	// the connection may have opened before the listeners were added
	if self.connectionManager.IsConnected() {
		go HandleError(self.handleConnected)
	}

	glog.V(1).Infof("[sync]%s init master=%t\n", self.tabs.TabId(), self.tabs.IsMaster())
	return nil
}

func (self *SyncOrchestrator) onConnectionStatus(status ConnectionStatus) {
	switch status {
	case ConnectionStatusConnected:
		self.handleConnected()
	case ConnectionStatusDisconnected, ConnectionStatusError:
		self.setSyncStatus(SyncStatusIdle)
		if self.tabs.IsMaster() {
			self.operationQueue.Pause()
		}
	}
}

func (self *SyncOrchestrator) handleConnected() {
	for _, room := range self.roomRefs() {
		if err := self.connectionManager.Send(EventJoinRoom, room); err != nil {
			glog.Infof("[sync]rejoin %s error = %s\n", room.RoomId, err)
			continue
		}
		glog.V(1).Infof("[sync]rejoin %s (%s)\n", room.RoomId, room.Module)
	}

	if self.tabs.IsMaster() {
		go HandleError(func() {
			if !sleepWithContext(self.ctx, self.settings.SettleDelay) {
				return
			}
			self.resumeQueue()
		})
	}
	self.setSyncStatus(SyncStatusSynced)
}

func (self *SyncOrchestrator) resumeQueue() {
	if !self.connectionManager.IsConnected() || !self.tabs.IsMaster() {
		return
	}
	self.operationQueue.Resume()
	if err := self.operationQueue.RetryFailed(); err != nil {
		glog.Infof("[sync]retry failed error = %s\n", err)
	}
}

func (self *SyncOrchestrator) onMasterChange(isMaster bool) {
	glog.V(1).Infof("[sync]%s master=%t\n", self.tabs.TabId(), isMaster)
	if !isMaster {
		self.operationQueue.Pause()
		return
	}
	// the previous master may have confirmed or added operations
	if err := self.operationQueue.Init(self.ctx); err != nil {
		glog.Infof("[sync]reload queue error = %s\n", err)
	}
	// operations this tab forwarded that no master took
	for _, operation := range self.forwardedOperations() {
		if err := self.enqueueForwarded(operation); err != nil {
			glog.Infof("[sync]enqueue forwarded %s error = %s\n", operation.Id, err)
			continue
		}
		self.removeForwarded(operation.Id)
	}
	self.resumeQueue()
}

// enqueues an operation from a non-master tab unless it was already confirmed
func (self *SyncOrchestrator) enqueueForwarded(operation *Operation) error {
	if status, ok := self.operationQueue.Status(operation.Id); ok && status == OperationStatusConfirmed {
		return nil
	}
	_, err := self.operationQueue.Enqueue(self.ctx, operation)
	return err
}

func (self *SyncOrchestrator) forwardedOperations() []*Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.forwarded)
}

func (self *SyncOrchestrator) removeForwarded(operationId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.forwarded = slices.DeleteFunc(self.forwarded, func(operation *Operation) bool {
		return operation.Id == operationId
	})
}

func (self *SyncOrchestrator) reforward() {
	operations := self.forwardedOperations()
	if 0 < len(operations) {
		glog.V(1).Infof("[sync]forward %d again to the new master\n", len(operations))
	}
	for _, operation := range operations {
		self.tabs.Broadcast(TabMessageForwardOperation, operation)
	}
}

func (self *SyncOrchestrator) roomRefs() []*RoomRef {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	rooms := []*RoomRef{}
	roomIds := maps.Keys(self.subscriptions)
	slices.Sort(roomIds)
	for _, roomId := range roomIds {
		modules := maps.Keys(self.subscriptions[roomId])
		slices.Sort(modules)
		for _, module := range modules {
			rooms = append(rooms, &RoomRef{RoomId: roomId, Module: module})
		}
	}
	return rooms
}

// modules subscribed to a room
func (self *SyncOrchestrator) roomModules(roomId string) []Module {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	modules := maps.Keys(self.subscriptions[roomId])
	slices.Sort(modules)
	return modules
}

// JoinRoom subscribes to the room and resumes local state: a draft, then a snapshot,
// then a sibling tab. Otherwise the state arrives from the server.
func (self *SyncOrchestrator) JoinRoom(ctx context.Context, roomId string, module Module) error {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		modules, ok := self.subscriptions[roomId]
		if !ok {
			modules = map[Module]bool{}
			self.subscriptions[roomId] = modules
		}
		modules[module] = true
	}()

	if self.connectionManager.IsConnected() {
		if err := self.connectionManager.Send(EventJoinRoom, &RoomRef{RoomId: roomId, Module: module}); err != nil {
			glog.Infof("[sync]join %s error = %s\n", roomId, err)
		} else {
			glog.V(1).Infof("[sync]join %s (%s)\n", roomId, module)
		}
	} else {
		glog.V(1).Infof("[sync]join %s (%s) waiting for connection\n", roomId, module)
	}

	return self.loadLocalData(ctx, roomId, module)
}

// LeaveRoom does not cancel operations already queued for the room.
func (self *SyncOrchestrator) LeaveRoom(roomId string, module Module) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if modules, ok := self.subscriptions[roomId]; ok {
			delete(modules, module)
			if len(modules) == 0 {
				delete(self.subscriptions, roomId)
				delete(self.roomUsers, roomId)
			}
		}
		if self.awaitingRoomData[roomId] == module {
			delete(self.awaitingRoomData, roomId)
		}
	}()

	if self.connectionManager.IsConnected() {
		if err := self.connectionManager.Send(EventLeaveRoom, &RoomRef{RoomId: roomId, Module: module}); err != nil {
			glog.Infof("[sync]leave %s error = %s\n", roomId, err)
		}
	}
	glog.V(1).Infof("[sync]leave %s (%s)\n", roomId, module)
}

func (self *SyncOrchestrator) IsSubscribed(roomId string, module Module) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subscriptions[roomId][module]
}

func (self *SyncOrchestrator) loadLocalData(ctx context.Context, roomId string, module Module) error {
	if slices.Contains(self.settings.ServerStateModules, module) {
		glog.V(1).Infof("[sync]%s (%s) uses server state only\n", roomId, module)
		return nil
	}

	draft, err := self.storage.GetDraft(ctx, roomId)
	if err != nil {
		return err
	}
	if draft != nil && draft.Module == module {
		glog.V(1).Infof("[sync]%s resume from draft\n", roomId)
		self.emitState(roomId, module, draft.Data, StateSourceDraft)
		return nil
	}

	snapshot, err := self.storage.GetSnapshot(ctx, roomId)
	if err != nil {
		return err
	}
	if snapshot != nil && snapshot.Module == module {
		glog.V(1).Infof("[sync]%s resume from snapshot v%d\n", roomId, snapshot.Version)
		self.emitState(roomId, module, snapshot.Data, StateSourceSnapshot)
		return nil
	}

	glog.V(1).Infof("[sync]%s no local data\n", roomId)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.awaitingRoomData[roomId] = module
	}()
	self.tabs.Broadcast(TabMessageRoomDataRequest, &RoomRef{RoomId: roomId, Module: module})
	return nil
}

func (self *SyncOrchestrator) emitState(roomId string, module Module, state json.RawMessage, source StateSource) {
	self.events.emit(&SyncEvent{
		Kind:        SyncEventState,
		Module:      module,
		RoomId:      roomId,
		State:       state,
		StateSource: source,
	})
}

func (self *SyncOrchestrator) onRoomDataRequest(message *TabMessage) {
	var room RoomRef
	if err := message.DecodePayload(&room); err != nil {
		return
	}
	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	snapshot, err := self.storage.GetSnapshot(storeCtx, room.RoomId)
	if err != nil || snapshot == nil || snapshot.Module != room.Module {
		return
	}
	glog.V(1).Infof("[sync]answer room data %s for %s\n", room.RoomId, message.SourceTabId)
	self.tabs.Broadcast(TabMessageRoomDataResponse, &RoomState{
		RoomId: room.RoomId,
		Module: room.Module,
		State:  snapshot.Data,
	})
}

// `room-data-response` and `room-data` only apply to rooms still waiting for state
func (self *SyncOrchestrator) onRoomData(message *TabMessage) {
	var roomState RoomState
	if err := message.DecodePayload(&roomState); err != nil {
		return
	}
	awaiting := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		module, ok := self.awaitingRoomData[roomState.RoomId]
		if !ok || module != roomState.Module {
			return false
		}
		delete(self.awaitingRoomData, roomState.RoomId)
		return true
	}()
	if awaiting {
		glog.V(1).Infof("[sync]%s resume from tab %s\n", roomState.RoomId, message.SourceTabId)
		self.emitState(roomState.RoomId, roomState.Module, roomState.State, StateSourceTab)
	}
}

// SendOperation applies the operation locally, shares it with sibling tabs and sends it.
// Awareness is sent best effort. Other operations go through the master's queue.
func (self *SyncOrchestrator) SendOperation(ctx context.Context, operation *Operation) (string, error) {
	if operation.ClientId == "" {
		operation.ClientId = self.ClientId()
	}
	if operation.Timestamp == 0 {
		operation.Timestamp = nowMillis()
	}
	if !operation.IsAwareness() {
		glog.V(2).Infof("[sync]send %s %s\n", operation.Type, operation.Id)
	}

	self.applyLocalOperation(operation)
	self.tabs.Broadcast(TabMessageSyncOperation, operation)

	if operation.IsAwareness() {
		if self.connectionManager.IsConnected() {
			if err := self.connectionManager.Send(EventOperation, operation); err != nil {
				glog.V(2).Infof("[sync]awareness %s dropped = %s\n", operation.Id, err)
			}
		}
		return operation.Id, nil
	}
	return self.enqueueOperation(ctx, operation)
}

func (self *SyncOrchestrator) enqueueOperation(ctx context.Context, operation *Operation) (string, error) {
	if self.tabs.IsMaster() {
		operationId, err := self.operationQueue.Enqueue(ctx, operation)
		if err != nil {
			glog.Infof("[sync]enqueue %s error = %s\n", operation.Id, err)
			return "", err
		}
		return operationId, nil
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.forwarded = append(self.forwarded, operation)
	}()
	glog.V(2).Infof("[sync]forward %s to master\n", operation.Id)
	if err := self.tabs.Broadcast(TabMessageForwardOperation, operation); err != nil {
		// kept for the next master election
		glog.Infof("[sync]forward %s error = %s\n", operation.Id, err)
	}
	return operation.Id, nil
}

func (self *SyncOrchestrator) applyLocalOperation(operation *Operation) {
	if !self.seen.Add(operation.Id) {
		return
	}
	self.events.emit(&SyncEvent{
		Kind:      SyncEventOperation,
		Module:    operation.Module,
		RoomId:    operation.RoomId,
		Operation: operation,
	})
}

func (self *SyncOrchestrator) handleRemoteOperation(operation *Operation, source operationSource) {
	if !self.seen.Add(operation.Id) {
		glog.V(2).Infof("[sync]duplicate %s from %s\n", operation.Id, source)
		return
	}
	if source == operationSourceServer {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			self.operationsRecv += 1
		}()
	}
	glog.V(2).Infof("[sync]remote %s from %s\n", operation.Id, source)
	self.events.emit(&SyncEvent{
		Kind:      SyncEventOperation,
		Module:    operation.Module,
		RoomId:    operation.RoomId,
		Operation: operation,
	})
}

// the queue's send function
func (self *SyncOrchestrator) sendOperations(ctx context.Context, operations []*Operation) error {
	if !self.connectionManager.IsConnected() {
		return ErrNoConnection
	}
	self.setSyncStatus(SyncStatusSyncing)

	if glog.V(1) {
		size := 0
		for _, operation := range operations {
			size += len(operation.Data)
		}
		glog.Infof("[sync]send batch of %d (%.2fKiB)\n", len(operations), float64(size)/1024)
	}

	response, err := self.connectionManager.SendWithAck(ctx, EventBatchOperations, &BatchOperations{
		Operations: operations,
	}, self.settings.BatchAckTimeout)
	if errors.Is(err, ErrNotConnected) {
		self.setSyncStatus(SyncStatusIdle)
		return fmt.Errorf("%w: %w", ErrNoConnection, err)
	} else if err != nil {
		self.setSyncStatus(SyncStatusError)
		return err
	}

	operationIds := []string{}
	for _, operation := range operations {
		operationIds = append(operationIds, operation.Id)
	}
	// an ack without a confirmed list confirms the whole batch
	unconfirmedIds := []string{}
	var ack BatchOperationsAck
	if 0 < len(response) {
		if err := json.Unmarshal(response, &ack); err == nil {
			if !ack.Success && len(ack.Confirmed) == 0 {
				self.setSyncStatus(SyncStatusError)
				return errors.New("Batch rejected")
			}
			if 0 < len(ack.Confirmed) {
				for _, operationId := range operationIds {
					if !slices.Contains(ack.Confirmed, operationId) {
						unconfirmedIds = append(unconfirmedIds, operationId)
					}
				}
				operationIds = ack.Confirmed
			}
		}
	}

	if err := self.operationQueue.ConfirmBatch(operationIds); err != nil {
		glog.Infof("[sync]confirm error = %s\n", err)
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.operationsSent += uint64(len(operationIds))
	}()
	self.setSyncStatus(SyncStatusSynced)

	self.clearConfirmedDrafts(ctx, operations)
	if 0 < len(unconfirmedIds) {
		glog.V(1).Infof("[sync]batch ack missing %d of %d\n", len(unconfirmedIds), len(operations))
		return &UnconfirmedError{OperationIds: unconfirmedIds}
	}
	return nil
}

// a draft is covered once every operation of its room up to the draft time is confirmed
func (self *SyncOrchestrator) clearConfirmedDrafts(ctx context.Context, operations []*Operation) {
	lastTimestamps := map[string]int64{}
	for _, operation := range operations {
		lastTimestamps[operation.RoomId] = max(lastTimestamps[operation.RoomId], operation.Timestamp)
	}
	for roomId, lastTimestamp := range lastTimestamps {
		if self.operationQueue.HasUnconfirmed(roomId) {
			continue
		}
		draft, err := self.storage.GetDraft(ctx, roomId)
		if err != nil || draft == nil || lastTimestamp < draft.Timestamp {
			continue
		}
		if err := self.storage.DeleteDraft(ctx, roomId); err != nil {
			glog.Infof("[sync]clear draft %s error = %s\n", roomId, err)
			continue
		}
		glog.V(1).Infof("[sync]draft %s confirmed\n", roomId)
	}
}

func (self *SyncOrchestrator) handleServerMessage(event string, data json.RawMessage) {
	switch event {
	case EventOperation:
		operation := &Operation{}
		if err := json.Unmarshal(data, operation); err != nil {
			glog.Infof("[sync]bad operation = %s\n", err)
			return
		}
		self.handleRemoteOperation(operation, operationSourceServer)
	case EventBatchOperations:
		var batch BatchOperations
		if err := json.Unmarshal(data, &batch); err != nil {
			glog.Infof("[sync]bad batch = %s\n", err)
			return
		}
		for _, operation := range batch.Operations {
			self.handleRemoteOperation(operation, operationSourceServer)
		}
	case EventRoomState:
		var roomState RoomState
		if err := json.Unmarshal(data, &roomState); err != nil {
			glog.Infof("[sync]bad room state = %s\n", err)
			return
		}
		self.handleRoomState(&roomState)
	case EventSyncReady:
		var room RoomRef
		if err := json.Unmarshal(data, &room); err != nil {
			return
		}
		glog.V(1).Infof("[sync]%s (%s) ready\n", room.RoomId, room.Module)
		self.events.emit(&SyncEvent{
			Kind:   SyncEventReady,
			Module: room.Module,
			RoomId: room.RoomId,
		})
	case EventError:
		serverError := &ServerError{}
		if err := json.Unmarshal(data, serverError); err != nil || serverError.Message == "" {
			serverError.Message = "Server error"
		}
		glog.Infof("[sync]server error = %s\n", serverError)
		self.setError(serverError)
	case EventUserJoined, EventUserLeft, EventTyping, EventStopTyping:
		user := &RoomUser{}
		if err := json.Unmarshal(data, user); err != nil || user.RoomId == "" {
			return
		}
		self.handlePresence(event, user)
	default:
		glog.V(2).Infof("[sync]unhandled %s\n", event)
	}
}

func (self *SyncOrchestrator) handleRoomState(roomState *RoomState) {
	glog.V(1).Infof("[sync]%s (%s) full state\n", roomState.RoomId, roomState.Module)

	data := roomState.State
	// a bare string is an encoded crdt update
	var update string
	if err := json.Unmarshal(roomState.State, &update); err == nil {
		data, _ = json.Marshal(&crdtSnapshotData{Update: update, Format: crdtSnapshotFormat})
	}

	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	err := self.storage.SaveSnapshot(storeCtx, &DataSnapshot{
		RoomId:    roomState.RoomId,
		Module:    roomState.Module,
		Data:      data,
		Timestamp: nowMillis(),
	})
	if err != nil {
		glog.Infof("[sync]save snapshot %s error = %s\n", roomState.RoomId, err)
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.awaitingRoomData[roomState.RoomId] == roomState.Module {
			delete(self.awaitingRoomData, roomState.RoomId)
		}
	}()
	self.emitState(roomState.RoomId, roomState.Module, roomState.State, StateSourceServer)
	// siblings still waiting on the room can use it
	self.tabs.Broadcast(TabMessageRoomData, roomState)
}

func (self *SyncOrchestrator) handlePresence(event string, user *RoomUser) {
	var kind SyncEventKind
	switch event {
	case EventUserJoined:
		kind = SyncEventUserJoined
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if _, ok := self.subscriptions[user.RoomId]; !ok {
				return
			}
			users, ok := self.roomUsers[user.RoomId]
			if !ok {
				users = map[string]*RoomUser{}
				self.roomUsers[user.RoomId] = users
			}
			users[user.UserId] = user
		}()
	case EventUserLeft:
		kind = SyncEventUserLeft
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if users, ok := self.roomUsers[user.RoomId]; ok {
				delete(users, user.UserId)
			}
		}()
	case EventTyping:
		kind = SyncEventTyping
	case EventStopTyping:
		kind = SyncEventStopTyping
	}

	for _, module := range self.roomModules(user.RoomId) {
		self.events.emit(&SyncEvent{
			Kind:   kind,
			Module: module,
			RoomId: user.RoomId,
			User:   user,
		})
	}
}

// RoomUsers lists the users present in a joined room, ordered by user id.
func (self *SyncOrchestrator) RoomUsers(roomId string) []*RoomUser {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	users := maps.Values(self.roomUsers[roomId])
	slices.SortFunc(users, func(a *RoomUser, b *RoomUser) int {
		if a.UserId < b.UserId {
			return -1
		} else if b.UserId < a.UserId {
			return 1
		}
		return 0
	})
	return users
}

// SendTyping is best effort.
func (self *SyncOrchestrator) SendTyping(roomId string, typing bool) error {
	event := EventStopTyping
	if typing {
		event = EventTyping
	}
	return self.connectionManager.Send(event, &RoomUser{
		RoomId: roomId,
		UserId: self.ClientId(),
	})
}

func (self *SyncOrchestrator) SaveDraft(ctx context.Context, roomId string, module Module, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return self.storage.SaveDraft(ctx, &Draft{
		RoomId:    roomId,
		Module:    module,
		Data:      dataBytes,
		Timestamp: nowMillis(),
	})
}

// SaveSnapshot stores the merged state for a room. The storage assigns the version.
func (self *SyncOrchestrator) SaveSnapshot(ctx context.Context, roomId string, module Module, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return self.storage.SaveSnapshot(ctx, &DataSnapshot{
		RoomId:    roomId,
		Module:    module,
		Data:      dataBytes,
		Timestamp: nowMillis(),
	})
}

func (self *SyncOrchestrator) ClearDraft(ctx context.Context, roomId string) error {
	return self.storage.DeleteDraft(ctx, roomId)
}

// SetToken reconnects with the new credential.
func (self *SyncOrchestrator) SetToken(token string) {
	self.connectionManager.SetToken(token)
}

// Reset disconnects and drops subscriptions, queued operations and dedup state, e.g. on logout.
func (self *SyncOrchestrator) Reset(ctx context.Context) error {
	self.connectionManager.Disconnect()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		clear(self.subscriptions)
		clear(self.awaitingRoomData)
		clear(self.roomUsers)
		self.lastErr = nil
	}()
	self.seen.Clear()
	self.setSyncStatus(SyncStatusIdle)
	err := self.operationQueue.Clear(ctx)
	glog.V(1).Infof("[sync]reset\n")
	return err
}

func (self *SyncOrchestrator) setSyncStatus(syncStatus SyncStatus) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.syncStatus = syncStatus
}

func (self *SyncOrchestrator) setError(err error) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.lastErr = err
	}()
	self.events.emit(&SyncEvent{
		Kind: SyncEventError,
		Err:  err,
	})
}

// LastError is the last protocol error reported by the server.
func (self *SyncOrchestrator) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

func (self *SyncOrchestrator) Stats() *SyncStats {
	stats := func() *SyncStats {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return &SyncStats{
			SyncStatus:          self.syncStatus,
			OperationsSent:      self.operationsSent,
			OperationsReceived:  self.operationsRecv,
			ForwardedOperations: len(self.forwarded),
		}
	}()
	stats.ConnectionStatus = self.connectionManager.Status()
	stats.IsMaster = self.tabs.IsMaster()
	stats.PendingOperations = self.operationQueue.PendingCount()
	stats.FailedOperations = len(self.operationQueue.FailedOperations())
	return stats
}

// Close stops the orchestrator and the components it drives.
// The storage is owned by the caller.
func (self *SyncOrchestrator) Close() {
	var unsubscribes []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		unsubscribes = self.unsubscribes
		self.unsubscribes = nil
	}()
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
	self.operationQueue.Close()
	self.connectionManager.Close()
	self.tabs.Destroy()
}
