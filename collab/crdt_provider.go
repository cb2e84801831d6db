package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/bringyour/collab/collab/crdt"
)

const crdtSnapshotFormat = "crdt-update"

// persisted form of a crdt document
type crdtSnapshotData struct {
	Update string `json:"update"`
	Format string `json:"format"`
}

// payload of `update`, `awareness`, and sync step operations
type crdtUpdateData struct {
	Update string `json:"update"`
}

// origin of awareness changes applied from the network
const crdtRemoteOrigin = "remote"

// ReplicatedDoc is the document surface the provider needs.
type ReplicatedDoc interface {
	ClientId() crdt.ClientId
	EncodeUpdate() []byte
	ApplyUpdate(update []byte, origin any) error
	EncodeStateVector() []byte
	DiffSince(stateVector []byte) ([]byte, error)
	OnUpdate(callback crdt.UpdateFunction) func()
}

type ReplicatedAwareness interface {
	EncodeUpdate(clientIds ...crdt.ClientId) ([]byte, error)
	ApplyUpdate(update []byte, origin any) error
	OnUpdate(callback crdt.AwarenessFunction) func()
}

type CrdtProviderSettings struct {
	// quiet period after the last update before the document is snapshotted
	SnapshotDebounce time.Duration
	StoreTimeout     time.Duration
}

func DefaultCrdtProviderSettings() *CrdtProviderSettings {
	return &CrdtProviderSettings{
		SnapshotDebounce: 1 * time.Second,
		StoreTimeout:     5 * time.Second,
	}
}

// CrdtProvider replicates one document for one room through the sync orchestrator.
// Remote document updates are dropped until the room has its baseline state.
type CrdtProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	orchestrator *SyncOrchestrator
	roomId       string
	module       Module
	doc          ReplicatedDoc
	awareness    ReplicatedAwareness
	clientId     string

	settings *CrdtProviderSettings

	stateLock sync.Mutex
	synced    bool
	// updates not yet in a snapshot
	dirty bool

	dirtyMonitor  *Monitor
	syncCallbacks *CallbackList[func(synced bool)]
	unsubscribes  []func()
}

func NewCrdtProviderWithDefaults(
	ctx context.Context,
	orchestrator *SyncOrchestrator,
	roomId string,
	module Module,
	doc ReplicatedDoc,
	awareness ReplicatedAwareness,
) *CrdtProvider {
	return NewCrdtProvider(ctx, orchestrator, roomId, module, doc, awareness, DefaultCrdtProviderSettings())
}

// `awareness` may be nil
func NewCrdtProvider(
	ctx context.Context,
	orchestrator *SyncOrchestrator,
	roomId string,
	module Module,
	doc ReplicatedDoc,
	awareness ReplicatedAwareness,
	settings *CrdtProviderSettings,
) *CrdtProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &CrdtProvider{
		ctx:           cancelCtx,
		cancel:        cancel,
		orchestrator:  orchestrator,
		roomId:        roomId,
		module:        module,
		doc:           doc,
		awareness:     awareness,
		clientId:      strconv.FormatUint(doc.ClientId(), 10),
		settings:      settings,
		dirtyMonitor:  NewMonitor(),
		syncCallbacks: NewCallbackList[func(synced bool)](),
	}

	events := orchestrator.Events()
	provider.unsubscribes = append(provider.unsubscribes,
		doc.OnUpdate(provider.handleLocalUpdate),
		events.OnOperation(module, provider.handleRemoteOperation),
		events.OnState(module, func(roomId string, state json.RawMessage, source StateSource) {
			if roomId == provider.roomId {
				glog.V(1).Infof("[crdt]%s state from %s\n", roomId, source)
				provider.HandleStateSync(state)
			}
		}),
		events.OnReady(module, func(roomId string) {
			if roomId == provider.roomId {
				provider.MarkSynced()
			}
		}),
	)
	if awareness != nil {
		provider.unsubscribes = append(provider.unsubscribes, awareness.OnUpdate(provider.handleAwarenessUpdate))
	}

	go provider.run()
	return provider
}

func (self *CrdtProvider) RoomId() string {
	return self.roomId
}

func (self *CrdtProvider) ClientId() string {
	return self.clientId
}

func (self *CrdtProvider) IsSynced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

// OnSync is called once when the room becomes synced. Returns an unsubscribe function.
func (self *CrdtProvider) OnSync(callback func(synced bool)) func() {
	callbackId := self.syncCallbacks.Add(callback)
	return func() {
		self.syncCallbacks.Remove(callbackId)
	}
}

// debounced snapshots
func (self *CrdtProvider) run() {
	for {
		notify := self.dirtyMonitor.NotifyChannel()
		dirty := func() bool {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			return self.dirty
		}()
		if !dirty {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		// restart the quiet period on each update
		quiet := false
		for !quiet {
			notify = self.dirtyMonitor.NotifyChannel()
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			case <-time.After(self.settings.SnapshotDebounce):
				quiet = true
			}
		}
		self.saveSnapshot(self.ctx)
	}
}

func (self *CrdtProvider) markDirty() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.dirty = true
	}()
	self.dirtyMonitor.NotifyAll()
}

func (self *CrdtProvider) saveSnapshot(ctx context.Context) {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.dirty = false
	}()

	storeCtx, storeCancel := context.WithTimeout(ctx, self.settings.StoreTimeout)
	defer storeCancel()
	err := self.orchestrator.SaveSnapshot(storeCtx, self.roomId, self.module, &crdtSnapshotData{
		Update: base64.StdEncoding.EncodeToString(self.doc.EncodeUpdate()),
		Format: crdtSnapshotFormat,
	})
	if err != nil {
		glog.Infof("[crdt]%s snapshot error = %s\n", self.roomId, err)
		return
	}
	glog.V(2).Infof("[crdt]%s snapshot\n", self.roomId)
}

func (self *CrdtProvider) handleLocalUpdate(update []byte, origin any) {
	self.markDirty()
	if self.module == ModuleInquiry {
		return
	}
	// applied by this provider
	if origin == self {
		return
	}
	self.sendUpdate(OperationTypeUpdate, update)
}

func (self *CrdtProvider) handleAwarenessUpdate(change *crdt.AwarenessChange, origin any) {
	if self.module == ModuleInquiry {
		return
	}
	if origin == crdtRemoteOrigin {
		return
	}
	update, err := self.awareness.EncodeUpdate(change.Clients()...)
	if err != nil {
		glog.Infof("[crdt]%s encode awareness error = %s\n", self.roomId, err)
		return
	}
	self.sendUpdate(OperationTypeAwareness, update)
}

func (self *CrdtProvider) sendUpdate(opType OperationType, update []byte) {
	operation, err := NewOperation(self.module, self.roomId, self.clientId, opType, &crdtUpdateData{
		Update: base64.StdEncoding.EncodeToString(update),
	})
	if err != nil {
		glog.Infof("[crdt]%s encode %s error = %s\n", self.roomId, opType, err)
		return
	}
	if _, err := self.orchestrator.SendOperation(self.ctx, operation); err != nil {
		glog.Infof("[crdt]%s send %s error = %s\n", self.roomId, opType, err)
	}
}

func (self *CrdtProvider) handleRemoteOperation(operation *Operation) {
	if self.module == ModuleInquiry {
		return
	}
	if operation.RoomId != self.roomId {
		return
	}
	if operation.ClientId == self.clientId {
		return
	}

	if operation.Type != OperationTypeAwareness && !self.IsSynced() {
		glog.V(1).Infof("[crdt]%s drop %s before sync\n", self.roomId, operation.Id)
		return
	}

	var data crdtUpdateData
	if err := operation.DecodeData(&data); err != nil || data.Update == "" {
		glog.V(2).Infof("[crdt]%s skip %s without update\n", self.roomId, operation.Id)
		return
	}
	update, err := base64.StdEncoding.DecodeString(data.Update)
	if err != nil {
		glog.Infof("[crdt]%s bad update encoding %s = %s\n", self.roomId, operation.Id, err)
		return
	}

	switch operation.Type {
	case OperationTypeUpdate, OperationTypeSyncStep2:
		err = self.doc.ApplyUpdate(update, self)
	case OperationTypeAwareness:
		if self.awareness != nil {
			err = self.awareness.ApplyUpdate(update, crdtRemoteOrigin)
		}
	case OperationTypeSyncStep1:
		var diff []byte
		diff, err = self.doc.DiffSince(update)
		if err == nil {
			self.sendSyncStep(OperationTypeSyncStep2, diff)
		}
	default:
		glog.V(2).Infof("[crdt]%s unhandled %s\n", self.roomId, operation.Type)
	}
	if err != nil {
		glog.Infof("[crdt]%s apply %s error = %s\n", self.roomId, operation.Id, err)
	}
}

func (self *CrdtProvider) sendSyncStep(opType OperationType, data []byte) {
	if opType == OperationTypeSyncStep2 && len(data) == 0 {
		return
	}
	glog.V(1).Infof("[crdt]%s send %s\n", self.roomId, opType)
	self.sendUpdate(opType, data)
}

// MarkSynced starts incremental processing and asks peers for missing updates.
func (self *CrdtProvider) MarkSynced() {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.synced {
			return false
		}
		self.synced = true
		return true
	}()
	if !changed {
		return
	}
	glog.V(1).Infof("[crdt]%s synced\n", self.roomId)
	for _, callback := range self.syncCallbacks.Get() {
		HandleError(func() {
			callback(true)
		})
	}
	if self.module != ModuleInquiry {
		self.sendSyncStep(OperationTypeSyncStep1, self.doc.EncodeStateVector())
	}
}

// HandleStateSync applies a full state, either a base64 update string or `{update}`.
// The room is marked synced even when the state cannot be applied.
func (self *CrdtProvider) HandleStateSync(state json.RawMessage) {
	defer self.MarkSynced()
	if self.module == ModuleInquiry {
		return
	}

	var updateBlob string
	if err := json.Unmarshal(state, &updateBlob); err != nil {
		var data crdtSnapshotData
		if err := json.Unmarshal(state, &data); err == nil {
			updateBlob = data.Update
		}
	}
	if updateBlob == "" {
		return
	}
	update, err := base64.StdEncoding.DecodeString(updateBlob)
	if err != nil {
		glog.Infof("[crdt]%s bad state encoding = %s\n", self.roomId, err)
		return
	}
	if err := self.doc.ApplyUpdate(update, self); err != nil {
		glog.Infof("[crdt]%s apply state error = %s\n", self.roomId, err)
	}
}

// Close stops the provider and writes any pending snapshot.
func (self *CrdtProvider) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.cancel()

	dirty := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.dirty
	}()
	if dirty {
		self.saveSnapshot(context.Background())
	}
}
