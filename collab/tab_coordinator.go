package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
)

type TabCoordinatorSettings struct {
	HeartbeatInterval   time.Duration
	TabTimeout          time.Duration
	MasterCheckInterval time.Duration
	PostTimeout         time.Duration
}

func DefaultTabCoordinatorSettings() *TabCoordinatorSettings {
	return &TabCoordinatorSettings{
		HeartbeatInterval:   5 * time.Second,
		TabTimeout:          15 * time.Second,
		MasterCheckInterval: 10 * time.Second,
		PostTimeout:         5 * time.Second,
	}
}

type tabLeftPayload struct {
	WasMaster bool `json:"wasMaster"`
}

// TabCoordinator elects one master tab among tabs sharing a registry and channel.
// Only the master transmits the durable operation queue.
type TabCoordinator struct {
	ctx    context.Context
	cancel context.CancelFunc

	tabId     TabId
	createdAt int64

	registry TabRegistry
	channel  TabChannel

	stateLock   sync.Mutex
	initialized bool
	isMaster    bool
	unlisten    func()

	handlersLock sync.Mutex
	handlers     map[TabMessageType]*CallbackList[TabMessageFunction]

	masterChangeCallbacks *CallbackList[func(isMaster bool)]

	settings *TabCoordinatorSettings
}

func NewTabCoordinatorWithDefaults(ctx context.Context, registry TabRegistry, channel TabChannel) *TabCoordinator {
	return NewTabCoordinator(ctx, registry, channel, DefaultTabCoordinatorSettings())
}

func NewTabCoordinator(
	ctx context.Context,
	registry TabRegistry,
	channel TabChannel,
	settings *TabCoordinatorSettings,
) *TabCoordinator {
	cancelCtx, cancel := context.WithCancel(ctx)
	createdAt := nowMillis()
	return &TabCoordinator{
		ctx:                   cancelCtx,
		cancel:                cancel,
		tabId:                 NewTabId(createdAt),
		createdAt:             createdAt,
		registry:              registry,
		channel:               channel,
		handlers:              map[TabMessageType]*CallbackList[TabMessageFunction]{},
		masterChangeCallbacks: NewCallbackList[func(bool)](),
		settings:              settings,
	}
}

func (self *TabCoordinator) TabId() TabId {
	return self.tabId
}

func (self *TabCoordinator) IsMaster() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.isMaster
}

func (self *TabCoordinator) selfInfo() *TabInfo {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &TabInfo{
		Id:            self.tabId,
		IsMaster:      self.isMaster,
		CreatedAt:     self.createdAt,
		LastHeartbeat: nowMillis(),
	}
}

// Init registers this tab, runs the first election and starts the heartbeat and master check.
func (self *TabCoordinator) Init() error {
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

	unlisten := self.channel.Listen(self.onMessage)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.unlisten = unlisten
	}()

	if err := self.registry.PutTab(self.ctx, self.selfInfo()); err != nil {
		return err
	}
	if err := self.electMaster(); err != nil {
		return err
	}
	self.Broadcast(TabMessageTabJoined, self.selfInfo())

	glog.V(1).Infof("[tab]%s init master=%t\n", self.tabId, self.IsMaster())

	go self.run()
	return nil
}

func (self *TabCoordinator) run() {
	heartbeat := time.NewTicker(self.settings.HeartbeatInterval)
	defer heartbeat.Stop()
	masterCheck := time.NewTicker(self.settings.MasterCheckInterval)
	defer masterCheck.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-heartbeat.C:
			HandleError(self.sendHeartbeat)
		case <-masterCheck.C:
			HandleError(func() {
				if err := self.checkMaster(); err != nil {
					glog.Infof("[tab]%s master check error = %s\n", self.tabId, err)
				}
			})
		}
	}
}

func (self *TabCoordinator) sendHeartbeat() {
	info := self.selfInfo()
	if err := self.registry.PutTab(self.ctx, info); err != nil {
		glog.Infof("[tab]%s heartbeat error = %s\n", self.tabId, err)
		return
	}
	self.Broadcast(TabMessageHeartbeat, info)
	glog.V(2).Infof("[tab]%s heartbeat\n", self.tabId)
}

func (self *TabCoordinator) activeTabs() ([]*TabInfo, error) {
	tabs, err := self.registry.AllTabs(self.ctx)
	if err != nil {
		return nil, err
	}
	cutoff := nowMillis() - self.settings.TabTimeout.Milliseconds()
	active := []*TabInfo{}
	for _, tab := range tabs {
		if tab.Id == self.tabId || cutoff < tab.LastHeartbeat {
			active = append(active, tab)
		}
	}
	return active, nil
}

func (self *TabCoordinator) electMaster() error {
	active, err := self.activeTabs()
	if err != nil {
		return err
	}

	others := 0
	for _, tab := range active {
		if tab.Id != self.tabId {
			others += 1
			if tab.IsMaster {
				// an existing master is respected
				self.setMaster(false)
				return nil
			}
		}
	}
	if others == 0 {
		self.becomeMaster()
		return nil
	}

	info := self.selfInfo()
	for _, tab := range active {
		if tab.Id != self.tabId && tab.Before(info) {
			self.setMaster(false)
			return nil
		}
	}
	self.becomeMaster()
	return nil
}

func (self *TabCoordinator) becomeMaster() {
	self.setMaster(true)
	self.Broadcast(TabMessageMasterElection, self.selfInfo())
}

func (self *TabCoordinator) setMaster(isMaster bool) {
	changed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		changed := self.isMaster != isMaster
		self.isMaster = isMaster
		return changed
	}()
	if err := self.registry.PutTab(self.ctx, self.selfInfo()); err != nil {
		glog.Infof("[tab]%s registry error = %s\n", self.tabId, err)
	}
	if changed {
		glog.V(1).Infof("[tab]%s master=%t\n", self.tabId, isMaster)
		for _, callback := range self.masterChangeCallbacks.Get() {
			HandleError(func() {
				callback(isMaster)
			})
		}
	}
}

// checkMaster purges silent tabs, re-elects when there is no master,
// and resolves two masters by stepping down the later tab.
func (self *TabCoordinator) checkMaster() error {
	tabs, err := self.registry.AllTabs(self.ctx)
	if err != nil {
		return err
	}
	cutoff := nowMillis() - self.settings.TabTimeout.Milliseconds()
	info := self.selfInfo()
	var earliestOtherMaster *TabInfo
	for _, tab := range tabs {
		if tab.Id == self.tabId {
			continue
		}
		if tab.LastHeartbeat <= cutoff {
			glog.V(1).Infof("[tab]%s purge inactive %s\n", self.tabId, tab.Id)
			if err := self.registry.RemoveTab(self.ctx, tab.Id); err != nil {
				return err
			}
			continue
		}
		if tab.IsMaster && (earliestOtherMaster == nil || tab.Before(earliestOtherMaster)) {
			earliestOtherMaster = tab
		}
	}

	if earliestOtherMaster == nil {
		if !info.IsMaster {
			return self.electMaster()
		}
		return nil
	}
	if info.IsMaster && earliestOtherMaster.Before(info) {
		glog.V(1).Infof("[tab]%s step down for %s\n", self.tabId, earliestOtherMaster.Id)
		self.setMaster(false)
	}
	return nil
}

func (self *TabCoordinator) onMessage(message *TabMessage) {
	if message.SourceTabId == self.tabId {
		return
	}

	switch message.Type {
	case TabMessageMasterElection:
		var other TabInfo
		if err := message.DecodePayload(&other); err == nil && self.IsMaster() {
			if other.Before(self.selfInfo()) {
				glog.V(1).Infof("[tab]%s step down for %s\n", self.tabId, other.Id)
				self.setMaster(false)
			} else {
				// the other tab is later and must step down
				self.Broadcast(TabMessageMasterElection, self.selfInfo())
			}
		}
	case TabMessageTabLeft:
		var left tabLeftPayload
		if err := message.DecodePayload(&left); err == nil && left.WasMaster {
			HandleError(func() {
				if err := self.electMaster(); err != nil {
					glog.Infof("[tab]%s election error = %s\n", self.tabId, err)
				}
			})
		}
	}

	var handlers *CallbackList[TabMessageFunction]
	func() {
		self.handlersLock.Lock()
		defer self.handlersLock.Unlock()
		handlers = self.handlers[message.Type]
	}()
	if handlers != nil {
		for _, handler := range handlers.Get() {
			HandleError(func() {
				handler(message)
			})
		}
	}
}

// Broadcast posts to all sibling tabs. Errors are logged, delivery is best effort.
func (self *TabCoordinator) Broadcast(messageType TabMessageType, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	message := &TabMessage{
		Type:        messageType,
		Payload:     payloadBytes,
		SourceTabId: self.tabId,
		Timestamp:   nowMillis(),
	}
	postCtx, postCancel := context.WithTimeout(context.Background(), self.settings.PostTimeout)
	defer postCancel()
	if err := self.channel.Post(postCtx, message); err != nil {
		glog.Infof("[tab]%s broadcast %s error = %s\n", self.tabId, messageType, err)
		return err
	}
	glog.V(2).Infof("[tab]%s-> %s\n", self.tabId, messageType)
	return nil
}

// On returns an unsubscribe function.
func (self *TabCoordinator) On(messageType TabMessageType, handler TabMessageFunction) func() {
	self.handlersLock.Lock()
	defer self.handlersLock.Unlock()

	handlers, ok := self.handlers[messageType]
	if !ok {
		handlers = NewCallbackList[TabMessageFunction]()
		self.handlers[messageType] = handlers
	}
	handlerId := handlers.Add(handler)
	return func() {
		handlers.Remove(handlerId)
	}
}

func (self *TabCoordinator) AddMasterChangeCallback(callback func(isMaster bool)) func() {
	callbackId := self.masterChangeCallbacks.Add(callback)
	return func() {
		self.masterChangeCallbacks.Remove(callbackId)
	}
}

// Destroy removes this tab and tells siblings so they can re-elect without waiting for a timeout.
func (self *TabCoordinator) Destroy() {
	var wasMaster bool
	var unlisten func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		wasMaster = self.isMaster
		self.isMaster = false
		unlisten = self.unlisten
		self.unlisten = nil
	}()

	self.cancel()

	removeCtx, removeCancel := context.WithTimeout(context.Background(), self.settings.PostTimeout)
	defer removeCancel()
	if err := self.registry.RemoveTab(removeCtx, self.tabId); err != nil {
		glog.Infof("[tab]%s remove error = %s\n", self.tabId, err)
	}
	self.Broadcast(TabMessageTabLeft, &tabLeftPayload{
		WasMaster: wasMaster,
	})
	if unlisten != nil {
		unlisten()
	}
	glog.V(1).Infof("[tab]%s destroy\n", self.tabId)
}
