package collab

import (
	"context"
)

type SyncClientSettings struct {
	TabCoordinatorSettings   *TabCoordinatorSettings
	ConnectionSettings       *ConnectionSettings
	OperationQueueSettings   *OperationQueueSettings
	StorageSettings          *StorageSettings
	SyncOrchestratorSettings *SyncOrchestratorSettings
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		TabCoordinatorSettings:   DefaultTabCoordinatorSettings(),
		ConnectionSettings:       DefaultConnectionSettings(),
		OperationQueueSettings:   DefaultOperationQueueSettings(),
		StorageSettings:          DefaultStorageSettings(),
		SyncOrchestratorSettings: DefaultSyncOrchestratorSettings(),
	}
}

// SyncClient is the full client stack for one tab or process.
type SyncClient struct {
	Tabs              *TabCoordinator
	ConnectionManager *ConnectionManager
	OperationQueue    *OperationQueue
	Storage           *StorageManager
	Orchestrator      *SyncOrchestrator
}

func NewSyncClientWithDefaults(
	ctx context.Context,
	url string,
	token string,
	store LocalStore,
	registry TabRegistry,
	channel TabChannel,
) (*SyncClient, error) {
	return NewSyncClient(ctx, url, token, store, registry, channel, DefaultSyncClientSettings())
}

// NewSyncClient wires and initializes the components.
// The store is owned by the caller and is not closed with the client.
func NewSyncClient(
	ctx context.Context,
	url string,
	token string,
	store LocalStore,
	registry TabRegistry,
	channel TabChannel,
	settings *SyncClientSettings,
) (*SyncClient, error) {
	tabs := NewTabCoordinator(ctx, registry, channel, settings.TabCoordinatorSettings)
	connectionManager := NewConnectionManager(ctx, url, token, settings.ConnectionSettings)
	operationQueue := NewOperationQueue(ctx, store, settings.OperationQueueSettings)
	storage := NewStorageManager(ctx, store, settings.StorageSettings)
	orchestrator := NewSyncOrchestrator(
		ctx,
		tabs,
		connectionManager,
		operationQueue,
		storage,
		settings.SyncOrchestratorSettings,
	)
	if err := orchestrator.Init(ctx); err != nil {
		orchestrator.Close()
		storage.Close()
		return nil, err
	}
	return &SyncClient{
		Tabs:              tabs,
		ConnectionManager: connectionManager,
		OperationQueue:    operationQueue,
		Storage:           storage,
		Orchestrator:      orchestrator,
	}, nil
}

func (self *SyncClient) Close() {
	self.Orchestrator.Close()
	self.Storage.Close()
}
