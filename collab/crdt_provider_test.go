package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/bringyour/collab/collab/crdt"
)

func testProviderSettings() *CrdtProviderSettings {
	settings := DefaultCrdtProviderSettings()
	settings.SnapshotDebounce = 20 * time.Millisecond
	return settings
}

func TestCrdtProviderReplicates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	a := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	b := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))

	aDoc := crdt.NewDoc()
	aAwareness := crdt.NewAwareness(aDoc)
	aProvider := NewCrdtProvider(ctx, a.orchestrator, "d1", ModuleDocument, aDoc, aAwareness, testProviderSettings())
	defer aProvider.Close()
	bDoc := crdt.NewDoc()
	bAwareness := crdt.NewAwareness(bDoc)
	bProvider := NewCrdtProvider(ctx, b.orchestrator, "d1", ModuleDocument, bDoc, bAwareness, testProviderSettings())
	defer bProvider.Close()

	for _, client := range []*testClient{a, b} {
		assert.Equal(t, client.connectionManager.Connect(ctx), nil)
		assert.Equal(t, client.orchestrator.JoinRoom(ctx, "d1", ModuleDocument), nil)
	}
	ok := waitFor(time.Second, func() bool {
		return aProvider.IsSynced() && bProvider.IsSynced()
	})
	assert.Equal(t, true, ok)

	aDoc.Text("body").Insert(0, "hello")
	ok = waitFor(2*time.Second, func() bool {
		return bDoc.Text("body").String() == "hello"
	})
	assert.Equal(t, true, ok)

	bDoc.Text("body").Insert(5, " world")
	ok = waitFor(2*time.Second, func() bool {
		return aDoc.Text("body").String() == "hello world"
	})
	assert.Equal(t, true, ok)

	// awareness is sent directly
	assert.Equal(t, bAwareness.SetLocalState(map[string]any{"cursor": 3}), nil)
	ok = waitFor(time.Second, func() bool {
		_, ok := aAwareness.States()[bDoc.ClientId()]
		return ok
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, `{"cursor":3}`, string(aAwareness.States()[bDoc.ClientId()]))
	// awareness never enters the durable queue
	for _, frame := range server.framesWithEvent(EventBatchOperations) {
		var batch BatchOperations
		assert.Equal(t, json.Unmarshal(frame.Data, &batch), nil)
		for _, operation := range batch.Operations {
			assert.NotEqual(t, OperationTypeAwareness, operation.Type)
		}
	}
}

func TestCrdtProviderBackfill(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	a := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	aDoc := crdt.NewDoc()
	aProvider := NewCrdtProvider(ctx, a.orchestrator, "d1", ModuleDocument, aDoc, nil, testProviderSettings())
	defer aProvider.Close()
	assert.Equal(t, a.connectionManager.Connect(ctx), nil)
	assert.Equal(t, a.orchestrator.JoinRoom(ctx, "d1", ModuleDocument), nil)
	ok := waitFor(time.Second, aProvider.IsSynced)
	assert.Equal(t, true, ok)

	// written before the second replica exists
	aDoc.Text("body").Insert(0, "early")
	ok = waitFor(time.Second, func() bool {
		return a.operationQueue.PendingCount() == 0
	})
	assert.Equal(t, true, ok)

	b := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	bDoc := crdt.NewDoc()
	bProvider := NewCrdtProvider(ctx, b.orchestrator, "d1", ModuleDocument, bDoc, nil, testProviderSettings())
	defer bProvider.Close()
	assert.Equal(t, b.connectionManager.Connect(ctx), nil)
	assert.Equal(t, b.orchestrator.JoinRoom(ctx, "d1", ModuleDocument), nil)

	// step 1 from b is answered by a with step 2
	ok = waitFor(2*time.Second, func() bool {
		return bDoc.Text("body").String() == "early"
	})
	assert.Equal(t, true, ok)
}

func TestCrdtProviderDropsBeforeSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	client := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	doc := crdt.NewDoc()
	provider := NewCrdtProvider(ctx, client.orchestrator, "d1", ModuleDocument, doc, nil, testProviderSettings())
	defer provider.Close()

	remote := crdt.NewDoc()
	remote.Text("body").Insert(0, "base")
	baseline := remote.EncodeUpdate()

	var updates [][]byte
	remote.OnUpdate(func(update []byte, origin any) {
		updates = append(updates, update)
	})
	remote.Text("body").Insert(4, "!")
	assert.Equal(t, 1, len(updates))

	remoteClientId := "remote"
	incremental, err := NewOperation(ModuleDocument, "d1", remoteClientId, OperationTypeUpdate, &crdtUpdateData{
		Update: base64.StdEncoding.EncodeToString(updates[0]),
	})
	assert.Equal(t, err, nil)

	// not synced, dropped
	provider.handleRemoteOperation(incremental)
	assert.Equal(t, "", doc.Text("body").String())

	// a bare base64 string state seeds the doc
	state, err := json.Marshal(base64.StdEncoding.EncodeToString(baseline))
	assert.Equal(t, err, nil)
	provider.HandleStateSync(state)
	assert.Equal(t, true, provider.IsSynced())
	assert.Equal(t, "base", doc.Text("body").String())

	provider.handleRemoteOperation(incremental)
	assert.Equal(t, "base!", doc.Text("body").String())

	// other rooms are ignored
	otherRoom := *incremental
	otherRoom.RoomId = "d2"
	otherRoom.Id = "other"
	provider.handleRemoteOperation(&otherRoom)
	assert.Equal(t, "base!", doc.Text("body").String())
}

func TestCrdtProviderBadStateStillSyncs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	client := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	doc := crdt.NewDoc()
	provider := NewCrdtProvider(ctx, client.orchestrator, "d1", ModuleDocument, doc, nil, testProviderSettings())
	defer provider.Close()

	syncs := 0
	provider.OnSync(func(synced bool) {
		syncs += 1
	})
	provider.HandleStateSync(json.RawMessage(`{"update":"not base64!"}`))
	assert.Equal(t, true, provider.IsSynced())
	provider.HandleStateSync(json.RawMessage(`null`))
	assert.Equal(t, 1, syncs)
}

func TestCrdtProviderSnapshotResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	store := newTestBoltStore(t)

	client := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), store)
	doc := crdt.NewDoc()
	provider := NewCrdtProvider(ctx, client.orchestrator, "d1", ModuleDocument, doc, nil, testProviderSettings())
	provider.MarkSynced()
	doc.Text("body").Insert(0, "persisted")

	var snapshot *DataSnapshot
	ok := waitFor(time.Second, func() bool {
		var err error
		snapshot, err = client.storage.GetSnapshot(ctx, "d1")
		return err == nil && snapshot != nil
	})
	assert.Equal(t, true, ok)
	var snapshotData crdtSnapshotData
	assert.Equal(t, json.Unmarshal(snapshot.Data, &snapshotData), nil)
	assert.Equal(t, crdtSnapshotFormat, snapshotData.Format)
	provider.Close()

	// a fresh replica resumes from the snapshot without a connection
	resumed := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), store)
	resumedDoc := crdt.NewDoc()
	resumedProvider := NewCrdtProvider(ctx, resumed.orchestrator, "d1", ModuleDocument, resumedDoc, nil, testProviderSettings())
	defer resumedProvider.Close()
	assert.Equal(t, resumed.orchestrator.JoinRoom(ctx, "d1", ModuleDocument), nil)
	assert.Equal(t, "persisted", resumedDoc.Text("body").String())
	assert.Equal(t, true, resumedProvider.IsSynced())
}
