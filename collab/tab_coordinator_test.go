package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testTabSettings() *TabCoordinatorSettings {
	settings := DefaultTabCoordinatorSettings()
	settings.HeartbeatInterval = 20 * time.Millisecond
	settings.TabTimeout = 100 * time.Millisecond
	settings.MasterCheckInterval = 40 * time.Millisecond
	return settings
}

func masterCount(tabs ...*TabCoordinator) int {
	count := 0
	for _, tab := range tabs {
		if tab.IsMaster() {
			count += 1
		}
	}
	return count
}

func TestTabSingleMaster(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewMemoryTabRegistry()
	hub := NewTabHub()

	tabs := []*TabCoordinator{}
	for i := 0; i < 3; i += 1 {
		tab := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
		assert.Equal(t, tab.Init(), nil)
		tabs = append(tabs, tab)
		// distinct creation times
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, true, tabs[0].IsMaster())
	assert.Equal(t, 1, masterCount(tabs...))

	// still one master after several check intervals
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, true, tabs[0].IsMaster())
	assert.Equal(t, 1, masterCount(tabs...))

	tabs[0].Destroy()
	remaining := tabs[1:]
	ok := waitFor(time.Second, func() bool {
		return masterCount(remaining...) == 1
	})
	assert.Equal(t, true, ok)
	// the earliest remaining tab wins
	assert.Equal(t, true, remaining[0].IsMaster())

	allTabs, err := registry.AllTabs(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(allTabs))

	for _, tab := range remaining {
		tab.Destroy()
	}
}

func TestTabMasterTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewMemoryTabRegistry()
	hub := NewTabHub()

	a := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, a.Init(), nil)
	time.Sleep(2 * time.Millisecond)
	b := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, b.Init(), nil)
	assert.Equal(t, true, a.IsMaster())
	assert.Equal(t, false, b.IsMaster())

	// a stops without leaving, e.g. the process was killed
	a.cancel()
	a.unlisten()

	ok := waitFor(2*time.Second, func() bool {
		return b.IsMaster()
	})
	assert.Equal(t, true, ok)

	// the silent tab was purged
	allTabs, err := registry.AllTabs(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(allTabs))
	assert.Equal(t, b.TabId(), allTabs[0].Id)

	b.Destroy()
}

func TestTabMasterConflict(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewMemoryTabRegistry()
	hub := NewTabHub()

	a := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, a.Init(), nil)
	time.Sleep(2 * time.Millisecond)
	b := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, b.Init(), nil)

	// both believe they are master
	b.setMaster(true)
	assert.Equal(t, 2, masterCount(a, b))

	// the later tab steps down
	ok := waitFor(time.Second, func() bool {
		return masterCount(a, b) == 1
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, true, a.IsMaster())

	a.Destroy()
	b.Destroy()
}

func TestTabBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewMemoryTabRegistry()
	hub := NewTabHub()

	a := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, a.Init(), nil)
	b := NewTabCoordinator(ctx, registry, hub.Open("collab"), testTabSettings())
	assert.Equal(t, b.Init(), nil)

	var stateLock sync.Mutex
	aReceived := []string{}
	bReceived := []string{}
	a.On(TabMessageSyncOperation, func(message *TabMessage) {
		var op Operation
		message.DecodePayload(&op)
		stateLock.Lock()
		defer stateLock.Unlock()
		aReceived = append(aReceived, op.Id)
	})
	unsubscribe := b.On(TabMessageSyncOperation, func(message *TabMessage) {
		var op Operation
		message.DecodePayload(&op)
		stateLock.Lock()
		defer stateLock.Unlock()
		bReceived = append(bReceived, op.Id)
	})

	op, err := NewOperation(ModuleChat, "r1", "c1", OperationTypeMessage, "hi")
	assert.Equal(t, err, nil)
	assert.Equal(t, a.Broadcast(TabMessageSyncOperation, op), nil)

	ok := waitFor(time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(bReceived) == 1
	})
	assert.Equal(t, true, ok)

	unsubscribe()
	assert.Equal(t, b.Broadcast(TabMessageSyncOperation, op), nil)
	ok = waitFor(time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(aReceived) == 1
	})
	assert.Equal(t, true, ok)

	time.Sleep(20 * time.Millisecond)
	stateLock.Lock()
	// a tab never receives its own messages, and b unsubscribed
	assert.Equal(t, 1, len(aReceived))
	assert.Equal(t, 1, len(bReceived))
	stateLock.Unlock()

	a.Destroy()
	b.Destroy()
}
