package collab

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func TestFileTabChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	settings := DefaultFileTabChannelSettings()
	settings.Linger = 200 * time.Millisecond

	a, err := OpenFileTabChannel(ctx, dir, settings)
	assert.Equal(t, err, nil)
	defer a.Close()
	b, err := OpenFileTabChannel(ctx, dir, settings)
	assert.Equal(t, err, nil)
	defer b.Close()

	var stateLock sync.Mutex
	received := []TabMessageType{}
	b.Listen(func(message *TabMessage) {
		stateLock.Lock()
		defer stateLock.Unlock()
		received = append(received, message.Type)
	})

	for _, messageType := range []TabMessageType{TabMessageHeartbeat, TabMessageTabJoined} {
		err := a.Post(ctx, &TabMessage{
			Type:        messageType,
			SourceTabId: "tab_1_1",
			Timestamp:   nowMillis(),
		})
		assert.Equal(t, err, nil)
	}

	ok := waitFor(2*time.Second, func() bool {
		stateLock.Lock()
		defer stateLock.Unlock()
		return len(received) == 2
	})
	assert.Equal(t, true, ok)

	// message files are removed after the linger
	ok = waitFor(2*time.Second, func() bool {
		entries, err := os.ReadDir(filepath.Join(dir, "messages"))
		return err == nil && len(entries) == 0
	})
	assert.Equal(t, true, ok)

	stateLock.Lock()
	// each message is delivered once even with both create and write events
	assert.Equal(t, 2, len(received))
	stateLock.Unlock()
}

func TestFileTabRegistry(t *testing.T) {
	ctx := context.Background()
	registry, err := OpenFileTabRegistry(t.TempDir())
	assert.Equal(t, err, nil)

	assert.Equal(t, registry.PutTab(ctx, &TabInfo{Id: "tab_1_1", CreatedAt: 1, LastHeartbeat: 1}), nil)
	assert.Equal(t, registry.PutTab(ctx, &TabInfo{Id: "tab_2_2", CreatedAt: 2, LastHeartbeat: 2, IsMaster: true}), nil)
	assert.Equal(t, registry.PutTab(ctx, &TabInfo{Id: "tab_2_2", CreatedAt: 2, LastHeartbeat: 3, IsMaster: true}), nil)

	tabs, err := registry.AllTabs(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(tabs))

	assert.Equal(t, registry.RemoveTab(ctx, "tab_1_1"), nil)
	// removing a missing tab is not an error
	assert.Equal(t, registry.RemoveTab(ctx, "tab_1_1"), nil)
	tabs, err = registry.AllTabs(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, len(tabs))
	assert.Equal(t, int64(3), tabs[0].LastHeartbeat)
}

func TestFileTabCoordinator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	registry, err := OpenFileTabRegistry(dir)
	assert.Equal(t, err, nil)

	tabs := []*TabCoordinator{}
	for i := 0; i < 2; i += 1 {
		channel, err := OpenFileTabChannelWithDefaults(ctx, dir)
		assert.Equal(t, err, nil)
		defer channel.Close()
		tab := NewTabCoordinator(ctx, registry, channel, testTabSettings())
		assert.Equal(t, tab.Init(), nil)
		tabs = append(tabs, tab)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, masterCount(tabs...))
	assert.Equal(t, true, tabs[0].IsMaster())

	tabs[0].Destroy()
	ok := waitFor(2*time.Second, func() bool {
		return tabs[1].IsMaster()
	})
	assert.Equal(t, true, ok)
	tabs[1].Destroy()
}

// requires a redis server, e.g. `COLLAB_TEST_REDIS=localhost:6379`
func TestRedisTabCoordinator(t *testing.T) {
	redisAddr := os.Getenv("COLLAB_TEST_REDIS")
	if redisAddr == "" {
		t.Skip("COLLAB_TEST_REDIS not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()

	name := NewId().String()
	registry := NewRedisTabRegistry(client, name)
	defer client.Del(ctx, redisTabRegistryKey(name))

	tabs := []*TabCoordinator{}
	for i := 0; i < 3; i += 1 {
		channel := NewRedisTabChannel(ctx, client, name)
		defer channel.Close()
		tab := NewTabCoordinator(ctx, registry, channel, testTabSettings())
		assert.Equal(t, tab.Init(), nil)
		tabs = append(tabs, tab)
		time.Sleep(2 * time.Millisecond)
	}
	assert.Equal(t, 1, masterCount(tabs...))

	tabs[0].Destroy()
	ok := waitFor(2*time.Second, func() bool {
		return masterCount(tabs[1:]...) == 1
	})
	assert.Equal(t, true, ok)
	for _, tab := range tabs[1:] {
		tab.Destroy()
	}
}
