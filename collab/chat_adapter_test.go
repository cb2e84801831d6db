package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func chatContents(chat *ChatAdapter) []string {
	contents := []string{}
	for _, message := range chat.Messages() {
		contents = append(contents, message.Content)
	}
	return contents
}

func TestChatSendAndRecall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	a := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))
	b := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), newTestBoltStore(t))

	aSettings := DefaultChatAdapterSettings()
	aSettings.Username = "alice"
	aChat := NewChatAdapter(ctx, a.orchestrator, "c1", aSettings)
	defer aChat.Close()
	bChat := NewChatAdapterWithDefaults(ctx, b.orchestrator, "c1")
	defer bChat.Close()

	received := make(chan *ChatMessage, 8)
	bChat.OnMessage(func(message *ChatMessage) {
		received <- message
	})

	for _, client := range []*testClient{a, b} {
		assert.Equal(t, client.connectionManager.Connect(ctx), nil)
		assert.Equal(t, client.orchestrator.JoinRoom(ctx, "c1", ModuleChat), nil)
	}

	message, err := aChat.SendMessage(ctx, "hi @bob", []string{"bob"}, "", nil)
	assert.Equal(t, err, nil)
	// applied locally before delivery
	assert.Equal(t, []string{"hi @bob"}, chatContents(aChat))

	select {
	case remote := <-received:
		assert.Equal(t, message.Id, remote.Id)
		assert.Equal(t, "alice", remote.Username)
		assert.Equal(t, []string{"bob"}, remote.Mentions)
		assert.Equal(t, ChatMessageTypeText, remote.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	file, err := aChat.SendMessage(ctx, "report", nil, message.Id, &ChatFileInfo{
		Name: "report.pdf",
		Size: 1024,
		Url:  "https://files/report.pdf",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ChatMessageTypeFile, file.MessageType)
	assert.Equal(t, message.Id, file.ReplyTo)

	assert.Equal(t, aChat.RecallMessage(ctx, message.Id), nil)
	ok := waitFor(2*time.Second, func() bool {
		messages := bChat.Messages()
		return len(messages) == 2 && messages[0].IsRecalled
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{"", "report"}, chatContents(bChat))

	assert.Equal(t, aChat.RecallMessage(ctx, "missing"), ErrMessageNotFound)
}

func TestChatSnapshotResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newTestServer()
	defer server.Close()

	store := newTestBoltStore(t)
	client := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), store)

	settings := DefaultChatAdapterSettings()
	settings.MaxMessages = 3
	chat := NewChatAdapter(ctx, client.orchestrator, "c1", settings)
	// offline sends are applied and queued
	for i := 0; i < 5; i += 1 {
		_, err := chat.SendMessage(ctx, fmt.Sprintf("m%d", i), nil, "", nil)
		assert.Equal(t, err, nil)
	}
	assert.Equal(t, 5, len(chat.Messages()))
	chat.Close()

	snapshot, err := client.storage.GetSnapshot(ctx, "c1")
	assert.Equal(t, err, nil)
	assert.Equal(t, ModuleChat, snapshot.Module)
	var cached []*ChatMessage
	assert.Equal(t, json.Unmarshal(snapshot.Data, &cached), nil)
	assert.Equal(t, 3, len(cached))

	resumed := newTestClient(t, ctx, server.url(), NewTabHub(), NewMemoryTabRegistry(), store)
	resumedChat := NewChatAdapter(ctx, resumed.orchestrator, "c1", settings)
	defer resumedChat.Close()
	assert.Equal(t, resumed.orchestrator.JoinRoom(ctx, "c1", ModuleChat), nil)
	assert.Equal(t, []string{"m2", "m3", "m4"}, chatContents(resumedChat))
}
