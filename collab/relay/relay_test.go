package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
	"github.com/bringyour/collab/collab/crdt"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

var testSecret = []byte("relay-test-secret")

func waitFor(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestRelay(t *testing.T, ctx context.Context, redisClient *redis.Client) (*Server, *httptest.Server) {
	settings := DefaultRelaySettings()
	settings.JwtSecret = testSecret
	settings.AllowAnonymous = false
	server := NewServer(ctx, redisClient, settings)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Close()
		httpServer.Close()
	})
	return server, httpServer
}

func wsUrl(httpServer *httptest.Server) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
}

func newTestSyncClient(t *testing.T, ctx context.Context, url string, clientId string) *collab.SyncClient {
	token, err := SignToken(testSecret, clientId, strings.ToUpper(clientId[:1])+clientId[1:], clientId)
	assert.Equal(t, err, nil)

	store, err := collab.OpenBoltStore(filepath.Join(t.TempDir(), "collab.db"))
	assert.Equal(t, err, nil)

	settings := collab.DefaultSyncClientSettings()
	settings.ConnectionSettings.AutoConnect = false
	settings.OperationQueueSettings.BatchInterval = 10 * time.Millisecond
	settings.OperationQueueSettings.RetryDelay = 10 * time.Millisecond
	settings.SyncOrchestratorSettings.SettleDelay = 10 * time.Millisecond

	client, err := collab.NewSyncClient(
		ctx,
		url,
		token,
		store,
		collab.NewMemoryTabRegistry(),
		collab.NewTabHub().Open("collab"),
		settings,
	)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		client.Close()
		store.Close()
	})
	return client
}

func connectAndJoin(t *testing.T, ctx context.Context, client *collab.SyncClient, roomId string, module collab.Module) {
	assert.Equal(t, client.ConnectionManager.Connect(ctx), nil)
	assert.Equal(t, client.Orchestrator.JoinRoom(ctx, roomId, module), nil)
}

func TestRelayChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, httpServer := newTestRelay(t, ctx, nil)

	alice := newTestSyncClient(t, ctx, wsUrl(httpServer), "alice")
	bob := newTestSyncClient(t, ctx, wsUrl(httpServer), "bob")
	assert.Equal(t, "alice", alice.Orchestrator.ClientId())

	aliceSettings := collab.DefaultChatAdapterSettings()
	aliceSettings.Username = "Alice"
	aliceChat := collab.NewChatAdapter(ctx, alice.Orchestrator, "c1", aliceSettings)
	defer aliceChat.Close()
	bobChat := collab.NewChatAdapterWithDefaults(ctx, bob.Orchestrator, "c1")
	defer bobChat.Close()

	connectAndJoin(t, ctx, alice, "c1", collab.ModuleChat)
	connectAndJoin(t, ctx, bob, "c1", collab.ModuleChat)

	// alice sees bob join
	ok := waitFor(2*time.Second, func() bool {
		users := alice.Orchestrator.RoomUsers("c1")
		return len(users) == 1 && users[0].UserId == "bob"
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, "Bob", alice.Orchestrator.RoomUsers("c1")[0].UserName)

	message, err := aliceChat.SendMessage(ctx, "hello bob", []string{"bob"}, "", nil)
	assert.Equal(t, err, nil)

	ok = waitFor(2*time.Second, func() bool {
		return len(bobChat.Messages()) == 1
	})
	assert.Equal(t, true, ok)
	received := bobChat.Messages()[0]
	assert.Equal(t, message.Id, received.Id)
	assert.Equal(t, "alice", received.UserId)
	assert.Equal(t, "Alice", received.Username)
	assert.Equal(t, "hello bob", received.Content)

	// confirmed by the relay ack
	ok = waitFor(2*time.Second, func() bool {
		return alice.OperationQueue.PendingCount() == 0
	})
	assert.Equal(t, true, ok)
	status, _ := alice.OperationQueue.Status(message.Id)
	assert.Equal(t, collab.OperationStatusConfirmed, status)

	operations := server.Hub().RoomOperations("c1")
	assert.Equal(t, 1, len(operations))
	assert.Equal(t, message.Id, operations[0].Id)

	// typing is relayed with the authenticated id
	typing := make(chan *collab.RoomUser, 1)
	alice.Orchestrator.Events().On(collab.ModuleChat, collab.SyncEventTyping, func(event *collab.SyncEvent) {
		select {
		case typing <- event.User:
		default:
		}
	})
	assert.Equal(t, bob.Orchestrator.SendTyping("c1", true), nil)
	select {
	case user := <-typing:
		assert.Equal(t, "bob", user.UserId)
	case <-time.After(2 * time.Second):
		t.Fatal("no typing event")
	}

	bob.Orchestrator.LeaveRoom("c1", collab.ModuleChat)
	ok = waitFor(2*time.Second, func() bool {
		return len(alice.Orchestrator.RoomUsers("c1")) == 0
	})
	assert.Equal(t, true, ok)
}

func TestRelayReplayOnJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, httpServer := newTestRelay(t, ctx, nil)

	alice := newTestSyncClient(t, ctx, wsUrl(httpServer), "alice")
	aliceChat := collab.NewChatAdapterWithDefaults(ctx, alice.Orchestrator, "c1")
	defer aliceChat.Close()
	connectAndJoin(t, ctx, alice, "c1", collab.ModuleChat)

	for _, content := range []string{"one", "two"} {
		_, err := aliceChat.SendMessage(ctx, content, nil, "", nil)
		assert.Equal(t, err, nil)
	}
	ok := waitFor(2*time.Second, func() bool {
		return alice.OperationQueue.PendingCount() == 0
	})
	assert.Equal(t, true, ok)

	bob := newTestSyncClient(t, ctx, wsUrl(httpServer), "bob")
	bobChat := collab.NewChatAdapterWithDefaults(ctx, bob.Orchestrator, "c1")
	defer bobChat.Close()
	connectAndJoin(t, ctx, bob, "c1", collab.ModuleChat)

	ok = waitFor(2*time.Second, func() bool {
		return len(bobChat.Messages()) == 2
	})
	assert.Equal(t, true, ok)
	messages := bobChat.Messages()
	assert.Equal(t, "one", messages[0].Content)
	assert.Equal(t, "two", messages[1].Content)
}

func TestRelayDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, httpServer := newTestRelay(t, ctx, nil)

	alice := newTestSyncClient(t, ctx, wsUrl(httpServer), "alice")
	bob := newTestSyncClient(t, ctx, wsUrl(httpServer), "bob")

	aliceDoc := crdt.NewDoc()
	aliceProvider := collab.NewCrdtProviderWithDefaults(ctx, alice.Orchestrator, "d1", collab.ModuleDocument, aliceDoc, nil)
	defer aliceProvider.Close()
	bobDoc := crdt.NewDoc()
	bobProvider := collab.NewCrdtProviderWithDefaults(ctx, bob.Orchestrator, "d1", collab.ModuleDocument, bobDoc, nil)
	defer bobProvider.Close()

	connectAndJoin(t, ctx, alice, "d1", collab.ModuleDocument)
	ok := waitFor(2*time.Second, aliceProvider.IsSynced)
	assert.Equal(t, true, ok)
	aliceDoc.Text("body").Insert(0, "shared")
	aliceDoc.Map("meta").Set("title", "notes")

	// bob catches up from the replayed log
	connectAndJoin(t, ctx, bob, "d1", collab.ModuleDocument)
	ok = waitFor(2*time.Second, func() bool {
		return bobDoc.Text("body").String() == "shared"
	})
	assert.Equal(t, true, ok)

	bobDoc.Text("body").Insert(0, "> ")
	ok = waitFor(2*time.Second, func() bool {
		return aliceDoc.Text("body").String() == "> shared"
	})
	assert.Equal(t, true, ok)
	title, _ := bobDoc.Map("meta").Get("title")
	assert.Equal(t, `"notes"`, string(title))
}

func TestRelayUnauthorized(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, httpServer := newTestRelay(t, ctx, nil)

	_, response, err := websocket.DefaultDialer.Dial(wsUrl(httpServer), nil)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	forged, err := SignToken([]byte("other-secret"), "mallory", "", "mallory")
	assert.Equal(t, err, nil)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+forged)
	_, response, err = websocket.DefaultDialer.Dial(wsUrl(httpServer), header)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, http.StatusUnauthorized, response.StatusCode)

	token, err := SignToken(testSecret, "alice", "", "")
	assert.Equal(t, err, nil)
	ws, _, err := websocket.DefaultDialer.Dial(wsUrl(httpServer)+"?token="+token, nil)
	assert.Equal(t, err, nil)
	ws.Close()
}

func TestRelayHttpOperations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, httpServer := newTestRelay(t, ctx, nil)

	bob := newTestSyncClient(t, ctx, wsUrl(httpServer), "bob")
	bobChat := collab.NewChatAdapterWithDefaults(ctx, bob.Orchestrator, "c1")
	defer bobChat.Close()
	connectAndJoin(t, ctx, bob, "c1", collab.ModuleChat)

	token, err := SignToken(testSecret, "agent", "Agent", "agent")
	assert.Equal(t, err, nil)
	post := func(roomId string, operations ...*collab.Operation) *http.Response {
		body, err := json.Marshal(&collab.BatchOperations{Operations: operations})
		assert.Equal(t, err, nil)
		request, err := http.NewRequest(http.MethodPost, httpServer.URL+"/rooms/"+roomId+"/operations", bytes.NewReader(body))
		assert.Equal(t, err, nil)
		request.Header.Set("Authorization", "Bearer "+token)
		response, err := http.DefaultClient.Do(request)
		assert.Equal(t, err, nil)
		return response
	}

	operation, err := collab.NewOperation(collab.ModuleChat, "c1", "agent", collab.OperationTypeMessage, &collab.ChatOperationData{
		MessageId: "m1",
		Content:   "from http",
		Sender:    &collab.ChatSender{Username: "Agent"},
	})
	assert.Equal(t, err, nil)

	response := post("c1", operation)
	defer response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)
	var ack collab.BatchOperationsAck
	assert.Equal(t, json.NewDecoder(response.Body).Decode(&ack), nil)
	assert.Equal(t, true, ack.Success)
	assert.Equal(t, []string{operation.Id}, ack.Confirmed)

	ok := waitFor(2*time.Second, func() bool {
		return len(bobChat.Messages()) == 1
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, "Agent", bobChat.Messages()[0].Username)

	wrongRoom := post("c2", operation)
	defer wrongRoom.Body.Close()
	assert.Equal(t, http.StatusBadRequest, wrongRoom.StatusCode)

	getResponse, err := http.Get(httpServer.URL + "/rooms/c1/operations")
	assert.Equal(t, err, nil)
	defer getResponse.Body.Close()
	var batch collab.BatchOperations
	assert.Equal(t, json.NewDecoder(getResponse.Body).Decode(&batch), nil)
	assert.Equal(t, 1, len(batch.Operations))

	healthResponse, err := http.Get(httpServer.URL + "/health")
	assert.Equal(t, err, nil)
	defer healthResponse.Body.Close()
	var health map[string]any
	assert.Equal(t, json.NewDecoder(healthResponse.Body).Decode(&health), nil)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["clients"])
}

// requires a redis server, e.g. `COLLAB_TEST_REDIS=localhost:6379`
func TestRelayRedisFanOut(t *testing.T) {
	redisAddr := os.Getenv("COLLAB_TEST_REDIS")
	if redisAddr == "" {
		t.Skip("COLLAB_TEST_REDIS not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()

	_, httpServerA := newTestRelay(t, ctx, redisClient)
	_, httpServerB := newTestRelay(t, ctx, redisClient)

	alice := newTestSyncClient(t, ctx, wsUrl(httpServerA), "alice")
	bob := newTestSyncClient(t, ctx, wsUrl(httpServerB), "bob")
	aliceChat := collab.NewChatAdapterWithDefaults(ctx, alice.Orchestrator, "c1")
	defer aliceChat.Close()
	bobChat := collab.NewChatAdapterWithDefaults(ctx, bob.Orchestrator, "c1")
	defer bobChat.Close()

	connectAndJoin(t, ctx, alice, "c1", collab.ModuleChat)
	connectAndJoin(t, ctx, bob, "c1", collab.ModuleChat)

	_, err := aliceChat.SendMessage(ctx, "across instances", nil, "", nil)
	assert.Equal(t, err, nil)
	ok := waitFor(2*time.Second, func() bool {
		return len(bobChat.Messages()) == 1
	})
	assert.Equal(t, true, ok)
}
