package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
	"github.com/bringyour/collab/collab/crdt"
	"github.com/bringyour/collab/collab/relay"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
}

func main() {
	usage := `Collab control.

The default relay url is ws://127.0.0.1:8080/ws
The default state dir is $HOME/.collab

Usage:
    collabctl relay [--addr=<addr>] [--secret=<secret>] [--no_anonymous]
        [--redis=<redis_addr>]
        [--advertise=<instance>]
        [--v=<level>]
    collabctl discover [--timeout=<timeout>]
    collabctl token --secret=<secret> --user_id=<user_id>
        [--user_name=<user_name>]
        [--client_id=<client_id>]
    collabctl client-id --jwt=<jwt>
    collabctl chat send [--url=<url>] --jwt=<jwt> --room=<room_id>
        [--state_dir=<dir>] [--sqlite] [--tabs=<medium>] [--redis=<redis_addr>]
        [--username=<username>]
        [--v=<level>]
        <message>
    collabctl chat sink [--url=<url>] --jwt=<jwt> --room=<room_id>
        [--state_dir=<dir>] [--sqlite] [--tabs=<medium>] [--redis=<redis_addr>]
        [--message_count=<message_count>]
        [--v=<level>]
    collabctl doc append [--url=<url>] --jwt=<jwt> --room=<room_id>
        [--state_dir=<dir>] [--sqlite] [--tabs=<medium>] [--redis=<redis_addr>]
        [--text=<text_name>]
        [--wait=<wait>]
        [--v=<level>]
        <content>
    collabctl doc show [--url=<url>] --jwt=<jwt> --room=<room_id>
        [--state_dir=<dir>] [--sqlite] [--tabs=<medium>] [--redis=<redis_addr>]
        [--wait=<wait>]
        [--v=<level>]
    collabctl pending [--state_dir=<dir>] [--sqlite]
    collabctl drafts [--state_dir=<dir>] [--sqlite]
    collabctl cleanup [--state_dir=<dir>] [--sqlite] [--retention=<retention>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --addr=<addr>                    Relay listen address [default: :8080].
    --secret=<secret>                HS256 secret for client tokens.
    --no_anonymous                   Reject connections without a token.
    --redis=<redis_addr>             Redis address, to fan out across relays or share tabs.
    --advertise=<instance>           Advertise the relay over mDNS with this instance name.
    --timeout=<timeout>              Discovery time [default: 3s].
    --user_id=<user_id>
    --user_name=<user_name>
    --client_id=<client_id>
    --jwt=<jwt>                      Your client JWT.
    --url=<url>                      Relay websocket url.
    --room=<room_id>
    --state_dir=<dir>                Local store and tab registry.
    --sqlite                         Use the sqlite store instead of bolt.
    --tabs=<medium>                  Tab coordination: file, redis or memory [default: file].
    --username=<username>            Display name sent with messages.
    --message_count=<message_count>  Print this many messages then exit.
    --text=<text_name>               Text in the document [default: body].
    --wait=<wait>                    Time to receive the room before reading [default: 1s].
    --retention=<retention>          Remove confirmed operations older than this [default: 168h].
    --v=<level>                      Log verbosity.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if v, err := opts.String("--v"); err == nil && v != "" {
		flag.Set("v", v)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if discover_, _ := opts.Bool("discover"); discover_ {
		discover(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if chat_, _ := opts.Bool("chat"); chat_ {
		if send_, _ := opts.Bool("send"); send_ {
			chatSend(opts)
		} else if sink_, _ := opts.Bool("sink"); sink_ {
			chatSink(opts)
		}
	} else if doc_, _ := opts.Bool("doc"); doc_ {
		if append_, _ := opts.Bool("append"); append_ {
			docAppend(opts)
		} else if show_, _ := opts.Bool("show"); show_ {
			docShow(opts)
		}
	} else if pending_, _ := opts.Bool("pending"); pending_ {
		pending(opts)
	} else if drafts_, _ := opts.Bool("drafts"); drafts_ {
		drafts(opts)
	} else if cleanup_, _ := opts.Bool("cleanup"); cleanup_ {
		cleanup(opts)
	}
}

// cancels on interrupt
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func durationOpt(opts docopt.Opts, name string) time.Duration {
	value, _ := opts.String(name)
	d, err := time.ParseDuration(value)
	if err != nil {
		Err.Fatalf("%s: %s", name, err)
	}
	return d
}

func runRelay(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	addr, _ := opts.String("--addr")

	settings := relay.DefaultRelaySettings()
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		settings.JwtSecret = []byte(secret)
	}
	if noAnonymous, _ := opts.Bool("--no_anonymous"); noAnonymous {
		settings.AllowAnonymous = false
	}

	var redisClient *redis.Client
	if redisAddr, err := opts.String("--redis"); err == nil && redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			Err.Fatalf("redis %s: %s", redisAddr, err)
		}
	}

	server := relay.NewServer(ctx, redisClient, settings)
	defer server.Close()

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	if instance, err := opts.String("--advertise"); err == nil && instance != "" {
		port := listener.Addr().(*net.TCPAddr).Port
		shutdown, err := relay.Advertise(instance, port, "/ws")
		if err != nil {
			Err.Printf("advertise: %s", err)
		} else {
			defer shutdown()
		}
	}

	httpServer := &http.Server{
		Handler: server.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	Out.Printf("relay listening on %s", listener.Addr())
	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("%s", err)
	}
}

func discover(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	relays, err := relay.Discover(ctx, durationOpt(opts, "--timeout"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, r := range relays {
		Out.Printf("%s %s", r.Instance, r.Url())
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	userId, _ := opts.String("--user_id")
	userName, _ := opts.String("--user_name")
	clientId, _ := opts.String("--client_id")
	if clientId == "" {
		clientId = collab.NewId().String()
	}

	signed, err := relay.SignToken([]byte(secret), userId, userName, clientId)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", signed)
}

func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")
	clientId, err := collab.ClientIdFromJwt(jwt)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", clientId)
}

func stateDir(opts docopt.Opts) string {
	if dir, err := opts.String("--state_dir"); err == nil && dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return filepath.Join(home, ".collab")
}

func openStore(ctx context.Context, opts docopt.Opts) collab.LocalStore {
	dir := stateDir(opts)
	if err := os.MkdirAll(dir, 0700); err != nil {
		Err.Fatalf("%s", err)
	}
	if sqlite, _ := opts.Bool("--sqlite"); sqlite {
		store, err := collab.OpenSqliteStore(ctx, filepath.Join(dir, "collab.sqlite"))
		if err != nil {
			Err.Fatalf("%s", err)
		}
		return store
	}
	store, err := collab.OpenBoltStore(filepath.Join(dir, "collab.db"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	return store
}

func openTabs(ctx context.Context, opts docopt.Opts) (collab.TabRegistry, collab.TabChannel) {
	medium, _ := opts.String("--tabs")
	switch medium {
	case "memory":
		return collab.NewMemoryTabRegistry(), collab.NewTabHub().Open("collab")
	case "redis":
		redisAddr, _ := opts.String("--redis")
		if redisAddr == "" {
			Err.Fatalf("--tabs=redis needs --redis")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		return collab.NewRedisTabRegistry(redisClient, "collab"), collab.NewRedisTabChannel(ctx, redisClient, "collab")
	default:
		tabDir := filepath.Join(stateDir(opts), "tabs")
		registry, err := collab.OpenFileTabRegistry(tabDir)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		channel, err := collab.OpenFileTabChannelWithDefaults(ctx, tabDir)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		return registry, channel
	}
}

// a connected client joined to the room
type session struct {
	store  collab.LocalStore
	client *collab.SyncClient
}

func openSession(ctx context.Context, opts docopt.Opts) *session {
	url, _ := opts.String("--url")
	if url == "" {
		url = "ws://127.0.0.1:8080/ws"
	}
	jwt, _ := opts.String("--jwt")

	store := openStore(ctx, opts)
	registry, channel := openTabs(ctx, opts)

	settings := collab.DefaultSyncClientSettings()
	settings.ConnectionSettings.AutoConnect = false
	client, err := collab.NewSyncClient(ctx, url, jwt, store, registry, channel, settings)
	if err != nil {
		store.Close()
		Err.Fatalf("%s", err)
	}
	return &session{
		store:  store,
		client: client,
	}
}

func (self *session) join(ctx context.Context, roomId string, module collab.Module) {
	if err := self.client.ConnectionManager.Connect(ctx); err != nil {
		self.Close()
		Err.Fatalf("connect: %s", err)
	}
	if err := self.client.Orchestrator.JoinRoom(ctx, roomId, module); err != nil {
		Err.Printf("join: %s", err)
	}
}

// waits for the queue to drain, up to the timeout
func (self *session) drain(ctx context.Context, timeout time.Duration) bool {
	endTime := time.Now().Add(timeout)
	for self.client.OperationQueue.PendingCount() != 0 {
		if endTime.Before(time.Now()) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return true
}

func (self *session) Close() {
	self.client.Close()
	self.store.Close()
}

func chatSend(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	roomId, _ := opts.String("--room")
	message, _ := opts.String("<message>")

	s := openSession(ctx, opts)
	defer s.Close()

	settings := collab.DefaultChatAdapterSettings()
	if username, err := opts.String("--username"); err == nil {
		settings.Username = username
	}
	chat := collab.NewChatAdapter(ctx, s.client.Orchestrator, roomId, settings)
	defer chat.Close()

	s.join(ctx, roomId, collab.ModuleChat)

	sent, err := chat.SendMessage(ctx, message, nil, "", nil)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if !s.drain(ctx, 10*time.Second) {
		// the message stays queued and is sent on the next run
		Err.Printf("%s not confirmed", sent.Id)
		return
	}
	Out.Printf("%s", sent.Id)
}

func chatSink(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	roomId, _ := opts.String("--room")
	messageCount := -1
	if messageCountStr, err := opts.String("--message_count"); err == nil && messageCountStr != "" {
		messageCount, err = strconv.Atoi(messageCountStr)
		if err != nil {
			Err.Fatalf("--message_count: %s", err)
		}
	}

	s := openSession(ctx, opts)
	defer s.Close()

	chat := collab.NewChatAdapterWithDefaults(ctx, s.client.Orchestrator, roomId)
	defer chat.Close()

	messages := make(chan *collab.ChatMessage, 32)
	chat.OnMessage(func(message *collab.ChatMessage) {
		select {
		case messages <- message:
		case <-ctx.Done():
		}
	})

	s.join(ctx, roomId, collab.ModuleChat)

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		select {
		case <-ctx.Done():
			return
		case message := <-messages:
			if message.IsRecalled {
				Out.Printf("[%s] %s recalled %s", message.Timestamp.Format(time.RFC3339), message.Username, message.Id)
			} else {
				Out.Printf("[%s] %s: %s", message.Timestamp.Format(time.RFC3339), message.Username, message.Content)
			}
		}
	}
}

// a document provider that has received the room
func openDoc(ctx context.Context, opts docopt.Opts) (*session, *crdt.Doc, *collab.CrdtProvider) {
	roomId, _ := opts.String("--room")

	s := openSession(ctx, opts)
	doc := crdt.NewDoc()
	provider := collab.NewCrdtProviderWithDefaults(ctx, s.client.Orchestrator, roomId, collab.ModuleDocument, doc, nil)

	s.join(ctx, roomId, collab.ModuleDocument)

	endTime := time.Now().Add(10 * time.Second)
	for !provider.IsSynced() {
		if endTime.Before(time.Now()) {
			Err.Printf("%s not synced", roomId)
			break
		}
		select {
		case <-ctx.Done():
			return s, doc, provider
		case <-time.After(50 * time.Millisecond):
		}
	}
	// replayed operations follow the ready event
	select {
	case <-ctx.Done():
	case <-time.After(durationOpt(opts, "--wait")):
	}
	return s, doc, provider
}

func docAppend(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	textName, _ := opts.String("--text")
	content, _ := opts.String("<content>")

	s, doc, provider := openDoc(ctx, opts)
	defer s.Close()
	defer provider.Close()

	text := doc.Text(textName)
	text.Insert(text.Len(), content)

	if !s.drain(ctx, 10*time.Second) {
		Err.Printf("update not confirmed")
	}
	Out.Printf("%s", text.String())
}

func docShow(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	s, doc, provider := openDoc(ctx, opts)
	defer s.Close()
	defer provider.Close()

	docJson, err := doc.ToJSON()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	var v any
	if err := json.Unmarshal(docJson, &v); err != nil {
		Err.Fatalf("%s", err)
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	Out.Printf("%s", pretty)
}

func pending(opts docopt.Opts) {
	ctx := context.Background()
	store := openStore(ctx, opts)
	defer store.Close()

	entries, err := store.GetPendingOperations(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, entry := range entries {
		Out.Printf(
			"%s %s %s %s retries=%d created=%s",
			entry.Id(),
			entry.RoomId(),
			entry.Operation.Type,
			entry.Status,
			entry.Retries,
			time.UnixMilli(entry.CreatedAt).Format(time.RFC3339),
		)
	}
}

func drafts(opts docopt.Opts) {
	ctx := context.Background()
	store := openStore(ctx, opts)
	defer store.Close()

	drafts, err := store.ListDrafts(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, draft := range drafts {
		Out.Printf(
			"%s %s %s %s",
			draft.RoomId,
			draft.Module,
			time.UnixMilli(draft.Timestamp).Format(time.RFC3339),
			draft.Data,
		)
	}
}

func cleanup(opts docopt.Opts) {
	ctx := context.Background()
	store := openStore(ctx, opts)
	defer store.Close()

	settings := collab.DefaultStorageSettings()
	settings.OperationRetention = durationOpt(opts, "--retention")
	storage := collab.NewStorageManager(ctx, store, settings)
	defer storage.Close()

	count, err := storage.Cleanup(ctx)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("removed %d", count)
}
