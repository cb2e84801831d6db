package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/bringyour/collab/collab"
)

type RelaySettings struct {
	WriteTimeout time.Duration
	// clients ping on an interval, so a silent connection is dead
	ReadTimeout    time.Duration
	SendBufferSize int
	// operations kept per room for replay on join
	MaxRoomOperations int
	// when set, tokens must be HS256 signed with this secret
	JwtSecret      []byte
	AllowAnonymous bool
	// pub/sub prefix when fanning out through redis
	RedisPrefix string
	MaxBodySize int64
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       90 * time.Second,
		SendBufferSize:    256,
		MaxRoomOperations: 1000,
		AllowAnonymous:    true,
		RedisPrefix:       "collab:relay",
		MaxBodySize:       4 * 1024 * 1024,
	}
}

// redis fan-out message
type relayEnvelope struct {
	Origin string          `json:"origin"`
	RoomId string          `json:"roomId"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Server is a websocket relay for sync clients.
// Rooms live in memory. With redis, frames fan out across relay instances.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	instanceId  collab.Id
	hub         *Hub
	redisClient *redis.Client
	upgrader    websocket.Upgrader
	router      *mux.Router

	settings *RelaySettings
}

func NewServerWithDefaults(ctx context.Context) *Server {
	return NewServer(ctx, nil, DefaultRelaySettings())
}

// `redisClient` may be nil for a single instance
func NewServer(ctx context.Context, redisClient *redis.Client, settings *RelaySettings) *Server {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &Server{
		ctx:         cancelCtx,
		cancel:      cancel,
		instanceId:  collab.NewId(),
		hub:         NewHub(cancelCtx, settings),
		redisClient: redisClient,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		settings: settings,
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", server.serveWs).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}/operations", server.getOperations).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomId}/operations", server.postOperations).Methods(http.MethodPost)
	router.HandleFunc("/health", server.health).Methods(http.MethodGet)
	server.router = router

	if redisClient != nil {
		server.subscribeRedis()
	}
	return server
}

func (self *Server) Hub() *Hub {
	return self.hub
}

func (self *Server) Handler() http.Handler {
	return self.router
}

func (self *Server) Close() {
	self.cancel()
}

func (self *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(r, self.settings)
	if err != nil {
		glog.Infof("[relay]auth error = %s\n", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}

	c := newClient(self.ctx, ws, user.userId, user.userName, self.settings.SendBufferSize)
	glog.V(1).Infof("[relay]%s connected as %s\n", c.connectionId, c.userId)
	self.hub.addClient(c)

	go func() {
		<-c.ctx.Done()
		ws.Close()
	}()
	go c.writeLoop(self.settings.WriteTimeout)

	c.readLoop(self.settings.ReadTimeout, func(frame *collab.Frame) {
		self.handleFrame(c, frame)
	})

	self.hub.removeClient(c)
	glog.V(1).Infof("[relay]%s disconnected\n", c.connectionId)
}

func (self *Server) handleFrame(c *client, frame *collab.Frame) {
	switch frame.Event {
	case collab.EventPing:
		c.enqueueFrame(&collab.Frame{Event: collab.EventPong})

	case collab.EventJoinRoom:
		var ref collab.RoomRef
		if err := decodeData(frame, &ref); err != nil || ref.RoomId == "" {
			self.sendError(c, frame, "Invalid room")
			return
		}
		self.hub.join(c, &ref)
		c.ack(frame, &ref, nil)

	case collab.EventLeaveRoom:
		var ref collab.RoomRef
		if err := decodeData(frame, &ref); err != nil {
			return
		}
		self.hub.leave(c, ref.RoomId)
		c.ack(frame, &ref, nil)

	case collab.EventOperation:
		operation := &collab.Operation{}
		if err := decodeData(frame, operation); err != nil || operation.Id == "" {
			self.sendError(c, frame, "Invalid operation")
			return
		}
		accepted := self.hub.appendOperations([]*collab.Operation{operation})
		if len(accepted) == 0 {
			return
		}
		self.fanOut(operation.RoomId, &collab.Frame{Event: collab.EventOperation, Data: frame.Data}, c)

	case collab.EventBatchOperations:
		var batch collab.BatchOperations
		if err := decodeData(frame, &batch); err != nil {
			c.ack(frame, &collab.BatchOperationsAck{Success: false}, err)
			return
		}
		confirmed := []string{}
		for _, operation := range batch.Operations {
			confirmed = append(confirmed, operation.Id)
		}
		// duplicates are confirmed again but not fanned out
		accepted := self.hub.appendOperations(batch.Operations)
		c.ack(frame, &collab.BatchOperationsAck{Success: true, Confirmed: confirmed}, nil)
		glog.V(1).Infof("[relay]%s batch of %d (%d new)\n", c.connectionId, len(batch.Operations), len(accepted))
		self.fanOutOperations(accepted, c)

	case collab.EventTyping, collab.EventStopTyping:
		user := &collab.RoomUser{}
		if err := decodeData(frame, user); err != nil || user.RoomId == "" {
			return
		}
		if !self.hub.isMember(c, user.RoomId) {
			return
		}
		user.UserId = c.userId
		user.UserName = c.userName
		typingFrame, err := collab.NewFrame(frame.Event, user)
		if err != nil {
			return
		}
		self.fanOut(user.RoomId, typingFrame, c)

	default:
		glog.V(2).Infof("[relay]%s unknown event %s\n", c.connectionId, frame.Event)
		c.ack(frame, nil, fmt.Errorf("Unknown event %s", frame.Event))
	}
}

func (self *Server) sendError(c *client, frame *collab.Frame, message string) {
	if frame.Ack != 0 {
		c.ack(frame, nil, errors.New(message))
		return
	}
	c.enqueueEvent(collab.EventError, &collab.ServerError{Message: message, Code: "bad_request"})
}

// sends new operations as one batch per room
func (self *Server) fanOutOperations(operations []*collab.Operation, except *client) {
	roomIds, byRoom := operationsByRoom(operations)
	for _, roomId := range roomIds {
		frame, err := collab.NewFrame(collab.EventBatchOperations, &collab.BatchOperations{
			Operations: byRoom[roomId],
		})
		if err != nil {
			continue
		}
		self.fanOut(roomId, frame, except)
	}
}

// delivers to local members and, with redis, to other relay instances
func (self *Server) fanOut(roomId string, frame *collab.Frame, except *client) {
	self.hub.broadcastFrame(roomId, frame, except)
	if self.redisClient == nil {
		return
	}
	envelope, err := json.Marshal(&relayEnvelope{
		Origin: self.instanceId.String(),
		RoomId: roomId,
		Event:  frame.Event,
		Data:   frame.Data,
	})
	if err != nil {
		return
	}
	if err := self.redisClient.Publish(self.ctx, self.redisRoomChannel(roomId), envelope).Err(); err != nil {
		glog.Infof("[relay]redis publish %s error = %s\n", roomId, err)
	}
}

func (self *Server) redisRoomChannel(roomId string) string {
	return fmt.Sprintf("%s:room:%s", self.settings.RedisPrefix, roomId)
}

func (self *Server) subscribeRedis() {
	pubsub := self.redisClient.PSubscribe(self.ctx, self.redisRoomChannel("*"))
	// frames published after the server is created are delivered
	if _, err := pubsub.Receive(self.ctx); err != nil {
		glog.Infof("[relay]redis subscribe error = %s\n", err)
	}
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-self.ctx.Done():
				return
			case m, ok := <-messages:
				if !ok {
					return
				}
				var envelope relayEnvelope
				if err := json.Unmarshal([]byte(m.Payload), &envelope); err != nil {
					glog.Infof("[relay]redis bad message = %s\n", err)
					continue
				}
				if envelope.Origin == self.instanceId.String() {
					continue
				}
				collab.HandleError(func() {
					self.deliverRemote(&envelope)
				})
			}
		}
	}()
}

// frames from other instances go to every local member
func (self *Server) deliverRemote(envelope *relayEnvelope) {
	frame := &collab.Frame{Event: envelope.Event, Data: envelope.Data}
	switch envelope.Event {
	case collab.EventOperation:
		operation := &collab.Operation{}
		if err := json.Unmarshal(envelope.Data, operation); err != nil {
			return
		}
		if len(self.hub.appendOperations([]*collab.Operation{operation})) == 0 {
			return
		}
	case collab.EventBatchOperations:
		var batch collab.BatchOperations
		if err := json.Unmarshal(envelope.Data, &batch); err != nil {
			return
		}
		accepted := self.hub.appendOperations(batch.Operations)
		if len(accepted) == 0 {
			return
		}
		var err error
		frame, err = collab.NewFrame(collab.EventBatchOperations, &collab.BatchOperations{Operations: accepted})
		if err != nil {
			return
		}
	}
	glog.V(2).Infof("[relay]remote %s for %s\n", envelope.Event, envelope.RoomId)
	self.hub.broadcastFrame(envelope.RoomId, frame, nil)
}

func writeJson(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Infof("[relay]write response error = %s\n", err)
	}
}

func (self *Server) getOperations(w http.ResponseWriter, r *http.Request) {
	roomId := mux.Vars(r)["roomId"]
	writeJson(w, http.StatusOK, &collab.BatchOperations{
		Operations: self.hub.RoomOperations(roomId),
	})
}

// postOperations accepts operations from http clients, e.g. agents without a websocket.
func (self *Server) postOperations(w http.ResponseWriter, r *http.Request) {
	if _, err := authenticate(r, self.settings); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	roomId := mux.Vars(r)["roomId"]

	var batch collab.BatchOperations
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, self.settings.MaxBodySize)).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	confirmed := []string{}
	for _, operation := range batch.Operations {
		if operation.Id == "" || operation.RoomId != roomId {
			http.Error(w, fmt.Sprintf("Operation does not belong to room %s", roomId), http.StatusBadRequest)
			return
		}
		if operation.Timestamp == 0 {
			operation.Timestamp = time.Now().UnixMilli()
		}
		confirmed = append(confirmed, operation.Id)
	}

	accepted := self.hub.appendOperations(batch.Operations)
	self.fanOutOperations(accepted, nil)
	glog.V(1).Infof("[relay]http batch of %d for %s\n", len(batch.Operations), roomId)
	writeJson(w, http.StatusOK, &collab.BatchOperationsAck{Success: true, Confirmed: confirmed})
}

type healthResponse struct {
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
	Clients int    `json:"clients"`
}

func (self *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, &healthResponse{
		Status:  "ok",
		Rooms:   len(self.hub.RoomIds()),
		Clients: self.hub.ClientCount(),
	})
}
