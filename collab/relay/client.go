package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/bringyour/collab/collab"
)

// one websocket connection to the relay
type client struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectionId collab.Id
	userId       string
	userName     string

	ws   *websocket.Conn
	send chan []byte

	log collab.LogFunction
}

func newClient(ctx context.Context, ws *websocket.Conn, userId string, userName string, sendBufferSize int) *client {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionId := collab.NewId()
	return &client{
		ctx:          cancelCtx,
		cancel:       cancel,
		connectionId: connectionId,
		userId:       userId,
		userName:     userName,
		ws:           ws,
		send:         make(chan []byte, sendBufferSize),
		log:          collab.SubLogFn(collab.LogFn(2, "relay"), connectionId.String()),
	}
}

// a slow client that fills its buffer is dropped
func (self *client) enqueue(frameBytes []byte) {
	select {
	case <-self.ctx.Done():
	case self.send <- frameBytes:
	default:
		glog.Infof("[relay]%s send buffer full, closing\n", self.connectionId)
		self.cancel()
	}
}

func (self *client) enqueueEvent(event string, data any) {
	frame, err := collab.NewFrame(event, data)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", event, err)
		return
	}
	self.enqueueFrame(frame)
}

func (self *client) enqueueFrame(frame *collab.Frame) {
	frameBytes, err := collab.EncodeFrame(frame)
	if err != nil {
		glog.Infof("[relay]encode %s error = %s\n", frame.Event, err)
		return
	}
	self.enqueue(frameBytes)
}

func (self *client) ack(frame *collab.Frame, data any, ackErr error) {
	if frame.Ack == 0 {
		return
	}
	ackFrame, err := collab.NewAckFrame(frame.Ack, data, ackErr)
	if err != nil {
		glog.Infof("[relay]encode ack error = %s\n", err)
		return
	}
	self.enqueueFrame(ackFrame)
}

func (self *client) writeLoop(writeTimeout time.Duration) {
	defer self.cancel()
	for {
		select {
		case <-self.ctx.Done():
			self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			self.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				glog.Infof("[relay]%s -> error = %s\n", self.connectionId, err)
				return
			}
			self.log("->")
		}
	}
}

// calls `handle` for each frame until the connection closes
func (self *client) readLoop(readTimeout time.Duration, handle func(frame *collab.Frame)) {
	defer self.cancel()
	for {
		if 0 < readTimeout {
			self.ws.SetReadDeadline(time.Now().Add(readTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if self.ctx.Err() == nil {
				glog.V(1).Infof("[relay]%s <- closed = %s\n", self.connectionId, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := collab.DecodeFrame(message)
		if err != nil {
			glog.Infof("[relay]%s <- bad frame = %s\n", self.connectionId, err)
			continue
		}
		self.log("<- %s", frame.Event)
		collab.HandleError(func() {
			handle(frame)
		})
	}
}

func decodeData(frame *collab.Frame, v any) error {
	return json.Unmarshal(frame.Data, v)
}
