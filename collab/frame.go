package collab

import (
	"encoding/json"
	"fmt"
)

// Transport events. Client to server:
//     join_room, leave_room, operation, batch-operations (ack), typing, stop_typing, ping
// Server to client:
//     operation, batch-operations, room-state, sync_ready, error,
//     user_joined, user_left, typing, stop_typing, pong
const (
	EventJoinRoom        = "join_room"
	EventLeaveRoom       = "leave_room"
	EventOperation       = "operation"
	EventBatchOperations = "batch-operations"
	EventRoomState       = "room-state"
	EventSyncReady       = "sync_ready"
	EventError           = "error"
	EventUserJoined      = "user_joined"
	EventUserLeft        = "user_left"
	EventTyping          = "typing"
	EventStopTyping      = "stop_typing"
	EventPing            = "ping"
	EventPong            = "pong"
	EventAck             = "ack"
)

// A frame is one websocket text message.
// A request that wants a response sets `ack` to a non-zero id.
// The response is an `ack` frame with the same id.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Error string          `json:"error,omitempty"`
}

func NewFrame(event string, data any) (*Frame, error) {
	frame := &Frame{
		Event: event,
	}
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		frame.Data = dataBytes
	}
	return frame, nil
}

func NewAckFrame(ack uint64, data any, ackErr error) (*Frame, error) {
	frame, err := NewFrame(EventAck, data)
	if err != nil {
		return nil, err
	}
	frame.Ack = ack
	if ackErr != nil {
		frame.Error = ackErr.Error()
	}
	return frame, nil
}

func EncodeFrame(frame *Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func DecodeFrame(b []byte) (*Frame, error) {
	frame := &Frame{}
	if err := json.Unmarshal(b, frame); err != nil {
		return nil, err
	}
	if frame.Event == "" {
		return nil, fmt.Errorf("Frame has no event.")
	}
	return frame, nil
}

type RoomRef struct {
	RoomId string `json:"roomId"`
	Module Module `json:"module"`
}

type BatchOperations struct {
	Operations []*Operation `json:"operations"`
}

type BatchOperationsAck struct {
	Success bool `json:"success"`
	// a subset of the batch. Empty confirms the whole batch.
	Confirmed []string `json:"confirmed,omitempty"`
}

type RoomState struct {
	RoomId string          `json:"roomId"`
	Module Module          `json:"module"`
	State  json.RawMessage `json:"state"`
}

type RoomUser struct {
	RoomId   string `json:"roomId"`
	UserId   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type ServerError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (self *ServerError) Error() string {
	if self.Code != "" {
		return fmt.Sprintf("%s (%s)", self.Message, self.Code)
	}
	return self.Message
}
