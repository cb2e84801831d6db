package collab

import (
	"encoding/json"
	"errors"
	"time"
)

type Module string

const (
	ModuleChat          Module = "chat"
	ModuleDocument      Module = "document"
	ModuleCollaboration Module = "collaboration"
	ModuleInquiry       Module = "inquiry"
)

type OperationType = string

const (
	OperationTypeUpdate    OperationType = "update"
	OperationTypeMessage   OperationType = "message"
	OperationTypeEdit      OperationType = "edit"
	OperationTypeAwareness OperationType = "awareness"
	OperationTypeSyncStep1 OperationType = "sync-step-1"
	OperationTypeSyncStep2 OperationType = "sync-step-2"
)

// immutable once created
type Operation struct {
	Id        string          `json:"id"`
	Module    Module          `json:"module"`
	RoomId    string          `json:"roomId"`
	Timestamp int64           `json:"timestamp"`
	ClientId  string          `json:"clientId"`
	Type      OperationType   `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewOperation(module Module, roomId string, clientId string, opType OperationType, data any) (*Operation, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	prefix := opType
	switch opType {
	case OperationTypeUpdate:
		prefix = "upd"
	case OperationTypeAwareness:
		prefix = "awr"
	case OperationTypeMessage:
		prefix = "msg"
	case OperationTypeSyncStep1, OperationTypeSyncStep2:
		prefix = "sync"
	}
	return &Operation{
		Id:        NewOperationId(prefix),
		Module:    module,
		RoomId:    roomId,
		Timestamp: nowMillis(),
		ClientId:  clientId,
		Type:      opType,
		Data:      dataBytes,
	}, nil
}

func (self *Operation) DecodeData(v any) error {
	if len(self.Data) == 0 {
		return errors.New("Operation has no data.")
	}
	return json.Unmarshal(self.Data, v)
}

func (self *Operation) IsAwareness() bool {
	return self.Type == OperationTypeAwareness
}

type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusSending   OperationStatus = "sending"
	OperationStatusSent      OperationStatus = "sent"
	OperationStatusConfirmed OperationStatus = "confirmed"
	OperationStatusFailed    OperationStatus = "failed"
)

// owned by the operation queue
// times are unix millis, 0 when unset
type OperationLogEntry struct {
	Operation     *Operation      `json:"operation"`
	Status        OperationStatus `json:"status"`
	Retries       int             `json:"retries"`
	CreatedAt     int64           `json:"createdAt"`
	SentAt        int64           `json:"sentAt,omitempty"`
	ConfirmedAt   int64           `json:"confirmedAt,omitempty"`
	LastAttemptAt int64           `json:"lastAttemptAt,omitempty"`
	// enqueue order within the queue that created the entry
	Sequence uint64 `json:"sequence"`
}

func (self *OperationLogEntry) Id() string {
	return self.Operation.Id
}

func (self *OperationLogEntry) RoomId() string {
	return self.Operation.RoomId
}

func (self *OperationLogEntry) Clone() *OperationLogEntry {
	entry := *self
	return &entry
}

func (self *OperationLogEntry) retryReady(now time.Time, retryDelay time.Duration) bool {
	if self.Retries == 0 || self.LastAttemptAt == 0 {
		return true
	}
	return retryDelay <= now.Sub(time.UnixMilli(self.LastAttemptAt))
}

type DataSnapshot struct {
	RoomId    string          `json:"roomId"`
	Module    Module          `json:"module"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Checksum  string          `json:"checksum,omitempty"`
}

type Draft struct {
	RoomId    string          `json:"roomId"`
	Module    Module          `json:"module"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}
