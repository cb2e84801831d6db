package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ChatFileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Url      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
}

// explicit sender info, e.g. for agents that are not room users
type ChatSender struct {
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

// data of `message` and `edit` operations
type ChatOperationData struct {
	MessageId  string        `json:"messageId"`
	Content    string        `json:"content"`
	Mentions   []string      `json:"mentions,omitempty"`
	FileInfo   *ChatFileInfo `json:"fileInfo,omitempty"`
	ReplyTo    string        `json:"replyTo,omitempty"`
	IsRecalled bool          `json:"isRecalled,omitempty"`
	Sender     *ChatSender   `json:"sender,omitempty"`
}

type ChatMessageType string

const (
	ChatMessageTypeText ChatMessageType = "text"
	ChatMessageTypeFile ChatMessageType = "file"
)

type ChatMessage struct {
	Id          string          `json:"id"`
	UserId      string          `json:"user_id"`
	Username    string          `json:"username"`
	AvatarUrl   string          `json:"avatar_url,omitempty"`
	Content     string          `json:"content"`
	MessageType ChatMessageType `json:"message_type"`
	Mentions    []string        `json:"mentions"`
	Timestamp   time.Time       `json:"timestamp"`
	FileInfo    *ChatFileInfo   `json:"file_info,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	IsRecalled  bool            `json:"is_recalled,omitempty"`
}

var ErrMessageNotFound = errors.New("Message not found")

type ChatAdapterSettings struct {
	// messages kept in the room snapshot
	MaxMessages  int
	StoreTimeout time.Duration
	// sent as the explicit sender when set
	Username string
}

func DefaultChatAdapterSettings() *ChatAdapterSettings {
	return &ChatAdapterSettings{
		MaxMessages:  100,
		StoreTimeout: 5 * time.Second,
	}
}

// ChatAdapter keeps the message list of one chat room in sync.
type ChatAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc

	orchestrator *SyncOrchestrator
	roomId       string
	settings     *ChatAdapterSettings

	stateLock sync.Mutex
	messages  []*ChatMessage

	messageCallbacks *CallbackList[func(message *ChatMessage)]
	unsubscribes     []func()
}

func NewChatAdapterWithDefaults(ctx context.Context, orchestrator *SyncOrchestrator, roomId string) *ChatAdapter {
	return NewChatAdapter(ctx, orchestrator, roomId, DefaultChatAdapterSettings())
}

func NewChatAdapter(ctx context.Context, orchestrator *SyncOrchestrator, roomId string, settings *ChatAdapterSettings) *ChatAdapter {
	cancelCtx, cancel := context.WithCancel(ctx)
	chat := &ChatAdapter{
		ctx:              cancelCtx,
		cancel:           cancel,
		orchestrator:     orchestrator,
		roomId:           roomId,
		settings:         settings,
		messages:         []*ChatMessage{},
		messageCallbacks: NewCallbackList[func(message *ChatMessage)](),
	}
	events := orchestrator.Events()
	chat.unsubscribes = append(chat.unsubscribes,
		events.OnOperation(ModuleChat, chat.handleOperation),
		events.OnState(ModuleChat, chat.handleState),
	)
	return chat
}

func (self *ChatAdapter) RoomId() string {
	return self.roomId
}

// OnMessage is called for each new or changed message. Returns an unsubscribe function.
func (self *ChatAdapter) OnMessage(callback func(message *ChatMessage)) func() {
	callbackId := self.messageCallbacks.Add(callback)
	return func() {
		self.messageCallbacks.Remove(callbackId)
	}
}

// Messages in timestamp order.
func (self *ChatAdapter) Messages() []*ChatMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	messages := []*ChatMessage{}
	for _, message := range self.messages {
		messageCopy := *message
		messages = append(messages, &messageCopy)
	}
	return messages
}

func (self *ChatAdapter) sender() *ChatSender {
	if self.settings.Username == "" {
		return nil
	}
	return &ChatSender{Username: self.settings.Username}
}

// SendMessage applies the message locally and queues it. `fileInfo` may be nil.
func (self *ChatAdapter) SendMessage(
	ctx context.Context,
	content string,
	mentions []string,
	replyTo string,
	fileInfo *ChatFileInfo,
) (*ChatMessage, error) {
	messageId := NewOperationId("msg")
	data, err := json.Marshal(&ChatOperationData{
		MessageId: messageId,
		Content:   content,
		Mentions:  mentions,
		FileInfo:  fileInfo,
		ReplyTo:   replyTo,
		Sender:    self.sender(),
	})
	if err != nil {
		return nil, err
	}
	operation := &Operation{
		Id:        messageId,
		Module:    ModuleChat,
		RoomId:    self.roomId,
		Timestamp: nowMillis(),
		ClientId:  self.orchestrator.ClientId(),
		Type:      OperationTypeMessage,
		Data:      data,
	}
	if _, err := self.orchestrator.SendOperation(ctx, operation); err != nil {
		return nil, err
	}
	return self.message(messageId)
}

// RecallMessage blanks a message for every member of the room.
func (self *ChatAdapter) RecallMessage(ctx context.Context, messageId string) error {
	if _, err := self.message(messageId); err != nil {
		return err
	}
	data, err := json.Marshal(&ChatOperationData{
		MessageId:  messageId,
		IsRecalled: true,
		Sender:     self.sender(),
	})
	if err != nil {
		return err
	}
	operation := &Operation{
		Id:        fmt.Sprintf("recall-%s", messageId),
		Module:    ModuleChat,
		RoomId:    self.roomId,
		Timestamp: nowMillis(),
		ClientId:  self.orchestrator.ClientId(),
		Type:      OperationTypeEdit,
		Data:      data,
	}
	_, err = self.orchestrator.SendOperation(ctx, operation)
	return err
}

func (self *ChatAdapter) message(messageId string) (*ChatMessage, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	i := slices.IndexFunc(self.messages, func(message *ChatMessage) bool {
		return message.Id == messageId
	})
	if i < 0 {
		return nil, ErrMessageNotFound
	}
	messageCopy := *self.messages[i]
	return &messageCopy, nil
}

func (self *ChatAdapter) senderName(operation *Operation, data *ChatOperationData) string {
	if data.Sender != nil && data.Sender.Username != "" {
		return data.Sender.Username
	}
	for _, user := range self.orchestrator.RoomUsers(self.roomId) {
		if user.UserId == operation.ClientId && user.UserName != "" {
			return user.UserName
		}
	}
	prefix := operation.ClientId
	if 4 < len(prefix) {
		prefix = prefix[:4]
	}
	return fmt.Sprintf("User %s", prefix)
}

func (self *ChatAdapter) handleOperation(operation *Operation) {
	if operation.RoomId != self.roomId {
		return
	}
	var data ChatOperationData
	if err := operation.DecodeData(&data); err != nil {
		glog.Infof("[chat]%s bad operation %s = %s\n", self.roomId, operation.Id, err)
		return
	}
	if data.MessageId == "" {
		data.MessageId = operation.Id
	}

	var changed *ChatMessage
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		i := slices.IndexFunc(self.messages, func(message *ChatMessage) bool {
			return message.Id == data.MessageId
		})

		switch operation.Type {
		case OperationTypeMessage:
			message := &ChatMessage{
				Id:          data.MessageId,
				UserId:      operation.ClientId,
				Username:    self.senderName(operation, &data),
				Content:     data.Content,
				MessageType: ChatMessageTypeText,
				Mentions:    data.Mentions,
				Timestamp:   time.UnixMilli(operation.Timestamp).UTC(),
				FileInfo:    data.FileInfo,
				ReplyTo:     data.ReplyTo,
			}
			if message.Mentions == nil {
				message.Mentions = []string{}
			}
			if data.Sender != nil {
				message.AvatarUrl = data.Sender.Avatar
			}
			if data.FileInfo != nil {
				message.MessageType = ChatMessageTypeFile
			}
			if 0 <= i {
				self.messages[i] = message
			} else {
				self.messages = append(self.messages, message)
				sortChatMessages(self.messages)
			}
			changed = message
		case OperationTypeEdit:
			if i < 0 {
				glog.V(1).Infof("[chat]%s edit of unknown message %s\n", self.roomId, data.MessageId)
				return
			}
			message := *self.messages[i]
			if data.IsRecalled {
				message.IsRecalled = true
				message.Content = ""
				message.FileInfo = nil
				message.MessageType = ChatMessageTypeText
			} else {
				message.Content = data.Content
			}
			self.messages[i] = &message
			changed = &message
		}
	}()
	if changed == nil {
		return
	}

	glog.V(2).Infof("[chat]%s %s %s\n", self.roomId, operation.Type, changed.Id)
	for _, callback := range self.messageCallbacks.Get() {
		messageCopy := *changed
		HandleError(func() {
			callback(&messageCopy)
		})
	}
	self.saveMessages()
}

// restores cached messages from a snapshot or draft
func (self *ChatAdapter) handleState(roomId string, state json.RawMessage, source StateSource) {
	if roomId != self.roomId {
		return
	}
	var cached []*ChatMessage
	if err := json.Unmarshal(state, &cached); err != nil {
		glog.Infof("[chat]%s bad %s state = %s\n", self.roomId, source, err)
		return
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		for _, message := range cached {
			exists := slices.ContainsFunc(self.messages, func(current *ChatMessage) bool {
				return current.Id == message.Id
			})
			if !exists {
				self.messages = append(self.messages, message)
			}
		}
		sortChatMessages(self.messages)
	}()
	glog.V(1).Infof("[chat]%s restored %d messages from %s\n", self.roomId, len(cached), source)
}

// keeps the most recent messages as the room snapshot
func (self *ChatAdapter) saveMessages() {
	var recent []*ChatMessage
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		start := max(0, len(self.messages)-self.settings.MaxMessages)
		recent = slices.Clone(self.messages[start:])
	}()

	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	if err := self.orchestrator.SaveSnapshot(storeCtx, self.roomId, ModuleChat, recent); err != nil {
		glog.Infof("[chat]%s save messages error = %s\n", self.roomId, err)
	}
}

func (self *ChatAdapter) Close() {
	for _, unsubscribe := range self.unsubscribes {
		unsubscribe()
	}
	self.cancel()
}

func sortChatMessages(messages []*ChatMessage) {
	slices.SortStableFunc(messages, func(a *ChatMessage, b *ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
