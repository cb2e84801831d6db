package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("Not connected")
var ErrRequestTimeout = errors.New("Request timeout")
var ErrReconnectFailed = errors.New("Reconnect failed")

type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusReconnecting ConnectionStatus = "reconnecting"
	ConnectionStatusError        ConnectionStatus = "error"
)

type ConnectionEventType = string

const (
	ConnectionEventStatusChanged ConnectionEventType = "status-changed"
	ConnectionEventConnected     ConnectionEventType = "connected"
	ConnectionEventDisconnected  ConnectionEventType = "disconnected"
	ConnectionEventReconnecting  ConnectionEventType = "reconnecting"
	ConnectionEventError         ConnectionEventType = "error"
	ConnectionEventMessage       ConnectionEventType = "message"
)

type ConnectionEvent struct {
	Type ConnectionEventType

	// status-changed
	OldStatus ConnectionStatus
	NewStatus ConnectionStatus
	// reconnecting
	Attempt int
	// error
	Err error
	// message
	Event string
	Data  json.RawMessage
}

type ConnectionEventFunction func(event *ConnectionEvent)

type DialFunction func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

// AckError is the error a server attached to an ack.
type AckError struct {
	Message string
}

func (self *AckError) Error() string {
	return self.Message
}

type ConnectionSettings struct {
	// initial reconnect backoff
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	AutoConnect          bool
	AckTimeout           time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	SendBufferSize       int
	// optional, defaults to a websocket dialer
	Dial DialFunction
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		ReconnectDelay:       2 * time.Second,
		MaxReconnectDelay:    30 * time.Second,
		MaxReconnectAttempts: 20,
		HeartbeatInterval:    30 * time.Second,
		HeartbeatTimeout:     20 * time.Second,
		AutoConnect:          true,
		AckTimeout:           5 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		WriteTimeout:         5 * time.Second,
		SendBufferSize:       32,
	}
}

// one open websocket
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc
	ws     *websocket.Conn
	send   chan []byte
	pong   chan struct{}
	// pending acks, guarded by the manager state lock
	acks map[uint64]chan *Frame
}

// ConnectionManager owns the single persistent connection to the server.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string

	stateLock sync.Mutex
	token     string
	status    ConnectionStatus
	lastErr   error
	// cancels the current run loop, nil when stopped
	runCancel context.CancelFunc
	conn      *connection
	nextAck   uint64

	statusMonitor *Monitor

	listenersLock sync.Mutex
	listeners     map[ConnectionEventType]*CallbackList[ConnectionEventFunction]

	settings *ConnectionSettings
}

func NewConnectionManagerWithDefaults(ctx context.Context, url string, token string) *ConnectionManager {
	return NewConnectionManager(ctx, url, token, DefaultConnectionSettings())
}

func NewConnectionManager(ctx context.Context, url string, token string, settings *ConnectionSettings) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionManager := &ConnectionManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		url:           url,
		token:         token,
		status:        ConnectionStatusDisconnected,
		statusMonitor: NewMonitor(),
		listeners:     map[ConnectionEventType]*CallbackList[ConnectionEventFunction]{},
		settings:      settings,
	}
	if settings.AutoConnect && token != "" {
		connectionManager.start()
	}
	return connectionManager
}

func (self *ConnectionManager) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *ConnectionManager) IsConnected() bool {
	return self.Status() == ConnectionStatusConnected
}

// the error that moved the status to `error`
func (self *ConnectionManager) LastError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastErr
}

func (self *ConnectionManager) ClientId() string {
	self.stateLock.Lock()
	token := self.token
	self.stateLock.Unlock()
	clientId, _ := ClientIdFromJwt(token)
	return clientId
}

// AddEventListener returns an unsubscribe function.
func (self *ConnectionManager) AddEventListener(eventType ConnectionEventType, listener ConnectionEventFunction) func() {
	self.listenersLock.Lock()
	defer self.listenersLock.Unlock()

	listeners, ok := self.listeners[eventType]
	if !ok {
		listeners = NewCallbackList[ConnectionEventFunction]()
		self.listeners[eventType] = listeners
	}
	listenerId := listeners.Add(listener)
	return func() {
		listeners.Remove(listenerId)
	}
}

func (self *ConnectionManager) emit(event *ConnectionEvent) {
	var listeners *CallbackList[ConnectionEventFunction]
	func() {
		self.listenersLock.Lock()
		defer self.listenersLock.Unlock()
		listeners = self.listeners[event.Type]
	}()
	if listeners == nil {
		return
	}
	for _, listener := range listeners.Get() {
		HandleError(func() {
			listener(event)
		})
	}
}

func (self *ConnectionManager) setStatus(status ConnectionStatus, err error) {
	oldStatus, changed := func() (ConnectionStatus, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		oldStatus := self.status
		self.status = status
		if status == ConnectionStatusError {
			self.lastErr = err
		} else if status == ConnectionStatusConnected {
			self.lastErr = nil
		}
		return oldStatus, oldStatus != status
	}()
	if !changed {
		return
	}
	// waiters wake after the listeners ran
	defer self.statusMonitor.NotifyAll()

	glog.V(1).Infof("[cm]%s -> %s\n", oldStatus, status)
	self.emit(&ConnectionEvent{
		Type:      ConnectionEventStatusChanged,
		OldStatus: oldStatus,
		NewStatus: status,
	})
	switch status {
	case ConnectionStatusConnected:
		self.emit(&ConnectionEvent{Type: ConnectionEventConnected})
	case ConnectionStatusDisconnected:
		self.emit(&ConnectionEvent{Type: ConnectionEventDisconnected})
	case ConnectionStatusError:
		self.emit(&ConnectionEvent{Type: ConnectionEventError, Err: err})
	}
}

// starts the run loop if it is not running
func (self *ConnectionManager) start() {
	runCtx, runCancel := func() (context.Context, context.CancelFunc) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.runCancel != nil {
			return nil, nil
		}
		runCtx, runCancel := context.WithCancel(self.ctx)
		self.runCancel = runCancel
		return runCtx, runCancel
	}()
	if runCtx == nil {
		return
	}
	self.setStatus(ConnectionStatusConnecting, nil)
	go func() {
		defer runCancel()
		self.run(runCtx)
	}()
}

func (self *ConnectionManager) running() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.runCancel != nil
}

// marks the run loop stopped when it exits on its own
func (self *ConnectionManager) runDone(runCtx context.Context) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if runCtx.Err() == nil {
		self.runCancel = nil
	}
}

// stops the run loop and closes the connection
func (self *ConnectionManager) stop() {
	var runCancel context.CancelFunc
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		runCancel = self.runCancel
		self.runCancel = nil
	}()
	if runCancel != nil {
		runCancel()
	}
}

// Connect starts connecting and waits until connected.
// Returns the error if reconnect attempts run out first.
func (self *ConnectionManager) Connect(ctx context.Context) error {
	if self.IsConnected() {
		return nil
	}
	self.start()
	for {
		notify := self.statusMonitor.NotifyChannel()
		switch self.Status() {
		case ConnectionStatusConnected:
			return nil
		case ConnectionStatusError:
			if err := self.LastError(); err != nil {
				return err
			}
			return ErrReconnectFailed
		case ConnectionStatusDisconnected:
			if !self.running() {
				// disconnected by another caller
				return ErrNotConnected
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrNotConnected
		case <-notify:
		}
	}
}

// Disconnect closes the connection and does not reconnect.
func (self *ConnectionManager) Disconnect() {
	self.stop()
	self.setStatus(ConnectionStatusDisconnected, nil)
}

// SetToken replaces the credential. The credential is only sent when a connection opens,
// so an active connection is closed and opened again.
func (self *ConnectionManager) SetToken(token string) {
	running := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.token = token
		return self.runCancel != nil
	}()
	if running {
		glog.V(1).Infof("[cm]token changed, reconnecting\n")
		self.stop()
		self.setStatus(ConnectionStatusDisconnected, nil)
		self.start()
	}
}

func (self *ConnectionManager) newBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = self.settings.ReconnectDelay
	exponential.MaxInterval = self.settings.MaxReconnectDelay
	// attempts are capped by count, not elapsed time
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return backoff.WithMaxRetries(exponential, uint64(self.settings.MaxReconnectAttempts))
}

func (self *ConnectionManager) run(runCtx context.Context) {
	reconnect := self.newBackOff()
	attempt := 0

	for {
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[cm]connect %s", self.url), func() (*websocket.Conn, error) {
				return self.dial(runCtx)
			})
		} else {
			ws, err = self.dial(runCtx)
		}
		if runCtx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}
		if err != nil {
			glog.Infof("[cm]connect error (attempt %d) = %s\n", attempt, err)
			self.emit(&ConnectionEvent{Type: ConnectionEventError, Err: err})
		} else {
			reconnect.Reset()
			attempt = 0
			self.handle(runCtx, ws)
			if runCtx.Err() != nil {
				return
			}
		}

		delay := reconnect.NextBackOff()
		if delay == backoff.Stop {
			glog.Infof("[cm]reconnect failed after %d attempts\n", attempt)
			self.runDone(runCtx)
			self.setStatus(ConnectionStatusError, ErrReconnectFailed)
			return
		}
		attempt += 1
		if runCtx.Err() != nil {
			return
		}
		self.setStatus(ConnectionStatusReconnecting, nil)
		self.emit(&ConnectionEvent{
			Type:    ConnectionEventReconnecting,
			Attempt: attempt,
		})
		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (self *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	self.stateLock.Lock()
	token := self.token
	self.stateLock.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.HandshakeTimeout)
	defer dialCancel()

	if self.settings.Dial != nil {
		return self.settings.Dial(dialCtx, self.url, header)
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(dialCtx, self.url, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("Unauthorized: %w", err)
		}
		return nil, err
	}
	return ws, nil
}

// handle runs one open connection until it closes
func (self *ConnectionManager) handle(runCtx context.Context, ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	conn := &connection{
		ctx:    handleCtx,
		cancel: handleCancel,
		ws:     ws,
		send:   make(chan []byte, self.settings.SendBufferSize),
		pong:   make(chan struct{}, 1),
		acks:   map[uint64]chan *Frame{},
	}

	// unblocks the reader
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-conn.send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[cm]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[cm]->\n")
			}
		}
	}()

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.conn = conn
	}()
	defer func() {
		var acks map[uint64]chan *Frame
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.conn == conn {
				self.conn = nil
			}
			acks = conn.acks
			conn.acks = map[uint64]chan *Frame{}
		}()
		for _, ack := range acks {
			close(ack)
		}
		if runCtx.Err() == nil {
			self.setStatus(ConnectionStatusDisconnected, nil)
		}
	}()

	self.setStatus(ConnectionStatusConnected, nil)

	go self.heartbeat(conn)

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[cm]<- error = %s\n", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[cm]<- other=%d\n", messageType)
			continue
		}
		frame, err := DecodeFrame(message)
		if err != nil {
			glog.Infof("[cm]<- bad frame = %s\n", err)
			continue
		}
		switch frame.Event {
		case EventPong:
			select {
			case conn.pong <- struct{}{}:
			default:
			}
		case EventAck:
			var ack chan *Frame
			func() {
				self.stateLock.Lock()
				defer self.stateLock.Unlock()
				ack = conn.acks[frame.Ack]
				delete(conn.acks, frame.Ack)
			}()
			if ack != nil {
				ack <- frame
				close(ack)
			}
		default:
			glog.V(2).Infof("[cm]<- %s\n", frame.Event)
			self.emit(&ConnectionEvent{
				Type:  ConnectionEventMessage,
				Event: frame.Event,
				Data:  frame.Data,
			})
		}
	}
}

// the first ping is sent immediately on connect
// a missing pong is a transport fault and closes the connection
func (self *ConnectionManager) heartbeat(conn *connection) {
	for {
		pingTime := time.Now()
		if err := self.sendFrame(conn, &Frame{Event: EventPing}); err != nil {
			return
		}
		select {
		case <-conn.ctx.Done():
			return
		case <-conn.pong:
			glog.V(2).Infof("[cm]pong %.2fms\n", float32(time.Since(pingTime))/float32(time.Millisecond))
		case <-time.After(self.settings.HeartbeatTimeout):
			glog.Infof("[cm]heartbeat timeout\n")
			conn.cancel()
			return
		}
		select {
		case <-conn.ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval - time.Since(pingTime)):
		}
	}
}

func (self *ConnectionManager) sendFrame(conn *connection, frame *Frame) error {
	message, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case <-conn.ctx.Done():
		return ErrNotConnected
	case conn.send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[cm]send %s timeout\n", frame.Event)
		return ErrRequestTimeout
	}
}

func (self *ConnectionManager) currentConnection() *connection {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.status != ConnectionStatusConnected {
		return nil
	}
	return self.conn
}

// Send is best effort. Returns `ErrNotConnected` when there is no open connection.
func (self *ConnectionManager) Send(event string, data any) error {
	conn := self.currentConnection()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	return self.sendFrame(conn, frame)
}

// SendWithAck waits for the server ack. A `timeout` of 0 uses the default ack timeout.
func (self *ConnectionManager) SendWithAck(ctx context.Context, event string, data any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = self.settings.AckTimeout
	}
	conn := self.currentConnection()
	if conn == nil {
		return nil, ErrNotConnected
	}
	frame, err := NewFrame(event, data)
	if err != nil {
		return nil, err
	}

	ack := make(chan *Frame, 1)
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.nextAck += 1
		frame.Ack = self.nextAck
		conn.acks[frame.Ack] = ack
	}()
	removeAck := func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		delete(conn.acks, frame.Ack)
	}

	if err := self.sendFrame(conn, frame); err != nil {
		removeAck()
		return nil, err
	}

	select {
	case <-ctx.Done():
		removeAck()
		return nil, ctx.Err()
	case response, ok := <-ack:
		if !ok || response == nil {
			// the connection closed before the ack
			return nil, ErrNotConnected
		}
		if response.Error != "" {
			return response.Data, &AckError{Message: response.Error}
		}
		return response.Data, nil
	case <-time.After(timeout):
		removeAck()
		glog.Infof("[cm]ack %s timeout\n", event)
		return nil, ErrRequestTimeout
	}
}

func (self *ConnectionManager) Close() {
	self.stop()
	self.cancel()
	self.setStatus(ConnectionStatusDisconnected, nil)
}
