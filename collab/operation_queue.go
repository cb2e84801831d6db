package collab

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

var ErrQueueFull = errors.New("Operation queue is full")
var ErrNoConnection = errors.New("No connection to server")

// sends one batch. A nil error means the transport accepted the batch.
type SendFunction func(ctx context.Context, operations []*Operation) error

// UnconfirmedError is returned by a send function when the batch was acked
// but only part of it was confirmed. The listed operations count as a failed attempt.
type UnconfirmedError struct {
	OperationIds []string
}

func (self *UnconfirmedError) Error() string {
	return fmt.Sprintf("%d of the batch not confirmed", len(self.OperationIds))
}

type ConfirmFunction func(operationId string)

type OperationQueueSettings struct {
	BatchSize int
	// 0 sends on enqueue
	BatchInterval time.Duration
	MaxRetries    int
	// minimum time between attempts of the same operation
	RetryDelay   time.Duration
	MaxQueueSize int
}

func DefaultOperationQueueSettings() *OperationQueueSettings {
	return &OperationQueueSettings{
		BatchSize:     10,
		BatchInterval: 100 * time.Millisecond,
		MaxRetries:    3,
		RetryDelay:    1 * time.Second,
		MaxQueueSize:  1000,
	}
}

// OperationQueue holds unconfirmed operations in memory, mirrored in the local store.
// A single run loop sends batches, so at most one batch is in flight.
type OperationQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	store LocalStore

	stateLock    sync.Mutex
	entries      map[string]*OperationLogEntry
	nextSequence uint64
	paused       bool
	// when the next batch is due, zero if no batch is scheduled
	batchAt time.Time

	update *Monitor

	sendCallbacks    *CallbackList[SendFunction]
	confirmCallbacks *CallbackList[ConfirmFunction]

	settings *OperationQueueSettings
}

func NewOperationQueueWithDefaults(ctx context.Context, store LocalStore) *OperationQueue {
	return NewOperationQueue(ctx, store, DefaultOperationQueueSettings())
}

func NewOperationQueue(ctx context.Context, store LocalStore, settings *OperationQueueSettings) *OperationQueue {
	cancelCtx, cancel := context.WithCancel(ctx)
	operationQueue := &OperationQueue{
		ctx:              cancelCtx,
		cancel:           cancel,
		store:            store,
		entries:          map[string]*OperationLogEntry{},
		update:           NewMonitor(),
		sendCallbacks:    NewCallbackList[SendFunction](),
		confirmCallbacks: NewCallbackList[ConfirmFunction](),
		settings:         settings,
	}
	go operationQueue.run()
	return operationQueue
}

// Init loads the unconfirmed operations of a previous session, replacing the queued entries.
// Entries that were in flight are sent again. Failed entries stay failed.
func (self *OperationQueue) Init(ctx context.Context) error {
	entries, err := self.store.GetPendingOperations(ctx)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clear(self.entries)
	for _, entry := range entries {
		switch entry.Status {
		case OperationStatusSending, OperationStatusSent:
			entry.Status = OperationStatusPending
			if err := self.store.SaveOperation(ctx, entry); err != nil {
				return err
			}
		}
		self.entries[entry.Id()] = entry
		self.nextSequence = max(self.nextSequence, entry.Sequence+1)
	}
	if 0 < len(entries) {
		glog.V(1).Infof("[oq]loaded %d operations\n", len(entries))
	}
	self.update.NotifyAll()
	return nil
}

// Enqueue persists the operation before it is scheduled.
// Store errors are returned and the operation is not queued.
func (self *OperationQueue) Enqueue(ctx context.Context, operation *Operation) (string, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.entries[operation.Id]; ok {
		return operation.Id, nil
	}
	if self.settings.MaxQueueSize <= len(self.entries) {
		return "", ErrQueueFull
	}

	entry := &OperationLogEntry{
		Operation: operation,
		Status:    OperationStatusPending,
		CreatedAt: nowMillis(),
		Sequence:  self.nextSequence,
	}
	if err := self.store.SaveOperation(ctx, entry); err != nil {
		return "", err
	}
	self.nextSequence += 1
	self.entries[entry.Id()] = entry

	glog.V(2).Infof("[oq]enqueue %s\n", entry.Id())
	self.update.NotifyAll()
	return entry.Id(), nil
}

// Confirm removes the operation from the queue. The log entry stays as a confirmed
// audit record until the retention sweep removes it, so `Status` can still report it.
func (self *OperationQueue) Confirm(operationId string) error {
	return self.ConfirmBatch([]string{operationId})
}

func (self *OperationQueue) ConfirmBatch(operationIds []string) error {
	confirmedIds := []string{}
	var returnErr error
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		confirmedAt := nowMillis()
		for _, operationId := range operationIds {
			entry, ok := self.entries[operationId]
			if !ok {
				continue
			}
			delete(self.entries, operationId)
			entry.Status = OperationStatusConfirmed
			entry.ConfirmedAt = confirmedAt
			if err := self.store.SaveOperation(self.ctx, entry); err != nil {
				glog.Infof("[oq]confirm %s store error = %s\n", operationId, err)
				returnErr = err
			}
			confirmedIds = append(confirmedIds, operationId)
		}
	}()

	for _, operationId := range confirmedIds {
		glog.V(2).Infof("[oq]confirmed %s\n", operationId)
		for _, callback := range self.confirmCallbacks.Get() {
			HandleError(func() {
				callback(operationId)
			})
		}
	}
	return returnErr
}

// Cancel drops the operation and its log entry.
func (self *OperationQueue) Cancel(operationId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.entries, operationId)
	err := self.store.DeleteOperation(self.ctx, operationId)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Status falls back to the log for operations that already left the queue.
func (self *OperationQueue) Status(operationId string) (OperationStatus, bool) {
	status, ok := func() (OperationStatus, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		entry, ok := self.entries[operationId]
		if !ok {
			return "", false
		}
		return entry.Status, true
	}()
	if ok {
		return status, true
	}
	entry, err := self.store.GetOperation(self.ctx, operationId)
	if err != nil {
		return "", false
	}
	return entry.Status, true
}

func (self *OperationQueue) OnSend(callback SendFunction) func() {
	callbackId := self.sendCallbacks.Add(callback)
	self.update.NotifyAll()
	return func() {
		self.sendCallbacks.Remove(callbackId)
	}
}

func (self *OperationQueue) OnConfirm(callback ConfirmFunction) func() {
	callbackId := self.confirmCallbacks.Add(callback)
	return func() {
		self.confirmCallbacks.Remove(callbackId)
	}
}

// Flush sends the next batch now instead of at the batch interval.
func (self *OperationQueue) Flush() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.batchAt = time.Now()
	self.update.NotifyAll()
}

func (self *OperationQueue) Pause() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.paused {
		glog.V(1).Infof("[oq]pause\n")
	}
	self.paused = true
}

// Resume flushes immediately when work is pending.
func (self *OperationQueue) Resume() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.paused {
		glog.V(1).Infof("[oq]resume\n")
	}
	self.paused = false
	if 0 < self.pendingCount() {
		self.batchAt = time.Now()
	}
	self.update.NotifyAll()
}

func (self *OperationQueue) IsPaused() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.paused
}

// RetryFailed moves failed operations back to pending with a fresh retry count.
func (self *OperationQueue) RetryFailed() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	retryCount := 0
	var returnErr error
	for _, entry := range self.entries {
		if entry.Status != OperationStatusFailed {
			continue
		}
		entry.Status = OperationStatusPending
		entry.Retries = 0
		entry.LastAttemptAt = 0
		if err := self.store.SaveOperation(self.ctx, entry); err != nil {
			returnErr = err
		}
		retryCount += 1
	}
	if 0 < retryCount {
		glog.V(1).Infof("[oq]retry %d failed operations\n", retryCount)
		self.update.NotifyAll()
	}
	return returnErr
}

// operations that are queued and not failed
func (self *OperationQueue) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pendingCount()
}

func (self *OperationQueue) pendingCount() int {
	count := 0
	for _, entry := range self.entries {
		if entry.Status != OperationStatusFailed {
			count += 1
		}
	}
	return count
}

// HasUnconfirmed reports whether any queued operation belongs to the room.
func (self *OperationQueue) HasUnconfirmed(roomId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, entry := range self.entries {
		if entry.RoomId() == roomId {
			return true
		}
	}
	return false
}

func (self *OperationQueue) FailedOperations() []*OperationLogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	failed := []*OperationLogEntry{}
	for _, entry := range self.entries {
		if entry.Status == OperationStatusFailed {
			failed = append(failed, entry.Clone())
		}
	}
	sortOperationLogEntries(failed)
	return failed
}

// Clear drops every queued operation and its log entry.
func (self *OperationQueue) Clear(ctx context.Context) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	var returnErr error
	for _, operationId := range maps.Keys(self.entries) {
		if err := self.store.DeleteOperation(ctx, operationId); err != nil && !errors.Is(err, ErrNotFound) {
			returnErr = err
		}
	}
	clear(self.entries)
	self.batchAt = time.Time{}
	return returnErr
}

func (self *OperationQueue) Close() {
	self.cancel()
}

func (self *OperationQueue) run() {
	for {
		notify := self.update.NotifyChannel()

		delay, ok := self.nextBatchDelay(time.Now())
		if ok && delay <= 0 {
			self.sendBatch()
			continue
		}

		var timeout <-chan time.Time
		if ok {
			timeout = time.After(delay)
		}
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-timeout:
		}
	}
}

// the time until the next batch should be sent, or false if there is nothing to send
func (self *OperationQueue) nextBatchDelay(now time.Time) (time.Duration, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.paused || self.sendCallbacks.Len() == 0 {
		return 0, false
	}

	// the earliest time any pending entry may be sent
	var readyAt time.Time
	for _, entry := range self.entries {
		if entry.Status != OperationStatusPending {
			continue
		}
		entryReadyAt := now
		if !entry.retryReady(now, self.settings.RetryDelay) {
			entryReadyAt = time.UnixMilli(entry.LastAttemptAt).Add(self.settings.RetryDelay)
		}
		if readyAt.IsZero() || entryReadyAt.Before(readyAt) {
			readyAt = entryReadyAt
		}
	}
	if readyAt.IsZero() {
		self.batchAt = time.Time{}
		return 0, false
	}

	if self.batchAt.IsZero() {
		self.batchAt = now.Add(self.settings.BatchInterval)
	}
	sendAt := self.batchAt
	if sendAt.Before(readyAt) {
		sendAt = readyAt
	}
	return sendAt.Sub(now), true
}

// takes up to the batch size of ready entries in enqueue order and marks them sending
func (self *OperationQueue) takeBatch(now time.Time) []*OperationLogEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.batchAt = time.Time{}

	ready := []*OperationLogEntry{}
	for _, entry := range self.entries {
		if entry.Status == OperationStatusPending && entry.retryReady(now, self.settings.RetryDelay) {
			ready = append(ready, entry)
		}
	}
	sortOperationLogEntries(ready)
	if self.settings.BatchSize < len(ready) {
		ready = ready[:self.settings.BatchSize]
	}

	batch := []*OperationLogEntry{}
	for _, entry := range ready {
		entry.Status = OperationStatusSending
		entry.LastAttemptAt = now.UnixMilli()
		if err := self.store.SaveOperation(self.ctx, entry); err != nil {
			glog.Infof("[oq]save %s error = %s\n", entry.Id(), err)
		}
		batch = append(batch, entry.Clone())
	}
	return batch
}

func (self *OperationQueue) sendBatch() {
	batch := self.takeBatch(time.Now())
	if len(batch) == 0 {
		return
	}

	operations := []*Operation{}
	for _, entry := range batch {
		operations = append(operations, entry.Operation)
	}

	var sendErr error
	callbacks := self.sendCallbacks.Get()
	if len(callbacks) == 0 {
		sendErr = ErrNoConnection
	}
	for _, callback := range callbacks {
		if r := HandleError(func() {
			sendErr = callback(self.ctx, operations)
		}); r != nil {
			sendErr = ErrNoConnection
		}
		if sendErr != nil {
			break
		}
	}

	var unconfirmedErr *UnconfirmedError
	partial := errors.As(sendErr, &unconfirmedErr)

	if sendErr == nil {
		glog.V(2).Infof("[oq]sent %d\n", len(batch))
	} else if partial {
		glog.Infof("[oq]send %d partially confirmed, %d will retry\n", len(batch), len(unconfirmedErr.OperationIds))
	} else if errors.Is(sendErr, ErrNoConnection) || errors.Is(sendErr, ErrNotConnected) {
		glog.V(1).Infof("[oq]send %d deferred = %s\n", len(batch), sendErr)
	} else {
		glog.Infof("[oq]send %d error = %s\n", len(batch), sendErr)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sentAt := nowMillis()
	failedIds := []string{}
	for _, batchEntry := range batch {
		entry, ok := self.entries[batchEntry.Id()]
		// confirmed or canceled while in flight
		if !ok || entry.Status != OperationStatusSending {
			continue
		}
		failed := sendErr != nil
		if partial {
			failed = slices.Contains(unconfirmedErr.OperationIds, entry.Id())
		}
		if !failed {
			entry.Status = OperationStatusSent
			entry.SentAt = sentAt
		} else {
			entry.Retries += 1
			if self.settings.MaxRetries <= entry.Retries {
				entry.Status = OperationStatusFailed
				failedIds = append(failedIds, entry.Id())
			} else {
				entry.Status = OperationStatusPending
			}
		}
		if err := self.store.SaveOperation(self.ctx, entry); err != nil {
			glog.Infof("[oq]save %s error = %s\n", entry.Id(), err)
		}
	}
	if 0 < len(failedIds) {
		slices.Sort(failedIds)
		glog.Infof("[oq]%d operations failed after %d retries: %v\n", len(failedIds), self.settings.MaxRetries, failedIds)
	}
}
