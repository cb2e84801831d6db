package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testBatch struct {
	sendTime   time.Time
	operations []*Operation
}

// records batches and confirms them when `connected`
type testSender struct {
	queue *OperationQueue

	stateLock sync.Mutex
	connected bool
	batches   []*testBatch
	attempts  int
}

func (self *testSender) send(ctx context.Context, operations []*Operation) error {
	self.stateLock.Lock()
	self.attempts += 1
	connected := self.connected
	if connected {
		self.batches = append(self.batches, &testBatch{
			sendTime:   time.Now(),
			operations: operations,
		})
	}
	self.stateLock.Unlock()

	if !connected {
		return ErrNoConnection
	}
	operationIds := []string{}
	for _, operation := range operations {
		operationIds = append(operationIds, operation.Id)
	}
	return self.queue.ConfirmBatch(operationIds)
}

func (self *testSender) setConnected(connected bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.connected = connected
}

func (self *testSender) batchSizes() []int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	sizes := []int{}
	for _, batch := range self.batches {
		sizes = append(sizes, len(batch.operations))
	}
	return sizes
}

func (self *testSender) attemptCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.attempts
}

func testOperation(roomId string, i int) *Operation {
	op, _ := NewOperation(ModuleChat, roomId, "c1", OperationTypeMessage, map[string]any{"content": fmt.Sprintf("m%d", i)})
	return op
}

func TestOperationQueueBatchBound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.BatchSize = 10
	settings.BatchInterval = 100 * time.Millisecond

	queue := NewOperationQueue(ctx, newTestBoltStore(t), settings)
	defer queue.Close()
	sender := &testSender{queue: queue, connected: true}
	queue.OnSend(sender.send)

	// enqueue all before the first batch is due
	queue.Pause()
	operationIds := []string{}
	for i := 0; i < settings.BatchSize+1; i += 1 {
		operationId, err := queue.Enqueue(ctx, testOperation("r1", i))
		assert.Equal(t, err, nil)
		operationIds = append(operationIds, operationId)
	}
	queue.Resume()

	ok := waitFor(2*time.Second, func() bool {
		return len(sender.batchSizes()) == 2
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, []int{10, 1}, sender.batchSizes())

	sender.stateLock.Lock()
	gap := sender.batches[1].sendTime.Sub(sender.batches[0].sendTime)
	// batches keep enqueue order
	sentIds := []string{}
	for _, batch := range sender.batches {
		for _, operation := range batch.operations {
			sentIds = append(sentIds, operation.Id)
		}
	}
	sender.stateLock.Unlock()
	assert.Equal(t, true, gap < 2*settings.BatchInterval)
	assert.Equal(t, operationIds, sentIds)

	for _, operationId := range operationIds {
		status, ok := queue.Status(operationId)
		assert.Equal(t, true, ok)
		assert.Equal(t, OperationStatusConfirmed, status)
	}
	assert.Equal(t, 0, queue.PendingCount())
}

func TestOperationQueueImmediate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.BatchInterval = 0

	queue := NewOperationQueue(ctx, newTestBoltStore(t), settings)
	defer queue.Close()
	sender := &testSender{queue: queue, connected: true}
	queue.OnSend(sender.send)

	confirmed := make(chan string, 1)
	queue.OnConfirm(func(operationId string) {
		confirmed <- operationId
	})

	operationId, err := queue.Enqueue(ctx, testOperation("r1", 0))
	assert.Equal(t, err, nil)
	select {
	case confirmedId := <-confirmed:
		assert.Equal(t, operationId, confirmedId)
	case <-time.After(time.Second):
		t.Fatal("not confirmed")
	}
}

func TestOperationQueueRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.BatchInterval = 0
	settings.MaxRetries = 3
	settings.RetryDelay = 20 * time.Millisecond

	store := newTestBoltStore(t)
	queue := NewOperationQueue(ctx, store, settings)
	defer queue.Close()
	sender := &testSender{queue: queue}
	queue.OnSend(sender.send)

	operationId, err := queue.Enqueue(ctx, testOperation("r1", 0))
	assert.Equal(t, err, nil)

	ok := waitFor(2*time.Second, func() bool {
		status, _ := queue.Status(operationId)
		return status == OperationStatusFailed
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, settings.MaxRetries, sender.attemptCount())

	// failed is terminal until retried, and is never dropped
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settings.MaxRetries, sender.attemptCount())
	failed := queue.FailedOperations()
	assert.Equal(t, 1, len(failed))
	assert.Equal(t, settings.MaxRetries, failed[0].Retries)

	entry, err := store.GetOperation(ctx, operationId)
	assert.Equal(t, err, nil)
	assert.Equal(t, OperationStatusFailed, entry.Status)

	sender.setConnected(true)
	assert.Equal(t, queue.RetryFailed(), nil)
	ok = waitFor(2*time.Second, func() bool {
		status, _ := queue.Status(operationId)
		return status == OperationStatusConfirmed
	})
	assert.Equal(t, true, ok)
	assert.Equal(t, 0, len(queue.FailedOperations()))
}

func TestOperationQueuePartialConfirm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.RetryDelay = 10 * time.Millisecond

	store := newTestBoltStore(t)
	queue := NewOperationQueue(ctx, store, settings)
	defer queue.Close()

	var stateLock sync.Mutex
	batches := [][]string{}
	queue.OnSend(func(ctx context.Context, operations []*Operation) error {
		operationIds := []string{}
		for _, operation := range operations {
			operationIds = append(operationIds, operation.Id)
		}
		stateLock.Lock()
		first := len(batches) == 0
		batches = append(batches, operationIds)
		stateLock.Unlock()

		if first {
			// the server acks the batch but confirms only the first
			if err := queue.ConfirmBatch(operationIds[:1]); err != nil {
				return err
			}
			return &UnconfirmedError{OperationIds: operationIds[1:]}
		}
		return queue.ConfirmBatch(operationIds)
	})

	queue.Pause()
	a, err := queue.Enqueue(ctx, testOperation("r1", 0))
	assert.Equal(t, err, nil)
	b, err := queue.Enqueue(ctx, testOperation("r1", 1))
	assert.Equal(t, err, nil)
	queue.Resume()

	ok := waitFor(2*time.Second, func() bool {
		return queue.PendingCount() == 0
	})
	assert.Equal(t, true, ok)

	for _, operationId := range []string{a, b} {
		status, _ := queue.Status(operationId)
		assert.Equal(t, OperationStatusConfirmed, status)
	}
	stateLock.Lock()
	assert.Equal(t, [][]string{{a, b}, {b}}, batches)
	stateLock.Unlock()

	// the unconfirmed operation counted as one failed attempt
	entry, err := store.GetOperation(ctx, b)
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, entry.Retries)
	entry, err = store.GetOperation(ctx, a)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, entry.Retries)
}

func TestOperationQueueRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.BatchInterval = 0
	settings.MaxRetries = 10
	settings.RetryDelay = 200 * time.Millisecond

	queue := NewOperationQueue(ctx, newTestBoltStore(t), settings)
	defer queue.Close()
	sender := &testSender{queue: queue}
	queue.OnSend(sender.send)

	_, err := queue.Enqueue(ctx, testOperation("r1", 0))
	assert.Equal(t, err, nil)

	ok := waitFor(time.Second, func() bool {
		return sender.attemptCount() == 1
	})
	assert.Equal(t, true, ok)
	// not resent before the retry delay
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sender.attemptCount())

	ok = waitFor(time.Second, func() bool {
		return sender.attemptCount() == 2
	})
	assert.Equal(t, true, ok)
}

func TestOperationQueueNoLossUnderDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.BatchInterval = 10 * time.Millisecond
	settings.RetryDelay = 10 * time.Millisecond

	queue := NewOperationQueue(ctx, newTestBoltStore(t), settings)
	defer queue.Close()
	sender := &testSender{queue: queue}
	queue.OnSend(sender.send)

	// half the operations are attempted while offline, half wait while paused
	operationIds := []string{}
	for i := 0; i < 5; i += 1 {
		operationId, err := queue.Enqueue(ctx, testOperation("r1", i))
		assert.Equal(t, err, nil)
		operationIds = append(operationIds, operationId)
	}
	ok := waitFor(2*time.Second, func() bool {
		return len(queue.FailedOperations()) == 5
	})
	assert.Equal(t, true, ok)

	queue.Pause()
	for i := 5; i < 10; i += 1 {
		operationId, err := queue.Enqueue(ctx, testOperation("r1", i))
		assert.Equal(t, err, nil)
		operationIds = append(operationIds, operationId)
	}
	attempts := sender.attemptCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, sender.attemptCount())
	assert.Equal(t, 10, len(operationIds))

	// reconnect
	sender.setConnected(true)
	assert.Equal(t, queue.RetryFailed(), nil)
	queue.Resume()

	ok = waitFor(2*time.Second, func() bool {
		return queue.PendingCount() == 0 && len(queue.FailedOperations()) == 0
	})
	assert.Equal(t, true, ok)
	for _, operationId := range operationIds {
		status, _ := queue.Status(operationId)
		assert.Equal(t, OperationStatusConfirmed, status)
	}
}

func TestOperationQueueReload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestBoltStore(t)

	queue := NewOperationQueue(ctx, store, DefaultOperationQueueSettings())
	queue.Pause()
	operationIds := []string{}
	for i := 0; i < 3; i += 1 {
		operationId, err := queue.Enqueue(ctx, testOperation("r1", i))
		assert.Equal(t, err, nil)
		operationIds = append(operationIds, operationId)
	}
	queue.Close()

	reloadQueue := NewOperationQueue(ctx, store, DefaultOperationQueueSettings())
	defer reloadQueue.Close()
	assert.Equal(t, reloadQueue.Init(ctx), nil)
	assert.Equal(t, 3, reloadQueue.PendingCount())
	assert.Equal(t, true, reloadQueue.HasUnconfirmed("r1"))
	assert.Equal(t, false, reloadQueue.HasUnconfirmed("r2"))

	sender := &testSender{queue: reloadQueue, connected: true}
	reloadQueue.OnSend(sender.send)

	ok := waitFor(2*time.Second, func() bool {
		return reloadQueue.PendingCount() == 0
	})
	assert.Equal(t, true, ok)
	sender.stateLock.Lock()
	sentIds := []string{}
	for _, batch := range sender.batches {
		for _, operation := range batch.operations {
			sentIds = append(sentIds, operation.Id)
		}
	}
	sender.stateLock.Unlock()
	assert.Equal(t, operationIds, sentIds)
}

func TestOperationQueueCancelAndFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultOperationQueueSettings()
	settings.MaxQueueSize = 2

	store := newTestBoltStore(t)
	queue := NewOperationQueue(ctx, store, settings)
	defer queue.Close()
	queue.Pause()

	a, err := queue.Enqueue(ctx, testOperation("r1", 0))
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue(ctx, testOperation("r1", 1))
	assert.Equal(t, err, nil)
	_, err = queue.Enqueue(ctx, testOperation("r1", 2))
	assert.Equal(t, err, ErrQueueFull)

	status, ok := queue.Status(a)
	assert.Equal(t, true, ok)
	assert.Equal(t, OperationStatusPending, status)

	assert.Equal(t, queue.Cancel(a), nil)
	_, ok = queue.Status(a)
	assert.Equal(t, false, ok)
	_, err = store.GetOperation(ctx, a)
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	_, err = queue.Enqueue(ctx, testOperation("r1", 3))
	assert.Equal(t, err, nil)

	assert.Equal(t, queue.Clear(ctx), nil)
	assert.Equal(t, 0, queue.PendingCount())
	entries, err := store.GetPendingOperations(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, 0, len(entries))
}
