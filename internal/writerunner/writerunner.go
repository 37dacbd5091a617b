// Package writerunner implements C3, the Write Runner: the boundary
// every mutating operation in the core passes through before it touches
// storage. Two lanes exist, grounded on
// original_source/crates/server_data/src/db_manager.rs (the serial
// Cmds.run executor) and
// original_source/crates/server_data/src/write_concurrent.rs
// (AccountWriteLockManager plus the content/profile-index semaphores):
//
//   - Serial: one goroutine at a time, guaranteeing strict ordering for
//     writes that must not interleave (interaction state transitions,
//     pending-message inserts).
//   - Concurrent: many goroutines at once, each still holding an
//     exclusive per-account lock plus a bounded semaphore for content
//     uploads and profile-index recomputes.
package writerunner

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/storage"
)

// WriteFunc is one unit of work run against a transaction.
type WriteFunc func(ctx context.Context, tx storage.TransactionCtx) error

type serialJob struct {
	ctx  context.Context
	fn   WriteFunc
	done chan error
}

// SerialRunner executes WriteFuncs one at a time, in submission order,
// on a single goroutine. This is the Cmds.run lane: account state
// transitions, like/match/block changes, and message sequencing all go
// through here so two concurrent requests for the same or different
// accounts never race each other's ordering invariants.
type SerialRunner struct {
	db     storage.Database
	logger zerolog.Logger

	jobs chan serialJob
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSerialRunner creates a SerialRunner backed by db. Call Start before
// submitting work.
func NewSerialRunner(db storage.Database, logger zerolog.Logger, queueSize int) *SerialRunner {
	return &SerialRunner{
		db:     db,
		logger: logger.With().Str("component", "writerunner.serial").Logger(),
		jobs:   make(chan serialJob, queueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the single executor goroutine.
func (r *SerialRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop drains and halts the executor, waiting for it to exit.
func (r *SerialRunner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *SerialRunner) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			r.drain(ctx.Err())
			return
		case <-r.stop:
			r.drain(nil)
			return
		case job := <-r.jobs:
			job.done <- r.execute(job)
		}
	}
}

func (r *SerialRunner) drain(err error) {
	for {
		select {
		case job := <-r.jobs:
			job.done <- err
		default:
			return
		}
	}
}

func (r *SerialRunner) execute(job serialJob) (result error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Interface("panic_value", p).
				Str("stack", string(debug.Stack())).
				Msg("recovered panic in serial write")
			result = &panicError{value: p}
		}
	}()
	return r.db.WithTransaction(job.ctx, func(tx storage.TransactionCtx) error {
		return job.fn(job.ctx, tx)
	})
}

// Run submits fn and blocks until it has executed (or the runner shut
// down first), returning its error.
func (r *SerialRunner) Run(ctx context.Context, fn WriteFunc) error {
	done := make(chan error, 1)
	job := serialJob{ctx: ctx, fn: fn, done: done}

	select {
	case r.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "writerunner: recovered panic" }

// AccountLockManager hands out one mutex per account, created lazily,
// so the concurrent lane can still serialize writes that touch the same
// account's content/profile state. Mirrors AccountWriteLockManager.
type AccountLockManager struct {
	mu    sync.Mutex
	locks map[model.AccountId]*sync.Mutex
}

// NewAccountLockManager creates an empty AccountLockManager.
func NewAccountLockManager() *AccountLockManager {
	return &AccountLockManager{locks: make(map[model.AccountId]*sync.Mutex)}
}

// Lock acquires (creating if needed) the per-account mutex and returns
// an unlock function.
func (m *AccountLockManager) Lock(id model.AccountId) func() {
	m.mu.Lock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// ConcurrentRunner is the C3 concurrent lane: many writers at once, each
// holding its account's lock plus a semaphore slot bounding how many
// content uploads or profile-index recomputes run at the same time.
type ConcurrentRunner struct {
	db           storage.Database
	accountLocks *AccountLockManager

	contentUploadSlots chan struct{}
	profileIndexSlots  chan struct{}
}

// NewConcurrentRunner creates a ConcurrentRunner with the given
// concurrency ceilings for content uploads and profile-index recomputes.
func NewConcurrentRunner(db storage.Database, maxContentUploads, maxProfileIndexWrites int) *ConcurrentRunner {
	return &ConcurrentRunner{
		db:                 db,
		accountLocks:       NewAccountLockManager(),
		contentUploadSlots: make(chan struct{}, maxContentUploads),
		profileIndexSlots:  make(chan struct{}, maxProfileIndexWrites),
	}
}

// RunContentUpload runs fn while holding account's write lock and a
// content-upload semaphore slot.
func (r *ConcurrentRunner) RunContentUpload(ctx context.Context, account model.AccountId, fn WriteFunc) error {
	return r.runWithSlot(ctx, account, r.contentUploadSlots, fn)
}

// RunProfileIndexWrite runs fn while holding account's write lock and a
// profile-index semaphore slot.
func (r *ConcurrentRunner) RunProfileIndexWrite(ctx context.Context, account model.AccountId, fn WriteFunc) error {
	return r.runWithSlot(ctx, account, r.profileIndexSlots, fn)
}

func (r *ConcurrentRunner) runWithSlot(ctx context.Context, account model.AccountId, slots chan struct{}, fn WriteFunc) error {
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slots }()

	unlock := r.accountLocks.Lock(account)
	defer unlock()

	return r.db.WithTransaction(ctx, func(tx storage.TransactionCtx) error {
		return fn(ctx, tx)
	})
}
