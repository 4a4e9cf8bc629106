package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// recentScanLimit bounds the host-wide cleanup operations.
const recentScanLimit = 1000

// Manager reads and writes records through the StatusCache.
// Reads prefer the cached status over the store's, writes update the cache before the store.
type Manager struct {
	log   *zap.SugaredLogger
	store Store
	cache *StatusCache
	locks *keyedMutex
	now   func() time.Time

	stopMut   sync.Mutex
	stopHooks map[string]func()
}

type ManagerOption func(m *Manager)

func WithManagerLogger(l *zap.SugaredLogger) ManagerOption {
	return func(m *Manager) {
		m.log = l.Named("history_manager")
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func NewManager(store Store, cache *StatusCache, opts ...ManagerOption) *Manager {
	if cache == nil {
		cache = NewStatusCache()
	}
	m := &Manager{
		log:       zap.NewNop().Sugar(),
		store:     store,
		cache:     cache,
		locks:     newKeyedMutex(),
		now:       time.Now,
		stopHooks: map[string]func(){},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Cache() *StatusCache { return m.cache }

// Get returns the record with the given id.
// If the cache knows a different status than the store, the cached one wins, since the store may lag.
// A missing record yields a fresh shell with only the id set.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	r, err := m.store.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.log.Debugw("no stored record, returning shell", "ID", id)
		return &Record{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding record %q: %w", id, err)
	}

	cached, ok := m.cache.Get(id)
	switch {
	case !ok:
		m.cache.Set(id, r.Status)
	case cached != r.Status:
		m.log.Debugw("using cached status", "ID", id, "Cached", cached, "Stored", r.Status)
		r.Status = cached
	}
	return r, nil
}

// Save persists the record. The cache is updated before the store write.
// Saves of the same id are serialized; saves of different ids are not.
//
// Once a record is terminal, a non-terminal status is rejected with ErrFinalized,
// and its non-empty output is kept as is. A save without a status keeps the terminal
// status and end time.
func (m *Manager) Save(ctx context.Context, r *Record) error {
	if r == nil || r.ID == "" {
		return errors.New("saving record: missing id")
	}
	if r.Status == StatusUnset {
		m.log.Warnw("saving record without a status", "ID", r.ID)
	}

	unlock := m.locks.Lock(r.ID)
	defer unlock()

	prev, known := m.cache.Get(r.ID)
	if known && prev.Terminal() {
		if r.Status != StatusUnset && !r.Status.Terminal() {
			m.log.Warnw("rejecting non-terminal status on finalized record", "ID", r.ID, "Status", r.Status, "Previous", prev)
			return fmt.Errorf("saving record %q as %s after %s: %w", r.ID, r.Status, prev, ErrFinalized)
		}
		if r.Status == StatusUnset {
			r.Status = prev
		}
		m.keepFrozen(ctx, r)
	}

	if r.Status.Terminal() {
		if r.EndTime == nil {
			t := m.now()
			r.EndTime = &t
		}
	} else if r.Status == StatusRunning {
		r.EndTime = nil
	}

	if r.Status != StatusUnset {
		m.cache.Set(r.ID, r.Status)
	}

	err := m.store.Save(ctx, r.Clone())
	if err != nil {
		return fmt.Errorf("saving record %q: %w", r.ID, err)
	}
	m.log.Debugw("saved record", "ID", r.ID, "Status", r.Status)
	return nil
}

func (m *Manager) keepFrozen(ctx context.Context, r *Record) {
	stored, err := m.store.FindByID(ctx, r.ID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.log.Debugf("error loading finalized record %s: %s", r.ID, err)
		}
		return
	}
	if stored.Output != "" && stored.Output != r.Output {
		m.log.Warnw("keeping output of finalized record", "ID", r.ID)
		r.Output = stored.Output
	}
	if r.EndTime == nil && stored.EndTime != nil {
		t := *stored.EndTime
		r.EndTime = &t
	}
}

// Init builds a new record for a run of processRef. It is not saved.
// Only the part of processRef before the first "-" is kept.
func (m *Manager) Init(id, processRef, input string) *Record {
	ref, _, _ := strings.Cut(processRef, "-")
	return &Record{
		ID:         id,
		ProcessRef: ref,
		BeginTime:  m.now(),
		Input:      input,
	}
}

func (m *Manager) UpdateNotes(ctx context.Context, id, notes string) error {
	m.log.Infow("updating notes", "ID", id)
	r, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	r.Notes = notes
	return m.Save(ctx, r)
}

// OnStop registers f to be called by Stop for the id, and returns the func that unregisters it.
func (m *Manager) OnStop(id string, f func()) (unregister func()) {
	m.stopMut.Lock()
	defer m.stopMut.Unlock()
	m.stopHooks[id] = f
	return func() {
		m.stopMut.Lock()
		defer m.stopMut.Unlock()
		delete(m.stopHooks, id)
	}
}

// Stop stops whatever is running for the id and marks its record Stopped.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.stopMut.Lock()
	hook := m.stopHooks[id]
	m.stopMut.Unlock()
	if hook != nil {
		hook()
	}

	r, err := m.store.FindByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding record %q: %w", id, err)
	}
	r.Status = StatusStopped
	t := m.now()
	r.EndTime = &t
	return m.Save(ctx, r)
}

// SaveSkipped records a process that a workflow decided not to run.
func (m *Manager) SaveSkipped(ctx context.Context, id, workflowProcessRef, hostRef string) error {
	r := m.Init(id, workflowProcessRef, "No code saved")
	end := r.BeginTime
	r.EndTime = &end
	r.Output = "Skipped"
	r.HostRef = hostRef
	r.Status = StatusSkipped
	return m.Save(ctx, r)
}

func (m *Manager) DeleteByID(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	if err := m.store.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	m.cache.Delete(id)
	return nil
}

// RecentByHost returns the newest records of a host with cached statuses applied.
func (m *Manager) RecentByHost(ctx context.Context, hostRef string, limit int) ([]*Record, error) {
	records, err := m.store.FindRecentByHost(ctx, hostRef, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records of host %q: %w", hostRef, err)
	}
	for _, r := range records {
		if cached, ok := m.cache.Get(r.ID); ok {
			r.Status = cached
		}
	}
	return records, nil
}

// DeleteAllByHost deletes the recent records of a host and returns their ids.
func (m *Manager) DeleteAllByHost(ctx context.Context, hostRef string) ([]string, error) {
	return m.deleteByHost(ctx, hostRef, func(*Record) bool { return true })
}

// DeleteNoNotesByHost deletes the recent records of a host that carry no notes.
func (m *Manager) DeleteNoNotesByHost(ctx context.Context, hostRef string) ([]string, error) {
	return m.deleteByHost(ctx, hostRef, func(r *Record) bool { return r.Notes == "" })
}

func (m *Manager) deleteByHost(ctx context.Context, hostRef string, match func(*Record) bool) ([]string, error) {
	records, err := m.store.FindRecentByHost(ctx, hostRef, recentScanLimit)
	if err != nil {
		return nil, fmt.Errorf("listing records of host %q: %w", hostRef, err)
	}
	var ids []string
	for _, r := range records {
		if !match(r) {
			continue
		}
		if err := m.DeleteByID(ctx, r.ID); err != nil {
			return ids, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ProcessHistory returns the records of a process, newest first, with cached statuses applied.
// With ignoreSkipped, Skipped and Unknown records are left out.
func (m *Manager) ProcessHistory(ctx context.Context, processRef string, ignoreSkipped bool) ([]*Record, error) {
	records, err := m.store.FindByProcess(ctx, processRef, ignoreSkipped)
	if err != nil {
		return nil, fmt.Errorf("listing records of process %q: %w", processRef, err)
	}
	for _, r := range records {
		if cached, ok := m.cache.Get(r.ID); ok {
			r.Status = cached
		}
	}
	return records, nil
}

// DeleteFailed deletes the Failed records of a process and returns their ids.
func (m *Manager) DeleteFailed(ctx context.Context, processRef string) ([]string, error) {
	ids, err := m.store.DeleteByProcessAndStatus(ctx, processRef, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("deleting failed records of process %q: %w", processRef, err)
	}
	for _, id := range ids {
		m.cache.Delete(id)
	}
	m.log.Infow("deleted failed records", "Process", processRef, "Count", len(ids))
	return ids, nil
}

// IsTerminal reports whether the record has reached a terminal status.
func IsTerminal(r *Record) bool {
	return r != nil && r.Status.Terminal()
}
