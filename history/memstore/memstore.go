// Package memstore is an in-memory history.Store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/geoweaver/gwrelay/history"
)

type Store struct {
	mut     sync.RWMutex
	records map[string]*history.Record
}

func New() *Store {
	return &Store{records: map[string]*history.Record{}}
}

func (s *Store) FindByID(ctx context.Context, id string) (*history.Record, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, history.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) Save(ctx context.Context, r *history.Record) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.records[r.ID] = r.Clone()
	return nil
}

func (s *Store) DeleteByID(ctx context.Context, id string) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.records, id)
	return nil
}

func (s *Store) FindRecentByHost(ctx context.Context, hostRef string, limit int) ([]*history.Record, error) {
	s.mut.RLock()
	var out []*history.Record
	for _, r := range s.records {
		if r.HostRef == hostRef {
			out = append(out, r.Clone())
		}
	}
	s.mut.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BeginTime.After(out[j].BeginTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FindByProcess(ctx context.Context, processRef string, ignoreSkipped bool) ([]*history.Record, error) {
	s.mut.RLock()
	var out []*history.Record
	for _, r := range s.records {
		if r.ProcessRef != processRef {
			continue
		}
		if ignoreSkipped && (r.Status == history.StatusSkipped || r.Status == history.StatusUnknown) {
			continue
		}
		out = append(out, r.Clone())
	}
	s.mut.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].BeginTime.After(out[j].BeginTime) })
	return out, nil
}

func (s *Store) DeleteByProcessAndStatus(ctx context.Context, processRef string, status history.Status) ([]string, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	var ids []string
	for id, r := range s.records {
		if r.ProcessRef == processRef && r.Status == status {
			delete(s.records, id)
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Len() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.records)
}
