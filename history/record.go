package history

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by a Store when no record exists for an id.
	ErrNotFound = errors.New("history record not found")

	// ErrFinalized is returned when a non-terminal status is saved over a terminal one.
	ErrFinalized = errors.New("history record already finalized")
)

// Record is one execution attempt of a process.
// EndTime is set iff Status is terminal.
type Record struct {
	ID         string     `json:"id"`
	ProcessRef string     `json:"process"`
	Status     Status     `json:"indicator"`
	Input      string     `json:"input"`
	Output     string     `json:"output"`
	BeginTime  time.Time  `json:"begin_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	HostRef    string     `json:"host,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	return &c
}

// Store is the durable record store.
// Implementations must be safe for concurrent use.
type Store interface {
	// FindByID returns ErrNotFound if there is no record with the id.
	FindByID(ctx context.Context, id string) (*Record, error)
	// Save inserts or replaces the record.
	Save(ctx context.Context, r *Record) error
	DeleteByID(ctx context.Context, id string) error
	// FindRecentByHost returns up to limit records of the host, newest BeginTime first.
	FindRecentByHost(ctx context.Context, hostRef string, limit int) ([]*Record, error)
	// FindByProcess returns the records of the process, newest BeginTime first.
	// With ignoreSkipped, Skipped and Unknown records are left out.
	FindByProcess(ctx context.Context, processRef string, ignoreSkipped bool) ([]*Record, error)
	// DeleteByProcessAndStatus deletes the records of the process that have the status and returns their ids.
	DeleteByProcessAndStatus(ctx context.Context, processRef string, status Status) ([]string, error)
}
