// Package storetest holds the behavior every history.Store implementation must satisfy.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/geoweaver/gwrelay/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run runs the conformance tests against stores built by newStore. Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) history.Store) {
	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("find missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByID(context.Background(), "missing")
		require.ErrorIs(t, err, history.ErrNotFound)
	})

	t.Run("save and find", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		end := base.Add(time.Second)
		r := &history.Record{
			ID:         "h1",
			ProcessRef: "p1",
			Status:     history.StatusDone,
			Input:      "echo hi",
			Output:     "hi\n",
			BeginTime:  base,
			EndTime:    &end,
			HostRef:    "host1",
			Notes:      "note",
		}
		require.NoError(t, s.Save(ctx, r))

		got, err := s.FindByID(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, r.ID, got.ID)
		assert.Equal(t, r.ProcessRef, got.ProcessRef)
		assert.Equal(t, r.Status, got.Status)
		assert.Equal(t, r.Input, got.Input)
		assert.Equal(t, r.Output, got.Output)
		assert.True(t, r.BeginTime.Equal(got.BeginTime), "begin time %s != %s", r.BeginTime, got.BeginTime)
		require.NotNil(t, got.EndTime)
		assert.True(t, end.Equal(*got.EndTime), "end time %s != %s", end, *got.EndTime)
		assert.Equal(t, r.HostRef, got.HostRef)
		assert.Equal(t, r.Notes, got.Notes)
	})

	t.Run("save replaces", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Save(ctx, &history.Record{ID: "h1", Status: history.StatusRunning, Output: "a", BeginTime: base}))
		require.NoError(t, s.Save(ctx, &history.Record{ID: "h1", Status: history.StatusRunning, Output: "ab", BeginTime: base}))

		got, err := s.FindByID(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "ab", got.Output)
		assert.Nil(t, got.EndTime)
	})

	t.Run("delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.Save(ctx, &history.Record{ID: "h1", Status: history.StatusDone, BeginTime: base}))
		require.NoError(t, s.DeleteByID(ctx, "h1"))
		_, err := s.FindByID(ctx, "h1")
		require.ErrorIs(t, err, history.ErrNotFound)
	})

	t.Run("recent by host", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Save(ctx, &history.Record{
				ID:        fmt.Sprintf("h%d", i),
				Status:    history.StatusDone,
				BeginTime: base.Add(time.Duration(i) * time.Minute),
				HostRef:   "host1",
			}))
		}
		require.NoError(t, s.Save(ctx, &history.Record{ID: "other", Status: history.StatusDone, BeginTime: base, HostRef: "host2"}))

		recent, err := s.FindRecentByHost(ctx, "host1", 3)
		require.NoError(t, err)
		var ids []string
		for _, r := range recent {
			ids = append(ids, r.ID)
		}
		assert.Equal(t, []string{"h4", "h3", "h2"}, ids)
	})

	saveProcessRecords := func(t *testing.T, s history.Store) {
		statuses := []history.Status{
			history.StatusDone,
			history.StatusFailed,
			history.StatusSkipped,
			history.StatusFailed,
			history.StatusUnknown,
		}
		for i, status := range statuses {
			require.NoError(t, s.Save(context.Background(), &history.Record{
				ID:         fmt.Sprintf("h%d", i),
				ProcessRef: "p1",
				Status:     status,
				BeginTime:  base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.Save(context.Background(), &history.Record{ID: "other", ProcessRef: "p2", Status: history.StatusFailed, BeginTime: base}))
	}

	t.Run("find by process", func(t *testing.T) {
		cases := []struct {
			name          string
			ignoreSkipped bool
			expIDs        []string
		}{
			{name: "all", expIDs: []string{"h4", "h3", "h2", "h1", "h0"}},
			{name: "ignore skipped", ignoreSkipped: true, expIDs: []string{"h3", "h1", "h0"}},
		}
		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				s := newStore(t)
				saveProcessRecords(t, s)

				recs, err := s.FindByProcess(context.Background(), "p1", c.ignoreSkipped)
				require.NoError(t, err)
				var ids []string
				for _, r := range recs {
					ids = append(ids, r.ID)
				}
				assert.Equal(t, c.expIDs, ids)
			})
		}
	})

	t.Run("delete by process and status", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		saveProcessRecords(t, s)

		ids, err := s.DeleteByProcessAndStatus(ctx, "p1", history.StatusFailed)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"h1", "h3"}, ids)

		_, err = s.FindByID(ctx, "h1")
		assert.ErrorIs(t, err, history.ErrNotFound)
		_, err = s.FindByID(ctx, "other")
		assert.NoError(t, err)
		recs, err := s.FindByProcess(ctx, "p1", false)
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})
}
