// Package reaper implements the periodic stale-connection sweep (spec
// §4.4): for every active room, connections whose last heartbeat predates
// the lookback window are evicted via Service.Leave, producing a leave
// event indistinguishable from an explicit one.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/metrics"
	"github.com/outpostlabs/presence-fabric/internal/v1/presence"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
	"go.uber.org/zap"
)

// leaver is the subset of presence.Service the reaper depends on; Leave is
// the only path by which the reaper ever writes to the store (spec §3.3).
type leaver interface {
	Leave(ctx context.Context, connID string) (*presence.LeaveResult, error)
}

// Reaper periodically scans active_rooms and evicts stale connections.
type Reaper struct {
	store    *store.Client
	service  leaver
	interval time.Duration
	lookback time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Reaper that scans every interval, treating a connection as
// stale once its last heartbeat is older than lookback.
func New(client *store.Client, service leaver, interval, lookback time.Duration) *Reaper {
	return &Reaper{store: client, service: service, interval: interval, lookback: lookback, now: time.Now}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop and waits for any in-flight sweep to finish.
// Safe to call more than once.
func (r *Reaper) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel = nil
}

// sweep performs one full pass over active_rooms. Per-room errors are
// logged and swallowed (spec §4.6 "Reaper tick errors: logged and
// swallowed per-room; next tick retries"); work yields between rooms so a
// burst of stale connections cannot monopolize the scheduler (spec §4.4).
func (r *Reaper) sweep(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReaperSweepsTotal.Inc()
		metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds())
	}()

	rooms, err := r.store.SetMembers(ctx, "prs:active_rooms")
	if err != nil {
		logging.Error(ctx, "reaper failed to list active rooms", zap.Error(err))
		return
	}

	for _, roomID := range rooms {
		select {
		case <-ctx.Done():
			return
		default:
		}
		metrics.ReaperRoomsScanned.Inc()
		r.sweepRoom(ctx, roomID)
	}
}

func (r *Reaper) sweepRoom(ctx context.Context, roomID string) {
	threshold := r.now().Add(-r.lookback).UnixMilli()
	key := fmt.Sprintf("prs:{room:%s}:last_seen", roomID)

	stale, err := r.store.SortedRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", threshold))
	if err != nil {
		logging.Error(ctx, "reaper failed to scan room for stale connections", zap.Error(err), zap.String("room_id", roomID))
		return
	}

	for _, connID := range stale {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := r.service.Leave(ctx, connID); err != nil {
			logging.Error(ctx, "reaper failed to evict stale connection", zap.Error(err), zap.String("conn_id", connID), zap.String("room_id", roomID))
			continue
		}
		metrics.ReaperConnectionsReaped.Inc()
	}
}
