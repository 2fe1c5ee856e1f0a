// Package sweep runs the background maintenance passes: lease reclaim, TTL
// expiry, expired cleanup, ephemeral purge, heartbeat timeouts and
// round-table expiry. Each pass is independent; one failing pass logs and
// retries on the next tick without blocking the others.
package sweep

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/admp-io/admpd/internal/clock"
	"github.com/admp-io/admpd/internal/config"
	"github.com/admp-io/admpd/internal/events"
	"github.com/admp-io/admpd/internal/logging"
	"github.com/admp-io/admpd/internal/metrics"
	"github.com/admp-io/admpd/internal/roundtable"
	"github.com/admp-io/admpd/internal/store"
)

// Sweeper drives the periodic maintenance loop.
type Sweeper struct {
	store  store.Store
	cfg    *config.Config
	log    *logging.Logger
	bus    *events.Bus
	tables *roundtable.Service
	clock  clock.Clock

	schedule cron.Schedule
}

// NewSweeper creates a Sweeper. When cfg.SweepSchedule is set it takes
// precedence over the fixed cleanup interval.
func NewSweeper(st store.Store, cfg *config.Config, log *logging.Logger, bus *events.Bus, tables *roundtable.Service, clk clock.Clock) (*Sweeper, error) {
	s := &Sweeper{
		store:  st,
		cfg:    cfg,
		log:    log,
		bus:    bus,
		tables: tables,
		clock:  clk,
	}
	if cfg.SweepSchedule != "" {
		sched, err := cron.ParseStandard(cfg.SweepSchedule)
		if err != nil {
			return nil, err
		}
		s.schedule = sched
	}
	return s, nil
}

// Run performs an immediate sweep and then loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.RunOnce(ctx)
	for {
		select {
		case <-s.clock.After(s.nextWait()):
			s.RunOnce(ctx)
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		}
	}
}

func (s *Sweeper) nextWait() time.Duration {
	if s.schedule != nil {
		now := s.clock.Now()
		wait := s.schedule.Next(now).Sub(now)
		if wait <= 0 {
			wait = time.Second
		}
		return wait
	}
	return s.cfg.CleanupInterval
}

// RunOnce executes every sweep pass exactly once.
func (s *Sweeper) RunOnce(ctx context.Context) {
	start := s.clock.Now()

	s.pass("lease_reclaim", func(now time.Time) (int, error) {
		return s.store.ExpireLeases(now)
	})
	s.pass("ttl_expiry", func(now time.Time) (int, error) {
		return s.store.ExpireMessages(now)
	})
	s.pass("expired_cleanup", func(now time.Time) (int, error) {
		return s.store.CleanupExpiredMessages(now.Add(-s.cfg.ExpiredRetention))
	})
	s.pass("ephemeral_purge", func(now time.Time) (int, error) {
		return s.store.PurgeExpiredEphemeral(now)
	})
	s.pass("heartbeat_timeout", s.sweepHeartbeats)
	s.pass("roundtable_expiry", func(now time.Time) (int, error) {
		return s.tables.ExpireDue(ctx, now)
	})
	s.pass("roundtable_purge", func(now time.Time) (int, error) {
		return s.tables.PurgeFinished(now.Add(-s.cfg.RoundTablePurgeTTL))
	})

	s.refreshGauges()
	if s.cfg.MetricsTextfilePath != "" {
		if err := metrics.WriteTextfile(s.cfg.MetricsTextfilePath); err != nil {
			s.log.Warn("metrics textfile write failed", "path", s.cfg.MetricsTextfilePath, "error", err)
		}
	}
	metrics.SweepDuration.Observe(s.clock.Since(start).Seconds())
}

func (s *Sweeper) pass(name string, fn func(now time.Time) (int, error)) {
	n, err := fn(s.clock.Now())
	if err != nil {
		metrics.SweepRuns.WithLabelValues(name, "error").Inc()
		s.log.Error("sweep pass failed", "sweep", name, "error", err)
		return
	}
	metrics.SweepRuns.WithLabelValues(name, "ok").Inc()
	if n > 0 {
		s.log.Info("sweep pass complete", "sweep", name, "affected", n)
	}
}

// sweepHeartbeats flips online agents past their heartbeat deadline to
// offline. A per-agent timeout wins over the configured default.
func (s *Sweeper) sweepHeartbeats(now time.Time) (int, error) {
	agents, err := s.store.ListAgents()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range agents {
		if a.Heartbeat.Status != "online" || a.Heartbeat.LastHeartbeat.IsZero() {
			continue
		}
		timeout := s.cfg.HeartbeatTimeout
		if a.Heartbeat.TimeoutMS > 0 {
			timeout = time.Duration(a.Heartbeat.TimeoutMS) * time.Millisecond
		}
		if a.Heartbeat.LastHeartbeat.Add(timeout).After(now) {
			continue
		}
		a.Heartbeat.Status = "offline"
		a.UpdatedAt = now
		if err := s.store.UpdateAgent(a); err != nil {
			s.log.Warn("heartbeat timeout update failed", "agent_id", a.ID, "error", err)
			continue
		}
		s.bus.Publish(events.Event{
			Type:      events.EventAgentOffline,
			AgentID:   a.ID,
			Timestamp: now,
		})
		n++
	}
	return n, nil
}

func (s *Sweeper) refreshGauges() {
	if counts, err := s.store.CountMessagesByStatus(); err == nil {
		metrics.QueuedMessages.Set(float64(counts[store.MsgQueued]))
		metrics.LeasedMessages.Set(float64(counts[store.MsgLeased]))
	}
	if agents, err := s.store.ListAgents(); err == nil {
		online := 0
		for _, a := range agents {
			if a.Heartbeat.Status == "online" {
				online++
			}
		}
		metrics.AgentsOnline.Set(float64(online))
	}
}
