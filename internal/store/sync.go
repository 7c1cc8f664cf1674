// Package store pushes locally committed saves to the remote backup
// service. Saves queue in the same transaction that commits them, one
// slot per project holding only the newest version, and this package
// drains that queue in the background. The app works fully offline;
// sync only ever lags, it never gates a save.
package store

import (
	"context"
	"database/sql"
	"log"
	"math/rand"
	"sync"
	"time"

	"ideaforge/internal/config"
	"ideaforge/internal/domain"
	"ideaforge/internal/repo"
)

// Remote receives pushed saves. PushSave must be idempotent per
// (projectID, version); the syncer may retry a delivery whose response
// was lost.
type Remote interface {
	PushSave(ctx context.Context, save domain.PendingSave) error
}

const (
	defaultInterval    = 5 * time.Second
	defaultBatch       = 50
	defaultMaxAttempts = 6
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 30 * time.Second
)

// Syncer drains the pending-save queue oldest-first. A failed push
// stops the pass so later saves never overtake an earlier one, and the
// next pass waits out an exponential backoff with jitter. A save that
// exhausts its attempts is dropped from the queue with its last error
// kept in the log.
type Syncer struct {
	Repo        repo.Repo
	Remote      Remote
	Interval    time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Now         func() time.Time

	mu        sync.Mutex
	holdUntil time.Time
}

// New builds a syncer from config. Remote may be nil when no remote is
// configured; Run then exits immediately.
func New(db *sql.DB, cfg *config.Config, remote Remote) *Syncer {
	s := &Syncer{
		Repo:        repo.Repo{DB: db},
		Remote:      remote,
		Interval:    time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: time.Duration(cfg.Sync.BackoffBaseMS) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Sync.BackoffCapMS) * time.Millisecond,
		Now:         time.Now,
	}
	if s.Interval <= 0 {
		s.Interval = defaultInterval
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.BackoffBase <= 0 {
		s.BackoffBase = defaultBackoffBase
	}
	if s.BackoffCap <= 0 {
		s.BackoffCap = defaultBackoffCap
	}
	return s
}

// Run drains the queue until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	if s.Remote == nil {
		return
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.Flush(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush attempts one pass over the queue and reports how many saves
// were delivered. It is safe to call from a request handler to force
// an immediate push.
func (s *Syncer) Flush(ctx context.Context) int {
	if s.Remote == nil || !s.ready() {
		return 0
	}
	pending, err := s.Repo.ListPendingSaves(ctx, defaultBatch)
	if err != nil {
		log.Printf("sync: list pending failed: %v", err)
		return 0
	}
	delivered := 0
	for _, save := range pending {
		if save.Attempts >= s.MaxAttempts {
			log.Printf("sync: dropping save for project %s after %d attempts: %s", save.ProjectID, save.Attempts, save.LastError)
			if err := s.Repo.CompleteSave(ctx, save.ProjectID, save.Version); err != nil {
				log.Printf("sync: drop failed: %v", err)
				return delivered
			}
			continue
		}
		if err := s.Remote.PushSave(ctx, save); err != nil {
			log.Printf("sync: push project %s v%d failed: %v", save.ProjectID, save.Version, err)
			if rerr := s.Repo.RecordSaveFailure(ctx, save.ProjectID, err.Error()); rerr != nil {
				log.Printf("sync: record failure: %v", rerr)
			}
			s.backOff(save.Attempts + 1)
			return delivered
		}
		if err := s.Repo.CompleteSave(ctx, save.ProjectID, save.Version); err != nil {
			log.Printf("sync: complete save: %v", err)
			return delivered
		}
		delivered++
	}
	return delivered
}

// Pending reports the queue depth, for the status endpoint and CLI.
func (s *Syncer) Pending(ctx context.Context) (int, error) {
	return s.Repo.PendingSaveCount(ctx)
}

func (s *Syncer) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.now().Before(s.holdUntil)
}

// backOff pauses the queue for base*2^(attempt-1) capped, with up to
// 50% random jitter so restarting clients do not retry in lockstep.
func (s *Syncer) backOff(attempt int) {
	delay := s.BackoffBase
	for i := 1; i < attempt && delay < s.BackoffCap; i++ {
		delay *= 2
	}
	if delay > s.BackoffCap {
		delay = s.BackoffCap
	}
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))
	s.mu.Lock()
	s.holdUntil = s.now().Add(delay)
	s.mu.Unlock()
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
