// Package leaderelection gates the control loops so that only one
// controller replica drives a shared fleet. A flock on a shared lock file
// stands in for a distributed lease: replicas on the same host (or a shared
// volume) race for it, the winner runs the loops, the rest wait.
package leaderelection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"Rigger/internal/metrics"
)

type Config struct {
	Enabled      bool
	LockFilePath string
	RetryPeriod  time.Duration
}

type Elector struct {
	config  Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	leading atomic.Bool

	fdMu   sync.Mutex
	lockFd int
}

func New(cfg Config, met *metrics.Metrics, logger *slog.Logger) *Elector {
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = 5 * time.Second
	}
	return &Elector{
		config:  cfg,
		metrics: met,
		logger:  logger.With("component", "leader-election"),
		lockFd:  -1,
	}
}

// Run races for the lock and calls onStartLeading once leadership is held.
// The context handed to onStartLeading is scoped to the leadership term:
// it is cancelled before onStopLeading fires, so everything started under
// it stops when leadership is lost. While leading, the held fd is the
// lease; the elector re-asserts the flock on that same fd rather than
// opening a new one, which would conflict with its own lock. With election
// disabled the replica leads unconditionally.
func (e *Elector) Run(ctx context.Context, onStartLeading, onStopLeading func(ctx context.Context)) error {
	if !e.config.Enabled {
		e.logger.Info("leader election disabled, assuming leadership")
		e.setLeading(true)
		onStartLeading(ctx)
		<-ctx.Done()
		return nil
	}

	e.logger.Info("starting leader election",
		"lock_file", e.config.LockFilePath,
		"retry_period", e.config.RetryPeriod,
	)

	ticker := time.NewTicker(e.config.RetryPeriod)
	defer ticker.Stop()

	var leadCancel context.CancelFunc
	stopLeading := func() {
		e.release()
		e.setLeading(false)
		if leadCancel != nil {
			leadCancel()
			leadCancel = nil
		}
		onStopLeading(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			if e.leading.Load() {
				stopLeading()
			}
			return nil

		case <-ticker.C:
			if e.leading.Load() {
				if e.verifyLease() {
					continue
				}
				e.logger.Warn("lost leadership")
				stopLeading()
				continue
			}

			acquired, err := e.tryAcquire()
			if err != nil {
				e.logger.Error("lock acquisition failed", "error", err)
				continue
			}
			if acquired {
				e.logger.Info("acquired leadership")
				e.setLeading(true)
				leadCtx, cancel := context.WithCancel(ctx)
				leadCancel = cancel
				go onStartLeading(leadCtx)
			}
		}
	}
}

// IsLeader reports whether this replica currently drives the fleet.
func (e *Elector) IsLeader() bool {
	return e.leading.Load() || !e.config.Enabled
}

func (e *Elector) setLeading(leading bool) {
	e.leading.Store(leading)
	if e.metrics != nil {
		v := 0.0
		if leading {
			v = 1.0
		}
		e.metrics.LeaderElection.Set(v)
	}
}

// verifyLease re-asserts the flock on the fd already held. Flock is
// idempotent for the holder, so a failure means the lease is gone.
func (e *Elector) verifyLease() bool {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	if e.lockFd < 0 {
		return false
	}
	if err := syscall.Flock(e.lockFd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		e.logger.Error("lease verification failed", "error", err)
		return false
	}
	return true
}

func (e *Elector) tryAcquire() (bool, error) {
	fd, err := syscall.Open(e.config.LockFilePath, syscall.O_CREAT|syscall.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		syscall.Close(fd)
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if _, err := syscall.Write(fd, []byte(pid)); err != nil {
		syscall.Close(fd)
		return false, fmt.Errorf("write pid: %w", err)
	}

	e.fdMu.Lock()
	if e.lockFd >= 0 {
		syscall.Close(e.lockFd)
	}
	e.lockFd = fd
	e.fdMu.Unlock()
	return true, nil
}

func (e *Elector) release() {
	e.fdMu.Lock()
	defer e.fdMu.Unlock()
	if e.lockFd >= 0 {
		syscall.Flock(e.lockFd, syscall.LOCK_UN)
		syscall.Close(e.lockFd)
		e.lockFd = -1
		e.logger.Info("released leadership")
	}
}
