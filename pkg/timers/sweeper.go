package timers

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// RFC 3261 timer family. The application-level values below derive
// from these.
const (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second
)

// Application-level eviction deadlines.
const (
	DialogTimeout     = 3600 * time.Second
	PendingCleanup    = 300 * time.Second
	BranchCleanup     = 64 * T1
	TombstoneMaxAge   = 3600 * time.Second
	registrationCheck = "@every 30s"
	dialogCheck       = "@every 60s"
	branchCheck       = "@every 60s"
	pendingCheck      = "@every 300s"
	tombstoneCheck    = "@every 300s"
)

// RegistrarSweeper evicts expired contact bindings.
type RegistrarSweeper interface {
	SweepExpired() int
}

// DialogSweeper evicts idle dialogs and reports their Call-IDs.
type DialogSweeper interface {
	SweepIdle(timeout time.Duration) []string
}

// AgeSweeper evicts entries older than a deadline.
type AgeSweeper interface {
	SweepOlder(maxAge time.Duration) int
}

// CDRSweeper closes out timed-out calls and bounds tombstone memory.
type CDRSweeper interface {
	CallTimeout(callID string)
	SweepFlushed(maxAge time.Duration) int
}

// NonceSweeper evicts expired digest nonces.
type NonceSweeper interface {
	SweepNonces() int
}

// Targets collects everything the timer wheel mutates.
type Targets struct {
	Registrar RegistrarSweeper
	Dialogs   DialogSweeper
	Pending   AgeSweeper
	Branches  AgeSweeper
	Recorder  CDRSweeper
	Auth      NonceSweeper
}

// Sweeper is the periodic task that retires stale proxy state.
type Sweeper struct {
	cron    *cron.Cron
	logger  *logrus.Logger
	targets Targets
}

// New schedules all sweeps on a shared cron runner.
func New(targets Targets, logger *logrus.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(),
		logger:  logger,
		targets: targets,
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{registrationCheck, s.sweepRegistrations},
		{dialogCheck, s.sweepDialogs},
		{branchCheck, s.sweepBranches},
		{pendingCheck, s.sweepPending},
		{tombstoneCheck, s.sweepTombstonesAndNonces},
	}
	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start launches the timer wheel.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.WithField("event", "TIMER-START").Info("Timer wheel started")
}

// Stop halts scheduling and waits for running sweeps.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.WithField("event", "TIMER-STOP").Info("Timer wheel stopped")
}

func (s *Sweeper) sweepRegistrations() {
	if n := s.targets.Registrar.SweepExpired(); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"event":   "TIMER-REG",
			"evicted": n,
		}).Info("Expired registrations swept")
	}
}

func (s *Sweeper) sweepDialogs() {
	expired := s.targets.Dialogs.SweepIdle(DialogTimeout)
	for _, callID := range expired {
		// No wire response accompanies an idle teardown; the CDR row
		// closes with a timeout reason unless it was already flushed.
		s.targets.Recorder.CallTimeout(callID)
	}
	if len(expired) > 0 {
		s.logger.WithFields(logrus.Fields{
			"event":   "TIMER-DIALOG",
			"evicted": len(expired),
		}).Info("Idle dialogs swept")
	}
}

func (s *Sweeper) sweepBranches() {
	if n := s.targets.Branches.SweepOlder(BranchCleanup); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"event":   "TIMER-H",
			"evicted": n,
		}).Debug("Invite branches swept")
	}
}

func (s *Sweeper) sweepPending() {
	if n := s.targets.Pending.SweepOlder(PendingCleanup); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"event":   "TIMER-F",
			"evicted": n,
		}).Info("Pending requests swept")
	}
}

func (s *Sweeper) sweepTombstonesAndNonces() {
	if n := s.targets.Recorder.SweepFlushed(TombstoneMaxAge); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"event":   "TIMER-CDR",
			"evicted": n,
		}).Debug("CDR tombstones swept")
	}
	if s.targets.Auth != nil {
		if n := s.targets.Auth.SweepNonces(); n > 0 {
			s.logger.WithFields(logrus.Fields{
				"event":   "TIMER-AUTH",
				"evicted": n,
			}).Debug("Expired nonces swept")
		}
	}
}
