package worker

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"fitledger/internal/metrics"
	"fitledger/internal/model"
	"fitledger/internal/service"
)

// LockSweeper periodically releases booking locks whose unlock_at has passed
// without the booking settling them, and reconciles professor locked-hour
// aggregates against the ledger.
type LockSweeper struct {
	students   *service.StudentBalanceService
	professors *service.ProfessorHourService
	schedule   string
	batch      int
	metrics    *metrics.Metrics
	log        *logrus.Logger
	cron       *cron.Cron
}

func NewLockSweeper(students *service.StudentBalanceService, professors *service.ProfessorHourService, schedule string, batch int, m *metrics.Metrics, log *logrus.Logger) *LockSweeper {
	if schedule == "" {
		schedule = "*/5 * * * *"
	}
	if batch <= 0 {
		batch = 100
	}
	return &LockSweeper{
		students:   students,
		professors: professors,
		schedule:   schedule,
		batch:      batch,
		metrics:    m,
		log:        log,
	}
}

// Run registers the sweep jobs and blocks until ctx is cancelled, then waits
// for any in-flight sweep to finish.
func (s *LockSweeper) Run(ctx context.Context) error {
	s.cron = cron.New()

	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	// Aggregate reconciliation is cheap relative to its window; hourly is enough.
	if _, err := s.cron.AddFunc("@hourly", func() { s.reconcile(ctx) }); err != nil {
		return err
	}

	s.cron.Start()
	s.log.WithField("schedule", s.schedule).Info("lock sweeper running")

	<-ctx.Done()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// Sweep releases one batch of expired student and bonus-hour locks. Each lock
// is released independently so one bad row cannot stall the batch.
func (s *LockSweeper) Sweep(ctx context.Context) {
	s.sweepStudents(ctx)
	s.sweepHours(ctx)
}

func (s *LockSweeper) sweepStudents(ctx context.Context) {
	locks, err := s.students.ListExpiredLocks(ctx, s.batch)
	if err != nil {
		s.metrics.IncSweepError()
		s.log.WithField("error", err).Error("listing expired student locks failed")
		return
	}

	for _, lock := range locks {
		_, _, err := s.students.ReleaseExpiredLock(ctx, lock)
		switch {
		case err == nil:
			s.metrics.IncSweepUnlock("student_class")
			s.log.WithFields(logrus.Fields{
				"student_id": lock.StudentID,
				"booking_id": lock.BookingID,
				"qty":        lock.Qty,
			}).Info("expired student lock released")
		case isAlreadySettled(err):
			// A consume or manual unlock raced the sweep; the ledger row that
			// settled it will exclude this lock from the next listing.
			s.log.WithFields(logrus.Fields{
				"student_id": lock.StudentID,
				"booking_id": lock.BookingID,
			}).Warn("expired student lock already settled, skipping")
		default:
			s.metrics.IncSweepError()
			s.log.WithFields(logrus.Fields{
				"student_id": lock.StudentID,
				"booking_id": lock.BookingID,
				"error":      err,
			}).Error("releasing expired student lock failed")
		}
	}
}

func (s *LockSweeper) sweepHours(ctx context.Context) {
	locks, err := s.professors.ListExpiredLocks(ctx, s.batch)
	if err != nil {
		s.metrics.IncSweepError()
		s.log.WithField("error", err).Error("listing expired bonus-hour locks failed")
		return
	}

	for _, lock := range locks {
		_, _, err := s.professors.ReleaseExpiredBonusLock(ctx, lock)
		if err != nil {
			s.metrics.IncSweepError()
			s.log.WithFields(logrus.Fields{
				"professor_id": lock.ProfessorID,
				"booking_id":   lock.BookingID,
				"error":        err,
			}).Error("releasing expired bonus-hour lock failed")
			continue
		}
		s.metrics.IncSweepUnlock("professor_hour")
		s.log.WithFields(logrus.Fields{
			"professor_id": lock.ProfessorID,
			"booking_id":   lock.BookingID,
			"hours":        lock.Hours,
		}).Info("expired bonus-hour lock released")
	}
}

func (s *LockSweeper) reconcile(ctx context.Context) {
	synced, err := s.professors.ReconcileAll(ctx, s.batch)
	if err != nil {
		s.metrics.IncSweepError()
		s.log.WithField("error", err).Error("locked-hour reconciliation failed")
		return
	}
	if synced > 0 {
		s.log.WithField("synced", synced).Info("locked-hour aggregates reconciled")
	}
}

func isAlreadySettled(err error) bool {
	var insufficientLocked *model.InsufficientLockedBalanceError
	return errors.As(err, &insufficientLocked)
}

// Start implements the infrastructure.Server interface.
func (s *LockSweeper) Start(ctx context.Context) error {
	return s.Run(ctx)
}

// Stop implements the infrastructure.Server interface (shutdown is via ctx).
func (s *LockSweeper) Stop(ctx context.Context) error {
	return nil
}
