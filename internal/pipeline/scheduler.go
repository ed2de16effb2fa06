package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lox/clima/internal/metrics"
)

const (
	DefaultIngestSchedule   = "0 * * * *"
	DefaultForecastSchedule = "0 12 * * *"
	DefaultRetrainSchedule  = "0 0 * * *"
)

// Scheduler triggers flows on cron schedules in UTC. A tick is skipped
// while the same flow is still running, whether it was started by the
// scheduler or by another process holding the flow's lease.
type Scheduler struct {
	cron *cron.Cron
	lock *RunLock
	ctx  context.Context
	jobs []string
}

func NewScheduler(lock *RunLock) *Scheduler {
	if lock == nil {
		lock = NewRunLock()
	}
	logger := cron.PrintfLogger(log.Default())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		lock: lock,
		ctx:  context.Background(),
	}
}

// ValidateSchedule reports whether spec is a standard five-field cron
// expression.
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Add registers fn to run as flow on spec.
func (s *Scheduler) Add(flow, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := RunExclusive(s.ctx, s.lock, flow, fn); err != nil {
			log.Printf("scheduler: %s: %v", flow, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", flow, err)
	}
	s.jobs = append(s.jobs, flow)
	log.Printf("scheduler: %s scheduled at %q (UTC)", flow, spec)
	return nil
}

// Run starts the schedules and blocks until ctx is done, then waits for
// running jobs to return.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	log.Printf("scheduler: running %d jobs", len(s.jobs))

	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-s.cron.Stop().Done()
}

// ErrAlreadyRunning is returned by RunExclusive when flow holds the lock.
var ErrAlreadyRunning = errors.New("pipeline: flow already running")

// RunExclusive runs fn unless flow is already running here or, when lock
// has leases, in another process.
func RunExclusive(ctx context.Context, lock *RunLock, flow string, fn func(ctx context.Context) error) error {
	release, ok, err := lock.Acquire(ctx, flow)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", flow, err)
	}
	if !ok {
		metrics.PipelineRunsSkipped.WithLabelValues(flow).Inc()
		log.Printf("pipeline: %s still running, skipping", flow)
		return ErrAlreadyRunning
	}
	defer release()
	return fn(ctx)
}
