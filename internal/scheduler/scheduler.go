// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/scoring"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// Validator is the per-proxy test battery the workers drain jobs through.
type Validator interface {
	Validate(ctx context.Context, proxy *types.Proxy, level types.TestLevel) *types.ValidationResult
}

// ProxyStore is the slice of the store the scheduler writes results to.
type ProxyStore interface {
	GetByKey(ctx context.Context, ip string, port int) (*types.Proxy, error)
	Upsert(ctx context.Context, proxy *types.Proxy) (*types.Proxy, error)
	UpdateStatus(ctx context.Context, id int64, result *types.ValidationResult, isActive bool) error
}

// MetricsRecorder receives per-validation and per-job observations.
type MetricsRecorder interface {
	RecordValidation(level string, success bool, duration time.Duration, score float64)
	RecordJobFinished(status string, duration time.Duration)
}

// SystemStatus is the scheduler-wide snapshot served by the API.
type SystemStatus struct {
	QueueSize     int           `json:"queue_size"`
	Running       int           `json:"running"`
	Completed     int64         `json:"completed"`
	Failed        int64         `json:"failed"`
	Uptime        time.Duration `json:"uptime"`
	AvgJobSeconds float64       `json:"avg_job_seconds"`
}

// Scheduler owns the validation job queue, the worker pool and the
// durable job log.
type Scheduler struct {
	cfg             config.SchedulerConfig
	concurrentLimit int
	validator       Validator
	store           ProxyStore
	scorer          *scoring.Scorer
	logger          utils.Logger
	persist         *journal
	metrics         MetricsRecorder

	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobQueue
	jobs    map[string]*types.ValidationJob
	running int
	closed  bool

	completed   int64
	failed      int64
	jobDuration time.Duration

	startedAt time.Time
	wg        sync.WaitGroup
	cancelRun context.CancelFunc
}

// New builds a scheduler and revives any jobs left in the persistence
// file by a previous run. Jobs persisted as running are revived pending.
func New(cfg config.SchedulerConfig, concurrentLimit int, validator Validator, store ProxyStore, scorer *scoring.Scorer, logger utils.Logger) (*Scheduler, error) {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = 100
	}
	if concurrentLimit <= 0 {
		concurrentLimit = 10
	}

	s := &Scheduler{
		cfg:             cfg,
		concurrentLimit: concurrentLimit,
		validator:       validator,
		store:           store,
		scorer:          scorer,
		logger:          logger.WithField("component", "scheduler"),
		persist:         newJournal(cfg.PersistencePath),
		jobs:            make(map[string]*types.ValidationJob),
		startedAt:       time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)

	revived, err := s.persist.load()
	if err != nil {
		return nil, err
	}
	for _, job := range revived {
		if job.State == types.JobStateRunning {
			job.State = types.JobStatePending
			job.StartedAt = time.Time{}
		}
		s.jobs[job.ID] = job
		if job.State == types.JobStatePending {
			s.queue.push(job)
		}
	}
	if len(revived) > 0 {
		s.logger.Infof("revived %d jobs from %s", len(revived), cfg.PersistencePath)
	}
	return s, nil
}

// SetMetrics attaches an optional metrics sink. Call before Start.
func (s *Scheduler) SetMetrics(m MetricsRecorder) { s.metrics = m }

// Submit enqueues a validation job and returns its ID. It applies
// back-pressure by failing with QUEUE_FULL when the pending queue is at
// capacity.
func (s *Scheduler) Submit(proxies []types.ProxyRef, level types.TestLevel, priority int, scheduleDelay time.Duration) (string, error) {
	return s.submit(proxies, level, priority, scheduleDelay, false)
}

// SubmitWithRetry is Submit with the auto-retry flag set: proxies that
// fail validation are resubmitted once as a lower-priority job.
func (s *Scheduler) SubmitWithRetry(proxies []types.ProxyRef, level types.TestLevel, priority int, scheduleDelay time.Duration) (string, error) {
	return s.submit(proxies, level, priority, scheduleDelay, true)
}

func (s *Scheduler) submit(proxies []types.ProxyRef, level types.TestLevel, priority int, scheduleDelay time.Duration, autoRetry bool) (string, error) {
	if len(proxies) == 0 {
		return "", utils.NewError(utils.ErrCodeValidation, "job must carry at least one proxy")
	}
	if !level.Valid() {
		return "", utils.NewError(utils.ErrCodeValidation, fmt.Sprintf("unknown test level %q", level))
	}
	if priority < 1 || priority > 10 {
		return "", utils.NewError(utils.ErrCodeValidation, fmt.Sprintf("priority %d outside [1,10]", priority))
	}

	now := time.Now().UTC()
	job := &types.ValidationJob{
		ID:              uuid.New().String(),
		Proxies:         proxies,
		Level:           level,
		Priority:        priority,
		AutoRetryFailed: autoRetry,
		CreatedAt:       now,
		ScheduledAt:     now.Add(scheduleDelay),
		State:           types.JobStatePending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", utils.NewError(utils.ErrCodeInternal, "scheduler is shut down")
	}
	if s.queue.Len() >= s.cfg.JobQueueSize {
		s.mu.Unlock()
		return "", utils.NewError(utils.ErrCodeQueueFull,
			fmt.Sprintf("job queue at capacity (%d)", s.cfg.JobQueueSize))
	}
	s.jobs[job.ID] = job
	s.queue.push(job)
	s.flushLocked()
	s.mu.Unlock()

	s.cond.Signal()
	return job.ID, nil
}

// submitRetry enqueues a follow-up job for proxies that failed, one
// priority notch below the parent.
func (s *Scheduler) submitRetry(parent *types.ValidationJob, failed []types.ProxyRef) {
	priority := parent.Priority - 1
	if priority < 1 {
		priority = 1
	}
	retry := &types.ValidationJob{
		ID:          uuid.New().String(),
		Proxies:     failed,
		Level:       parent.Level,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		ScheduledAt: time.Now().UTC(),
		State:       types.JobStatePending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.queue.Len() >= s.cfg.JobQueueSize {
		s.logger.Warnf("dropping auto-retry for job %s: queue unavailable", parent.ID)
		return
	}
	s.jobs[retry.ID] = retry
	s.queue.push(retry)
	s.flushLocked()
	s.cond.Signal()
}

// GetStatus returns a copy of the job record.
func (s *Scheduler) GetStatus(jobID string) (*types.ValidationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, utils.NewError(utils.ErrCodeJobNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	copied := *job
	copied.Proxies = append([]types.ProxyRef(nil), job.Proxies...)
	return &copied, nil
}

// Jobs returns copies of all retained jobs in no particular order.
func (s *Scheduler) Jobs() []*types.ValidationJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ValidationJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

// GetSystemStatus reports queue and throughput counters.
func (s *Scheduler) GetSystemStatus() SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg float64
	if s.completed+s.failed > 0 {
		avg = s.jobDuration.Seconds() / float64(s.completed+s.failed)
	}
	return SystemStatus{
		QueueSize:     s.queue.Len(),
		Running:       s.running,
		Completed:     s.completed,
		Failed:        s.failed,
		Uptime:        time.Since(s.startedAt),
		AvgJobSeconds: avg,
	}
}

// Start launches the worker pool and the retention sweeper. It returns
// immediately; Stop shuts the pool down.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel

	for i := 0; i < s.cfg.MaxConcurrentJobs; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}

	s.wg.Add(1)
	go s.sweeper(runCtx)

	// Wake the workers when the surrounding context dies.
	go func() {
		<-runCtx.Done()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()
}

// Stop drains the pool, waiting up to shutdown_grace, then flushes the
// job log. Pending and interrupted jobs survive in the journal.
func (s *Scheduler) Stop() {
	if s.cancelRun != nil {
		s.cancelRun()
	}

	grace := s.cfg.ShutdownGrace.Std()
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace expired with workers still running")
	}

	s.mu.Lock()
	s.flushLocked()
	s.mu.Unlock()
}

// worker pops eligible jobs and runs them to completion.
func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.WithField("worker", id)

	for {
		job := s.nextJob()
		if job == nil {
			return
		}
		s.runJob(ctx, job, logger)
	}
}

// nextJob blocks until a job is eligible (scheduled_at has passed) or
// the scheduler closes. Jobs scheduled in the future never hold back
// eligible lower-priority jobs.
func (s *Scheduler) nextJob() *types.ValidationJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return nil
		}

		now := time.Now().UTC()
		best := -1
		var wake time.Time
		for i, job := range s.queue {
			if job.ScheduledAt.After(now) {
				if wake.IsZero() || job.ScheduledAt.Before(wake) {
					wake = job.ScheduledAt
				}
				continue
			}
			if best == -1 || jobBefore(job, s.queue[best]) {
				best = i
			}
		}

		if best == -1 {
			if wake.IsZero() {
				s.cond.Wait()
				continue
			}
			// Sleep until the earliest future job becomes eligible or
			// the queue changes.
			timer := time.AfterFunc(wake.Sub(now), s.cond.Broadcast)
			s.cond.Wait()
			timer.Stop()
			continue
		}

		job := s.queue.removeAt(best)
		job.State = types.JobStateRunning
		job.StartedAt = now
		s.running++
		s.flushLocked()
		return job
	}
}

// runJob drains the job's proxies through the validator with the inner
// concurrency cap and writes results to the store.
func (s *Scheduler) runJob(ctx context.Context, job *types.ValidationJob, logger utils.Logger) {
	timeout := s.cfg.ValidationTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"job_id": job.ID, "proxies": len(job.Proxies), "level": string(job.Level),
	}).Info("job started")

	var (
		succeeded, failed int
		failedRefs        []types.ProxyRef
		resultMu          sync.Mutex
		sem               = make(chan struct{}, s.concurrentLimit)
		wg                sync.WaitGroup
	)

	for _, ref := range job.Proxies {
		select {
		case sem <- struct{}{}:
		case <-jobCtx.Done():
			goto drained
		}

		wg.Add(1)
		go func(ref types.ProxyRef) {
			defer wg.Done()
			defer func() { <-sem }()

			ok := s.validateOne(jobCtx, ref, job.Level, logger)
			resultMu.Lock()
			if ok {
				succeeded++
			} else {
				failed++
				failedRefs = append(failedRefs, ref)
			}
			resultMu.Unlock()
		}(ref)
	}

drained:
	wg.Wait()

	now := time.Now().UTC()
	s.mu.Lock()
	job.CompletedAt = now
	job.Succeeded = succeeded
	job.Failed = failed
	if jobCtx.Err() != nil {
		job.State = types.JobStateFailed
		job.Error = jobCtx.Err().Error()
		s.failed++
	} else {
		job.State = types.JobStateCompleted
		s.completed++
	}
	s.jobDuration += now.Sub(job.StartedAt)
	s.running--
	s.flushLocked()
	s.mu.Unlock()

	logger.WithFields(map[string]interface{}{
		"job_id": job.ID, "state": string(job.State),
		"succeeded": succeeded, "failed": failed,
	}).Info("job finished")

	if s.metrics != nil {
		s.metrics.RecordJobFinished(string(job.State), now.Sub(job.StartedAt))
	}

	if job.AutoRetryFailed && len(failedRefs) > 0 && jobCtx.Err() == nil {
		s.submitRetry(job, failedRefs)
	}
}

// validateOne runs one proxy through the validator with the retry
// policy and persists the outcome. It reports validation success.
func (s *Scheduler) validateOne(ctx context.Context, ref types.ProxyRef, level types.TestLevel, logger utils.Logger) bool {
	proxy, err := s.store.GetByKey(ctx, ref.IP, ref.Port)
	if err != nil {
		if utils.CodeOf(err) != utils.ErrCodeProxyNotFound {
			logger.Errorf("store read for %s:%d failed: %v", ref.IP, ref.Port, err)
			return false
		}
		proxy, err = s.store.Upsert(ctx, &types.Proxy{IP: ref.IP, Port: ref.Port, Protocol: ref.Protocol})
		if err != nil {
			logger.Errorf("store upsert for %s:%d failed: %v", ref.IP, ref.Port, err)
			return false
		}
	}

	attempts := s.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}
	backoffBase := s.cfg.RetryBackoffBase.Std()
	if backoffBase <= 0 {
		backoffBase = time.Second
	}

	var result *types.ValidationResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffBase << uint(attempt-1)):
			case <-ctx.Done():
				return false
			}
		}
		result = s.validator.Validate(ctx, proxy, level)
		if result.Success {
			break
		}
		if ctx.Err() != nil {
			return false
		}
	}

	breakdown := s.scorer.Score(result, proxy)
	if err := s.store.UpdateStatus(ctx, proxy.ID, result, breakdown.IsActive); err != nil {
		logger.Errorf("store write for %s failed: %v", proxy.Key(), err)
		return false
	}
	if s.metrics != nil {
		s.metrics.RecordValidation(string(level), result.Success, result.Duration, breakdown.Composite)
	}
	return result.Success
}

// sweeper evicts terminal jobs past the retention window.
func (s *Scheduler) sweeper(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.AutoCleanupInterval.Std()
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Scheduler) evictExpired() {
	retention := s.cfg.RetentionWindow.Std()
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted int
	for id, job := range s.jobs {
		if job.State.Terminal() && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.flushLocked()
		s.logger.Infof("evicted %d expired jobs", evicted)
	}
}

// flushLocked persists the retained jobs. Callers hold s.mu.
func (s *Scheduler) flushLocked() {
	if err := s.persist.save(s.jobs); err != nil {
		s.logger.Errorf("job journal write failed: %v", err)
	}
}
