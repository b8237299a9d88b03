// internal/coordinator/coordinator.go
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valpere/ProxyHarvester/internal/config"
	"github.com/valpere/ProxyHarvester/internal/extractor"
	"github.com/valpere/ProxyHarvester/internal/fetcher"
	"github.com/valpere/ProxyHarvester/internal/pipeline"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// JobSubmitter is the slice of the scheduler the coordinator feeds.
type JobSubmitter interface {
	Submit(proxies []types.ProxyRef, level types.TestLevel, priority int, scheduleDelay time.Duration) (string, error)
}

// CrawlRecorder receives per-run metrics.
type CrawlRecorder interface {
	RecordCrawl(source string, success bool, duration time.Duration, extracted, stored int)
}

// CandidateStore is the slice of the store the coordinator writes to.
type CandidateStore interface {
	Upsert(ctx context.Context, proxy *types.Proxy) (*types.Proxy, error)
	AppendCrawlLog(ctx context.Context, log *types.CrawlLog) error
	SyncSource(ctx context.Context, cfg config.SourceConfig) error
	TouchSourceCrawl(ctx context.Context, name string, success bool) error
	Cleanup(ctx context.Context, inactiveDays int) (int64, error)
}

// RunReport summarizes one extractor run end to end.
type RunReport struct {
	Source    string                  `json:"source"`
	Extracted int                     `json:"extracted"`
	Stored    int                     `json:"stored"`
	Stats     pipeline.TransformStats `json:"stats"`
	JobID     string                  `json:"job_id,omitempty"`
	Duration  time.Duration           `json:"duration"`
	Error     string                  `json:"error,omitempty"`
}

// SourceStatus is the per-source view served by the API.
type SourceStatus struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Priority  int       `json:"priority"`
	Interval  string    `json:"interval"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	LastFound int       `json:"last_found"`
}

type sourceState struct {
	cfg       config.SourceConfig
	running   bool
	lastRun   time.Time
	runs      int64
	failures  int64
	lastError string
	lastFound int
}

// Coordinator drives the periodic harvest: per-source schedules off one
// global timer, extract, transform, upsert, submit a validation job.
type Coordinator struct {
	cfg         config.CoordinatorConfig
	registry    *extractor.Registry
	fetch       *fetcher.Fetcher
	transformer *pipeline.Transformer
	store       CandidateStore
	scheduler   JobSubmitter
	logger      utils.Logger
	metrics     CrawlRecorder

	tick time.Duration
	sem  chan struct{}

	mu     sync.Mutex
	states map[string]*sourceState
	order  []string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a coordinator over the configured sources.
func New(cfg config.CoordinatorConfig, sources []config.SourceConfig, registry *extractor.Registry,
	fetch *fetcher.Fetcher, transformer *pipeline.Transformer, store CandidateStore,
	scheduler JobSubmitter, logger utils.Logger) *Coordinator {

	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = config.Duration(time.Hour)
	}
	if cfg.DefaultTestLevel == "" {
		cfg.DefaultTestLevel = types.TestLevelStandard
	}
	if cfg.JobPriority < 1 || cfg.JobPriority > 10 {
		cfg.JobPriority = 5
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}

	c := &Coordinator{
		cfg:         cfg,
		registry:    registry,
		fetch:       fetch,
		transformer: transformer,
		store:       store,
		scheduler:   scheduler,
		logger:      logger.WithField("component", "coordinator"),
		tick:        time.Minute,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		states:      make(map[string]*sourceState),
	}
	for _, src := range sources {
		c.states[src.Name] = &sourceState{cfg: src}
		c.order = append(c.order, src.Name)
	}
	return c
}

// SetMetrics attaches an optional metrics sink. Call before Start.
func (c *Coordinator) SetMetrics(m CrawlRecorder) { c.metrics = m }

// Start syncs source bookkeeping rows and launches the schedule loop.
func (c *Coordinator) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, name := range c.order {
		c.mu.Lock()
		src := c.states[name].cfg
		c.mu.Unlock()
		if err := c.store.SyncSource(runCtx, src); err != nil {
			c.logger.Warnf("source %s sync failed: %v", name, err)
		}
	}

	c.wg.Add(1)
	go c.loop(runCtx)
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// loop fires due sources off one global ticker and runs the daily
// lifecycle cleanup.
func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	cleanup := time.NewTicker(24 * time.Hour)
	defer cleanup.Stop()

	// First pass immediately so a fresh process starts harvesting.
	c.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runDue(ctx)
		case <-cleanup.C:
			removed, err := c.store.Cleanup(ctx, c.cfg.RetentionDays)
			if err != nil {
				c.logger.Errorf("lifecycle cleanup failed: %v", err)
				continue
			}
			c.logger.Infof("lifecycle cleanup removed %d proxies", removed)
		}
	}
}

// runDue launches every enabled source whose interval has elapsed, in
// priority order, bounded by the source semaphore.
func (c *Coordinator) runDue(ctx context.Context) {
	now := time.Now().UTC()

	c.mu.Lock()
	var due []*sourceState
	for _, name := range c.order {
		st := c.states[name]
		if !st.cfg.Enabled || st.running {
			continue
		}
		if now.Sub(st.lastRun) < c.intervalFor(st.cfg) {
			continue
		}
		st.running = true
		due = append(due, st)
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].cfg.Priority > due[j].cfg.Priority
	})

	for _, st := range due {
		select {
		case c.sem <- struct{}{}:
		case <-ctx.Done():
			c.mu.Lock()
			st.running = false
			c.mu.Unlock()
			return
		}

		c.wg.Add(1)
		go func(name string) {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			if _, err := c.runSource(ctx, name, RunOverrides{}); err != nil {
				c.logger.Errorf("source %s run failed: %v", name, err)
			}
		}(st.cfg.Name)
	}
}

func (c *Coordinator) intervalFor(src config.SourceConfig) time.Duration {
	if src.CrawlInterval > 0 {
		return src.CrawlInterval.Std()
	}
	return c.cfg.DefaultInterval.Std()
}

// RunOverrides adjusts one triggered run without touching the stored
// source configuration. Zero values keep the configured behavior.
type RunOverrides struct {
	RetryAttempts  int           // per-request retry budget
	RateLimitDelay time.Duration // extra delay before each request
}

// RunSource triggers one source immediately, outside its schedule. Used
// by the crawl CLI command.
func (c *Coordinator) RunSource(ctx context.Context, name string) (*RunReport, error) {
	return c.RunSourceWith(ctx, name, RunOverrides{})
}

// RunSourceWith is RunSource with per-run tuning, for API-triggered
// harvests that carry their own retry and pacing knobs.
func (c *Coordinator) RunSourceWith(ctx context.Context, name string, overrides RunOverrides) (*RunReport, error) {
	c.mu.Lock()
	st, ok := c.states[name]
	if !ok {
		c.mu.Unlock()
		return nil, utils.NewError(utils.ErrCodeConfig, fmt.Sprintf("unknown source %q", name))
	}
	if st.running {
		c.mu.Unlock()
		return nil, utils.NewError(utils.ErrCodeInternal, fmt.Sprintf("source %q is already running", name))
	}
	st.running = true
	c.mu.Unlock()

	return c.runSource(ctx, name, overrides)
}

// runSource is the single-source harvest: extract, transform, upsert,
// submit a validation job, log the crawl. Callers must have marked the
// source running.
func (c *Coordinator) runSource(ctx context.Context, name string, overrides RunOverrides) (*RunReport, error) {
	c.mu.Lock()
	st := c.states[name]
	src := st.cfg
	c.mu.Unlock()

	if overrides.RetryAttempts > 0 {
		src.RetryAttempts = overrides.RetryAttempts
	}
	if overrides.RateLimitDelay > 0 {
		src.RateLimitDelay = config.Duration(overrides.RateLimitDelay)
	}

	started := time.Now()
	report, runErr := c.harvest(ctx, src)
	report.Duration = time.Since(started)
	if runErr != nil {
		report.Error = runErr.Error()
	}

	crawlLog := &types.CrawlLog{
		Source:     name,
		TotalFound: report.Stored,
		Success:    runErr == nil,
		Metadata: map[string]string{
			"extracted":  fmt.Sprintf("%d", report.Extracted),
			"invalid":    fmt.Sprintf("%d", report.Stats.Invalid),
			"duplicates": fmt.Sprintf("%d", report.Stats.Duplicates),
		},
		CrawledAt: time.Now().UTC(),
	}
	if runErr != nil {
		crawlLog.ErrorMessage = runErr.Error()
	}
	if report.JobID != "" {
		crawlLog.Metadata["job_id"] = report.JobID
	}
	if err := c.store.AppendCrawlLog(ctx, crawlLog); err != nil {
		c.logger.Errorf("crawl log for %s failed: %v", name, err)
	}
	if err := c.store.TouchSourceCrawl(ctx, name, runErr == nil); err != nil {
		c.logger.Errorf("source bookkeeping for %s failed: %v", name, err)
	}

	c.mu.Lock()
	st.running = false
	st.lastRun = time.Now().UTC()
	st.runs++
	st.lastFound = report.Stored
	if runErr != nil {
		st.failures++
		st.lastError = runErr.Error()
	} else {
		st.lastError = ""
	}
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"source": name, "extracted": report.Extracted, "stored": report.Stored,
		"job_id": report.JobID, "success": runErr == nil,
	}).Info("source run finished")

	if c.metrics != nil {
		c.metrics.RecordCrawl(name, runErr == nil, report.Duration, report.Extracted, report.Stored)
	}

	return report, runErr
}

// harvest runs the extract/transform/store/submit chain for one source.
func (c *Coordinator) harvest(ctx context.Context, src config.SourceConfig) (*RunReport, error) {
	report := &RunReport{Source: src.Name}

	ext, err := c.registry.Build(src, c.fetch, c.logger)
	if err != nil {
		return report, err
	}

	result, err := ext.Extract(ctx)
	if err != nil {
		return report, err
	}
	report.Extracted = len(result.Proxies)

	proxies, stats := c.transformer.Transform(result)
	report.Stats = stats

	refs := make([]types.ProxyRef, 0, len(proxies))
	for i := range proxies {
		stored, err := c.store.Upsert(ctx, &proxies[i])
		if err != nil {
			c.logger.Warnf("upsert %s failed: %v", proxies[i].Key(), err)
			continue
		}
		report.Stored++
		refs = append(refs, types.ProxyRef{IP: stored.IP, Port: stored.Port, Protocol: stored.Protocol})
	}

	if len(refs) > 0 {
		jobID, err := c.scheduler.Submit(refs, c.cfg.DefaultTestLevel, c.cfg.JobPriority, 0)
		if err != nil {
			c.logger.Warnf("validation job for %s not submitted: %v", src.Name, err)
		} else {
			report.JobID = jobID
		}
	}

	return report, nil
}

// TestSource runs extract and transform without touching the store or
// the scheduler, so operators can vet a source configuration.
func (c *Coordinator) TestSource(ctx context.Context, src config.SourceConfig) (*RunReport, error) {
	report := &RunReport{Source: src.Name}

	ext, err := c.registry.Build(src, c.fetch, c.logger)
	if err != nil {
		return report, err
	}
	result, err := ext.Extract(ctx)
	if err != nil {
		return report, err
	}
	report.Extracted = len(result.Proxies)

	proxies, stats := c.transformer.Transform(result)
	report.Stats = stats
	report.Stored = len(proxies)
	return report, nil
}

// SourceConfig returns the configuration of a named source.
func (c *Coordinator) SourceConfig(name string) (config.SourceConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[name]
	if !ok {
		return config.SourceConfig{}, false
	}
	return st.cfg, true
}

// Status reports the per-source schedule state, highest priority first.
func (c *Coordinator) Status() []SourceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SourceStatus, 0, len(c.order))
	for _, name := range c.order {
		st := c.states[name]
		out = append(out, SourceStatus{
			Name:      st.cfg.Name,
			Enabled:   st.cfg.Enabled,
			Priority:  st.cfg.Priority,
			Interval:  c.intervalFor(st.cfg).String(),
			Running:   st.running,
			LastRun:   st.lastRun,
			Runs:      st.runs,
			Failures:  st.failures,
			LastError: st.lastError,
			LastFound: st.lastFound,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}
