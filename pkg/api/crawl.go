// pkg/api/crawl.go
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/valpere/ProxyHarvester/internal/coordinator"
	"github.com/valpere/ProxyHarvester/internal/store"
	"github.com/valpere/ProxyHarvester/internal/utils"
)

// crawlTask tracks one API-triggered harvest across its sources. The
// durable artifacts are the validation jobs and crawl logs the runs
// produce; the task itself is a short-lived progress handle.
type crawlTask struct {
	ID          string                            `json:"task_id"`
	Status      string                            `json:"status"`
	Sources     []string                          `json:"sources"`
	StartedAt   time.Time                         `json:"started_at"`
	CompletedAt time.Time                         `json:"completed_at,omitempty"`
	Reports     map[string]*coordinator.RunReport `json:"reports"`
	Errors      map[string]string                 `json:"errors,omitempty"`

	done int
}

// maxCrawlRetryAttempts bounds the per-request retry budget a caller may
// ask for on a triggered crawl.
const maxCrawlRetryAttempts = 10

type crawlStartRequest struct {
	Sources        []string `json:"sources"`
	MaxConcurrent  int      `json:"max_concurrent"`   // cap on sources crawled in parallel, 0 = all at once
	RetryAttempts  int      `json:"retry_attempts"`   // per-request retry budget, 0 keeps the fetcher default
	RateLimitDelay string   `json:"rate_limit_delay"` // extra delay before each request, e.g. "500ms"
}

func (s *Server) handleCrawlStart(w http.ResponseWriter, r *http.Request) {
	var req crawlStartRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, utils.NewError(utils.ErrCodeValidation, "invalid request body"))
			return
		}
	}

	if req.MaxConcurrent < 0 {
		writeError(w, utils.NewError(utils.ErrCodeValidation, "max_concurrent must not be negative"))
		return
	}
	if req.RetryAttempts < 0 || req.RetryAttempts > maxCrawlRetryAttempts {
		writeError(w, utils.NewError(utils.ErrCodeValidation,
			fmt.Sprintf("retry_attempts must be between 0 and %d", maxCrawlRetryAttempts)))
		return
	}
	overrides := coordinator.RunOverrides{RetryAttempts: req.RetryAttempts}
	if req.RateLimitDelay != "" {
		delay, err := time.ParseDuration(req.RateLimitDelay)
		if err != nil || delay < 0 {
			writeError(w, utils.NewError(utils.ErrCodeValidation,
				fmt.Sprintf("invalid rate_limit_delay %q", req.RateLimitDelay)))
			return
		}
		overrides.RateLimitDelay = delay
	}

	names := req.Sources
	if len(names) == 0 {
		for _, st := range s.deps.Crawler.Status() {
			if st.Enabled {
				names = append(names, st.Name)
			}
		}
	}
	if len(names) == 0 {
		writeError(w, utils.NewError(utils.ErrCodeConfig, "no sources configured"))
		return
	}
	for _, name := range names {
		if _, ok := s.deps.Crawler.SourceConfig(name); !ok {
			writeError(w, utils.NewError(utils.ErrCodeConfig, fmt.Sprintf("unknown source %q", name)))
			return
		}
	}

	task := &crawlTask{
		ID:        uuid.New().String(),
		Status:    "running",
		Sources:   names,
		StartedAt: time.Now().UTC(),
		Reports:   make(map[string]*coordinator.RunReport),
		Errors:    make(map[string]string),
	}
	s.taskMu.Lock()
	s.tasks[task.ID] = task
	s.taskMu.Unlock()

	slots := req.MaxConcurrent
	if slots <= 0 || slots > len(names) {
		slots = len(names)
	}
	sem := make(chan struct{}, slots)

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			report, err := s.deps.Crawler.RunSourceWith(s.baseCtx, name, overrides)

			s.taskMu.Lock()
			defer s.taskMu.Unlock()
			task.Reports[name] = report
			if err != nil {
				task.Errors[name] = err.Error()
			}
			task.done++
		}(name)
	}
	go func() {
		wg.Wait()
		s.taskMu.Lock()
		defer s.taskMu.Unlock()
		task.CompletedAt = time.Now().UTC()
		if len(task.Errors) == len(task.Sources) {
			task.Status = "failed"
		} else {
			task.Status = "completed"
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"task_id":    task.ID,
		"status":     task.Status,
		"sources":    task.Sources,
		"started_at": task.StartedAt,
	})
}

func (s *Server) handleCrawlStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.taskMu.Lock()
	task, ok := s.tasks[id]
	if !ok {
		s.taskMu.Unlock()
		writeError(w, utils.NewError(utils.ErrCodeJobNotFound, fmt.Sprintf("crawl task %s not found", id)))
		return
	}
	snapshot := *task
	snapshot.Reports = make(map[string]*coordinator.RunReport, len(task.Reports))
	for name, report := range task.Reports {
		snapshot.Reports[name] = report
	}
	done := task.done
	s.taskMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": snapshot.ID,
		"status":  snapshot.Status,
		"progress": map[string]int{
			"total":     len(snapshot.Sources),
			"completed": done,
		},
		"stats":      snapshot.Reports,
		"errors":     snapshot.Errors,
		"started_at": snapshot.StartedAt,
	})
}

func (s *Server) handleCrawlTaskDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		writeError(w, utils.NewError(utils.ErrCodeJobNotFound, fmt.Sprintf("crawl task %s not found", id)))
		return
	}
	if task.Status == "running" {
		writeError(w, utils.NewError(utils.ErrCodeValidation, "crawl task is still running"))
		return
	}
	delete(s.tasks, id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "crawl task deleted",
		"id":      id,
	})
}

func (s *Server) handleCrawlHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CrawlLogFilter{Source: q.Get("source")}
	if raw := q.Get("success"); raw != "" {
		if success, err := strconv.ParseBool(raw); err == nil {
			filter.Success = &success
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	logs, err := s.deps.Store.CrawlLogs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"history": logs,
		"count":   len(logs),
	})
}

func (s *Server) handleCrawlSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": s.deps.Crawler.Status(),
	})
}

// handleCrawlSourceTest dry-runs a configured source without persisting
// anything.
func (s *Server) handleCrawlSourceTest(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	src, ok := s.deps.Crawler.SourceConfig(name)
	if !ok {
		writeError(w, utils.NewError(utils.ErrCodeConfig, fmt.Sprintf("unknown source %q", name)))
		return
	}
	report, err := s.deps.Crawler.TestSource(r.Context(), src)
	if err != nil {
		writeError(w, utils.WrapError(utils.ErrCodeNetwork, fmt.Sprintf("source %q test failed", name), err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
