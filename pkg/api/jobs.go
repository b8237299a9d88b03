// pkg/api/jobs.go
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

type submitJobRequest struct {
	Proxies       []types.ProxyRef `json:"proxies"`
	Level         types.TestLevel  `json:"level"`
	Priority      int              `json:"priority"`
	ScheduleDelay string           `json:"schedule_delay,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.NewError(utils.ErrCodeValidation, "invalid request body"))
		return
	}
	if req.Level == "" {
		req.Level = types.TestLevelStandard
	}
	if req.Priority == 0 {
		req.Priority = 5
	}

	var delay time.Duration
	if req.ScheduleDelay != "" {
		parsed, err := time.ParseDuration(req.ScheduleDelay)
		if err != nil || parsed < 0 {
			writeError(w, utils.NewError(utils.ErrCodeValidation, "schedule_delay must be a non-negative duration"))
			return
		}
		delay = parsed
	}

	jobID, err := s.deps.Scheduler.Submit(req.Proxies, req.Level, req.Priority, delay)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.GetStatus(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.deps.Scheduler.Jobs()
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
