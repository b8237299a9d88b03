// pkg/api/proxies.go
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/valpere/ProxyHarvester/internal/store"
	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

// proxyFilterFromQuery parses the shared proxy filter query parameters.
func (s *Server) proxyFilterFromQuery(r *http.Request) store.Filter {
	q := r.URL.Query()
	filter := store.Filter{
		Protocol:  types.Protocol(q.Get("protocol")),
		Country:   q.Get("country"),
		Anonymity: types.Anonymity(q.Get("anonymity")),
		Source:    q.Get("source"),
	}
	if raw := q.Get("is_active"); raw != "" {
		if active, err := strconv.ParseBool(raw); err == nil {
			filter.IsActive = &active
		}
	}
	filter.MinResponseTime, _ = strconv.ParseInt(q.Get("min_response_time"), 10, 64)
	filter.MaxResponseTime, _ = strconv.ParseInt(q.Get("max_response_time"), 10, 64)

	filter.Page, _ = strconv.Atoi(q.Get("page"))
	if filter.Page < 1 {
		filter.Page = 1
	}
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if filter.PageSize <= 0 {
		filter.PageSize = s.cfg.DefaultPageSize
	}
	if filter.PageSize > s.cfg.MaxPageSize {
		filter.PageSize = s.cfg.MaxPageSize
	}
	return filter
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	page, err := s.deps.Store.Query(r.Context(), s.proxyFilterFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	proxy, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleDeleteProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "proxy deleted",
		"id":      id,
	})
}

func (s *Server) handleRandomProxy(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		Protocol:  types.Protocol(q.Get("protocol")),
		Anonymity: types.Anonymity(q.Get("anonymity")),
		Country:   q.Get("country"),
	}
	proxy, err := s.deps.Store.Random(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proxy)
}

func (s *Server) handleProxyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleValidateProxy schedules a one-off high-priority validation of
// one stored proxy.
func (s *Server) handleValidateProxy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	proxy, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	level := types.TestLevel(r.URL.Query().Get("level"))
	if level == "" {
		level = types.TestLevelStandard
	}

	jobID, err := s.deps.Scheduler.Submit([]types.ProxyRef{{
		IP: proxy.IP, Port: proxy.Port, Protocol: proxy.Protocol,
	}}, level, 8, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":       jobID,
		"proxy_id":     id,
		"level":        level,
		"scheduled_at": time.Now().UTC(),
	})
}

func pathID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, utils.NewError(utils.ErrCodeValidation, "proxy id must be a positive integer")
	}
	return id, nil
}
