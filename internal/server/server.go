// Package server exposes the monitoring operations over a JSON HTTP API.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/allocvoid/clashspy/internal/domain"
	"github.com/allocvoid/clashspy/internal/service"
	"github.com/allocvoid/clashspy/internal/stats"
)

type MonitorServer struct {
	svc    *service.MonitorService
	logger zerolog.Logger
}

func NewMonitorServer(svc *service.MonitorService, logger zerolog.Logger) *MonitorServer {
	return &MonitorServer{svc: svc, logger: logger}
}

// Routes registers every handler on the mux.
func (s *MonitorServer) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/players/{tag}", s.searchPlayer)
	mux.HandleFunc("GET /api/players/{tag}/chests", s.upcomingChests)
	mux.HandleFunc("GET /api/subjects", s.listSubjects)
	mux.HandleFunc("POST /api/subjects", s.startMonitoring)
	mux.HandleFunc("POST /api/subjects/{tag}/stop", s.stopMonitoring)
	mux.HandleFunc("DELETE /api/subjects/{tag}", s.deleteSubject)
	mux.HandleFunc("GET /api/subjects/{tag}/stats", s.getStats)
	mux.HandleFunc("GET /api/subjects/{tag}/rivals", s.getRivals)
	mux.HandleFunc("GET /api/subjects/{tag}/rivals/{opponent}", s.headToHead)
	mux.HandleFunc("GET /api/subjects/{tag}/battles", s.recentBattles)
}

type subjectResponse struct {
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Arena    string `json:"arena,omitempty"`
	Trophies int    `json:"trophies"`
	Status   string `json:"status"`
}

func toSubjectResponse(subj domain.Subject) subjectResponse {
	return subjectResponse{
		Tag:      domain.DisplayTag(subj.Tag),
		Name:     subj.Name,
		Arena:    subj.Arena,
		Trophies: subj.Trophies,
		Status:   string(subj.Status),
	}
}

type statsResponse struct {
	Subject subjectResponse            `json:"subject"`
	Total   winLossResponse            `json:"total"`
	ByMode  map[string]winLossResponse `json:"by_mode"`
	Rivals  int                        `json:"rivals"`
}

type winLossResponse struct {
	Battles int     `json:"battles"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
	Draws   int     `json:"draws"`
	WinRate float64 `json:"win_rate"`
}

func toWinLossResponse(wl domain.WinLoss) winLossResponse {
	return winLossResponse{
		Battles: wl.Battles,
		Wins:    wl.Wins,
		Losses:  wl.Losses,
		Draws:   wl.Draws,
		WinRate: wl.WinRate(),
	}
}

type rivalResponse struct {
	Tag     string                     `json:"tag"`
	Name    string                     `json:"name"`
	Battles int                        `json:"battles"`
	Wins    int                        `json:"wins"`
	Losses  int                        `json:"losses"`
	Draws   int                        `json:"draws"`
	WinRate float64                    `json:"win_rate_pct"`
	ByMode  map[string]winLossResponse `json:"by_mode,omitempty"`
}

func toRivalResponse(r domain.RivalEntry) rivalResponse {
	resp := rivalResponse{
		Tag:     domain.DisplayTag(r.Tag),
		Name:    r.Name,
		Battles: r.Battles,
		Wins:    r.Wins,
		Losses:  r.Losses,
		Draws:   r.Draws,
		WinRate: r.WinRatePct,
	}
	if len(r.ByMode) > 0 {
		resp.ByMode = make(map[string]winLossResponse, len(r.ByMode))
		for mode, wl := range r.ByMode {
			resp.ByMode[mode] = toWinLossResponse(*wl)
		}
	}
	return resp
}

func (s *MonitorServer) searchPlayer(w http.ResponseWriter, r *http.Request) {
	profile, err := s.svc.SearchPlayer(r.Context(), r.PathValue("tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

func (s *MonitorServer) upcomingChests(w http.ResponseWriter, r *http.Request) {
	cycle, err := s.svc.UpcomingChests(r.Context(), r.PathValue("tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cycle)
}

func (s *MonitorServer) listSubjects(w http.ResponseWriter, r *http.Request) {
	subjects := s.svc.ListMonitored()
	resp := make([]subjectResponse, 0, len(subjects))
	for _, subj := range subjects {
		resp = append(resp, toSubjectResponse(subj))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subjects": resp})
}

func (s *MonitorServer) startMonitoring(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		http.Error(w, `{"error":"body must be {\"tag\":\"...\"}"}`, http.StatusBadRequest)
		return
	}

	subj, err := s.svc.StartMonitoring(r.Context(), req.Tag)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toSubjectResponse(*subj))
}

func (s *MonitorServer) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	subj, err := s.svc.StopMonitoring(r.Context(), r.PathValue("tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toSubjectResponse(*subj))
}

func (s *MonitorServer) deleteSubject(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteSubject(r.Context(), r.PathValue("tag")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *MonitorServer) getStats(w http.ResponseWriter, r *http.Request) {
	subj, agg, err := s.svc.GetStats(r.PathValue("tag"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	byMode := make(map[string]winLossResponse, len(agg.ByMode))
	for mode, wl := range agg.ByMode {
		byMode[mode] = toWinLossResponse(*wl)
	}
	s.writeJSON(w, http.StatusOK, statsResponse{
		Subject: toSubjectResponse(subj),
		Total:   toWinLossResponse(agg.Total),
		ByMode:  byMode,
		Rivals:  len(stats.ListRivals(agg, 0)),
	})
}

func (s *MonitorServer) getRivals(w http.ResponseWriter, r *http.Request) {
	minEncounters := 0
	if v := r.URL.Query().Get("min"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			minEncounters = n
		}
	}

	rivals, err := s.svc.GetRivals(r.PathValue("tag"), minEncounters)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := make([]rivalResponse, 0, len(rivals))
	for _, rival := range rivals {
		resp = append(resp, toRivalResponse(rival))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rivals": resp})
}

func (s *MonitorServer) headToHead(w http.ResponseWriter, r *http.Request) {
	rival, err := s.svc.HeadToHead(r.PathValue("tag"), r.PathValue("opponent"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toRivalResponse(rival))
}

func (s *MonitorServer) recentBattles(w http.ResponseWriter, r *http.Request) {
	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	battles, err := s.svc.RecentBattles(r.Context(), r.PathValue("tag"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"battles": battles})
}

func (s *MonitorServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *MonitorServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrProfileNotFound),
		errors.Is(err, service.ErrNotMonitored),
		errors.Is(err, stats.ErrOpponentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyMonitored):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
