package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/asheshgoplani/shellpulse/internal/monitor"
	"github.com/asheshgoplani/shellpulse/internal/service"
	"github.com/asheshgoplani/shellpulse/internal/session"
)

const maxRequestBody = 64 << 10

type sessionsResponse struct {
	Sessions []monitor.SessionInfo `json:"sessions"`
}

type servicesResponse struct {
	Services []monitor.ServiceInfo `json:"services"`
}

type openPaneRequest struct {
	Cwd   string `json:"cwd"`
	Label string `json:"label"`
}

type openPaneResponse struct {
	ID session.ID `json:"id"`
}

type addServiceRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Command    string `json:"command"`
	Dir        string `json:"dir"`
	Color      string `json:"color,omitempty"`
	LinkedName string `json:"linked_name,omitempty"`
}

type logResponse struct {
	ServiceID string `json:"service_id"`
	Log       string `json:"log"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet) {
		return
	}
	snap, err := s.backend.Snapshot(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: snap})
}

func (s *Server) handlePanes(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	var req openPaneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.backend.OpenPane(r.Context(), req.Cwd, req.Label)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, openPaneResponse{ID: id})
}

func (s *Server) handlePaneByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodDelete) {
		return
	}
	id, ok := parseSessionID(r.PathValue("id"))
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid session id")
		return
	}
	if err := s.backend.ClosePane(r.Context(), id); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		list, err := s.backend.Services(r.Context())
		if err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, servicesResponse{Services: list})
		return
	}

	var req addServiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	def := service.NewDefinition(req.Name, req.Command, req.Dir)
	if req.ID != "" {
		def.ID = req.ID
	}
	def.Color = req.Color
	def.LinkedName = req.LinkedName
	if err := def.Validate(); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := s.backend.AddService(r.Context(), def); err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, def)
}

func (s *Server) handleServiceByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")
	if r.Method == http.MethodDelete {
		if err := s.backend.RemoveService(r.Context(), id); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	info, err := s.backend.Service(r.Context(), id)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleServiceAction(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodPost) {
		return
	}
	id := r.PathValue("id")
	ctx := r.Context()

	var err error
	switch r.PathValue("action") {
	case "start":
		_, err = s.backend.StartService(ctx, id)
	case "stop":
		err = s.backend.StopService(ctx, id)
	case "restart":
		err = s.backend.RestartService(ctx, id)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "supported actions: start,stop,restart")
		return
	}
	if err != nil {
		writeBackendError(w, err)
		return
	}

	info, err := s.backend.Service(ctx, id)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleServiceLog(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	id := r.PathValue("id")
	if r.Method == http.MethodDelete {
		if err := s.backend.ClearLog(r.Context(), id); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	text, err := s.backend.GetLog(r.Context(), id)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/plain") {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(text))
		return
	}
	writeJSON(w, http.StatusOK, logResponse{ServiceID: id, Log: text})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return false
	}
	return true
}

// parseSessionID accepts "7" or "s7".
func parseSessionID(raw string) (session.ID, bool) {
	raw = strings.TrimPrefix(raw, "s")
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || n == 0 {
		return 0, false
	}
	return session.ID(n), true
}
