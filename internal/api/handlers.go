package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/psychfeed/psychfeed/internal/buildinfo"
	"github.com/psychfeed/psychfeed/internal/counters"
	"github.com/psychfeed/psychfeed/internal/diag"
	"github.com/psychfeed/psychfeed/internal/engine"
	"github.com/psychfeed/psychfeed/internal/journal"
	"github.com/psychfeed/psychfeed/internal/provider"
)

// HandleHealthz serves GET /healthz. No authentication is required.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// SessionStatus is one session's view in the status response.
type SessionStatus struct {
	Name  string `json:"name"`
	Muted bool   `json:"muted"`
}

// StatusResponse is the GET /api/v1/status body.
type StatusResponse struct {
	Version       string          `json:"version"`
	GitCommit     string          `json:"git_commit"`
	BuildTime     string          `json:"build_time"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	CycleBusy     bool            `json:"cycle_busy"`
	LastCycleID   string          `json:"last_cycle_id,omitempty"`
	Streams       int             `json:"streams"`
	RWFMajor      int             `json:"rwf_major"`
	RWFMinor      int             `json:"rwf_minor"`
	Sessions      []SessionStatus `json:"sessions"`
}

// HandleStatus serves GET /api/v1/status.
func HandleStatus(start time.Time, prov *provider.Provider, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		major, minor := prov.NegotiatedRWF()
		resp := StatusResponse{
			Version:       buildinfo.Version,
			GitCommit:     buildinfo.GitCommit,
			BuildTime:     buildinfo.BuildTime,
			UptimeSeconds: int64(time.Since(start) / time.Second),
			CycleBusy:     eng.Busy(),
			LastCycleID:   eng.LastCycleID(),
			Streams:       prov.StreamCount(),
			RWFMajor:      major,
			RWFMinor:      minor,
		}
		for _, s := range prov.Sessions() {
			resp.Sessions = append(resp.Sessions, SessionStatus{Name: s.Name(), Muted: s.Muted()})
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleCounters serves GET /api/v1/counters.
func HandleCounters(coll *counters.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, coll.Snapshot())
	}
}

// HandleListCycles serves GET /api/v1/journal/cycles with optional trigger,
// before/after (unix ns) and limit/offset query parameters.
func HandleListCycles(j *journal.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := journal.ListFilter{Trigger: q.Get("trigger")}

		var err error
		if filter.Limit, err = intParam(q.Get("limit")); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be an integer")
			return
		}
		if filter.Offset, err = intParam(q.Get("offset")); err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "offset must be an integer")
			return
		}
		before, err := intParam(q.Get("before"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "before must be unix nanoseconds")
			return
		}
		after, err := intParam(q.Get("after"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "after must be unix nanoseconds")
			return
		}
		filter.Before, filter.After = int64(before), int64(after)

		cycles, err := j.List(filter)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
		if cycles == nil {
			cycles = []journal.CycleRecord{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
	}
}

// HandleDiagEndpoints serves GET /api/v1/diag/endpoints.
func HandleDiagEndpoints(runner *diag.Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		endpoints := runner.Snapshot()
		if endpoints == nil {
			endpoints = []diag.EndpointReport{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"endpoints": endpoints})
	}
}

// HandleRepublish serves POST /api/v1/actions/republish.
func HandleRepublish(eng *engine.Engine) http.HandlerFunc {
	return handleAction(eng, (*engine.Engine).Republish)
}

// HandleHardRepublish serves POST /api/v1/actions/hard-republish.
func HandleHardRepublish(eng *engine.Engine) http.HandlerFunc {
	return handleAction(eng, (*engine.Engine).HardRepublish)
}

// handleAction runs a manual trigger and maps engine.ActionError codes onto
// HTTP statuses: CYCLE_BUSY → 409, anything else → 500.
func handleAction(eng *engine.Engine, action func(*engine.Engine) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := action(eng)
		if err == nil {
			WriteJSON(w, http.StatusOK, map[string]string{"cycle_id": eng.LastCycleID()})
			return
		}
		var actionErr *engine.ActionError
		if errors.As(err, &actionErr) {
			status := http.StatusInternalServerError
			if actionErr.Code == "CYCLE_BUSY" {
				status = http.StatusConflict
			}
			WriteError(w, status, actionErr.Code, actionErr.Message)
			return
		}
		WriteError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
