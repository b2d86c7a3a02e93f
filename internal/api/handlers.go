package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
	"github.com/semantest/docs-sub005/internal/failover"
	"github.com/semantest/docs-sub005/internal/queue"
	"github.com/semantest/docs-sub005/internal/router"
)

// SourceAPI is the envelope source of jobs submitted over HTTP.
const SourceAPI = "hub.api"

const maxBodyBytes = 1 << 20

// JobResponse is the body of job submission and lookup.
type JobResponse struct {
	Item      *queue.Item     `json:"item"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Done      bool            `json:"done"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"errorKind,omitempty"`
}

// handleJobSubmit enqueues a job. With ?wait=<duration> the request is
// held until the job finishes or the wait elapses; a finished job is
// answered 200, anything else 202.
func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}

	var req router.JobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, "invalid JSON body: "+err.Error())
		return
	}
	prio, err := queue.ParsePriority(req.Priority)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, err.Error())
		return
	}
	if s.cfg.Addons != nil {
		if _, ok := s.cfg.Addons.Route(req.Type); !ok {
			s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, "no addon supports "+req.Type)
			return
		}
	}
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		wait, err = time.ParseDuration(v)
		if err != nil || wait < 0 {
			s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, "wait must be a duration such as 30s")
			return
		}
		wait = min(wait, s.cfg.MaxWait)
	}

	correlation := events.NewID()
	var fut *events.Future
	if wait > 0 && s.cfg.Bus != nil {
		fut = s.cfg.Bus.Expect(correlation, finished)
		defer fut.Cancel()
	}

	it, dup, err := s.cfg.Queue.Submit(r.Context(), queue.Submission{
		Type:           req.Type,
		Priority:       prio,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  correlation,
		Source:         SourceAPI,
	})
	if err != nil {
		s.fail(w, err)
		return
	}

	resp := JobResponse{Item: it, Duplicate: dup}
	status := http.StatusAccepted
	if dup {
		// The live item belongs to an earlier request's correlation.
		status = http.StatusOK
	} else if fut != nil {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		env, werr := fut.Wait(ctx)
		cancel()
		if werr == nil {
			var ev queue.ItemEvent
			if err := env.Decode(&ev); err == nil {
				resp = JobResponse{Item: ev.Item, Done: true, Result: ev.Result, Error: ev.Error, ErrorKind: ev.ErrorKind}
				status = http.StatusOK
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/jobs/"+resp.Item.ID)
	w.WriteHeader(status)
	writeJSON(w, resp, s.logger)
}

// finished matches the queue events that end a job.
func finished(env events.Envelope) bool {
	switch env.Type {
	case events.TypeItemCompleted, events.TypeItemDeadLettered, events.TypeItemCancelled:
		return true
	}
	return false
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	status := queue.StatusPending
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := queue.ParseStatus(v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, errs.CodeInvalidMessage, err.Error())
			return
		}
		status = st
	}
	s.writeItems(w, r, status)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	s.writeItems(w, r, queue.StatusDeadLettered)
}

func (s *Server) writeItems(w http.ResponseWriter, r *http.Request, status queue.Status) {
	items, err := s.cfg.Queue.List(r.Context(), status, parseIntParam(r, "limit", 100))
	if err != nil {
		s.fail(w, err)
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": status,
		"count":  len(items),
		"items":  items,
	}, s.logger)
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	it, err := s.cfg.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, JobResponse{Item: it, Done: it.Status.Terminal()}, s.logger)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	it, err := s.cfg.Queue.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, JobResponse{Item: it, Done: it.Status.Terminal()}, s.logger)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	it, err := s.cfg.Queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, JobResponse{Item: it}, s.logger)
}

// Addon handlers

func (s *Server) handleAddonList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Addons == nil {
		s.unavailable(w, "addon manager")
		return
	}
	list := s.cfg.Addons.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(list), "addons": list}, s.logger)
}

func (s *Server) handleAddonGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Addons == nil {
		s.unavailable(w, "addon manager")
		return
	}
	st, err := s.cfg.Addons.Status(chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleAddonAction starts a load, unload or reload. Loading is
// asynchronous, so the returned status is usually still Loading.
func (s *Server) handleAddonAction(w http.ResponseWriter, r *http.Request) {
	m := s.cfg.Addons
	if m == nil {
		s.unavailable(w, "addon manager")
		return
	}
	name := chi.URLParam(r, "name")
	var err error
	switch chi.URLParam(r, "action") {
	case "load":
		err = m.Load(name)
	case "unload":
		err = m.Unload(name)
	case "reload":
		err = m.Reload(r.Context(), name)
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := m.Status(name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("addon action", "addon", name, "action", chi.URLParam(r, "action"), "state", st.State)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, st, s.logger)
}

// FailoverReport is the body of GET /v1/failover.
type FailoverReport struct {
	Active    failover.Route            `json:"active"`
	Switching bool                      `json:"switching"`
	Endpoints []failover.EndpointHealth `json:"endpoints"`
}

func (s *Server) handleFailover(w http.ResponseWriter, r *http.Request) {
	c := s.cfg.Failover
	if c == nil {
		s.unavailable(w, "failover controller")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, FailoverReport{
		Active:    c.Active(),
		Switching: c.Switching(),
		Endpoints: c.Health(),
	}, s.logger)
}

// Connection handlers

func (s *Server) handleConnectionList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		s.unavailable(w, "registry")
		return
	}
	list := s.cfg.Registry.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"count": len(list), "connections": list}, s.logger)
}

func (s *Server) handleConnectionGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Registry == nil {
		s.unavailable(w, "registry")
		return
	}
	info, err := s.cfg.Registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}
