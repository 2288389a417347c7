package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/ledger"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/reconcile"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.DeliveryFilter{
		Status: model.DeliveryStatus(q.Get("status")),
		Source: model.Source(q.Get("source")),
		Limit:  limitParam(r),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if filter.Source != "" && !filter.Source.Valid() {
		writeError(w, http.StatusBadRequest, "unknown source")
		return
	}

	list, err := s.deps.Ledger.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list deliveries", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list deliveries")
		return
	}
	// Bodies can be large and carry source data; fetch one delivery to see it.
	for i := range list {
		list[i].RawBody = nil
		list[i].RawHeaders = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": list})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), "get delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.deps.Ledger.Replay(r.Context(), id)
	switch {
	case err == nil:
	case eris.Is(err, ledger.ErrNotReplayable), eris.Is(err, ledger.ErrIllegalTransition), eris.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		writeError(w, statusFor(err), "replay delivery")
		return
	}

	s.deps.Queue.Enqueue(d.ID)
	writeJSON(w, http.StatusAccepted, webhookResponse{DeliveryID: d.ID, Status: string(d.Status)})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		after = n
	}

	events, err := s.deps.Store.ListEvents(r.Context(), after, limitParam(r))
	if err != nil {
		s.log.Error("list events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list events")
		return
	}
	next := after
	if len(events) > 0 {
		next = events[len(events)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_after": next})
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	var states []model.CircuitBreakerState
	if s.deps.Breakers != nil {
		states = s.deps.Breakers.Snapshots()
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": states})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	src := model.Source(chi.URLParam(r, "source"))
	entityType := chi.URLParam(r, "entity_type")
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))

	if _, err := s.deps.Registry.Get(src); err != nil {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	sum, err := s.deps.Reconciler.Run(r.Context(), src, entityType, reconcile.Options{DryRun: dryRun})
	if err != nil {
		s.log.Error("reconcile",
			zap.String("source", string(src)),
			zap.String("entity_type", entityType),
			zap.Error(err),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
