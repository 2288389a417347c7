package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/resilience"
	"github.com/sells-group/reconciler/internal/source"
	"github.com/sells-group/reconciler/internal/verify"
)

type webhookResponse struct {
	DeliveryID string `json:"delivery_id"`
	Status     string `json:"status"`
}

// handleWebhook records first and verifies second, so a rejected delivery
// still leaves a dead-lettered audit row. A duplicate delivery is
// acknowledged without reprocessing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AckBudget)
	defer cancel()

	src := model.Source(chi.URLParam(r, "source"))
	proc, err := s.deps.Registry.Get(src)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	id := proc.Identify(r.Header, body)
	d := &model.Delivery{
		Source:      src,
		EventType:   id.EventType,
		TriggeredBy: model.TriggeredByWebhook,
		RawHeaders:  verify.Flatten(r.Header),
		RawBody:     body,
	}
	if id.DeliveryID != "" {
		d.ExternalDeliveryID = &id.DeliveryID
	}

	stored, created, err := s.deps.Ledger.Record(ctx, d)
	if err != nil {
		s.log.Error("record delivery", zap.String("source", string(src)), zap.Error(err))
		writeError(w, statusFor(err), "record delivery")
		return
	}
	log := s.log.With(zap.String("source", string(src)), zap.String("delivery_id", stored.ID))
	if !created {
		writeJSON(w, http.StatusOK, webhookResponse{DeliveryID: stored.ID, Status: "duplicate"})
		return
	}

	if verr := proc.Verifier().Verify(r.Header, body); verr != nil {
		// Settle on a detached context so the audit row is written even if
		// the sender hung up.
		if _, _, err := s.deps.Ledger.MarkFailed(context.WithoutCancel(ctx), stored, verr); err != nil {
			log.Error("dead-letter unverified delivery", zap.Error(err))
		}
		writeError(w, http.StatusUnauthorized, "signature invalid")
		return
	}

	if !s.deps.Queue.Enqueue(stored.ID) {
		// The due scan picks the delivery up from the ledger.
		log.Warn("work queue full, delivery left for scan")
	}
	writeJSON(w, http.StatusAccepted, webhookResponse{DeliveryID: stored.ID, Status: string(stored.Status)})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	src := model.Source(chi.URLParam(r, "source"))
	proc, err := s.deps.Registry.Get(src)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}
	cr, ok := proc.(source.ChallengeResponder)
	if !ok {
		writeError(w, http.StatusNotFound, "source has no registration handshake")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	resp, err := cr.Challenge(source.ChallengeRequest{Query: r.URL.Query(), Headers: r.Header, Body: body})
	if err != nil {
		if errors.Is(err, resilience.ErrSignatureInvalid) {
			s.log.Warn("challenge rejected", zap.String("source", string(src)), zap.Bool("security_event", true), zap.Error(err))
		}
		writeError(w, statusFor(err), "challenge rejected")
		return
	}
	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
