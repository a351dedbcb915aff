package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/example/slot-backfill/internal/engine"
	"github.com/example/slot-backfill/internal/ledger"
	"github.com/example/slot-backfill/internal/waitlist"
)

type createSlotRequest struct {
	IdempotencyKey string    `json:"idempotency_key" validate:"required,max=200"`
	Start          time.Time `json:"start" validate:"required"`
	End            time.Time `json:"end" validate:"required,gtfield=Start"`
	Provider       string    `json:"provider" validate:"max=200"`
	ProviderType   string    `json:"provider_type" validate:"max=100"`
	Location       string    `json:"location" validate:"max=200"`
	Reason         string    `json:"reason" validate:"max=500"`
}

type abortRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type createCandidateRequest struct {
	Contact                string     `json:"contact" validate:"required,e164"`
	DisplayName            string     `json:"display_name" validate:"max=200"`
	Urgent                 bool       `json:"urgent"`
	ManualBoost            int        `json:"manual_boost" validate:"min=0,max=40"`
	NextScheduledAt        *time.Time `json:"next_scheduled_at"`
	ProviderPreference     []string   `json:"provider_preference" validate:"dive,required"`
	ProviderTypePreference string     `json:"provider_type_preference"`
	Notes                  string     `json:"notes" validate:"max=2000"`
}

type boostRequest struct {
	Boost *int `json:"boost" validate:"required,min=0,max=40"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type offerReplyRequest struct {
	Intent string `json:"intent" validate:"required,oneof=accept decline opt_out"`
}

type slotJSON struct {
	ID           string     `json:"id"`
	Start        time.Time  `json:"start"`
	End          time.Time  `json:"end"`
	Provider     string     `json:"provider,omitempty"`
	ProviderType string     `json:"provider_type,omitempty"`
	Location     string     `json:"location,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Status       string     `json:"status"`
	FilledBy     string     `json:"filled_by,omitempty"`
	FilledAt     *time.Time `json:"filled_at,omitempty"`
	AbortReason  string     `json:"abort_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type offerJSON struct {
	ID            string     `json:"id"`
	CandidateID   string     `json:"candidate_id"`
	Batch         int        `json:"batch"`
	Status        string     `json:"status"`
	Token         string     `json:"token"`
	SentAt        time.Time  `json:"sent_at"`
	HoldExpiresAt time.Time  `json:"hold_expires_at"`
	RespondedAt   *time.Time `json:"responded_at,omitempty"`
}

type snapshotJSON struct {
	Slot         slotJSON       `json:"slot"`
	CurrentBatch int            `json:"current_batch"`
	Pending      int            `json:"pending"`
	Counts       map[string]int `json:"counts"`
	Offers       []offerJSON    `json:"offers"`
}

type candidateJSON struct {
	ID                     string     `json:"id"`
	Contact                string     `json:"contact"`
	DisplayName            string     `json:"display_name,omitempty"`
	Urgent                 bool       `json:"urgent"`
	ManualBoost            int        `json:"manual_boost"`
	NextScheduledAt        *time.Time `json:"next_scheduled_at,omitempty"`
	JoinedAt               time.Time  `json:"joined_at"`
	Active                 bool       `json:"active"`
	OptedOut               bool       `json:"opted_out"`
	ProviderPreference     []string   `json:"provider_preference,omitempty"`
	ProviderTypePreference string     `json:"provider_type_preference,omitempty"`
	PriorityScore          int        `json:"priority_score"`
}

func toSlotJSON(s ledger.Slot) slotJSON {
	return slotJSON{
		ID: s.ID, Start: s.Start, End: s.End,
		Provider: s.Provider, ProviderType: s.ProviderType, Location: s.Location, Reason: s.Reason,
		Status: string(s.Status), FilledBy: s.FilledBy, FilledAt: s.FilledAt, AbortReason: s.AbortReason,
		CreatedAt: s.CreatedAt,
	}
}

func toCandidateJSON(c waitlist.Candidate) candidateJSON {
	return candidateJSON{
		ID: c.ID, Contact: c.Contact, DisplayName: c.DisplayName, Urgent: c.Urgent,
		ManualBoost: c.ManualBoost, NextScheduledAt: c.NextScheduledAt, JoinedAt: c.JoinedAt,
		Active: c.Active, OptedOut: c.OptedOut, ProviderPreference: c.ProviderPreference,
		ProviderTypePreference: c.ProviderTypePreference, PriorityScore: c.PriorityScore,
	}
}

// decode reads a JSON body into v and validates it. It writes the 400 itself.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		fail(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		fail(w, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return false
	}
	return true
}

func (s *Server) handleCreateSlot(w http.ResponseWriter, r *http.Request) {
	var req createSlotRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.Engine.CreateSlot(r.Context(), engine.NewSlot{
		IdempotencyKey: req.IdempotencyKey,
		Start:          req.Start,
		End:            req.End,
		Provider:       req.Provider,
		ProviderType:   req.ProviderType,
		Location:       req.Location,
		Reason:         req.Reason,
	})
	if err != nil {
		s.log().Error("create slot", "slot_id", id, "err", err)
		if id != "" {
			// slot exists; first batch did not go out
			writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "error": "slot created, dispatch failed; retry with POST /api/slots/" + id + "/dispatch"})
			return
		}
		failErr(w, err)
		return
	}
	created(w, map[string]string{"id": id})
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.Engine.ListSlots(r.Context(), ledger.SlotStatus(r.URL.Query().Get("status")))
	if err != nil {
		failErr(w, err)
		return
	}
	out := make([]slotJSON, 0, len(slots))
	for _, sl := range slots {
		out = append(out, toSlotJSON(sl))
	}
	ok(w, out)
}

func (s *Server) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Engine.GetSlotStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		failErr(w, err)
		return
	}
	out := snapshotJSON{
		Slot:         toSlotJSON(snap.Slot),
		CurrentBatch: snap.CurrentBatch,
		Pending:      snap.Pending,
		Counts:       make(map[string]int, len(snap.Counts)),
		Offers:       make([]offerJSON, 0, len(snap.Offers)),
	}
	for st, n := range snap.Counts {
		out.Counts[string(st)] = n
	}
	for _, o := range snap.Offers {
		out.Offers = append(out.Offers, offerJSON{
			ID: o.ID, CandidateID: o.CandidateID, Batch: o.BatchNumber, Status: string(o.Status),
			Token: o.ResolutionToken, SentAt: o.SentAt, HoldExpiresAt: o.HoldExpiresAt, RespondedAt: o.RespondedAt,
		})
	}
	ok(w, out)
}

func (s *Server) handleAbortSlot(w http.ResponseWriter, r *http.Request) {
	var req abortRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	if err := s.Engine.AbortSlot(r.Context(), r.PathValue("id"), req.Reason); err != nil {
		failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDispatchSlot(w http.ResponseWriter, r *http.Request) {
	res, err := s.Engine.Dispatch(r.Context(), r.PathValue("id"))
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{"batch": res.Batch, "offers": len(res.Offers), "exhausted": res.Exhausted})
}

func (s *Server) handleCreateCandidate(w http.ResponseWriter, r *http.Request) {
	var req createCandidateRequest
	if !s.decode(w, r, &req) {
		return
	}
	c, err := s.Waitlist.Create(r.Context(), waitlist.Candidate{
		Contact:                req.Contact,
		DisplayName:            req.DisplayName,
		Urgent:                 req.Urgent,
		ManualBoost:            req.ManualBoost,
		NextScheduledAt:        req.NextScheduledAt,
		Active:                 true,
		ProviderPreference:     req.ProviderPreference,
		ProviderTypePreference: req.ProviderTypePreference,
		Notes:                  req.Notes,
	})
	if err != nil {
		if !errors.Is(err, waitlist.ErrDuplicate) && !errors.Is(err, waitlist.ErrInvalid) {
			s.log().Error("create candidate", "err", err)
		}
		failErr(w, err)
		return
	}
	created(w, toCandidateJSON(c))
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	cs, err := s.Waitlist.List(r.Context(), activeOnly)
	if err != nil {
		failErr(w, err)
		return
	}
	out := make([]candidateJSON, 0, len(cs))
	for _, c := range cs {
		out = append(out, toCandidateJSON(c))
	}
	ok(w, out)
}

func (s *Server) handleSetBoost(w http.ResponseWriter, r *http.Request) {
	var req boostRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Waitlist.SetBoost(r.Context(), r.PathValue("id"), *req.Boost); err != nil {
		failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.Waitlist.SetActive(r.Context(), r.PathValue("id"), *req.Active); err != nil {
		failErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOfferReply records a reply staff took outside SMS, addressed by the
// offer's resolution token.
func (s *Server) handleOfferReply(w http.ResponseWriter, r *http.Request) {
	var req offerReplyRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.Engine.SubmitReply(r.Context(), engine.Reply{
		Token:  r.PathValue("token"),
		Intent: engine.Intent(req.Intent),
	})
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{
		"outcome":      out.Outcome,
		"candidate_id": out.CandidateID,
		"slot_id":      out.SlotID,
		"offer_id":     out.OfferID,
	})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	if s.Priorities == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "priority recalculation unavailable"})
		return
	}
	n, err := s.Priorities.Recalculate(r.Context())
	if err != nil {
		s.log().Error("priority recalc failed", "err", err)
		failErr(w, err)
		return
	}
	ok(w, map[string]int{"candidates": n})
}
