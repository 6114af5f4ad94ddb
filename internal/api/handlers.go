package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chorelink/internal/domain"
	"chorelink/internal/engine"
	"chorelink/pkg/chorelink"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stateJSON(s.placer.State()))
}

func (s *Server) handleOpenChores(w http.ResponseWriter, _ *http.Request) {
	ids := s.placer.OpenChoreIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, chorelink.OpenChores{IDs: ids})
}

func (s *Server) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req chorelink.PlaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.toChore(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if c.Px <= 0 {
		writeError(w, http.StatusBadRequest, "px must be positive")
		return
	}
	ok, idOrErr := s.placer.PlaceNewChore(r.Context(), engine.NewChoreRequest{
		ClientRef: c.Ref,
		Security:  c.Security,
		Side:      c.Side,
		Px:        c.Px,
		Qty:       c.Qty,
		Account:   c.Account,
		Exchange:  c.Exchange,
		Text:      c.Text,
	})
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, idOrErr)
		return
	}
	writeJSON(w, http.StatusCreated, chorelink.PlaceResponse{ChoreID: idOrErr})
}

func (s *Server) handleAmend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req chorelink.AmendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Px == nil && req.Qty == nil {
		writeError(w, http.StatusBadRequest, "amend needs px or qty")
		return
	}
	if _, ok := s.placer.GetChoreStatus(id); !ok {
		writeError(w, http.StatusNotFound, "unknown chore "+id)
		return
	}
	newID, ok := s.placer.ReplaceChore(r.Context(), id, req.Px, req.Qty)
	if !ok {
		writeError(w, http.StatusConflict, "amend refused")
		return
	}
	writeJSON(w, http.StatusOK, chorelink.PlaceResponse{ChoreID: newID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.placer.GetChoreStatus(id); !ok {
		writeError(w, http.StatusNotFound, "unknown chore "+id)
		return
	}
	if !s.placer.PlaceCancelChore(r.Context(), id) {
		writeError(w, http.StatusConflict, "cancel refused")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleChoreStatus(w http.ResponseWriter, r *http.Request) {
	st, ok := s.placer.GetChoreStatus(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chore "+r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, chorelink.ChoreStatus{
		ChoreID:   st.ChoreID,
		Status:    string(st.Status),
		Text:      st.Text,
		FilledQty: st.FilledQty,
		Px:        st.Px,
		Qty:       st.Qty,
	})
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	var req chorelink.BatchCancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = s.placer.OpenChoreIDs()
	}
	res := s.placer.CancelChores(r.Context(), ids)
	writeJSON(w, http.StatusOK, chorelink.BatchCancelResult{
		Requested: res.Requested,
		Cancelled: res.Cancelled,
		Failed:    res.Failed,
		Abandoned: res.Abandoned,
	})
}

func (s *Server) handleBasketList(w http.ResponseWriter, _ *http.Request) {
	if !s.hasBasket(w) {
		return
	}
	list := s.basket.List()
	out := make([]chorelink.BasketChore, 0, len(list))
	for _, c := range list {
		out = append(out, chorelink.BasketChore{
			Ref:            c.Ref,
			ChoreID:        c.ID,
			Symbol:         c.Symbol(),
			Side:           string(c.Side),
			Px:             c.Px,
			Qty:            c.Qty,
			SubmitState:    string(c.SubmitState),
			MarketTracking: c.MarketTracking,
			PendingCxl:     c.PendingCxl,
			Text:           c.Text,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBasketAdd(w http.ResponseWriter, r *http.Request) {
	if !s.hasBasket(w) {
		return
	}
	var req chorelink.PlaceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.toChore(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref, err := s.basket.Add(r.Context(), c)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, chorelink.BasketResponse{Ref: ref})
}

func (s *Server) handleBasketAmend(w http.ResponseWriter, r *http.Request) {
	if !s.hasBasket(w) {
		return
	}
	var req chorelink.AmendRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var px float64
	var qty int64
	if req.Px != nil {
		px = *req.Px
	}
	if req.Qty != nil {
		qty = *req.Qty
	}
	if err := s.basket.Amend(r.PathValue("ref"), px, qty); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBasketCancel(w http.ResponseWriter, r *http.Request) {
	if !s.hasBasket(w) {
		return
	}
	s.basket.Cancel(r.PathValue("ref"))
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	s.placer.TriggerKillSwitch(r.Context())
	writeJSON(w, http.StatusOK, stateJSON(s.placer.State()))
}

func (s *Server) handleRevoke(w http.ResponseWriter, _ *http.Request) {
	s.placer.RevokeKillSwitch()
	writeJSON(w, http.StatusOK, stateJSON(s.placer.State()))
}

func (s *Server) hasBasket(w http.ResponseWriter) bool {
	if s.basket == nil {
		writeError(w, http.StatusServiceUnavailable, "basket manager not running")
		return false
	}
	return true
}

// toChore validates req and fills defaults.
func (s *Server) toChore(req chorelink.PlaceRequest) (domain.Chore, error) {
	if strings.TrimSpace(req.Symbol) == "" {
		return domain.Chore{}, errors.New("symbol is required")
	}
	if req.Qty <= 0 {
		return domain.Chore{}, fmt.Errorf("qty %d must be positive", req.Qty)
	}
	if req.Px < 0 {
		return domain.Chore{}, fmt.Errorf("px %g must not be negative", req.Px)
	}
	side, res := domain.MapFillSide(req.Side)
	if res != domain.Mapped {
		return domain.Chore{}, fmt.Errorf("unknown side %q", req.Side)
	}
	c := domain.Chore{
		Ref: req.Ref,
		Security: domain.SecurityRef{
			SystemID: strings.ToUpper(strings.TrimSpace(req.Symbol)),
			Source:   req.Source,
			InstType: domain.InstrumentType(req.InstType),
		},
		Side:     side,
		Px:       req.Px,
		Qty:      req.Qty,
		Account:  req.Account,
		Exchange: req.Exchange,
		Text:     req.Text,
	}
	if c.Security.Source == "" {
		c.Security.Source = "TICKER"
	}
	if c.Security.InstType == "" {
		c.Security.InstType = domain.InstrumentEquity
	}
	if c.Account == "" {
		c.Account = s.defaults.Account
	}
	if c.Exchange == "" {
		c.Exchange = s.defaults.Exchange
	}
	return c, nil
}

func stateJSON(st engine.State) chorelink.State {
	return chorelink.State{Phase: st.Phase.String(), Killed: st.Killed}
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
