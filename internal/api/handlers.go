package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"jieyou_pet/internal/live"
	"jieyou_pet/internal/progress"
	"jieyou_pet/internal/rewards"
	"jieyou_pet/internal/session"
	"jieyou_pet/internal/shop"
	"jieyou_pet/internal/types"
)

const (
	durabilityCommitted = "committed"
	durabilityPending   = "pending"
)

type okResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, okResponse{Success: true, Data: data})
}

// decodeBody reads a JSON body into v. An empty body is accepted when optional.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return newAPIError(ErrCodeInvalidRequest, "Malformed JSON body")
	}
	return nil
}

// StateView is the client-facing picture of a session.
type StateView struct {
	progress.Snapshot
	Level *rewards.LevelProgress `json:"level,omitempty"`
}

func (s *Server) stateView(snap progress.Snapshot) StateView {
	v := StateView{Snapshot: snap}
	if snap.Cat != nil {
		p := s.Table.Progress(snap.Cat.TotalExperience, snap.Cat.CurrentLevel)
		v.Level = &p
	}
	return v
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.Registry.Get(userIDFrom(r.Context()))
	if !ok {
		s.errs.HandleError(w, r, newAPIError(ErrCodeUnauthorized, "Session is not open"))
		return nil, false
	}
	return sess, true
}

func failedOps(err error) []string {
	var pe *progress.PersistenceError
	if errors.As(err, &pe) {
		return pe.Ops
	}
	return nil
}

type sessionRequest struct {
	InitData string `json:"initData"`
	Name     string `json:"name"`
}

type sessionResponse struct {
	Token  string    `json:"token"`
	UserID string    `json:"userId"`
	State  StateView `json:"state"`
}

// resolveIdentity prefers a valid bearer token, then Telegram init data, and
// falls back to a fresh anonymous identity.
func (s *Server) resolveIdentity(r *http.Request, req sessionRequest) (session.Identity, error) {
	if tok := bearerToken(r); tok != "" {
		if uid, err := s.Tokens.Parse(tok); err == nil {
			return session.Identity{UserID: uid}, nil
		}
	}
	if strings.TrimSpace(req.InitData) != "" {
		if s.BotToken == "" {
			return session.Identity{}, newAPIError(ErrCodeUnauthorized, "Telegram login is not configured")
		}
		tu, ok := session.VerifyTelegramInitData(req.InitData, s.BotToken)
		if !ok {
			return session.Identity{}, newAPIError(ErrCodeUnauthorized, "Invalid Telegram init data")
		}
		return tu.Identity(), nil
	}
	return session.Identity{UserID: session.NewAnonymousID(), Name: strings.TrimSpace(req.Name)}, nil
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	id, err := s.resolveIdentity(r, req)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	sess, err := s.Registry.Open(r.Context(), id)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	tok, err := s.Tokens.Issue(id.UserID)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, sessionResponse{Token: tok, UserID: id.UserID, State: s.stateView(snap)})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, s.stateView(snap))
}

type interactionRequest struct {
	Kind string `json:"kind"`
}

type interactionResponse struct {
	Result     types.InteractionResult `json:"result"`
	Durability string                  `json:"durability"`
	Pending    progress.PendingWrites  `json:"pending"`
	FailedOps  []string                `json:"failedOps,omitempty"`
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	kind, err := types.ParseInteractionKind(req.Kind)
	if err != nil {
		apiErr := newAPIError(ErrCodeValidationError, "Unknown interaction kind")
		apiErr.Details = map[string]any{"kind": req.Kind, "allowed": types.InteractionKinds}
		s.errs.HandleError(w, r, apiErr)
		return
	}
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}

	var (
		res  types.InteractionResult
		snap progress.Snapshot
	)
	err = sess.Do(func(e *progress.Engine) error {
		var err error
		res, err = e.PerformInteraction(r.Context(), kind)
		snap = e.Snapshot()
		return err
	})
	if err != nil && !errors.Is(err, progress.ErrPersistence) {
		s.errs.HandleError(w, r, err)
		return
	}

	s.broadcastProgress(sess.UserID, kind, res, snap)

	out := interactionResponse{Result: res, Durability: durabilityCommitted, Pending: snap.Pending}
	status := http.StatusOK
	if err != nil {
		out.Durability = durabilityPending
		out.FailedOps = failedOps(err)
		status = http.StatusAccepted
	}
	writeOK(w, status, out)
}

// broadcastProgress pushes committed pet experience to live clients.
func (s *Server) broadcastProgress(userID string, kind types.InteractionKind, res types.InteractionResult, snap progress.Snapshot) {
	if s.Hub == nil || res.ExperienceGained == 0 || snap.Cat == nil || snap.Pending.PetExperience != 0 {
		return
	}
	s.Hub.BroadcastPetProgress(live.PetProgress{
		UserID:          userID,
		Kind:            string(kind),
		Level:           snap.Cat.CurrentLevel,
		TotalExperience: snap.Cat.TotalExperience,
		Version:         snap.Cat.Version,
		LeveledUp:       res.LeveledUp(),
		UnlockedContent: res.UnlockedContent,
	})
}

type syncResponse struct {
	Durability string    `json:"durability"`
	State      StateView `json:"state"`
	FailedOps  []string  `json:"failedOps,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	var snap progress.Snapshot
	err := sess.Do(func(e *progress.Engine) error {
		err := e.RetryPending(r.Context())
		snap = e.Snapshot()
		return err
	})
	if err != nil && !errors.Is(err, progress.ErrPersistence) {
		s.errs.HandleError(w, r, err)
		return
	}
	out := syncResponse{Durability: durabilityCommitted, State: s.stateView(snap)}
	status := http.StatusOK
	if err != nil {
		out.Durability = durabilityPending
		out.FailedOps = failedOps(err)
		status = http.StatusAccepted
	}
	writeOK(w, status, out)
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	var snap progress.Snapshot
	err := sess.Do(func(e *progress.Engine) error {
		if err := e.Resync(r.Context()); err != nil {
			return err
		}
		snap = e.Snapshot()
		return nil
	})
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, s.stateView(snap))
}

func (s *Server) handleShopList(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	if snap.Cat == nil || snap.User == nil {
		s.errs.HandleError(w, r, progress.ErrStateNotReady)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"balance": snap.User.CoinBalance,
		"level":   snap.Cat.CurrentLevel,
		"items":   s.Shop.List(snap.Cat.CurrentLevel),
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemID")
	sess, ok := s.currentSession(w, r)
	if !ok {
		return
	}
	var out struct {
		Receipt    shop.Receipt `json:"receipt"`
		Durability string       `json:"durability"`
		FailedOps  []string     `json:"failedOps,omitempty"`
	}
	err := sess.Do(func(e *progress.Engine) error {
		var err error
		out.Receipt, err = s.Shop.Purchase(r.Context(), e, itemID)
		return err
	})
	if err != nil && !errors.Is(err, progress.ErrPersistence) {
		s.errs.HandleError(w, r, err)
		return
	}
	out.Durability = durabilityCommitted
	status := http.StatusOK
	if err != nil {
		out.Durability = durabilityPending
		out.FailedOps = failedOps(err)
		status = http.StatusAccepted
	}
	s.Log.WithFields(logrus.Fields{"user_id": sess.UserID, "item": itemID, "durability": out.Durability}).Info("shop purchase")
	writeOK(w, status, out)
}

type levelRow struct {
	Level              int    `json:"level"`
	RequiredExperience int64  `json:"requiredExperience"`
	Unlock             string `json:"unlock"`
}

func (s *Server) handleLevels(w http.ResponseWriter, r *http.Request) {
	rows := make([]levelRow, 0, len(s.Table.Thresholds))
	for i, th := range s.Table.Thresholds {
		row := levelRow{Level: i + 1, RequiredExperience: th}
		if i < len(s.Table.Unlocks) {
			row.Unlock = s.Table.Unlocks[i]
		}
		rows = append(rows, row)
	}
	writeOK(w, http.StatusOK, rows)
}

// handleWebSocket accepts the session token as a bearer header or a "token"
// query parameter, since browsers cannot set headers on upgrade requests.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		s.errs.HandleError(w, r, newAPIError(ErrCodeServiceUnavailable, "Live updates are disabled"))
		return
	}
	tok := bearerToken(r)
	if tok == "" {
		tok = r.URL.Query().Get("token")
	}
	userID, err := s.Tokens.Parse(tok)
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	sess, err := s.Registry.Open(r.Context(), session.Identity{UserID: userID})
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	snap, err := sess.Snapshot()
	if err != nil {
		s.errs.HandleError(w, r, err)
		return
	}
	s.Hub.HandleWebSocket(w, r, userID, s.stateView(snap))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	out := map[string]any{
		"status":         "ok",
		"backend":        s.Backend,
		"sessions":       s.Registry.Len(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.Hub != nil {
		out["ws_clients"] = s.Hub.Clients()
	}
	status := http.StatusOK
	if s.Ping != nil {
		if err := s.Ping(ctx); err != nil {
			out["status"] = "degraded"
			out["storage_error"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if s.QueueStats != nil {
		out["queue"] = s.QueueStats(ctx)
	}
	writeJSON(w, status, out)
}
