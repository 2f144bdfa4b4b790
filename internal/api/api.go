// Package api is the HTTP surface: account setup plus read-only views of
// vault state. Chain mutations stay off HTTP; blocks arrive only through
// the sync driver.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Abdullah1738/juno-vault/internal/ledger"
	"github.com/Abdullah1738/juno-vault/internal/pool"
	"github.com/Abdullah1738/juno-vault/internal/store"
)

type Server struct {
	st store.Store
	ld *ledger.Ledger

	bearerToken string
}

type Option func(*Server)

// WithBearerToken requires `Authorization: Bearer <token>` on every route.
func WithBearerToken(token string) Option {
	return func(s *Server) {
		s.bearerToken = token
	}
}

func New(st store.Store, ld *ledger.Ledger, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("api: store is nil")
	}
	if ld == nil {
		return nil, errors.New("api: ledger is nil")
	}
	s := &Server{st: st, ld: ld}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/accounts", s.handleAccounts)
	mux.HandleFunc("/accounts/", s.handleAccountSubroutes)
	return s.requireAuth(mux)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.bearerToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.bearerToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := map[string]any{
		"status": "ok",
	}

	if tip, ok, err := s.st.Tip(ctx); err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	} else if ok {
		resp["tip_height"] = tip.Height
		resp["tip_hash"] = tip.Hash
	}

	writeJSON(w, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := s.ld.Status(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListAccounts(w, r)
	case http.MethodPost:
		s.handleCreateAccount(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAccountSubroutes(w http.ResponseWriter, r *http.Request) {
	// /accounts/{account_id}/balance etc.
	path := strings.TrimPrefix(r.URL.Path, "/accounts/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	accountID := parts[0]
	if accountID == "" || !isSafeAccountID(accountID) {
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}
	switch parts[1] {
	case "balance":
		s.handleAccountBalance(w, r, accountID)
	case "notes":
		s.handleAccountNotes(w, r, accountID)
	case "events":
		s.handleAccountEvents(w, r, accountID)
	case "diversifier":
		s.handleAdvanceDiversifier(w, r, accountID)
	case "witness":
		s.handleSpendWitness(w, r, accountID)
	default:
		http.NotFound(w, r)
	}
}

type accountRequest struct {
	AccountID  string `json:"account_id"`
	PoolKind   string `json:"pool_kind"`
	ViewingKey string `json:"viewing_key"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.PoolKind = strings.TrimSpace(req.PoolKind)
	req.ViewingKey = strings.TrimSpace(req.ViewingKey)
	if req.AccountID == "" || req.PoolKind == "" || req.ViewingKey == "" {
		http.Error(w, "account_id, pool_kind and viewing_key are required", http.StatusBadRequest)
		return
	}
	if !isSafeAccountID(req.AccountID) {
		http.Error(w, "invalid account_id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	a, err := s.ld.CreateAccount(ctx, req.AccountID, pool.Kind(req.PoolKind), req.ViewingKey)
	switch {
	case err == nil:
	case errors.Is(err, pool.ErrUnknownKind):
		http.Error(w, "unknown pool_kind", http.StatusBadRequest)
		return
	case errors.Is(err, pool.ErrInvalidViewingKey):
		http.Error(w, "invalid viewing_key", http.StatusBadRequest)
		return
	case errors.Is(err, store.ErrAccountExists):
		http.Error(w, "account exists", http.StatusConflict)
		return
	default:
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "ok",
		"account_id": a.AccountID,
		"pool_kind":  a.PoolKind,
		"created_at": a.CreatedAt,
	})
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type account struct {
		AccountID         string    `json:"account_id"`
		PoolKind          string    `json:"pool_kind"`
		DiversifierCursor uint32    `json:"diversifier_cursor"`
		CreatedAt         time.Time `json:"created_at"`
	}

	accounts, err := s.st.ListAccounts(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	out := make([]account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, account{
			AccountID:         a.AccountID,
			PoolKind:          a.PoolKind,
			DiversifierCursor: a.DiversifierCursor,
			CreatedAt:         a.CreatedAt,
		})
	}

	writeJSON(w, map[string]any{"accounts": out})
}

func (s *Server) handleAccountBalance(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	anchor, ok := s.resolveAnchor(ctx, w, r)
	if !ok {
		return
	}

	balance, err := s.ld.Balance(ctx, accountID, anchor)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnknownAccount):
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	case errors.Is(err, ledger.ErrCheckpointNotRetained):
		http.Error(w, "anchor not retained", http.StatusBadRequest)
		return
	default:
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"account_id":    accountID,
		"anchor_height": anchor,
		"balance_zat":   balance,
	})
}

func (s *Server) handleAccountNotes(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	unspent := strings.TrimSpace(r.URL.Query().Get("unspent"))
	onlyUnspent := unspent == "1" || unspent == "true"

	limit := parseInt64Query(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	type note struct {
		TxID             string    `json:"txid"`
		OutputIndex      int32     `json:"output_index"`
		Height           *int64    `json:"height,omitempty"`
		Position         *int64    `json:"position,omitempty"`
		ValueZat         int64     `json:"value_zat"`
		MemoHex          *string   `json:"memo_hex,omitempty"`
		Commitment       string    `json:"commitment"`
		Nullifier        string    `json:"nullifier"`
		DiversifierIndex uint32    `json:"diversifier_index"`
		Change           bool      `json:"change"`
		SpentHeight      *int64    `json:"spent_height,omitempty"`
		SpentTxID        *string   `json:"spent_txid,omitempty"`
		LockTxID         *string   `json:"lock_txid,omitempty"`
		CreatedAt        time.Time `json:"created_at"`
	}

	ns, err := s.st.ListNotes(ctx, accountID, onlyUnspent, int(limit))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	notes := make([]note, 0, len(ns))
	for _, n := range ns {
		notes = append(notes, note{
			TxID:             n.TxID,
			OutputIndex:      n.OutputIndex,
			Height:           n.Height,
			Position:         n.Position,
			ValueZat:         n.ValueZat,
			MemoHex:          n.MemoHex,
			Commitment:       n.Commitment,
			Nullifier:        n.Nullifier,
			DiversifierIndex: n.DiversifierIndex,
			Change:           n.Change,
			SpentHeight:      n.SpentHeight,
			SpentTxID:        n.SpentTxID,
			LockTxID:         n.LockTxID,
			CreatedAt:        n.CreatedAt,
		})
	}

	writeJSON(w, map[string]any{"notes": notes})
}

func (s *Server) handleAccountEvents(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	after := parseInt64Query(r, "after", 0)
	limit := parseInt64Query(r, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	type event struct {
		ID        int64           `json:"id"`
		Kind      string          `json:"kind"`
		Height    int64           `json:"height"`
		Payload   json.RawMessage `json:"payload"`
		CreatedAt time.Time       `json:"created_at"`
	}

	evs, nextCursor, err := s.st.ListAccountEvents(ctx, accountID, after, int(limit))
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	events := make([]event, 0, len(evs))
	for _, e := range evs {
		events = append(events, event{
			ID:        e.ID,
			Kind:      e.Kind,
			Height:    e.Height,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}

	writeJSON(w, map[string]any{
		"events":      events,
		"next_cursor": nextCursor,
	})
}

func (s *Server) handleAdvanceDiversifier(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	idx, err := s.ld.NextDiversifierIndex(ctx, accountID)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnknownAccount):
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	default:
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"account_id":        accountID,
		"diversifier_index": idx,
	})
}

func (s *Server) handleSpendWitness(w http.ResponseWriter, r *http.Request, accountID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	txid := strings.TrimSpace(r.URL.Query().Get("txid"))
	if txid == "" {
		http.Error(w, "txid is required", http.StatusBadRequest)
		return
	}
	vout := parseInt64Query(r, "vout", 0)
	if vout < 0 || vout > 1<<31-1 {
		http.Error(w, "invalid vout", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	anchor, ok := s.resolveAnchor(ctx, w, r)
	if !ok {
		return
	}

	sw, err := s.ld.SpendWitness(ctx, accountID, txid, int32(vout), anchor)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNoteNotFound):
		http.Error(w, "note not found", http.StatusNotFound)
		return
	case errors.Is(err, ledger.ErrNoteSpent):
		http.Error(w, "note already spent", http.StatusConflict)
		return
	case errors.Is(err, ledger.ErrCheckpointNotRetained):
		http.Error(w, "anchor not retained", http.StatusBadRequest)
		return
	default:
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	siblings := make([]string, 0, len(sw.Path.Siblings))
	for _, sib := range sw.Path.Siblings {
		siblings = append(siblings, sib.Hex())
	}

	writeJSON(w, map[string]any{
		"txid":          txid,
		"output_index":  int32(vout),
		"position":      sw.Path.Position,
		"anchor_height": sw.AnchorHeight,
		"anchor_root":   sw.AnchorRoot,
		"siblings":      siblings,
	})
}

// resolveAnchor reads the anchor query parameter, defaulting to the stored
// tip. It writes the error response itself when resolution fails.
func (s *Server) resolveAnchor(ctx context.Context, w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := strings.TrimSpace(r.URL.Query().Get("anchor"))
	if v != "" {
		h, err := strconv.ParseInt(v, 10, 64)
		if err != nil || h < 0 {
			http.Error(w, "invalid anchor", http.StatusBadRequest)
			return 0, false
		}
		return h, true
	}

	tip, ok, err := s.st.Tip(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return 0, false
	}
	if !ok {
		http.Error(w, "no blocks ingested", http.StatusBadRequest)
		return 0, false
	}
	return tip.Height, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}

func parseInt64Query(r *http.Request, key string, def int64) int64 {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func isSafeAccountID(s string) bool {
	if len(s) > 64 {
		return false
	}
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			continue
		}
		if c >= '0' && c <= '9' {
			continue
		}
		if c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}
