// Package api provides the HTTP handlers for the staking engine: the
// polled read surface the dashboard uses, participant writes, and the
// owner's admin endpoints.
//
// Amounts cross the wire as token-denominated decimals
// (shopspring/decimal), never float64, and are converted to 18-decimal
// integers before they reach the engine.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/staking-engine/internal/access"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/model"
	"github.com/atmx/staking-engine/internal/reserve"
	"github.com/atmx/staking-engine/internal/reward"
	"github.com/atmx/staking-engine/internal/staking"
	"github.com/atmx/staking-engine/internal/store"
	"github.com/atmx/staking-engine/internal/token"
	"github.com/atmx/staking-engine/internal/units"
)

// Service exposes the engine over HTTP. The engine serializes its own
// writes, so handlers hold no locks.
type Service struct {
	engine *staking.Engine
	store  store.Store
	token  token.Ledger
}

// NewService creates a new API service.
func NewService(eng *staking.Engine, st store.Store, tok token.Ledger) *Service {
	return &Service{engine: eng, store: st, token: tok}
}

// RegisterRoutes mounts every endpoint on r, which is expected to be the
// /api/v1 sub-router. Pass nil for hub if WebSocket push is not needed.
func (s *Service) RegisterRoutes(r chi.Router, hub *WSHub) {
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	// Polled reads.
	r.Get("/stats", s.GetStats)
	r.Get("/stakes", s.ListPositions)
	r.Get("/stakes/{address}", s.GetStakeInfo)
	r.Get("/rewards/{address}", s.GetReward)
	r.Get("/whitelist/{address}", s.GetWhitelisted)
	r.Get("/tokens/{address}", s.GetToken)
	r.Get("/events", s.ListEvents)

	r.Group(func(r chi.Router) {
		r.Use(RequireCaller)

		r.Post("/approve", s.Approve)
		r.Post("/stake", s.Stake)
		r.Post("/unstake", s.Unstake)
		r.Post("/claim", s.ClaimReward)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/rewards/deposit", s.DepositRewards)
			r.Post("/rewards/withdraw", s.WithdrawRewards)
			r.Post("/emergency-withdraw", s.EmergencyWithdraw)
			r.Post("/apy", s.SetAPY)
			r.Post("/lp-reward-address", s.SetLPRewardAddress)
			r.Post("/ownership", s.TransferOwnership)
			r.Post("/whitelist", s.AddToWhitelist)
			r.Delete("/whitelist", s.RemoveFromWhitelist)
			r.Post("/whitelist/batch", s.BatchAddToWhitelist)
			r.Delete("/whitelist/batch", s.BatchRemoveFromWhitelist)
		})
	})
}

// --- Request/Response types ---

// AmountRequest is the JSON body for stake, unstake, deposit and withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"` // whole tokens, up to 18 decimals
}

// ApproveRequest is the JSON body for POST /approve.
type ApproveRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Unlimited bool            `json:"unlimited"` // approve the maximum allowance
}

// APYRequest is the JSON body for POST /admin/apy.
type APYRequest struct {
	APY uint64 `json:"apy"` // integer percent
}

// AddressRequest is the JSON body for single-address admin calls.
type AddressRequest struct {
	Address string `json:"address"`
}

// BatchAddressRequest is the JSON body for batch allowlist calls.
type BatchAddressRequest struct {
	Addresses []string `json:"addresses"`
}

// BatchResponse lists the addresses a batch call actually changed.
type BatchResponse struct {
	Changed []common.Address `json:"changed"`
}

// StakeInfoResponse is one account's position with its pending reward.
type StakeInfoResponse struct {
	Account             common.Address  `json:"account"`
	Amount              decimal.Decimal `json:"amount"`
	StakedAt            uint64          `json:"staked_at"`
	LastRewardClaimedAt uint64          `json:"last_reward_claimed_at"`
	PendingReward       decimal.Decimal `json:"pending_reward"`
}

// RewardResponse is the JSON body for GET /rewards/{address}.
type RewardResponse struct {
	Account   common.Address  `json:"account"`
	Reward    decimal.Decimal `json:"reward"`
	RewardWei string          `json:"reward_wei"`
}

// StatsResponse is the dashboard's global view.
type StatsResponse struct {
	Owner            common.Address    `json:"owner"`
	Mode             model.ReserveMode `json:"mode"`
	TotalStaked      decimal.Decimal   `json:"total_staked"`
	APY              uint64            `json:"apy"`
	MaxAPY           uint64            `json:"max_apy"`
	RewardPool       *decimal.Decimal  `json:"reward_pool,omitempty"`
	LPRewardAddress  *common.Address   `json:"lp_reward_address,omitempty"`
	LPBalance        *decimal.Decimal  `json:"lp_balance,omitempty"`
	LPAllowance      *decimal.Decimal  `json:"lp_allowance,omitempty"`
	WhitelistEnabled bool              `json:"whitelist_enabled"`
	ActivePositions  int               `json:"active_positions"`
}

// TokenResponse is an account's token balance and its allowance to the
// engine.
type TokenResponse struct {
	Account   common.Address  `json:"account"`
	Balance   decimal.Decimal `json:"balance"`
	Allowance decimal.Decimal `json:"allowance"`
}

// ReceiptResponse is returned from stake, unstake and claim.
type ReceiptResponse struct {
	Account   common.Address    `json:"account"`
	Amount    decimal.Decimal   `json:"amount"`
	Reward    decimal.Decimal   `json:"reward"`
	Timestamp uint64            `json:"timestamp"`
	Position  StakeInfoResponse `json:"position"`
}

// --- Read handlers ---

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	g := s.engine.Globals()
	resp := StatsResponse{
		Owner:            g.Owner,
		Mode:             g.Mode,
		TotalStaked:      units.ToDecimal(g.TotalStaked),
		APY:              g.APY,
		MaxAPY:           g.MaxAPY,
		WhitelistEnabled: g.WhitelistEnabled,
		ActivePositions:  len(s.engine.Positions()),
	}

	switch g.Mode {
	case model.ModePool:
		pool := units.ToDecimal(g.RewardPool)
		resp.RewardPool = &pool
	case model.ModeExternal:
		lp := g.LPRewardAddress
		resp.LPRewardAddress = &lp
		ctx := r.Context()
		if bal, err := s.token.BalanceOf(ctx, lp); err == nil {
			d := units.ToDecimal(bal)
			resp.LPBalance = &d
		}
		if allowance, err := s.token.Allowance(ctx, lp, s.engine.Address()); err == nil {
			d := units.ToDecimal(allowance)
			resp.LPAllowance = &d
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListPositions handles GET /api/v1/stakes
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Positions()
	out := make([]StakeInfoResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, s.stakeInfo(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetStakeInfo handles GET /api/v1/stakes/{address}
func (s *Service) GetStakeInfo(w http.ResponseWriter, r *http.Request) {
	addr, ok := urlAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.stakeInfo(s.engine.StakeInfo(addr)))
}

// GetReward handles GET /api/v1/rewards/{address}
func (s *Service) GetReward(w http.ResponseWriter, r *http.Request) {
	addr, ok := urlAddress(w, r)
	if !ok {
		return
	}
	owed, err := s.engine.CalculateReward(addr)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RewardResponse{
		Account:   addr,
		Reward:    units.ToDecimal(owed),
		RewardWei: owed.Dec(),
	})
}

// GetWhitelisted handles GET /api/v1/whitelist/{address}
func (s *Service) GetWhitelisted(w http.ResponseWriter, r *http.Request) {
	addr, ok := urlAddress(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":     addr,
		"whitelisted": s.engine.IsWhitelisted(addr),
	})
}

// GetToken handles GET /api/v1/tokens/{address}
func (s *Service) GetToken(w http.ResponseWriter, r *http.Request) {
	addr, ok := urlAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	bal, err := s.token.BalanceOf(ctx, addr)
	if err != nil {
		writeError(w, "failed to read balance", http.StatusInternalServerError)
		return
	}
	allowance, err := s.token.Allowance(ctx, addr, s.engine.Address())
	if err != nil {
		writeError(w, "failed to read allowance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Account:   addr,
		Balance:   units.ToDecimal(bal),
		Allowance: units.ToDecimal(allowance),
	})
}

// ListEvents handles GET /api/v1/events
// Optional ?account=<address> and ?limit=<n>.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	var f store.EventFilter
	if raw := r.URL.Query().Get("account"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, "invalid account address", http.StatusBadRequest)
			return
		}
		addr := common.HexToAddress(raw)
		f.Account = &addr
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	events, err := s.store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Participant handlers ---

// Approve handles POST /api/v1/approve
// Sets the caller's allowance to the engine, the step before staking.
func (s *Service) Approve(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amount := new(uint256.Int).Set(token.MaxAllowance)
	if !req.Unlimited {
		var err error
		if amount, err = units.FromDecimal(req.Amount); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	if err := s.engine.Approve(ctx, caller, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	allowance, _ := s.token.Allowance(ctx, caller, s.engine.Address())
	bal, _ := s.token.BalanceOf(ctx, caller)
	writeJSON(w, http.StatusOK, TokenResponse{
		Account:   caller,
		Balance:   units.ToDecimal(bal),
		Allowance: units.ToDecimal(allowance),
	})
}

// Stake handles POST /api/v1/stake
func (s *Service) Stake(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	start := time.Now()
	receipt, err := s.engine.Stake(r.Context(), caller, amount)
	metrics.ObserveOperation("stake", start, err)
	if err != nil {
		if errors.Is(err, access.ErrNotWhitelisted) {
			metrics.WhitelistRejections.Inc()
		}
		writeEngineError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

// Unstake handles POST /api/v1/unstake
func (s *Service) Unstake(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	start := time.Now()
	receipt, err := s.engine.Unstake(r.Context(), caller, amount)
	metrics.ObserveOperation("unstake", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

// ClaimReward handles POST /api/v1/claim
func (s *Service) ClaimReward(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())

	start := time.Now()
	receipt, err := s.engine.ClaimReward(r.Context(), caller)
	metrics.ObserveOperation("claim", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.writeReceipt(w, receipt)
}

// --- Admin handlers ---

// DepositRewards handles POST /api/v1/admin/rewards/deposit
func (s *Service) DepositRewards(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.DepositRewards(r.Context(), caller, amount)
	metrics.ObserveOperation("deposit_rewards", start, err)
	s.writeStatsOrError(w, r, err)
}

// WithdrawRewards handles POST /api/v1/admin/rewards/withdraw
func (s *Service) WithdrawRewards(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.WithdrawRewards(r.Context(), caller, amount)
	metrics.ObserveOperation("withdraw_rewards", start, err)
	s.writeStatsOrError(w, r, err)
}

// EmergencyWithdraw handles POST /api/v1/admin/emergency-withdraw
func (s *Service) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	start := time.Now()
	swept, err := s.engine.EmergencyWithdraw(r.Context(), caller)
	metrics.ObserveOperation("emergency_withdraw", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.observe()
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"swept": units.ToDecimal(swept)})
}

// SetAPY handles POST /api/v1/admin/apy
func (s *Service) SetAPY(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	var req APYRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	start := time.Now()
	err := s.engine.SetAPY(r.Context(), caller, req.APY)
	metrics.ObserveOperation("set_apy", start, err)
	s.writeStatsOrError(w, r, err)
}

// SetLPRewardAddress handles POST /api/v1/admin/lp-reward-address
func (s *Service) SetLPRewardAddress(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.SetLPRewardAddress(r.Context(), caller, addr)
	metrics.ObserveOperation("set_lp_reward_address", start, err)
	s.writeStatsOrError(w, r, err)
}

// TransferOwnership handles POST /api/v1/admin/ownership
func (s *Service) TransferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.TransferOwnership(r.Context(), caller, addr)
	metrics.ObserveOperation("transfer_ownership", start, err)
	s.writeStatsOrError(w, r, err)
}

// AddToWhitelist handles POST /api/v1/admin/whitelist
func (s *Service) AddToWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.AddToWhitelist(r.Context(), caller, addr)
	metrics.ObserveOperation("whitelist_add", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": addr, "whitelisted": true})
}

// RemoveFromWhitelist handles DELETE /api/v1/admin/whitelist
func (s *Service) RemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addr, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	start := time.Now()
	err := s.engine.RemoveFromWhitelist(r.Context(), caller, addr)
	metrics.ObserveOperation("whitelist_remove", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": addr, "whitelisted": false})
}

// BatchAddToWhitelist handles POST /api/v1/admin/whitelist/batch
// Invalid, duplicate and present entries are skipped, not rejected.
func (s *Service) BatchAddToWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addrs, ok := decodeAddresses(w, r)
	if !ok {
		return
	}
	start := time.Now()
	added, err := s.engine.BatchAddToWhitelist(r.Context(), caller, addrs)
	metrics.ObserveOperation("whitelist_batch_add", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Changed: added})
}

// BatchRemoveFromWhitelist handles DELETE /api/v1/admin/whitelist/batch
func (s *Service) BatchRemoveFromWhitelist(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFrom(r.Context())
	addrs, ok := decodeAddresses(w, r)
	if !ok {
		return
	}
	start := time.Now()
	removed, err := s.engine.BatchRemoveFromWhitelist(r.Context(), caller, addrs)
	metrics.ObserveOperation("whitelist_batch_remove", start, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchResponse{Changed: removed})
}

// --- Helpers ---

func (s *Service) stakeInfo(rec *model.StakeRecord) StakeInfoResponse {
	pending, _ := s.engine.CalculateReward(rec.Account)
	return StakeInfoResponse{
		Account:             rec.Account,
		Amount:              units.ToDecimal(rec.Principal),
		StakedAt:            rec.StakedAt,
		LastRewardClaimedAt: rec.LastRewardSettledAt,
		PendingReward:       units.ToDecimal(pending),
	}
}

func (s *Service) writeReceipt(w http.ResponseWriter, rc *staking.Receipt) {
	metrics.ObserveReward(rc.Reward)
	s.observe()
	writeJSON(w, http.StatusOK, ReceiptResponse{
		Account:   rc.Account,
		Amount:    units.ToDecimal(rc.Amount),
		Reward:    units.ToDecimal(rc.Reward),
		Timestamp: rc.Timestamp,
		Position:  s.stakeInfo(s.engine.StakeInfo(rc.Account)),
	})
}

func (s *Service) writeStatsOrError(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeEngineError(w, err)
		return
	}
	s.observe()
	s.GetStats(w, r)
}

func (s *Service) observe() {
	metrics.ObserveGlobals(s.engine.Globals(), len(s.engine.Positions()))
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (*uint256.Int, bool) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	amount, err := units.FromDecimal(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

func decodeAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	var req AddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return common.Address{}, false
	}
	if !common.IsHexAddress(req.Address) {
		writeError(w, "invalid address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(req.Address), true
}

// decodeAddresses keeps malformed entries as the zero address so the
// engine's batch policy skips them like any other invalid entry.
func decodeAddresses(w http.ResponseWriter, r *http.Request) ([]common.Address, bool) {
	var req BatchAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return nil, false
	}
	out := make([]common.Address, len(req.Addresses))
	for i, raw := range req.Addresses {
		if common.IsHexAddress(raw) {
			out[i] = common.HexToAddress(raw)
		}
	}
	return out, true
}

func urlAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, "invalid address: "+raw, http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, access.ErrUnauthorized),
		errors.Is(err, access.ErrNotWhitelisted):
		return http.StatusForbidden

	case errors.Is(err, staking.ErrZeroAmount),
		errors.Is(err, staking.ErrInsufficientStake),
		errors.Is(err, staking.ErrAPYExceedsMaximum),
		errors.Is(err, staking.ErrOverflow),
		errors.Is(err, reward.ErrOverflow),
		errors.Is(err, access.ErrInvalidAddress),
		errors.Is(err, access.ErrAlreadyWhitelisted),
		errors.Is(err, access.ErrNotInWhitelist),
		errors.Is(err, reserve.ErrExceedsRewardPool),
		errors.Is(err, reserve.ErrOverflow):
		return http.StatusBadRequest

	case errors.Is(err, staking.ErrNothingToClaim),
		errors.Is(err, staking.ErrWhitelistDisabled),
		errors.Is(err, staking.ErrAccountingMismatch),
		errors.Is(err, reserve.ErrUnsupportedMode),
		errors.Is(err, reserve.ErrPayerNotSet):
		return http.StatusConflict

	case errors.Is(err, reserve.ErrInsufficientRewardPool),
		errors.Is(err, staking.ErrTransferFailed):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
