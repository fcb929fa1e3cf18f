package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"restaurant-rewards/internal/model"
	"restaurant-rewards/internal/service"
)

// Services are the engine operations exposed over HTTP.
type Services struct {
	Spin   *service.SpinService
	Ledger *service.LedgerService
	Mint   *service.MintService
	Sweep  *service.SweepService
}

// Options configures the router.
type Options struct {
	JWTSecret      string
	CronSecret     string
	AllowedOrigins []string
	// Health reports store readiness. Nil means always healthy.
	Health func(ctx context.Context) error
	// Now is the sweep clock. Nil means time.Now.
	Now func() time.Time
}

type server struct {
	svc  Services
	opts Options
}

// NewRouter builds the HTTP handler for the rewards API.
func NewRouter(svc Services, opts Options) http.Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &server{svc: svc, opts: opts}
	auth := NewAuthenticator(opts.JWTSecret)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rewards/prizes", s.handlePrizes)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Post("/rewards/spin", s.handleSpin)
			r.Get("/rewards/status", s.handleStatus)
			r.Get("/rewards/balance", s.handleBalance)
			r.Get("/rewards/expiring", s.handleExpiring)
			r.Get("/rewards/history", s.handleHistory)
			r.Get("/rewards/spins", s.handleSpins)
			r.Post("/rewards/redeem", s.handleRedeem)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Use(RequireAdmin)
			r.Post("/tokens", s.handleMint)
			r.Post("/points/purchase", s.handlePurchase)
			r.Post("/points/bonus", s.handleBonus)
			r.Get("/users/{userID}/tokens", s.handleUserTokens)
		})

		r.With(RequireCronSecret(opts.CronSecret)).Post("/internal/sweep", s.handleSweep)
	})

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			writeFail(w, http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	writeOK(w, "ok", nil)
}

type prizeView struct {
	Key             string  `json:"key"`
	Label           string  `json:"label"`
	Points          *int64  `json:"points,omitempty"`
	DiscountPercent int     `json:"discount_percent,omitempty"`
	Chance          float64 `json:"chance"`
}

func (s *server) handlePrizes(w http.ResponseWriter, r *http.Request) {
	table := s.svc.Spin.Table()
	entries := table.Entries()
	views := make([]prizeView, 0, len(entries))
	for _, e := range entries {
		views = append(views, prizeView{
			Key:             e.Key,
			Label:           e.Label,
			Points:          e.PointsGranted,
			DiscountPercent: e.DiscountPercent,
			Chance:          table.Chance(e.Key),
		})
	}
	writeOK(w, "prizes", views)
}

func (s *server) handleSpin(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Spin.Spin(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !result.OK {
		writeJSON(w, http.StatusOK, APIResponse{Success: false, Message: string(result.Reason), Data: result})
		return
	}
	writeOK(w, "spin accepted", result)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Spin.Status(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "status", map[string]interface{}{
		"tokens":     status.Tokens,
		"spun_today": status.SpunToday,
		"can_spin":   status.CanSpin(),
	})
}

func (s *server) handleBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.Ledger.Balance(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "balance", map[string]int64{"points": balance})
}

func (s *server) handleExpiring(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", service.DefaultExpiringDays)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "days must be an integer")
		return
	}
	grants, err := s.svc.Ledger.ExpiringWithin(r.Context(), userID(r), days)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if grants == nil {
		grants = []model.ExpiringGrant{}
	}
	writeOK(w, "expiring", grants)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	entries, err := s.svc.Ledger.History(r.Context(), userID(r), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*model.LedgerTransaction{}
	}
	writeOK(w, "history", entries)
}

func (s *server) handleSpins(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	spins, err := s.svc.Spin.Spins(r.Context(), userID(r), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if spins == nil {
		spins = []*model.SpinRecord{}
	}
	writeOK(w, "spins", spins)
}

type redeemRequest struct {
	Points int64  `json:"points"`
	Tag    string `json:"tag"`
}

func (s *server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.svc.Ledger.Redeem(r.Context(), userID(r), req.Points, req.Tag)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "redeemed", map[string]string{"transaction_id": id})
}

type mintRequest struct {
	UserID  string        `json:"user_id"`
	Signals model.Signals `json:"signals"`
}

func (s *server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	minted, err := s.svc.Mint.Mint(r.Context(), req.UserID, req.Signals)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "tokens minted", map[string]int{"minted": minted})
}

type purchaseRequest struct {
	UserID   string `json:"user_id"`
	Points   int64  `json:"points"`
	OrderRef string `json:"order_ref"`
}

func (s *server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, created, err := s.svc.Ledger.AwardPurchase(r.Context(), req.UserID, req.Points, req.OrderRef)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "purchase points awarded", map[string]interface{}{
		"transaction_id": id,
		"created":        created,
	})
}

type bonusRequest struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
	Tag    string `json:"tag"`
}

func (s *server) handleBonus(w http.ResponseWriter, r *http.Request) {
	var req bonusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.svc.Ledger.AwardBonus(r.Context(), req.UserID, req.Points, req.Tag)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "bonus awarded", map[string]string{"transaction_id": id})
}

func (s *server) handleUserTokens(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		writeFail(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	tokens, err := s.svc.Mint.Tokens(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []*model.EligibilityToken{}
	}
	writeOK(w, "tokens", tokens)
}

// handleSweep runs the expiry sweep and then credits any spins left unsettled.
func (s *server) handleSweep(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Now()
	neutralized, err := s.svc.Sweep.Sweep(r.Context(), now)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	settled, err := s.svc.Spin.Reconcile(r.Context(), now)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOK(w, "sweep finished", map[string]int{
		"neutralized": neutralized,
		"settled":     settled,
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
