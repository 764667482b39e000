package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"subsidychain/observability"
	"subsidychain/services/subsidyd/accounts"
	"subsidychain/services/subsidyd/coordinator"
	"subsidychain/services/subsidyd/models"
	"subsidychain/services/subsidyd/recon"
	"subsidychain/services/subsidyd/store"
)

// Reconciler runs an on-demand ledger/store comparison.
type Reconciler interface {
	Run(ctx context.Context, opts recon.RunOptions) (*recon.Result, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Coordinator *coordinator.Coordinator
	Accounts    *accounts.Service
	Store       *store.Store
	// Reconciler is nil in offline mode.
	Reconciler      Reconciler
	ContractAddress string
	// RequireAuth guards government routes with a bearer token issued by /login.
	RequireAuth bool
	// LedgerRateLimit throttles the routes that submit contract transactions.
	LedgerRateLimit RateLimit
	Logger          *slog.Logger
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	coord           *coordinator.Coordinator
	accounts        *accounts.Service
	store           *store.Store
	reconciler      Reconciler
	contractAddress string
	requireAuth     bool
	limiter         *RateLimiter
	idempotency     *Idempotency
	metrics         *observability.HTTPMetrics
	logger          *slog.Logger

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		coord:           cfg.Coordinator,
		accounts:        cfg.Accounts,
		store:           cfg.Store,
		reconciler:      cfg.Reconciler,
		contractAddress: strings.TrimSpace(cfg.ContractAddress),
		requireAuth:     cfg.RequireAuth,
		limiter:         NewRateLimiter(map[string]RateLimit{ledgerLimitKey: cfg.LedgerRateLimit}, logger),
		idempotency:     NewIdempotency(storeDB(cfg.Store), logger),
		metrics:         observability.HTTP(),
		logger:          logger,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

const ledgerLimitKey = "ledger"

// DivergenceHeader carries the ledger transaction hash on responses for writes the
// ledger accepted but the store did not record.
const DivergenceHeader = "Ledger-Divergence"

func storeDB(st *store.Store) *gorm.DB {
	if st == nil {
		return nil
	}
	return st.DB()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	idempotent := s.idempotency.Middleware
	ledgerLimited := s.limiter.Middleware(ledgerLimitKey)

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/contract-config", s.ContractConfig)

	r.Post("/signup", s.Signup)
	r.Post("/login", s.Login)
	r.Post("/change-password", s.ChangePassword)

	r.Get("/vendors", s.ListVendors)
	r.Get("/vendors/{vendorId}/progress", s.VendorProgress)
	r.With(ledgerLimited, idempotent).Post("/update-progress", s.UpdateProgress)

	r.Group(func(gov chi.Router) {
		gov.Use(s.requireRole(models.RoleGovernment))
		gov.With(ledgerLimited, idempotent).Post("/add-vendor", s.AddVendor)
		gov.With(idempotent).Post("/confirm-payout", s.ConfirmPayout)
		gov.Post("/reset", s.Reset)
		gov.Post("/ops/reconcile", s.Reconcile)
	})
	return r
}

type addVendorRequest struct {
	Name          string      `json:"name"`
	VendorEmail   string      `json:"vendorEmail"`
	WalletAddress string      `json:"walletAddress"`
	MilestoneGoal json.Number `json:"milestoneGoal"`
	RewardAmount  json.Number `json:"rewardAmount"`
	Password      string      `json:"password,omitempty"`
}

// AddVendor registers a vendor and its producer account.
func (s *Server) AddVendor(w http.ResponseWriter, r *http.Request) {
	var req addVendorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "All vendor fields are required.")
		return
	}
	if req.Name == "" || req.VendorEmail == "" || req.WalletAddress == "" || req.MilestoneGoal == "" || req.RewardAmount == "" {
		s.writeMessage(w, http.StatusBadRequest, "All vendor fields are required.")
		return
	}
	goal, err := req.MilestoneGoal.Int64()
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Milestone goal must be a positive integer.")
		return
	}
	vendor, err := s.coord.RegisterVendor(r.Context(), coordinator.RegisterVendorRequest{
		Name:          req.Name,
		Email:         req.VendorEmail,
		WalletAddress: req.WalletAddress,
		MilestoneGoal: goal,
		RewardAmount:  req.RewardAmount.String(),
		Password:      req.Password,
	})
	if err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusConflict:            "A user with this email or a vendor with this wallet already exists.",
			http.StatusInternalServerError: "Failed to add vendor due to a server or blockchain error.",
		})
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"message":  "Vendor and user account created successfully!",
		"vendorId": vendor.ID,
	})
}

type updateProgressRequest struct {
	VendorDBID    json.Number `json:"vendorDbId"`
	WalletAddress string      `json:"walletAddress"`
	NewProgress   json.Number `json:"newProgress"`
}

// UpdateProgress records a progress delta on the ledger and in the progress log.
func (s *Server) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	const invalid = "Valid vendor ID, wallet address, and progress amount are required."
	var req updateProgressRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, invalid)
		return
	}
	vendorID, err := parseID(req.VendorDBID.String())
	if err != nil || req.WalletAddress == "" {
		s.writeMessage(w, http.StatusBadRequest, invalid)
		return
	}
	delta, err := req.NewProgress.Int64()
	if err != nil || delta <= 0 {
		s.writeMessage(w, http.StatusBadRequest, invalid)
		return
	}
	ack, err := s.coord.ReportProgress(r.Context(), coordinator.ProgressRequest{
		VendorID:      vendorID,
		WalletAddress: req.WalletAddress,
		Delta:         delta,
	})
	if err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusNotFound:            "Vendor not found.",
			http.StatusInternalServerError: "Failed to update progress due to a server or blockchain error.",
		})
		return
	}
	body := map[string]any{"message": "Progress updated successfully on-chain and in the database."}
	if ack.Offline {
		body["message"] = "Progress updated successfully in the database."
	}
	if ack.TxHash != "" {
		body["txHash"] = ack.TxHash
	}
	s.writeJSON(w, http.StatusOK, body)
}

// ConfirmPayout marks a vendor as paid.
func (s *Server) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VendorID json.Number `json:"vendorId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Vendor ID is required.")
		return
	}
	vendorID, err := parseID(req.VendorID.String())
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Vendor ID is required.")
		return
	}
	ack, err := s.coord.ConfirmPayout(r.Context(), vendorID)
	if err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusNotFound:            "Vendor not found.",
			http.StatusInternalServerError: "Failed to confirm payout in the database.",
		})
		return
	}
	message := "Payout confirmed successfully."
	if ack.AlreadyPaid {
		message = "Payout was already confirmed."
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"message": message, "alreadyPaid": ack.AlreadyPaid})
}

// VendorProgress returns the aggregate progress logged for a vendor.
func (s *Server) VendorProgress(w http.ResponseWriter, r *http.Request) {
	vendorID, err := parseID(chi.URLParam(r, "vendorId"))
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Invalid vendor ID.")
		return
	}
	total, err := s.coord.TotalProgress(r.Context(), vendorID)
	if err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusNotFound:            "Vendor not found.",
			http.StatusInternalServerError: "Failed to fetch progress.",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"totalProgress": total})
}

// ListVendors returns every vendor, newest first.
func (s *Server) ListVendors(w http.ResponseWriter, r *http.Request) {
	vendors, err := s.coord.ListVendors(r.Context())
	if err != nil {
		s.writeError(w, err, map[int]string{http.StatusInternalServerError: "Failed to fetch vendors."})
		return
	}
	if vendors == nil {
		vendors = []models.Vendor{}
	}
	s.writeJSON(w, http.StatusOK, vendors)
}

// Reset clears all relational state.
func (s *Server) Reset(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ResetAll(r.Context()); err != nil {
		s.writeError(w, err, map[int]string{http.StatusInternalServerError: "Failed to reset."})
		return
	}
	s.writeMessage(w, http.StatusOK, "Simulation reset successfully.")
}

// ContractConfig exposes the configured contract address.
func (s *Server) ContractConfig(w http.ResponseWriter, _ *http.Request) {
	if s.contractAddress == "" {
		s.writeMessage(w, http.StatusNotFound, "Contract address not set on the server.")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"address": s.contractAddress})
}

// Reconcile runs an on-demand ledger/store reconciliation.
func (s *Server) Reconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		s.writeMessage(w, http.StatusServiceUnavailable, "Reconciliation requires a configured ledger.")
		return
	}
	dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run"))
	res, err := s.reconciler.Run(r.Context(), recon.RunOptions{DryRun: dryRun})
	if err != nil {
		s.logger.Error("on-demand reconciliation failed", slog.Any("error", err))
		s.writeMessage(w, http.StatusBadGateway, "Reconciliation failed.")
		return
	}
	if res.Anomalies == nil {
		res.Anomalies = []recon.Anomaly{}
	}
	s.writeJSON(w, http.StatusOK, res)
}

// Health reports database reachability and ledger mode.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	mode := "online"
	if s.coord.Offline() {
		mode = "offline"
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error(), "ledger": mode})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "ledger": mode})
}

// writeError maps domain errors to status codes. messages overrides the body text per status.
func (s *Server) writeError(w http.ResponseWriter, err error, messages map[int]string) {
	var div *coordinator.DivergenceError
	if errors.As(err, &div) {
		s.writeDivergence(w, div)
		return
	}
	status := http.StatusInternalServerError
	var mismatch *accounts.RoleMismatchError
	switch {
	case errors.Is(err, coordinator.ErrValidation), errors.Is(err, accounts.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, coordinator.ErrConflict), errors.Is(err, accounts.ErrEmailTaken):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, accounts.ErrUserNotFound):
		status = http.StatusNotFound
	case errors.Is(err, accounts.ErrInvalidCredentials), errors.Is(err, accounts.ErrWrongPassword):
		status = http.StatusUnauthorized
	case errors.As(err, &mismatch):
		status = http.StatusForbidden
	}

	message, ok := messages[status]
	if !ok {
		if status == http.StatusInternalServerError {
			message = "An internal server error occurred."
		} else {
			message = err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.Int("status", status), slog.Any("error", err))
	}
	s.writeMessage(w, status, message)
}

// writeDivergence answers a write that reached the ledger but not the store. The
// response is marked so idempotent retries replay it instead of writing again.
func (s *Server) writeDivergence(w http.ResponseWriter, div *coordinator.DivergenceError) {
	marker := div.TxHash
	if marker == "" {
		marker = "unknown"
	}
	w.Header().Set(DivergenceHeader, marker)
	body := map[string]any{
		"message":    "The change was recorded on-chain but could not be saved to the database. It will be reconciled; do not retry.",
		"divergence": true,
	}
	if div.TxHash != "" {
		body["txHash"] = div.TxHash
	}
	s.writeJSON(w, http.StatusInternalServerError, body)
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(started)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.metrics.Observe(route, r.Method, ww.Status(), elapsed)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("id must be positive")
	}
	return uint(id), nil
}
