// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/phone-pay/internal/adapter"
	"github.com/phone-pay/internal/logging"
	"github.com/phone-pay/internal/models"
	"github.com/phone-pay/internal/service"
)

// Service interfaces for dependency injection and testing

// RegistrationAPI covers phone registration and profile lookups
type RegistrationAPI interface {
	Register(ctx context.Context, phoneNumber, walletAddress string) (*models.RegistrationResult, error)
	Repair(ctx context.Context, phoneNumber, walletAddress string) (*models.RegistrationResult, error)
	ConnectWallet(ctx context.Context, walletAddress string) (*models.User, error)
	LookupWallet(ctx context.Context, phoneNumber string) (*models.PhoneLookup, error)
	GetProfileByWallet(ctx context.Context, walletAddress string) (*models.Profile, error)
	GetProfileByPhone(ctx context.Context, phoneNumber string) (*models.Profile, error)
}

// ReferralAPI covers referral codes and points
type ReferralAPI interface {
	Create(ctx context.Context, input service.CreateReferralInput) (*models.Referral, error)
	ListAvailable(ctx context.Context, category, search string) ([]models.AvailableReferral, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]models.Referral, error)
	ClaimUsage(ctx context.Context, referralID, userID int64, attemptID string) (*models.ClaimResult, error)
	Deactivate(ctx context.Context, ownerID, referralID int64) (*models.Referral, error)
	PendingPoints(ctx context.Context, ownerID int64) (*models.PendingPoints, error)
	PointsHistory(ctx context.Context, ownerID int64, limit int) ([]models.PointsEntry, error)
	ClaimRewardsOnChain(ctx context.Context, ownerID int64) (*models.RewardClaim, error)
	OnChainRewards(ctx context.Context, ownerID int64) (*service.OnChainRewards, error)
	OnChainDetails(ctx context.Context, referralID int64) (*adapter.ReferralCodeDetails, error)
}

// PaymentAPI covers payments and transaction verification
type PaymentAPI interface {
	Send(ctx context.Context, userID int64, toAddress, amount string) (*models.PaymentResult, error)
	SendToPhone(ctx context.Context, userID int64, phoneNumber, amount string) (*models.PaymentResult, error)
	Verify(ctx context.Context, txHash string) (*adapter.TxVerification, error)
	EcoFund(ctx context.Context) (*adapter.EcoFund, error)
	ContractBalance(ctx context.Context) (*service.ContractBalance, error)
}

// Pinger is a dependency the health check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	registrations RegistrationAPI
	referrals     ReferralAPI
	payments      PaymentAPI
	idempotency   IdempotencyStore
	health        map[string]Pinger
	metrics       *Metrics
	rateLimiter   *RateLimiter
	config        *ServerConfig
	done          chan struct{}
	closeOnce     sync.Once
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // per client; zero disables limiting
	Burst             int
	IdempotencyTTL    time.Duration
}

// Dependencies are the services and probes a server is built from.
// Idempotency, Health and Metrics are optional.
type Dependencies struct {
	Registrations RegistrationAPI
	Referrals     ReferralAPI
	Payments      PaymentAPI
	Idempotency   IdempotencyStore
	Health        map[string]Pinger
	Metrics       *Metrics
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, deps Dependencies) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	s := &Server{
		router:        mux.NewRouter(),
		registrations: deps.Registrations,
		referrals:     deps.Referrals,
		payments:      deps.Payments,
		idempotency:   deps.Idempotency,
		health:        deps.Health,
		metrics:       metrics,
		rateLimiter:   NewRateLimiter(config.RequestsPerSecond, config.Burst),
		config:        config,
		done:          make(chan struct{}),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// order matters: the request id must exist before anything logs
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(s.metrics.Middleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(s.rateLimiter))
	if s.idempotency != nil {
		api.Use(IdempotencyMiddleware(s.idempotency, s.config.IdempotencyTTL))
	}

	// Registration endpoints
	api.HandleFunc("/registrations", s.handleRegister).Methods("POST")
	api.HandleFunc("/registrations/repair", s.handleRepair).Methods("POST")
	api.HandleFunc("/users/connect", s.handleConnectWallet).Methods("POST")
	api.HandleFunc("/users/profile", s.handleGetProfile).Methods("GET")
	api.HandleFunc("/phones/lookup", s.handleLookupPhone).Methods("GET")

	// Referral endpoints
	api.HandleFunc("/referrals", s.handleCreateReferral).Methods("POST")
	api.HandleFunc("/referrals/available", s.handleListAvailable).Methods("GET")
	api.HandleFunc("/referrals/{id}/claims", s.handleClaimReferral).Methods("POST")
	api.HandleFunc("/referrals/{id}/deactivate", s.handleDeactivateReferral).Methods("POST")
	api.HandleFunc("/referrals/{id}/onchain", s.handleReferralOnChain).Methods("GET")
	api.HandleFunc("/users/{id}/referrals", s.handleListOwnerReferrals).Methods("GET")
	api.HandleFunc("/users/{id}/points", s.handleGetPoints).Methods("GET")
	api.HandleFunc("/users/{id}/rewards/claim", s.handleClaimRewards).Methods("POST")
	api.HandleFunc("/users/{id}/rewards/onchain", s.handleOnChainRewards).Methods("GET")

	// Payment endpoints
	api.HandleFunc("/payments", s.handleSendPayment).Methods("POST")
	api.HandleFunc("/transactions/verify", s.handleVerifyTransaction).Methods("POST")

	// Contract views
	api.HandleFunc("/contract/ecofund", s.handleEcoFund).Methods("GET")
	api.HandleFunc("/contract/balance", s.handleContractBalance).Methods("GET")
}

// handleHealth reports healthy only when every probe answers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, probe := range s.health {
		if err := probe.Ping(ctx); err != nil {
			logging.FromContext(ctx).WithField("dependency", name).WithError(err).Warn("Health check failed")
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "phone-pay",
		"checks":  checks,
	})
}

// Handler returns the root handler, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and sweeps idle rate limiters until shutdown.
func (s *Server) Start() error {
	go s.sweepRateLimiters()
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

func (s *Server) sweepRateLimiters() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.rateLimiter.Cleanup()
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	s.closeOnce.Do(func() { close(s.done) })
	return s.httpServer.Shutdown(ctx)
}
