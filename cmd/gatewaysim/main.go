package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GatewayStatus is the settlement state a backend reports for one payment.
type GatewayStatus string

const (
	StatusPending   GatewayStatus = "PENDING"
	StatusCompleted GatewayStatus = "COMPLETED"
	StatusFailed    GatewayStatus = "FAILED"
	StatusOpen      GatewayStatus = "OPEN"
	StatusSettled   GatewayStatus = "SETTLED"
	StatusExpired   GatewayStatus = "EXPIRED"
)

// PushRequest is an STK push initiation on the mobile-money rail.
type PushRequest struct {
	Reference   string `json:"reference" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
	Direction   string `json:"direction"` // "collect" or "disburse"
}

// PushResponse acknowledges a push. Acknowledgment is not settlement; the
// subscriber still has to confirm on the handset.
type PushResponse struct {
	GatewayRef string        `json:"gateway_ref"`
	Status     GatewayStatus `json:"status"`
	ErrorCode  string        `json:"error_code,omitempty"`
	ErrorMsg   string        `json:"error_message,omitempty"`
	AcceptedAt time.Time     `json:"accepted_at"`
}

// InvoiceRequest asks the Lightning rail for a BOLT11 invoice or an
// outbound payment.
type InvoiceRequest struct {
	Reference  string `json:"reference" binding:"required"`
	AmountSats int64  `json:"amount_sats" binding:"required"`
	Memo       string `json:"memo"`
	Direction  string `json:"direction"` // "receive" or "send"
}

// InvoiceResponse carries the issued invoice.
type InvoiceResponse struct {
	GatewayRef string        `json:"gateway_ref"`
	Invoice    string        `json:"invoice"`
	Status     GatewayStatus `json:"status"`
	ErrorCode  string        `json:"error_code,omitempty"`
	ErrorMsg   string        `json:"error_message,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// StatusResponse is the polled state of a payment on either rail.
type StatusResponse struct {
	GatewayRef string        `json:"gateway_ref"`
	Status     GatewayStatus `json:"status"`
	ErrorCode  string        `json:"error_code,omitempty"`
	ErrorMsg   string        `json:"error_message,omitempty"`
	SettledAt  *time.Time    `json:"settled_at,omitempty"`
}

// HealthResponse reports simulator liveness and its current tuning.
type HealthResponse struct {
	Status      string    `json:"status"`
	GatewayID   string    `json:"gateway_id"`
	Timestamp   time.Time `json:"timestamp"`
	SuccessRate float64   `json:"success_rate"`
}

type payment struct {
	ref       string
	createdAt time.Time
	willFail  bool
	errorCode string
	errorMsg  string
	successAt time.Time
}

// MockGateway simulates both payment backends: pushes and invoices settle
// asynchronously after a configurable delay, succeeding at a configurable
// rate.
type MockGateway struct {
	mu          sync.Mutex
	successRate float64
	settleDelay time.Duration
	gatewayID   string
	rng         *rand.Rand
	payments    map[string]*payment
}

// NewMockGateway creates a simulator instance.
func NewMockGateway(successRate float64, settleDelay time.Duration) *MockGateway {
	return &MockGateway{
		successRate: successRate,
		settleDelay: settleDelay,
		gatewayID:   "MOCK_GATEWAY_" + uuid.New().String()[:8],
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		payments:    make(map[string]*payment),
	}
}

// accept records a new payment and decides its eventual outcome up front.
func (g *MockGateway) accept(errorCode, errorMsg string) *payment {
	g.mu.Lock()
	defer g.mu.Unlock()

	p := &payment{
		ref:       uuid.New().String(),
		createdAt: time.Now(),
		willFail:  g.rng.Float64() >= g.successRate,
		errorCode: errorCode,
		errorMsg:  errorMsg,
	}
	p.successAt = p.createdAt.Add(g.settleDelay)
	g.payments[p.ref] = p
	return p
}

// lookup resolves the current state of a payment from its decided outcome
// and the elapsed time.
func (g *MockGateway) lookup(ref string) (*payment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.payments[ref]
	return p, ok
}

func (g *MockGateway) setSuccessRate(rate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.successRate = rate
}

func (g *MockGateway) currentSuccessRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.successRate
}

// Handler wires the simulator into gin routes.
type Handler struct {
	gateway *MockGateway
}

func NewHandler(gateway *MockGateway) *Handler {
	return &Handler{gateway: gateway}
}

// Push handles mobile-money initiation requests.
func (h *Handler) Push(c *gin.Context) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code":    "INVALID_REQUEST",
			"error_message": err.Error(),
		})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code":    "INVALID_AMOUNT",
			"error_message": "amount must be positive",
		})
		return
	}
	if len(req.PhoneNumber) < 10 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code":    "INVALID_MSISDN",
			"error_message": "phone number is not in service",
		})
		return
	}

	p := h.gateway.accept("INSUFFICIENT_FUNDS", "subscriber has insufficient funds")

	log.Info().
		Str("reference", req.Reference).
		Str("gateway_ref", p.ref).
		Str("phone", req.PhoneNumber).
		Str("direction", req.Direction).
		Int64("amount", req.Amount).
		Msg("Push accepted")

	c.JSON(http.StatusAccepted, PushResponse{
		GatewayRef: p.ref,
		Status:     StatusPending,
		AcceptedAt: p.createdAt,
	})
}

// PushStatus handles mobile-money status polls.
func (h *Handler) PushStatus(c *gin.Context) {
	ref := c.Param("gateway_ref")
	p, ok := h.gateway.lookup(ref)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error_code":    "UNKNOWN_REF",
			"error_message": "no push with that reference",
		})
		return
	}

	resp := StatusResponse{GatewayRef: ref, Status: StatusPending}
	if time.Now().After(p.successAt) {
		if p.willFail {
			resp.Status = StatusFailed
			resp.ErrorCode = p.errorCode
			resp.ErrorMsg = p.errorMsg
		} else {
			resp.Status = StatusCompleted
			settled := p.successAt
			resp.SettledAt = &settled
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Invoice handles Lightning initiation requests.
func (h *Handler) Invoice(c *gin.Context) {
	var req InvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code":    "INVALID_REQUEST",
			"error_message": err.Error(),
		})
		return
	}
	if req.AmountSats <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error_code":    "INVALID_AMOUNT",
			"error_message": "amount_sats must be positive",
		})
		return
	}

	p := h.gateway.accept("EXPIRED", "invoice expired unpaid")

	log.Info().
		Str("reference", req.Reference).
		Str("gateway_ref", p.ref).
		Str("direction", req.Direction).
		Int64("amount_sats", req.AmountSats).
		Msg("Invoice issued")

	c.JSON(http.StatusCreated, InvoiceResponse{
		GatewayRef: p.ref,
		Invoice:    fmt.Sprintf("lnbc%d1p%s", req.AmountSats, p.ref[:13]),
		Status:     StatusOpen,
		CreatedAt:  p.createdAt,
	})
}

// InvoiceStatus handles Lightning status polls.
func (h *Handler) InvoiceStatus(c *gin.Context) {
	ref := c.Param("gateway_ref")
	p, ok := h.gateway.lookup(ref)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error_code":    "UNKNOWN_REF",
			"error_message": "no invoice with that reference",
		})
		return
	}

	resp := StatusResponse{GatewayRef: ref, Status: StatusOpen}
	if time.Now().After(p.successAt) {
		if p.willFail {
			resp.Status = StatusExpired
			resp.ErrorCode = p.errorCode
			resp.ErrorMsg = p.errorMsg
		} else {
			resp.Status = StatusSettled
			settled := p.successAt
			resp.SettledAt = &settled
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HealthCheck handles health check requests.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:      "healthy",
		GatewayID:   h.gateway.gatewayID,
		Timestamp:   time.Now(),
		SuccessRate: h.gateway.currentSuccessRate(),
	})
}

// UpdateConfig allows changing the success rate at runtime.
func (h *Handler) UpdateConfig(c *gin.Context) {
	var config struct {
		SuccessRate *float64 `json:"success_rate"`
	}

	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if config.SuccessRate != nil {
		if *config.SuccessRate >= 0 && *config.SuccessRate <= 1.0 {
			h.gateway.setSuccessRate(*config.SuccessRate)
			log.Info().Float64("rate", *config.SuccessRate).Msg("Updated success rate")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message":      "Configuration updated",
		"success_rate": h.gateway.currentSuccessRate(),
	})
}

// SetupRouter configures all routes
func SetupRouter(handler *Handler) *gin.Engine {
	router := gin.Default()

	// Add request logging middleware
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", duration).
			Msg("Request processed")
	})

	// API routes
	v1 := router.Group("/api/v1")
	{
		v1.POST("/push", handler.Push)
		v1.GET("/push/status/:gateway_ref", handler.PushStatus)
		v1.POST("/invoices", handler.Invoice)
		v1.GET("/invoices/:gateway_ref", handler.InvoiceStatus)
		v1.GET("/health", handler.HealthCheck)
		v1.PUT("/config", handler.UpdateConfig)
	}

	// Root health check
	router.GET("/health", handler.HealthCheck)

	return router
}

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Get configuration from environment
	port := getEnv("PORT", "8081")
	successRate := getEnvFloat("SUCCESS_RATE", 1)
	settleDelay := getEnvDuration("SETTLE_DELAY", 5*time.Second)

	log.Info().
		Str("port", port).
		Float64("success_rate", successRate).
		Dur("settle_delay", settleDelay).
		Msg("Starting mock payment gateway")

	gateway := NewMockGateway(successRate, settleDelay)
	handler := NewHandler(gateway)
	router := SetupRouter(handler)

	// Setup HTTP server
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
