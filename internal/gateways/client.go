package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitsacco/txengine/internal/model"
	"github.com/bitsacco/txengine/pkg/logger"
	"github.com/valyala/fasthttp"
)

var ErrCircuitOpen = errors.New("gateway circuit open")

// RailMetrics tracks per-gateway call performance, feeding the circuit
// breaker and the stats surface.
type RailMetrics struct {
	TotalRequests    atomic.Int64
	SuccessfulReqs   atomic.Int64
	FailedReqs       atomic.Int64
	TotalLatencyMs   atomic.Int64
	LastLatencyMs    atomic.Int64
	ConsecutiveFails atomic.Int32
	LastErrorTime    atomic.Int64
	LastSuccessTime  atomic.Int64

	mu             sync.RWMutex
	latencyHistory []int64
	maxHistorySize int
}

func NewRailMetrics() *RailMetrics {
	return &RailMetrics{
		latencyHistory: make([]int64, 0, 100),
		maxHistorySize: 100,
	}
}

func (m *RailMetrics) RecordSuccess(latencyMs int64) {
	m.TotalRequests.Add(1)
	m.SuccessfulReqs.Add(1)
	m.TotalLatencyMs.Add(latencyMs)
	m.LastLatencyMs.Store(latencyMs)
	m.ConsecutiveFails.Store(0)
	m.LastSuccessTime.Store(time.Now().Unix())

	m.mu.Lock()
	if len(m.latencyHistory) >= m.maxHistorySize {
		m.latencyHistory = m.latencyHistory[1:]
	}
	m.latencyHistory = append(m.latencyHistory, latencyMs)
	m.mu.Unlock()
}

func (m *RailMetrics) RecordFailure() {
	m.TotalRequests.Add(1)
	m.FailedReqs.Add(1)
	m.ConsecutiveFails.Add(1)
	m.LastErrorTime.Store(time.Now().Unix())
}

func (m *RailMetrics) AvgLatencyMs() int64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 0
	}
	return m.TotalLatencyMs.Load() / total
}

func (m *RailMetrics) SuccessRate() float64 {
	total := m.TotalRequests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(m.SuccessfulReqs.Load()) / float64(total)
}

func (m *RailMetrics) P95LatencyMs() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.latencyHistory) == 0 {
		return 0
	}

	sorted := make([]int64, len(m.latencyHistory))
	copy(sorted, m.latencyHistory)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p95Index := int(float64(len(sorted)) * 0.95)
	if p95Index >= len(sorted) {
		p95Index = len(sorted) - 1
	}
	return sorted[p95Index]
}

// ClientConfig tunes one rail's HTTP client.
type ClientConfig struct {
	BaseURL                 string
	Timeout                 time.Duration
	MaxConns                int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// railClient is the shared HTTP plumbing under both adapters: one base URL
// per rail, a request deadline, metrics, and a consecutive-failure circuit
// breaker.
type railClient struct {
	rail             model.PaymentMethod
	baseURL          string
	client           *fasthttp.Client
	metrics          *RailMetrics
	timeout          time.Duration
	breakerThreshold int
	breakerTimeout   time.Duration
	circuitOpenUntil atomic.Int64
}

func newRailClient(rail model.PaymentMethod, cfg ClientConfig) (*railClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s gateway: base url is required", rail)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 512
	}
	if cfg.CircuitBreakerThreshold == 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout == 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}

	c := &railClient{
		rail:    rail,
		baseURL: cfg.BaseURL,
		client: &fasthttp.Client{
			MaxConnsPerHost:     cfg.MaxConns,
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
		metrics:          NewRailMetrics(),
		timeout:          cfg.Timeout,
		breakerThreshold: cfg.CircuitBreakerThreshold,
		breakerTimeout:   cfg.CircuitBreakerTimeout,
	}
	logger.Info("gateway client initialized", "rail", string(rail), "url", cfg.BaseURL, "timeout", cfg.Timeout)
	return c, nil
}

func (c *railClient) circuitIsOpen() bool {
	openUntil := c.circuitOpenUntil.Load()
	return openUntil > 0 && time.Now().Unix() <= openUntil
}

func (c *railClient) recordFailure() {
	c.metrics.RecordFailure()
	if c.metrics.ConsecutiveFails.Load() >= int32(c.breakerThreshold) {
		openUntil := time.Now().Add(c.breakerTimeout).Unix()
		c.circuitOpenUntil.Store(openUntil)
		logger.Warn("gateway circuit breaker opened",
			"rail", string(c.rail),
			"consecutive_fails", c.metrics.ConsecutiveFails.Load(),
			"timeout", c.breakerTimeout)
	}
}

// doRequest performs one HTTP call with a deadline. A non-2xx response is
// returned with its status code so the caller can map it onto the adapter
// error taxonomy.
func (c *railClient) doRequest(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if c.circuitIsOpen() {
		return 0, nil, ErrCircuitOpen
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if body != nil {
		req.SetBody(body)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	start := time.Now()
	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		c.recordFailure()
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	c.metrics.RecordSuccess(time.Since(start).Milliseconds())

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())

	return resp.StatusCode(), result, nil
}

// Stats returns a point-in-time view for operational surfaces.
func (c *railClient) Stats() RailStats {
	return RailStats{
		Rail:             string(c.rail),
		URL:              c.baseURL,
		CircuitOpen:      c.circuitIsOpen(),
		TotalRequests:    c.metrics.TotalRequests.Load(),
		SuccessfulReqs:   c.metrics.SuccessfulReqs.Load(),
		FailedReqs:       c.metrics.FailedReqs.Load(),
		SuccessRate:      c.metrics.SuccessRate(),
		AvgLatencyMs:     c.metrics.AvgLatencyMs(),
		P95LatencyMs:     c.metrics.P95LatencyMs(),
		ConsecutiveFails: c.metrics.ConsecutiveFails.Load(),
	}
}

type RailStats struct {
	Rail             string
	URL              string
	CircuitOpen      bool
	TotalRequests    int64
	SuccessfulReqs   int64
	FailedReqs       int64
	SuccessRate      float64
	AvgLatencyMs     int64
	P95LatencyMs     int64
	ConsecutiveFails int32
}
