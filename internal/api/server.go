// Package api exposes the engine's upstream entry points over HTTP and a
// WebSocket stream of health snapshots.
package api

import (
	"errors"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/wingzero/tradebridge/internal/health"
	"github.com/wingzero/tradebridge/internal/resilience"
	"github.com/wingzero/tradebridge/internal/router"
	"github.com/wingzero/tradebridge/internal/scheduler"
	"github.com/wingzero/tradebridge/internal/threshold"
	"github.com/wingzero/tradebridge/internal/txnengine"
	pkgerrors "github.com/wingzero/tradebridge/pkg/errors"
	"github.com/wingzero/tradebridge/pkg/models"
)

// Server wires the HTTP surface over the engine subsystems.
type Server struct {
	withdrawals *txnengine.WithdrawalService
	orders      *router.Router
	thresholds  *threshold.Calculator
	jobs        *scheduler.Scheduler
	monitor     *health.Monitor
	breakers    *resilience.BreakerRegistry
	registry    *prometheus.Registry
	logger      *zap.Logger
	upgrader    websocket.Upgrader

	startedAt time.Time
}

// NewServer creates the HTTP server facade.
func NewServer(
	withdrawals *txnengine.WithdrawalService,
	orders *router.Router,
	thresholds *threshold.Calculator,
	jobs *scheduler.Scheduler,
	monitor *health.Monitor,
	breakers *resilience.BreakerRegistry,
	registry *prometheus.Registry,
	logger *zap.Logger,
) *Server {
	return &Server{
		withdrawals: withdrawals,
		orders:      orders,
		thresholds:  thresholds,
		jobs:        jobs,
		monitor:     monitor,
		breakers:    breakers,
		registry:    registry,
		logger:      logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		startedAt: time.Now(),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(s.logger, true))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.POST("/withdrawals", s.postWithdrawal)
		v1.GET("/withdrawals/:id", s.getWithdrawal)
		v1.POST("/orders", s.postOrder)
		v1.GET("/orders/:id", s.getOrder)
		v1.POST("/orders/:id/cancel", s.cancelOrder)
		v1.GET("/thresholds/:instrument", s.getThreshold)
		v1.POST("/jobs", s.postJob)
		v1.GET("/jobs/:id", s.getJob)
	}

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.streamHealth)
	return r
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "running",
		"uptime":    time.Since(s.startedAt).String(),
		"venues":    s.monitor.Snapshot(),
		"breakers":  s.breakers.States(),
		"timestamp": time.Now().UTC(),
	})
}

type withdrawalRequest struct {
	Account  string            `json:"account" binding:"required"`
	Amount   string            `json:"amount" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) postWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	id, err := s.withdrawals.Submit(c.Request.Context(), req.Account, amount, req.Metadata)
	if err != nil {
		s.writeError(c, id, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"transaction_id": id})
}

func (s *Server) getWithdrawal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	record, ok := s.withdrawals.Record(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

type orderRequest struct {
	Owner       string `json:"owner" binding:"required"`
	Instrument  string `json:"instrument" binding:"required"`
	Side        string `json:"side" binding:"required"`
	Quantity    string `json:"quantity" binding:"required"`
	Type        string `json:"type"`
	LimitPrice  string `json:"limit_price"`
	TimeInForce string `json:"time_in_force"`
}

func (s *Server) postOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
		return
	}

	order := models.Order{
		Owner:       req.Owner,
		Instrument:  req.Instrument,
		Side:        models.OrderSide(req.Side),
		Quantity:    qty,
		Type:        models.OrderType(req.Type),
		TimeInForce: models.TimeInForce(req.TimeInForce),
		Priority:    models.PriorityNormal,
	}
	if order.Type == "" {
		order.Type = models.OrderTypeMarket
	}
	if req.LimitPrice != "" {
		price, err := decimal.NewFromString(req.LimitPrice)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit price"})
			return
		}
		order.LimitPrice = price
	}

	id, err := s.orders.Submit(c.Request.Context(), order)
	if err != nil {
		s.writeError(c, id, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"order_id": id, "executions": s.orders.Executions(id)})
}

func (s *Server) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	order, ok := s.orders.Order(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "executions": s.orders.Executions(id)})
}

func (s *Server) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid order id"})
		return
	}
	if err := s.orders.Cancel(c.Request.Context(), id); err != nil {
		var partial *router.PartialAckError
		if errors.As(err, &partial) {
			// Ambiguous, not failed: some venues acknowledged.
			c.JSON(http.StatusConflict, gin.H{
				"cancelled": false,
				"ambiguous": true,
				"acked":     partial.Acked,
			})
			return
		}
		s.writeError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) getThreshold(c *gin.Context) {
	instrument := c.Param("instrument")
	current, ok := s.thresholds.Current(instrument)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instrument": instrument,
		"threshold":  current,
		"history":    s.thresholds.History(instrument),
	})
}

type jobRequest struct {
	Type     string                 `json:"type" binding:"required"`
	Payload  map[string]interface{} `json:"payload"`
	Priority int                    `json:"priority"`
	DelaySec int                    `json:"delay_seconds"`
}

func (s *Server) postJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.jobs.Schedule(req.Type, req.Payload,
		scheduler.Priority(req.Priority), time.Duration(req.DelaySec)*time.Second)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	status, ok := s.jobs.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "status": status})
}

// streamHealth pushes health snapshots to WebSocket clients every interval
// until the client goes away.
func (s *Server) streamHealth(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			payload := gin.H{
				"venues":    s.monitor.Snapshot(),
				"breakers":  s.breakers.States(),
				"timestamp": time.Now().UTC(),
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, id uuid.UUID, err error) {
	switch {
	case pkgerrors.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case pkgerrors.IsCircuitOpen(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		var rb *txnengine.RolledBackError
		if errors.As(err, &rb) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":          rb.Error(),
				"transaction_id": id,
				"status":         txnengine.StatusRolledBack,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
