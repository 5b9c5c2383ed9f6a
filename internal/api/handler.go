package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/gateway"
	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/store"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout     *service.CheckoutService
	orchestrator *service.Orchestrator
	poller       *service.StatusPoller
	sm           *service.StateMachine
	normalizer   *gateway.Normalizer
	store        *store.Store
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	orchestrator *service.Orchestrator,
	poller *service.StatusPoller,
	sm *service.StateMachine,
	normalizer *gateway.Normalizer,
	st *store.Store,
) *Handler {
	return &Handler{
		checkout:     checkout,
		orchestrator: orchestrator,
		poller:       poller,
		sm:           sm,
		normalizer:   normalizer,
		store:        st,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateway intake, outside the API group: the gateway and the browser
	// hit these, not our clients.
	router.POST("/webhooks/payment", h.paymentWebhook)
	router.GET("/payments/callback", h.paymentCallback)
	router.POST("/payments/callback", h.paymentCallback)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createCheckout)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/verify", h.verifyPayment)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/advance", h.advanceOrder)
		v1.POST("/orders/:id/refund", h.refundOrder)
		v1.GET("/users/:id/orders", h.getUserOrders)
		v1.GET("/users/:id/coins", h.getUserCoins)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// paymentWebhook receives gateway server-to-server notifications. The
// response code steers the gateway's retry loop: 401/400 are final
// rejections, 200 acknowledges (including duplicates), 5xx asks for a retry.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}
	signature := c.GetHeader("X-Gateway-Signature")

	event, err := h.normalizer.NormalizeWebhook(c.Request.Context(), body, signature)
	if errors.Is(err, models.ErrSignatureInvalid) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	if errors.Is(err, models.ErrMalformedEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed event"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process event"})
		return
	}

	result, err := h.orchestrator.Settle(c.Request.Context(), event)
	if errors.Is(err, models.ErrOrderNotFound) {
		// Acknowledge so the gateway stops retrying a reference we will
		// never know.
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "unknown order"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settlement failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": result.Outcome})
}

// paymentCallback receives the browser redirect after payment. Output is
// user-facing, so a duplicate settles quietly into the same success response.
func (h *Handler) paymentCallback(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback"})
		return
	}
	params := c.Request.URL.Query()
	for k, v := range c.Request.PostForm {
		params[k] = v
	}

	event, err := h.normalizer.NormalizeRedirect(c.Request.Context(), params)
	if errors.Is(err, models.ErrSignatureInvalid) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}
	if errors.Is(err, models.ErrMalformedEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed callback"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process callback"})
		return
	}

	result, err := h.orchestrator.Settle(c.Request.Context(), event)
	if errors.Is(err, models.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if errors.Is(err, models.ErrStatusUnresolved) {
		// Payment may still land; tell the client to poll.
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "details": "payment not confirmed yet"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Settlement failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": result.Outcome, "order": result.Order})
}

// CheckoutRequest is the checkout request body.
type CheckoutRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	CartID         int64  `json:"cart_id" binding:"required"`
	TableID        *int64 `json:"table_id"`
	CoinsUsed      int64  `json:"coins_used"`
	IdempotencyKey string `json:"idempotency_key"`
}

// createCheckout converts a cart into a pending order with a gateway charge
func (h *Handler) createCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.checkout.Checkout(c.Request.Context(), service.CheckoutParams{
		UserID:         req.UserID,
		CartID:         req.CartID,
		TableID:        req.TableID,
		CoinsUsed:      req.CoinsUsed,
		IdempotencyKey: req.IdempotencyKey,
	})
	if errors.Is(err, models.ErrInsufficientBalance) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Insufficient coin balance",
			"details": err.Error(),
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create checkout",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	order, err := h.store.GetOrderByID(c.Request.Context(), orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load order"})
		return
	}

	c.JSON(http.StatusOK, order)
}

// verifyPayment triggers an active gateway status poll for an order whose
// notification never arrived
func (h *Handler) verifyPayment(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	result, err := h.poller.Reconcile(c.Request.Context(), orderID)
	if errors.Is(err, models.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if errors.Is(err, models.ErrStatusUnresolved) {
		c.JSON(http.StatusAccepted, gin.H{"status": "pending", "details": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Verification failed", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": result.Outcome, "order": result.Order})
}

// cancelOrder cancels a not-yet-paid order
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	if err := h.sm.Cancel(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Cannot cancel order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// AdvanceRequest names the status the caller believes the order is in; the
// guarded update rejects a stale view.
type AdvanceRequest struct {
	FromStatus string `json:"from_status" binding:"required"`
}

// advanceOrder moves the order one step along the fulfillment lifecycle
func (h *Handler) advanceOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req AdvanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	next, err := h.sm.AdvanceFulfillment(c.Request.Context(), orderID, req.FromStatus)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Cannot advance order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order_status": next})
}

// RefundRequest is the refund request body.
type RefundRequest struct {
	Amount int64 `json:"amount" binding:"required"`
}

// refundOrder refunds a paid order and reverses its coin effects
func (h *Handler) refundOrder(c *gin.Context) {
	orderID, ok := h.orderID(c)
	if !ok {
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.orchestrator.Refund(c.Request.Context(), orderID, req.Amount)
	if errors.Is(err, models.ErrOrderNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Refund failed",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, order)
}

// getUserOrders lists a user's orders, newest first
func (h *Handler) getUserOrders(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	orders, err := h.store.GetOrdersByUserID(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getUserCoins returns the cached balance plus recent ledger history
func (h *Handler) getUserCoins(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	coins, err := h.store.GetUserCoins(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	entries, err := h.store.GetLedgerEntriesByUser(c.Request.Context(), userID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"coins": coins, "ledger": entries})
}

func (h *Handler) orderID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return 0, false
	}
	return id, true
}

func (h *Handler) userID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
