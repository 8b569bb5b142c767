package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/lunaluxe/payment-orchestrator/internal/checkout"
	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/logging"
	"github.com/lunaluxe/payment-orchestrator/internal/monitor"
	"github.com/lunaluxe/payment-orchestrator/internal/notify"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
	"github.com/lunaluxe/payment-orchestrator/internal/reporting"
)

type checkoutRequest struct {
	OrderRef   string              `json:"orderRef"`
	Items      []ledger.LineItem   `json:"items"`
	Shipping   ledger.ShippingInfo `json:"shipping"`
	CouponCode string              `json:"couponCode"`
	Currency   string              `json:"currency"`
}

type pushRequest struct {
	OrderRef string `json:"orderRef"`
	Phone    string `json:"phone"`
}

type cardRequest struct {
	OrderRef string              `json:"orderRef"`
	Card     payment.CardDetails `json:"card"`
}

type orderResponse struct {
	Order             ledger.Order  `json:"order"`
	Totals            ledger.Totals `json:"totals"`
	PaymentInProgress bool          `json:"paymentInProgress"`
}

func setupRouter(a *app) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), logging.AccessLog(a.logger))

	router.GET("/healthz", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/checkout/orders", monitor.MustLoad(monitor.CheckoutOrder).Middleware(), a.createOrder)
	api.POST("/payments/push", monitor.MustLoad(monitor.PushPayment).Middleware(), a.pushPayment)
	api.POST("/payments/card", monitor.MustLoad(monitor.CardPayment).Middleware(), a.cardPayment)
	api.POST("/payments/:orderRef/abandon", a.abandon)
	api.GET("/orders/:orderRef", a.getOrder)
	api.GET("/orders/:orderRef/events", a.orderEvents)
	api.GET("/reports/retrospective", a.retrospective)
	return router
}

func (a *app) health(c *gin.Context) {
	if err := a.ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *app) createOrder(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	order, err := a.builder.Build(c.Request.Context(), checkout.Input{
		OrderRef:   req.OrderRef,
		Items:      req.Items,
		Shipping:   req.Shipping,
		CouponCode: req.CouponCode,
		Currency:   req.Currency,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, orderResponse{Order: order, Totals: order.Totals()})
}

func (a *app) pushPayment(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	order, err := a.ledger.Get(c.Request.Context(), req.OrderRef)
	if err != nil {
		writeError(c, err)
		return
	}
	h, err := a.orc.InitiatePushPayment(c.Request.Context(), payment.Request{
		OrderRef: order.ID,
		Amount:   order.Totals().Total,
		Currency: order.Currency,
		Method:   payment.MethodPush,
		Phone:    req.Phone,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"orderRef":   h.OrderRef(),
		"checkoutId": h.CheckoutID(),
		"status":     ledger.StatusPending,
		"message":    "Please check your phone to complete the payment",
	})
}

func (a *app) cardPayment(c *gin.Context) {
	var req cardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format: " + err.Error()})
		return
	}
	order, err := a.ledger.Get(c.Request.Context(), req.OrderRef)
	if err != nil {
		writeError(c, err)
		return
	}
	card := req.Card
	h, err := a.orc.InitiateCardPayment(c.Request.Context(), payment.Request{
		OrderRef: order.ID,
		Amount:   order.Totals().Total,
		Currency: order.Currency,
		Method:   payment.MethodCard,
		Card:     &card,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	out, final, err := h.Result()
	if !final {
		c.JSON(http.StatusAccepted, gin.H{
			"orderRef":    h.OrderRef(),
			"intentId":    h.CheckoutID(),
			"redirectUrl": h.RedirectURL(),
			"status":      "REQUIRES_ACTION",
		})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orderRef": h.OrderRef(), "outcome": out})
}

func (a *app) abandon(c *gin.Context) {
	ref := c.Param("orderRef")
	if !a.orc.Abandon(ref) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no payment in progress for " + ref})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"orderRef": ref, "abandoned": true})
}

func (a *app) getOrder(c *gin.Context) {
	ref := c.Param("orderRef")
	order, err := a.ledger.Get(c.Request.Context(), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderResponse{Order: order, Totals: order.Totals(), PaymentInProgress: a.orc.Active(ref)})
}

func (a *app) orderEvents(c *gin.Context) {
	events := a.feed.Events(c.Param("orderRef"))
	if events == nil {
		events = []notify.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (a *app) retrospective(c *gin.Context) {
	var w reporting.Window
	for key, dst := range map[string]*time.Time{"from": &w.From, "to": &w.To} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter " + key + " must be an RFC 3339 time"})
			return
		}
		*dst = t
	}
	report, err := a.reporter.Generate(c.Request.Context(), w)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// statusFor maps the payment error taxonomy to an HTTP status.
func statusFor(err error) int {
	var ve *payment.ValidationError
	switch {
	case errors.As(err, &ve):
		if errors.Is(ve.Reason, payment.ErrInvalidRequest) {
			return http.StatusBadRequest
		}
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, payment.ErrOrchestrationInProgress), errors.Is(err, payment.ErrOrderAlreadyPaid):
		return http.StatusConflict
	case errors.Is(err, payment.ErrGatewayUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, payment.ErrGatewayRejected):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := statusFor(err)
	body := gin.H{"error": err.Error()}
	var ve *payment.ValidationError
	if errors.As(err, &ve) {
		body["fields"] = ve.Fields
	}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	c.JSON(status, body)
}
