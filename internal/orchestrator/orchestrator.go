// Package orchestrator runs payment orchestrations: it picks the gateway by
// method, initiates the payment, hands asynchronous confirmations to the
// poller and writes the terminal outcome to the ledger.
//
// At most one orchestration per order reference is in flight. The ledger is
// written only for SUCCEEDED and FAILED outcomes, and every orchestration
// that got past registration emits exactly one terminal notification.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lunaluxe/payment-orchestrator/internal/adapter"
	"github.com/lunaluxe/payment-orchestrator/internal/ledger"
	"github.com/lunaluxe/payment-orchestrator/internal/metrics"
	"github.com/lunaluxe/payment-orchestrator/internal/notify"
	"github.com/lunaluxe/payment-orchestrator/internal/payment"
	"github.com/lunaluxe/payment-orchestrator/internal/poller"
	"github.com/lunaluxe/payment-orchestrator/internal/policy"
)

// Orchestrator coordinates the gateways, the poller and the ledger.
type Orchestrator struct {
	push   adapter.PushGateway
	card   adapter.CardGateway
	ledger ledger.Ledger
	poller *poller.Poller

	pushRules *policy.Classifier
	cardRules *policy.Classifier
	sink      notify.Sink
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.Mutex
	active   map[string]*Handle
	reserved map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithNotifier(s notify.Sink) Option { return func(o *Orchestrator) { o.sink = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithPushRules replaces policy.DefaultPushRules.
func WithPushRules(c *policy.Classifier) Option { return func(o *Orchestrator) { o.pushRules = c } }

// WithCardRules replaces policy.DefaultCardRules.
func WithCardRules(c *policy.Classifier) Option { return func(o *Orchestrator) { o.cardRules = c } }

// NewOrchestrator creates an Orchestrator. Every collaborator is required.
func NewOrchestrator(push adapter.PushGateway, card adapter.CardGateway, l ledger.Ledger, p *poller.Poller, opts ...Option) *Orchestrator {
	if push == nil {
		panic("PushGateway cannot be nil")
	}
	if card == nil {
		panic("CardGateway cannot be nil")
	}
	if l == nil {
		panic("Ledger cannot be nil")
	}
	if p == nil {
		panic("Poller cannot be nil")
	}
	o := &Orchestrator{
		push:      push,
		card:      card,
		ledger:    l,
		poller:    p,
		pushRules: policy.MustClassifier(policy.DefaultPushRules),
		cardRules: policy.MustClassifier(policy.DefaultCardRules),
		sink:      notify.Discard,
		metrics:   metrics.NewUnregistered(),
		logger:    zerolog.Nop(),
		now:       time.Now,
		active:    make(map[string]*Handle),
		reserved:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Active reports whether an orchestration for orderRef is in flight.
func (o *Orchestrator) Active(orderRef string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[orderRef]
	return ok
}

// Handle returns the in-flight orchestration for orderRef.
func (o *Orchestrator) Handle(orderRef string) (*Handle, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	h, ok := o.active[orderRef]
	return h, ok
}

// Reserve holds orderRef so no orchestration can start for it until release
// is called; the order can then be rewritten without racing a payment. It
// fails with payment.ErrOrchestrationInProgress while a payment for
// orderRef is in flight or another reservation holds it.
func (o *Orchestrator) Reserve(orderRef string) (release func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[orderRef]; busy {
		return nil, payment.ErrOrchestrationInProgress
	}
	if _, busy := o.reserved[orderRef]; busy {
		return nil, payment.ErrOrchestrationInProgress
	}
	o.reserved[orderRef] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.reserved, orderRef)
			o.mu.Unlock()
		})
	}, nil
}

// Abandon stops the confirmation of orderRef. The handle completes with a
// TIMED_OUT outcome and payment.ErrAbandoned; the ledger is not written. It
// reports whether an orchestration was in flight.
func (o *Orchestrator) Abandon(orderRef string) bool {
	h, ok := o.Handle(orderRef)
	if !ok {
		return false
	}
	h.requestAbandon()
	return true
}

// Drain abandons every in-flight orchestration and waits for them to
// finish. Their orders stay PENDING.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	handles := make([]*Handle, 0, len(o.active))
	for _, h := range o.active {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	for _, h := range handles {
		h.requestAbandon()
	}
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return fmt.Errorf("failed to drain %d orchestrations: %w", len(handles), ctx.Err())
		}
	}
	o.logger.Info().Int("abandoned", len(handles)).Msg("orchestrations drained")
	return nil
}

// InitiatePushPayment validates req, sends the push prompt and starts
// polling for its confirmation. Errors returned here mean no poll cycle was
// started.
func (o *Orchestrator) InitiatePushPayment(ctx context.Context, req payment.Request) (*Handle, error) {
	if req.Method == "" {
		req.Method = payment.MethodPush
	}
	if req.Method != payment.MethodPush {
		return nil, payment.NewValidationError(payment.ErrInvalidRequest, "method")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := o.push.Validate(req.Amount, req.Phone); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.InitiatePushPayment")
	defer span.End()
	span.SetAttributes(attribute.String("order.ref", req.OrderRef), attribute.String("payment.provider", o.push.Name()))

	h, err := o.begin(ctx, req, o.push.Name())
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	o.emit(h, notify.Event{Kind: notify.KindLoading, Message: "Initiating M-Pesa payment..."})
	prompt, err := o.push.Initiate(ctx, req.Amount, req.Phone, req.OrderRef)
	if err != nil {
		spanError(span, err)
		o.failInitiation(h, "", err)
		return nil, err
	}
	h.setProvider(prompt.CheckoutID, "")
	span.SetAttributes(attribute.String("payment.checkout_id", prompt.CheckoutID))

	msg := prompt.CustomerMessage
	if msg == "" {
		msg = "Please check your phone to complete the payment"
	}
	o.emit(h, notify.Event{Kind: notify.KindInfo, Message: msg, Context: map[string]string{"checkoutId": prompt.CheckoutID}})

	cycle := o.poller.Start(h.ctx, req.OrderRef, func(qctx context.Context, attempt int) (poller.Result, error) {
		st, err := o.push.QueryStatus(qctx, prompt.CheckoutID)
		if err != nil {
			o.countQuery(h, "", err)
			return poller.Result{}, err
		}
		res, err := o.pushRules.ClassifyPush(st)
		if err != nil {
			o.countQuery(h, "", err)
			return poller.Result{}, err
		}
		if res.ProviderReference == "" {
			res.ProviderReference = prompt.CheckoutID
		}
		o.countQuery(h, res.Verdict.String(), nil)
		return res, nil
	})
	go o.await(h, cycle, prompt.CheckoutID)
	return h, nil
}

// InitiateCardPayment validates the card locally, creates and confirms a
// payment intent. A synchronous answer completes the handle before it is
// returned; step-up authentication hands the intent to the poller.
func (o *Orchestrator) InitiateCardPayment(ctx context.Context, req payment.Request) (*Handle, error) {
	if req.Method == "" {
		req.Method = payment.MethodCard
	}
	if req.Method != payment.MethodCard {
		return nil, payment.NewValidationError(payment.ErrInvalidRequest, "method")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := o.card.ValidateCard(*req.Card); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("orchestrator").Start(ctx, "Orchestrator.InitiateCardPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.ref", req.OrderRef),
		attribute.String("payment.provider", o.card.Name()),
		attribute.String("card.last4", req.Card.Last4()),
	)

	h, err := o.begin(ctx, req, o.card.Name())
	if err != nil {
		spanError(span, err)
		return nil, err
	}

	o.emit(h, notify.Event{Kind: notify.KindLoading, Message: "Processing card payment..."})
	intent, err := o.card.CreateIntent(ctx, req.Amount, req.Currency, req.OrderRef)
	if err != nil {
		spanError(span, err)
		o.failInitiation(h, "", err)
		return nil, err
	}
	h.setProvider(intent.ID, "")

	conf, err := o.confirmIntent(ctx, h, intent, *req.Card)
	if err != nil {
		spanError(span, err)
		o.failInitiation(h, intent.ID, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("payment.intent_status", string(conf.Status)))

	switch conf.Status {
	case adapter.CardSucceeded:
		o.finish(h, payment.Succeeded(intent.ID, o.now()), nil)
		return h, nil
	case adapter.CardFailed, adapter.CardRequiresPaymentMethod:
		o.finish(h, payment.Failed(intent.ID, cardFailureReason(conf), o.now()), nil)
		return h, nil
	}

	h.setProvider(intent.ID, conf.RedirectURL)
	if conf.Status == adapter.CardRequiresAction {
		o.emit(h, notify.Event{
			Kind:    notify.KindInfo,
			Message: "Additional authentication required",
			Context: map[string]string{"redirectUrl": conf.RedirectURL},
		})
	}

	cycle := o.poller.Start(h.ctx, req.OrderRef, func(qctx context.Context, attempt int) (poller.Result, error) {
		cur, err := o.card.Retrieve(qctx, intent.ID)
		if err != nil {
			o.countQuery(h, "", err)
			return poller.Result{}, err
		}
		res, err := o.cardRules.ClassifyCard(cur)
		if err != nil {
			o.countQuery(h, "", err)
			return poller.Result{}, err
		}
		o.countQuery(h, res.Verdict.String(), nil)
		return res, nil
	})
	go o.await(h, cycle, intent.ID)
	return h, nil
}

// confirmIntent confirms a fresh intent. An intent the provider has already
// confirmed, as happens when a confirmation response was lost and the order
// is retried, is taken as it stands instead of being confirmed twice.
func (o *Orchestrator) confirmIntent(ctx context.Context, h *Handle, intent adapter.CardIntent, card payment.CardDetails) (adapter.CardConfirmation, error) {
	switch intent.Status {
	case adapter.CardSucceeded, adapter.CardProcessing, adapter.CardRequiresAction:
		o.logger.Info().
			Str("order_ref", h.orderRef).
			Str("intent_id", intent.ID).
			Str("intent_status", string(intent.Status)).
			Msg("resuming confirmed intent")
		return adapter.CardConfirmation{IntentID: intent.ID, Status: intent.Status, RedirectURL: intent.RedirectURL}, nil
	}
	return o.card.Confirm(ctx, intent, card)
}

// begin registers the orchestration and records the attempt in the ledger.
func (o *Orchestrator) begin(ctx context.Context, req payment.Request, provider string) (*Handle, error) {
	h := newHandle(ctx, req, provider, o.now())

	o.mu.Lock()
	_, busy := o.active[req.OrderRef]
	_, held := o.reserved[req.OrderRef]
	if busy || held {
		o.mu.Unlock()
		return nil, payment.ErrOrchestrationInProgress
	}
	o.active[req.OrderRef] = h
	o.mu.Unlock()

	if err := o.recordAttempt(ctx, req); err != nil {
		o.release(h)
		return nil, err
	}

	o.metrics.OrchestrationsStarted.WithLabelValues(string(req.Method)).Inc()
	o.metrics.OrchestrationsActive.Inc()
	o.logger.Info().
		Str("order_ref", req.OrderRef).
		Str("method", string(req.Method)).
		Str("provider", provider).
		Str("amount", req.Amount.String()).
		Msg("orchestration started")
	return h, nil
}

// recordAttempt stores the order as PENDING. A request for an unknown order
// records a single-line order for the requested amount; a known order must
// be charged its own total.
func (o *Orchestrator) recordAttempt(ctx context.Context, req payment.Request) error {
	order, err := o.ledger.Get(ctx, req.OrderRef)
	switch {
	case errors.Is(err, payment.ErrOrderNotFound):
		currency := req.Currency
		if currency == "" {
			currency = "KES"
		}
		order = ledger.Order{
			ID:       req.OrderRef,
			Currency: currency,
			Items:    []ledger.LineItem{{Name: "Order " + req.OrderRef, UnitPrice: req.Amount, Quantity: 1}},
		}
	case err != nil:
		return fmt.Errorf("failed to load order %s: %w", req.OrderRef, err)
	default:
		if order.Status == ledger.StatusPaid {
			return payment.ErrOrderAlreadyPaid
		}
		if total := order.Totals().Total; !total.Equal(req.Amount) {
			return payment.NewValidationError(payment.ErrInvalidRequest, "amount")
		}
	}
	order.Method = req.Method
	if _, err := o.ledger.RecordAttempt(ctx, order); err != nil {
		return err
	}
	return nil
}

// failInitiation ends an orchestration whose initiation call failed. A
// provider rejection is a definitive FAILED outcome; anything else leaves
// the order PENDING for a retry.
func (o *Orchestrator) failInitiation(h *Handle, providerRef string, err error) {
	o.countGatewayError(h, err)
	if errors.Is(err, payment.ErrGatewayRejected) {
		o.finish(h, payment.Failed(providerRef, payment.Reason(err), o.now()), nil)
		return
	}
	o.metrics.OrchestrationOutcomes.WithLabelValues(string(h.method), "ERROR").Inc()
	o.emit(h, notify.Event{
		Kind:     notify.KindError,
		Message:  "Payment could not be started: " + payment.Reason(err),
		Terminal: true,
	})
	o.logger.Warn().Err(err).Str("order_ref", h.orderRef).Msg("payment initiation failed")
	o.done(h, payment.Outcome{}, err)
}

// await turns the poll cycle's final state into the orchestration outcome.
func (o *Orchestrator) await(h *Handle, cycle *poller.Cycle, providerRef string) {
	select {
	case <-cycle.Done():
	case <-h.abandon:
		cycle.Abandon()
		<-cycle.Done()
	}

	final := cycle.Final()
	ref := final.Result.ProviderReference
	if ref == "" {
		ref = providerRef
	}

	switch final.State {
	case poller.StateSucceeded:
		o.finish(h, payment.Succeeded(ref, final.At), nil)
	case poller.StateFailed:
		reason := final.Result.Description
		if reason == "" {
			reason = final.Result.Code
		}
		o.finish(h, payment.Failed(ref, reason, final.At), nil)
	case poller.StateAbandoned:
		o.finish(h, payment.TimedOut(ref, "payment abandoned before confirmation", final.At), payment.ErrAbandoned)
	default:
		reason := fmt.Sprintf("no confirmation after %d status checks", final.Attempts)
		o.finish(h, payment.TimedOut(ref, reason, final.At), nil)
	}
}

// finish applies a terminal outcome: ledger write for SUCCEEDED and FAILED,
// metrics, the single terminal notification, then release.
func (o *Orchestrator) finish(h *Handle, out payment.Outcome, cause error) {
	ctx, span := otel.Tracer("orchestrator").Start(h.ctx, "Orchestrator.Finish",
		trace.WithAttributes(attribute.String("order.ref", h.orderRef), attribute.String("payment.status", string(out.Status))))
	defer span.End()

	err := cause
	if out.Status == payment.StatusSucceeded || out.Status == payment.StatusFailed {
		if _, aerr := o.ledger.ApplyOutcome(ctx, h.orderRef, out); aerr != nil {
			spanError(span, aerr)
			o.logger.Error().Err(aerr).Str("order_ref", h.orderRef).Str("status", string(out.Status)).Msg("failed to record outcome")
			err = aerr
		}
	}

	o.metrics.OrchestrationOutcomes.WithLabelValues(string(h.method), string(out.Status)).Inc()
	o.metrics.OrchestrationDuration.WithLabelValues(string(h.method)).Observe(o.now().Sub(h.started).Seconds())
	o.emit(h, terminalEvent(out, cause))

	o.logger.Info().
		Str("order_ref", h.orderRef).
		Str("method", string(h.method)).
		Str("status", string(out.Status)).
		Str("provider_ref", out.ProviderReference).
		Str("reason", out.FailureReason).
		Msg("orchestration finished")
	o.done(h, out, err)
}

func (o *Orchestrator) done(h *Handle, out payment.Outcome, err error) {
	o.metrics.OrchestrationsActive.Dec()
	o.release(h)
	h.complete(out, err)
}

func (o *Orchestrator) release(h *Handle) {
	o.mu.Lock()
	if o.active[h.orderRef] == h {
		delete(o.active, h.orderRef)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) emit(h *Handle, e notify.Event) {
	e.OrderRef = h.orderRef
	e.At = o.now()
	o.sink.Notify(h.ctx, e)
}

func (o *Orchestrator) countQuery(h *Handle, verdict string, err error) {
	if err != nil {
		verdict = "error"
		o.countGatewayError(h, err)
		o.logger.Debug().Err(err).Str("order_ref", h.orderRef).Msg("status query failed")
	}
	o.metrics.PollAttempts.WithLabelValues(string(h.method), verdict).Inc()
}

func (o *Orchestrator) countGatewayError(h *Handle, err error) {
	kind := "other"
	switch {
	case errors.Is(err, payment.ErrGatewayUnreachable):
		kind = "unreachable"
	case errors.Is(err, payment.ErrGatewayRejected):
		kind = "rejected"
	case errors.Is(err, payment.ErrValidation):
		kind = "validation"
	}
	o.metrics.GatewayErrors.WithLabelValues(h.provider, kind).Inc()
}

func terminalEvent(out payment.Outcome, cause error) notify.Event {
	e := notify.Event{Terminal: true, Context: map[string]string{"status": string(out.Status)}}
	if out.ProviderReference != "" {
		e.Context["providerReference"] = out.ProviderReference
	}
	switch {
	case out.Status == payment.StatusSucceeded:
		e.Kind = notify.KindSuccess
		e.Message = "Payment successful!"
	case out.Status == payment.StatusFailed:
		e.Kind = notify.KindError
		e.Message = "Payment failed: " + out.FailureReason
	case errors.Is(cause, payment.ErrAbandoned):
		e.Kind = notify.KindInfo
		e.Message = "Payment abandoned. If you approved it, it will be confirmed on your order page."
	default:
		e.Kind = notify.KindError
		e.Message = "We could not confirm your payment yet. Please check your order status before paying again."
	}
	return e
}

func cardFailureReason(c adapter.CardConfirmation) string {
	if c.FailureMessage != "" {
		return c.FailureMessage
	}
	if c.FailureCode != "" {
		return c.FailureCode
	}
	return "card payment was not completed"
}

func spanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
