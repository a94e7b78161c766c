package cron

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/recurpay-backend/internal/hostorders"
	"github.com/angelmondragon/recurpay-backend/internal/notify"
	"github.com/angelmondragon/recurpay-backend/internal/orderbuilder"
	"github.com/angelmondragon/recurpay-backend/internal/subscriptions"
	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
	"github.com/angelmondragon/recurpay-backend/pkg/logger"
	"github.com/angelmondragon/recurpay-backend/pkg/metrics"
	"github.com/angelmondragon/recurpay-backend/pkg/paypal"
)

const (
	defaultWorkers  = 4
	defaultClaimTTL = 30 * time.Minute
)

// Charge outcome labels reported to metrics.
const (
	outcomeCaptured = "captured"
	outcomeDeclined = "declined"
	outcomeFailed   = "failed"
	outcomeSkipped  = "skipped"
	outcomeError    = "error"
)

type subscriptionStore interface {
	Due(ctx context.Context, day time.Time, limit int) ([]models.Subscription, error)
	Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	Release(ctx context.Context, id uuid.UUID) error
	ApplyDecision(ctx context.Context, id uuid.UUID, decision subscriptions.Decision) error
}

type cardLoader interface {
	Get(ctx context.Context, vaultID string) (*models.VaultedCard, error)
}

type hostOrderWriter interface {
	CreateOrder(ctx context.Context, totals hostorders.Totals, status string) (uuid.UUID, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, status string) error
	AppendHistory(ctx context.Context, orderID uuid.UUID, comment string) error
}

type providerClient interface {
	CreateOrder(ctx context.Context, req paypal.OrderRequest, opts paypal.CreateOrderOptions) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Order, error)
}

type attemptRecorder interface {
	Append(ctx context.Context, record *models.TransactionRecord) error
}

type notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) error
}

// RecurringChargeJobParams group the collaborators of the batch.
type RecurringChargeJobParams struct {
	Logger        *logger.Logger
	Subscriptions subscriptionStore
	Cards         cardLoader
	HostOrders    hostOrderWriter
	Provider      providerClient
	Recorder      attemptRecorder
	Notifier      notifier
	Metrics       *metrics.CronJobMetrics
	Policy        subscriptions.Policy
	BatchLimit    int
	Workers       int
	ClaimTTL      time.Duration
}

// RecurringChargeJob charges every subscription due on the fire date.
// Subscriptions are processed in isolation on a bounded worker pool: one
// bad card never stalls the batch, and only a credential-level provider
// rejection aborts the run.
type RecurringChargeJob struct {
	logg     *logger.Logger
	subs     subscriptionStore
	cards    cardLoader
	orders   hostOrderWriter
	provider providerClient
	recorder attemptRecorder
	notifier notifier
	metrics  *metrics.CronJobMetrics

	policy     subscriptions.Policy
	batchLimit int
	workers    int
	claimTTL   time.Duration

	now func() time.Time
}

// NewRecurringChargeJob builds the batch job.
func NewRecurringChargeJob(params RecurringChargeJobParams) (*RecurringChargeJob, error) {
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "logger required")
	}
	if params.Subscriptions == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "subscription store required")
	}
	if params.Cards == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "card loader required")
	}
	if params.HostOrders == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "host order writer required")
	}
	if params.Provider == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "provider client required")
	}
	if params.Recorder == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction recorder required")
	}

	workers := params.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	claimTTL := params.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = defaultClaimTTL
	}
	return &RecurringChargeJob{
		logg:       params.Logger,
		subs:       params.Subscriptions,
		cards:      params.Cards,
		orders:     params.HostOrders,
		provider:   params.Provider,
		recorder:   params.Recorder,
		notifier:   params.Notifier,
		metrics:    params.Metrics,
		policy:     params.Policy,
		batchLimit: params.BatchLimit,
		workers:    workers,
		claimTTL:   claimTTL,
		now:        time.Now,
	}, nil
}

// Name implements Job.
func (j *RecurringChargeJob) Name() string {
	return "recurring_charge"
}

// Run processes one batch of due subscriptions.
func (j *RecurringChargeJob) Run(ctx context.Context) error {
	today := dateOnly(j.now().UTC())
	due, err := j.subs.Due(ctx, today, j.batchLimit)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		j.logg.Info(ctx, "no subscriptions due")
		return nil
	}
	j.logg.Info(j.logg.WithField(ctx, "due_count", len(due)), "processing due subscriptions")

	var mu sync.Mutex
	var batchErr error

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(j.workers)
	for _, sub := range due {
		sub := sub
		if groupCtx.Err() != nil {
			break
		}
		group.Go(func() error {
			err := j.processOne(groupCtx, &sub)
			if err == nil {
				return nil
			}
			if pkgerrors.IsFatal(err) {
				// Known-bad credentials: every further attempt would fail
				// the same way, so cancel the whole pool.
				return err
			}
			mu.Lock()
			batchErr = multierr.Append(batchErr, fmt.Errorf("subscription %s: %w", sub.ID, err))
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		j.logFailure(ctx, "batch aborted on credential failure", err)
		return err
	}
	return batchErr
}

// processOne drives a single subscription through claim, charge, state
// transition, and audit trail. All date arithmetic uses the intended
// billing date carried by the subscription row, never the wall clock.
func (j *RecurringChargeJob) processOne(ctx context.Context, sub *models.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx = j.logg.WithSubscriptionID(ctx, sub.ID.String())

	claimed, err := j.subs.Claim(ctx, sub.ID, j.now().UTC().Add(-j.claimTTL))
	if err != nil {
		return err
	}
	if !claimed {
		j.logg.Info(ctx, "subscription already claimed; skipping")
		j.observeOutcome(outcomeSkipped)
		return nil
	}

	card, err := j.cards.Get(ctx, sub.VaultID)
	if err != nil {
		j.releaseClaim(ctx, sub.ID)
		if pkgerrors.CodeOf(err) == pkgerrors.CodeNotFound {
			err = pkgerrors.Wrap(pkgerrors.CodeLocalData, err, "vaulted card missing for subscription")
		}
		j.observeOutcome(outcomeError)
		return err
	}
	if card.Status != enums.CardStatusActive {
		j.releaseClaim(ctx, sub.ID)
		j.observeOutcome(outcomeError)
		return pkgerrors.New(pkgerrors.CodeLocalData, "vaulted card is inactive")
	}

	request, err := j.buildRequest(sub, card)
	if err != nil {
		j.releaseClaim(ctx, sub.ID)
		j.observeOutcome(outcomeError)
		return err
	}

	localOrderID, err := j.orders.CreateOrder(ctx, hostorders.Totals{
		CustomerID: sub.CustomerID,
		TotalCents: sub.AmountCents,
		Currency:   sub.Currency,
	}, hostorders.StatusProcessing)
	if err != nil {
		j.releaseClaim(ctx, sub.ID)
		j.observeOutcome(outcomeError)
		return err
	}
	ctx = j.logg.WithField(ctx, "local_order_id", localOrderID.String())

	captured, chargeErr := j.charge(ctx, sub, request)

	providerOrderID := ""
	if captured != nil {
		providerOrderID = captured.ID
	}
	j.record(ctx, sub, localOrderID, providerOrderID, chargeErr)

	if chargeErr == nil {
		return j.settleSuccess(ctx, sub, localOrderID, captured)
	}
	return j.settleFailure(ctx, sub, localOrderID, chargeErr)
}

// charge creates the provider order (idempotent per subscription and
// intended date) and captures it.
func (j *RecurringChargeJob) charge(ctx context.Context, sub *models.Subscription, request paypal.OrderRequest) (*paypal.Order, error) {
	fingerprint := chargeFingerprint(sub)
	order, err := j.provider.CreateOrder(ctx, request, paypal.CreateOrderOptions{Fingerprint: fingerprint})
	if err != nil {
		return nil, err
	}
	captured, err := j.provider.CaptureOrder(ctx, order.ID)
	if err != nil {
		return order, err
	}
	return captured, nil
}

func (j *RecurringChargeJob) buildRequest(sub *models.Subscription, card *models.VaultedCard) (paypal.OrderRequest, error) {
	return orderbuilder.Build(
		orderbuilder.OrderInput{
			ReferenceID: sub.ID.String(),
			Currency:    sub.Currency,
			Intent:      paypal.IntentCapture,
		},
		[]orderbuilder.LineItem{{
			Name:           "Subscription renewal",
			SKU:            sub.ID.String(),
			Quantity:       1,
			UnitPriceCents: sub.AmountCents,
		}},
		orderbuilder.Adjustments{},
		orderbuilder.StoredCredentialInfo{
			VaultID:  card.VaultID,
			ExpMonth: card.ExpMonth,
			ExpYear:  card.ExpYear,
			Origin:   enums.ChargeOriginScheduled,
		},
	)
}

// record appends the attempt to the transaction log regardless of the
// charge outcome. Recording failures are logged, never raised: losing an
// audit row must not turn a captured charge into a batch error.
func (j *RecurringChargeJob) record(ctx context.Context, sub *models.Subscription, localOrderID uuid.UUID, providerOrderID string, chargeErr error) {
	if providerOrderID == "" {
		// The provider never produced an order; nothing to reconcile.
		return
	}

	status := enums.TransactionStatusCompleted
	debugID := ""
	if chargeErr != nil {
		status = enums.TransactionStatusError
		if pkgerrors.CodeOf(chargeErr) == pkgerrors.CodeDeclined {
			status = enums.TransactionStatusDeclined
		}
		if typed := pkgerrors.As(chargeErr); typed != nil {
			debugID = typed.DebugID()
		}
	}

	subID := sub.ID
	record := &models.TransactionRecord{
		LocalOrderID:    localOrderID,
		SubscriptionID:  &subID,
		ProviderOrderID: providerOrderID,
		Intent:          enums.TransactionIntentCapture,
		Status:          status,
		Origin:          enums.ChargeOriginScheduled,
		DebugID:         debugID,
		AmountCents:     sub.AmountCents,
		Currency:        sub.Currency,
	}
	if err := j.recorder.Append(ctx, record); err != nil {
		j.logFailure(ctx, "failed to append transaction record", err)
	}
}

func (j *RecurringChargeJob) settleSuccess(ctx context.Context, sub *models.Subscription, localOrderID uuid.UUID, captured *paypal.Order) error {
	decision, err := subscriptions.Transition(subscriptions.SnapshotOf(sub), subscriptions.OutcomeSuccess, j.policy)
	if err != nil {
		j.releaseClaim(ctx, sub.ID)
		return err
	}
	if err := j.subs.ApplyDecision(ctx, sub.ID, decision); err != nil {
		// The charge is captured but the decision write failed. Clearing
		// the claim is idempotent and spares the stale-claim TTL wait.
		j.releaseClaim(ctx, sub.ID)
		return err
	}

	j.appendHistory(ctx, localOrderID, fmt.Sprintf("recurring charge captured (provider order %s)", captured.ID))
	j.observeOutcome(outcomeCaptured)
	j.logg.Info(j.logg.WithField(ctx, "provider_order_id", captured.ID), "recurring charge captured")

	if decision.Status == enums.SubscriptionStatusComplete {
		j.notify(ctx, notify.EventCycleCompleted, map[string]any{
			"subscription_id":  sub.ID.String(),
			"cycles_completed": decision.CyclesCompleted,
		})
	}
	return nil
}

func (j *RecurringChargeJob) settleFailure(ctx context.Context, sub *models.Subscription, localOrderID uuid.UUID, chargeErr error) error {
	code := pkgerrors.CodeOf(chargeErr)
	debugID := ""
	if typed := pkgerrors.As(chargeErr); typed != nil {
		debugID = typed.DebugID()
	}
	ctx = j.logg.WithField(ctx, "provider_debug_id", debugID)

	if code != pkgerrors.CodeDeclined {
		// Transient budgets exhausted, validation rejects, credential
		// failures: the attempt did not consume a billing cycle. Release
		// the claim so the subscription stays due as-is.
		j.releaseClaim(ctx, sub.ID)
		j.appendHistory(ctx, localOrderID, fmt.Sprintf("recurring charge failed: %s (debug id %s)", code, debugID))
		j.failHostOrder(ctx, localOrderID)
		j.observeOutcome(outcomeError)
		return chargeErr
	}

	decision, err := subscriptions.Transition(subscriptions.SnapshotOf(sub), subscriptions.OutcomeFailure, j.policy)
	if err != nil {
		j.releaseClaim(ctx, sub.ID)
		return multierr.Append(chargeErr, err)
	}
	if err := j.subs.ApplyDecision(ctx, sub.ID, decision); err != nil {
		j.releaseClaim(ctx, sub.ID)
		return multierr.Append(chargeErr, err)
	}

	j.failHostOrder(ctx, localOrderID)
	if decision.Status == enums.SubscriptionStatusFailed {
		j.appendHistory(ctx, localOrderID, fmt.Sprintf("card declined, retries exhausted (debug id %s)", debugID))
		j.observeOutcome(outcomeFailed)
		j.notify(ctx, notify.EventRetriesExhausted, map[string]any{
			"subscription_id": sub.ID.String(),
			"retry_count":     decision.RetryCount,
			"debug_id":        debugID,
		})
	} else {
		j.appendHistory(ctx, localOrderID, fmt.Sprintf("card declined, retry %d of %d scheduled for %s (debug id %s)",
			decision.RetryCount, j.policy.MaxRetries, decision.NextPaymentDate.Format("2006-01-02"), debugID))
		j.observeOutcome(outcomeDeclined)
		j.notify(ctx, notify.EventChargeDeclined, map[string]any{
			"subscription_id": sub.ID.String(),
			"retry_count":     decision.RetryCount,
			"next_attempt":    decision.NextPaymentDate.Format("2006-01-02"),
		})
	}

	j.logFailure(ctx, "recurring charge declined", chargeErr)
	return chargeErr
}

// logFailure logs err with the flattened error chain attached, so driver
// detail (postgres codes, provider debug ids) lands in the batch logs as
// structured fields an operator can act on.
func (j *RecurringChargeJob) logFailure(ctx context.Context, msg string, err error) {
	j.logg.Error(j.logg.WithField(ctx, "error_dump", pkgerrors.Dump(err)), msg, err)
}

func (j *RecurringChargeJob) releaseClaim(ctx context.Context, id uuid.UUID) {
	if err := j.subs.Release(ctx, id); err != nil {
		j.logFailure(ctx, "failed to release subscription claim", err)
	}
}

func (j *RecurringChargeJob) appendHistory(ctx context.Context, orderID uuid.UUID, comment string) {
	if err := j.orders.AppendHistory(ctx, orderID, comment); err != nil {
		j.logFailure(ctx, "failed to append order history", err)
	}
}

func (j *RecurringChargeJob) failHostOrder(ctx context.Context, orderID uuid.UUID) {
	if err := j.orders.UpdateStatus(ctx, orderID, hostorders.StatusFailed); err != nil {
		j.logFailure(ctx, "failed to update host order status", err)
	}
}

func (j *RecurringChargeJob) notify(ctx context.Context, event string, payload map[string]any) {
	if j.notifier == nil {
		return
	}
	if err := j.notifier.Notify(ctx, event, payload); err != nil {
		j.logFailure(ctx, "failed to publish billing event", err)
	}
}

func (j *RecurringChargeJob) observeOutcome(outcome string) {
	if j.metrics != nil {
		j.metrics.IncChargeOutcome(outcome)
	}
}

// chargeFingerprint scopes provider-order idempotency to one
// subscription and one intended billing date: a crashed run retried the
// same day reuses its open order, while the next cycle gets a fresh one.
func chargeFingerprint(sub *models.Subscription) string {
	scope := sub.ID.String() + ":" + sub.NextPaymentDate.Format("2006-01-02")
	return paypal.Fingerprint(scope, sub.Currency, strconv.FormatInt(sub.AmountCents, 10), []paypal.FingerprintItem{{
		SKU:       sub.ID.String(),
		Quantity:  "1",
		UnitValue: strconv.FormatInt(sub.AmountCents, 10),
	}})
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
