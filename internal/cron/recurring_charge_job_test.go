package cron

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/angelmondragon/recurpay-backend/internal/hostorders"
	"github.com/angelmondragon/recurpay-backend/internal/notify"
	"github.com/angelmondragon/recurpay-backend/internal/subscriptions"
	"github.com/angelmondragon/recurpay-backend/pkg/db/models"
	"github.com/angelmondragon/recurpay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/recurpay-backend/pkg/errors"
	"github.com/angelmondragon/recurpay-backend/pkg/logger"
	"github.com/angelmondragon/recurpay-backend/pkg/paypal"
)

type fakeSubscriptionStore struct {
	mu        sync.Mutex
	due       []models.Subscription
	denyClaim map[uuid.UUID]bool
	claimed   []uuid.UUID
	released  []uuid.UUID
	decisions map[uuid.UUID]subscriptions.Decision
	applyErr  error
}

func (f *fakeSubscriptionStore) Due(ctx context.Context, day time.Time, limit int) ([]models.Subscription, error) {
	return f.due, nil
}

func (f *fakeSubscriptionStore) Claim(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyClaim[id] {
		return false, nil
	}
	f.claimed = append(f.claimed, id)
	return true, nil
}

func (f *fakeSubscriptionStore) Release(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeSubscriptionStore) ApplyDecision(ctx context.Context, id uuid.UUID, decision subscriptions.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	if f.decisions == nil {
		f.decisions = map[uuid.UUID]subscriptions.Decision{}
	}
	f.decisions[id] = decision
	return nil
}

type fakeCardLoader struct {
	cards map[string]*models.VaultedCard
}

func (f *fakeCardLoader) Get(ctx context.Context, vaultID string) (*models.VaultedCard, error) {
	card, ok := f.cards[vaultID]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "vaulted card not found")
	}
	return card, nil
}

type fakeHostOrders struct {
	mu        sync.Mutex
	created   []hostorders.Totals
	statuses  map[uuid.UUID]string
	histories map[uuid.UUID][]string
}

func (f *fakeHostOrders) CreateOrder(ctx context.Context, totals hostorders.Totals, status string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, totals)
	return uuid.New(), nil
}

func (f *fakeHostOrders) UpdateStatus(ctx context.Context, orderID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = map[uuid.UUID]string{}
	}
	f.statuses[orderID] = status
	return nil
}

func (f *fakeHostOrders) AppendHistory(ctx context.Context, orderID uuid.UUID, comment string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histories == nil {
		f.histories = map[uuid.UUID][]string{}
	}
	f.histories[orderID] = append(f.histories[orderID], comment)
	return nil
}

func (f *fakeHostOrders) allHistories() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []string
	for _, comments := range f.histories {
		all = append(all, comments...)
	}
	return all
}

type fakeProvider struct {
	mu           sync.Mutex
	createErr    map[string]error
	captureErr   map[string]error
	fingerprints []string
	captures     int
}

func (f *fakeProvider) CreateOrder(ctx context.Context, req paypal.OrderRequest, opts paypal.CreateOrderOptions) (*paypal.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints = append(f.fingerprints, opts.Fingerprint)
	reference := req.PurchaseUnits[0].ReferenceID
	if err := f.createErr[reference]; err != nil {
		return nil, err
	}
	return &paypal.Order{ID: "PROV-" + reference, Status: "CREATED"}, nil
}

func (f *fakeProvider) CaptureOrder(ctx context.Context, orderID string) (*paypal.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reference := strings.TrimPrefix(orderID, "PROV-")
	if err := f.captureErr[reference]; err != nil {
		return nil, err
	}
	f.captures++
	return &paypal.Order{ID: orderID, Status: "COMPLETED"}, nil
}

type fakeAttemptRecorder struct {
	mu        sync.Mutex
	records   []*models.TransactionRecord
	appendErr error
}

func (f *fakeAttemptRecorder) Append(ctx context.Context, record *models.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.records = append(f.records, record)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type jobFixture struct {
	job      *RecurringChargeJob
	subs     *fakeSubscriptionStore
	cards    *fakeCardLoader
	orders   *fakeHostOrders
	provider *fakeProvider
	recorder *fakeAttemptRecorder
	notifier *fakeNotifier
}

func newJobFixture(t *testing.T, due []models.Subscription) *jobFixture {
	t.Helper()

	cards := map[string]*models.VaultedCard{}
	for _, sub := range due {
		cards[sub.VaultID] = &models.VaultedCard{
			VaultID:  sub.VaultID,
			Brand:    "VISA",
			Last4:    "4242",
			ExpMonth: 9,
			ExpYear:  2030,
			Status:   enums.CardStatusActive,
		}
	}

	fixture := &jobFixture{
		subs:     &fakeSubscriptionStore{due: due, denyClaim: map[uuid.UUID]bool{}},
		cards:    &fakeCardLoader{cards: cards},
		orders:   &fakeHostOrders{},
		provider: &fakeProvider{createErr: map[string]error{}, captureErr: map[string]error{}},
		recorder: &fakeAttemptRecorder{},
		notifier: &fakeNotifier{},
	}

	job, err := NewRecurringChargeJob(RecurringChargeJobParams{
		Logger:        logger.New(logger.Options{Level: zerolog.Disabled, Output: io.Discard}),
		Subscriptions: fixture.subs,
		Cards:         fixture.cards,
		HostOrders:    fixture.orders,
		Provider:      fixture.provider,
		Recorder:      fixture.recorder,
		Notifier:      fixture.notifier,
		Policy:        subscriptions.Policy{MaxRetries: 3, RetryOffsetDays: 1},
		Workers:       1,
	})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	fixture.job = job
	return fixture
}

func dueSubscription(due time.Time) models.Subscription {
	return models.Subscription{
		ID:               uuid.New(),
		CustomerID:       uuid.New(),
		VaultID:          "vlt_" + uuid.NewString()[:8],
		Status:           enums.SubscriptionStatusScheduled,
		BillingPeriod:    enums.BillingPeriodMonth,
		BillingFrequency: 1,
		TotalCycles:      12,
		CyclesCompleted:  2,
		NextPaymentDate:  due,
		AmountCents:      2499,
		Currency:         "USD",
	}
}

func TestRunChargesDueSubscription(t *testing.T) {
	due := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{due})
	// The batch runs five days late; the calendar must not notice.
	fixture.job.now = func() time.Time { return time.Date(2026, time.January, 20, 6, 0, 0, 0, time.UTC) }

	if err := fixture.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	decision, ok := fixture.subs.decisions[due.ID]
	if !ok {
		t.Fatalf("expected decision applied")
	}
	if decision.Status != enums.SubscriptionStatusScheduled {
		t.Fatalf("unexpected status %q", decision.Status)
	}
	if want := time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC); !decision.NextPaymentDate.Equal(want) {
		t.Fatalf("expected next date %v, got %v", want, decision.NextPaymentDate)
	}
	if decision.CyclesCompleted != 3 || decision.RetryCount != 0 {
		t.Fatalf("unexpected decision %+v", decision)
	}

	if len(fixture.recorder.records) != 1 {
		t.Fatalf("expected one transaction record, got %d", len(fixture.recorder.records))
	}
	record := fixture.recorder.records[0]
	if record.Status != enums.TransactionStatusCompleted || record.Origin != enums.ChargeOriginScheduled {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.ProviderOrderID == "" {
		t.Fatalf("record must carry the provider order id")
	}

	histories := fixture.orders.allHistories()
	if len(histories) != 1 || !strings.Contains(histories[0], "captured") {
		t.Fatalf("unexpected history %v", histories)
	}
}

func TestRunIsolatesPerSubscriptionFailures(t *testing.T) {
	declined := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	healthy := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{declined, healthy})
	fixture.provider.captureErr[declined.ID.String()] =
		pkgerrors.New(pkgerrors.CodeDeclined, "instrument declined").WithDebugID("dbg-1")

	err := fixture.job.Run(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error")
	}
	if !strings.Contains(err.Error(), declined.ID.String()) {
		t.Fatalf("error must identify the failed subscription, got %v", err)
	}

	// The healthy subscription was still charged.
	if _, ok := fixture.subs.decisions[healthy.ID]; !ok {
		t.Fatalf("healthy subscription must still be processed")
	}

	// The declined one advanced its retry counter with the offset.
	decision := fixture.subs.decisions[declined.ID]
	if decision.Status != enums.SubscriptionStatusScheduled || decision.RetryCount != 1 {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if want := time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC); !decision.NextPaymentDate.Equal(want) {
		t.Fatalf("expected retry on %v, got %v", want, decision.NextPaymentDate)
	}

	foundDeclined := false
	for _, event := range fixture.notifier.events {
		if event == notify.EventChargeDeclined {
			foundDeclined = true
		}
	}
	if !foundDeclined {
		t.Fatalf("expected declined event, got %v", fixture.notifier.events)
	}
}

func TestRunAbortsOnCredentialFailure(t *testing.T) {
	first := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	second := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	third := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{first, second, third})
	fixture.provider.createErr[first.ID.String()] =
		pkgerrors.New(pkgerrors.CodeAuthInvalid, "client credentials rejected")

	err := fixture.job.Run(context.Background())
	if pkgerrors.CodeOf(err) != pkgerrors.CodeAuthInvalid {
		t.Fatalf("expected credential failure to propagate, got %v", err)
	}

	// No state transitions may be applied once credentials are known bad.
	if len(fixture.subs.decisions) != 0 {
		t.Fatalf("expected no decisions, got %v", fixture.subs.decisions)
	}
	// The aborted subscription's claim was released.
	if len(fixture.subs.released) == 0 {
		t.Fatalf("expected claim release on abort")
	}
}

func TestRunSkipsClaimedSubscriptions(t *testing.T) {
	contested := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{contested})
	fixture.subs.denyClaim[contested.ID] = true

	if err := fixture.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(fixture.provider.fingerprints) != 0 {
		t.Fatalf("claimed-elsewhere subscription must not be charged")
	}
	if len(fixture.subs.decisions) != 0 {
		t.Fatalf("expected no decision, got %v", fixture.subs.decisions)
	}
}

func TestRunSkipsSubscriptionWithMissingCard(t *testing.T) {
	orphan := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	healthy := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{orphan, healthy})
	delete(fixture.cards.cards, orphan.VaultID)

	err := fixture.job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), orphan.ID.String()) {
		t.Fatalf("expected local data error for %s, got %v", orphan.ID, err)
	}

	// Claim released so an operator fix makes the next batch pick it up.
	released := false
	for _, id := range fixture.subs.released {
		if id == orphan.ID {
			released = true
		}
	}
	if !released {
		t.Fatalf("expected orphan claim released")
	}
	if _, ok := fixture.subs.decisions[healthy.ID]; !ok {
		t.Fatalf("healthy subscription must still be processed")
	}
}

func TestRunRetriesExhaustedGoesTerminal(t *testing.T) {
	exhausted := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	exhausted.RetryCount = 3
	fixture := newJobFixture(t, []models.Subscription{exhausted})
	fixture.provider.captureErr[exhausted.ID.String()] =
		pkgerrors.New(pkgerrors.CodeDeclined, "instrument declined").WithDebugID("dbg-final")

	err := fixture.job.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}

	decision := fixture.subs.decisions[exhausted.ID]
	if decision.Status != enums.SubscriptionStatusFailed {
		t.Fatalf("expected failed, got %q", decision.Status)
	}

	found := false
	for _, event := range fixture.notifier.events {
		if event == notify.EventRetriesExhausted {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected retries exhausted event, got %v", fixture.notifier.events)
	}

	if len(fixture.recorder.records) != 1 || fixture.recorder.records[0].Status != enums.TransactionStatusDeclined {
		t.Fatalf("expected declined transaction record, got %+v", fixture.recorder.records)
	}
	if fixture.recorder.records[0].DebugID != "dbg-final" {
		t.Fatalf("record must carry the provider debug id")
	}
}

func TestRunTransientFailureLeavesSubscriptionDue(t *testing.T) {
	flaky := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{flaky})
	fixture.provider.createErr[flaky.ID.String()] =
		pkgerrors.New(pkgerrors.CodeTransient, "provider unavailable")

	err := fixture.job.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}

	// No transition: the due date and retry counter stay untouched and the
	// claim is released for the next batch.
	if len(fixture.subs.decisions) != 0 {
		t.Fatalf("transient failure must not transition state, got %v", fixture.subs.decisions)
	}
	if len(fixture.subs.released) != 1 {
		t.Fatalf("expected claim release, got %v", fixture.subs.released)
	}
}

func TestRunReleasesClaimWhenDecisionWriteFails(t *testing.T) {
	captured := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{captured})
	fixture.subs.applyErr = pkgerrors.New(pkgerrors.CodeInternal, "subscriptions table unreachable")

	err := fixture.job.Run(context.Background())
	if err == nil {
		t.Fatalf("expected error when the decision write fails")
	}

	// The charge went through; the claim must not linger until the stale
	// TTL expires just because the decision could not be persisted.
	if fixture.provider.captures != 1 {
		t.Fatalf("expected one capture, got %d", fixture.provider.captures)
	}
	released := false
	for _, id := range fixture.subs.released {
		if id == captured.ID {
			released = true
		}
	}
	if !released {
		t.Fatalf("expected claim released, got %v", fixture.subs.released)
	}
}

func TestRunLogsDatabaseDetailOnRecordFailure(t *testing.T) {
	due := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))
	fixture := newJobFixture(t, []models.Subscription{due})
	fixture.recorder.appendErr = fmt.Errorf("append transaction record: %w", &pgconn.PgError{
		Code:           "23505",
		ConstraintName: "transaction_records_pkey",
	})

	var logs bytes.Buffer
	fixture.job.logg = logger.New(logger.Options{Level: zerolog.ErrorLevel, Output: &logs})

	if err := fixture.job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// Recording failures stay non-fatal but the batch log must carry the
	// flattened driver detail.
	out := logs.String()
	if !strings.Contains(out, "error_dump") {
		t.Fatalf("expected error dump in log output, got %s", out)
	}
	if !strings.Contains(out, "23505") || !strings.Contains(out, "transaction_records_pkey") {
		t.Fatalf("expected postgres detail in log output, got %s", out)
	}
}

func TestChargeFingerprintScopedToCycle(t *testing.T) {
	sub := dueSubscription(time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC))

	sameDay := sub
	if chargeFingerprint(&sub) != chargeFingerprint(&sameDay) {
		t.Fatalf("same cycle must share a fingerprint")
	}

	nextCycle := sub
	nextCycle.NextPaymentDate = sub.NextPaymentDate.AddDate(0, 1, 0)
	if chargeFingerprint(&sub) == chargeFingerprint(&nextCycle) {
		t.Fatalf("different cycles must not share a fingerprint")
	}

	other := dueSubscription(sub.NextPaymentDate)
	if chargeFingerprint(&sub) == chargeFingerprint(&other) {
		t.Fatalf("different subscriptions must not share a fingerprint")
	}
}
