package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/compliance-ledger/internal/chain"
	"github.com/angelmondragon/compliance-ledger/internal/compliance"
	"github.com/angelmondragon/compliance-ledger/internal/events"
	"github.com/angelmondragon/compliance-ledger/internal/ledger"
	"github.com/angelmondragon/compliance-ledger/internal/storage/memory"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/outbox/payloads"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type harness struct {
	ledger *ledger.Ledger
	store  *memory.Store
	clock  *fakeClock
	locks  *ledger.LocalLocks
}

func defaultPolicy(extra ...compliance.Rule) *compliance.Policy {
	rules := append([]compliance.Rule{
		compliance.NewAmountLimitRule(decimal.NewFromInt(10000), "USD"),
		compliance.NewAdjustmentAuthorizationRule(),
	}, extra...)
	return &compliance.Policy{
		Validator: compliance.NewValidator(rules...),
		Gate:      compliance.NewGate(compliance.DefaultThreshold),
	}
}

func newHarness(t *testing.T, mutate func(*ledger.Params)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New(chain.SHA256{}, nil)
	locks := ledger.NewLocalLocks()
	params := ledger.Params{
		ChainID:  "main",
		Store:    store,
		Policy:   compliance.Static(defaultPolicy()),
		Digester: chain.SHA256{},
		Lock:     locks,
		Clock:    clock.Now,
	}
	if mutate != nil {
		mutate(&params)
	}
	l, err := ledger.New(params)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &harness{ledger: l, store: store, clock: clock, locks: locks}
}

func transfer(id, amount string) *events.FinancialTransaction {
	return &events.FinancialTransaction{
		TransactionID: id,
		FromAccount:   "acc-100",
		ToAccount:     "acc-200",
		Amount:        events.MustMoney(amount, "USD", 2),
		Currency:      "USD",
		Description:   "wire",
		Timestamp:     time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func adjustment(id, amount, authorizer string) *events.BalanceAdjustment {
	return &events.BalanceAdjustment{
		AdjustmentID: id,
		AccountID:    "acc-100",
		Reason:       enums.AdjustmentReasonCorrection,
		Amount:       events.MustMoney(amount, "USD", 2),
		Reference:    "ticket-9",
		AuthorizedBy: authorizer,
		Timestamp:    time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func notificationsOfType(store *memory.Store, typ enums.OutboxEventType) []ledger.Notification {
	var out []ledger.Notification
	for _, n := range store.Notifications() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestAppendEventLinksRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var hashes []string
	for i := 1; i <= 3; i++ {
		hash, err := h.ledger.AppendEvent(ctx, transfer(fmt.Sprintf("tx-%d", i), "250.00"), map[string]any{"batch": i})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		hashes = append(hashes, hash)
	}

	records, err := h.store.Records(ctx, "main")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records got %d", len(records))
	}
	if records[0].PreviousHash != "" {
		t.Fatalf("genesis record must have no predecessor, got %q", records[0].PreviousHash)
	}
	for i, rec := range records {
		if rec.Hash != hashes[i] {
			t.Fatalf("record %d hash %s, append returned %s", i, rec.Hash, hashes[i])
		}
		if rec.Sequence != int64(i+1) {
			t.Fatalf("record %d sequence %d", i, rec.Sequence)
		}
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			t.Fatalf("record %d does not link to its predecessor", i)
		}
	}

	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.RecordsChecked != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := len(notificationsOfType(h.store, enums.EventLedgerRecordAppended)); got != 3 {
		t.Fatalf("expected 3 appended notifications got %d", got)
	}
}

func TestAppendEventStoresDetachedCopy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	ev := transfer("tx-1", "10.00")
	meta := map[string]any{"channel": "api"}
	if _, err := h.ledger.AppendEvent(ctx, ev, meta); err != nil {
		t.Fatalf("append: %v", err)
	}
	ev.Description = "changed after append"
	meta["channel"] = "changed"

	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid {
		t.Fatalf("caller mutation leaked into stored record: %+v", report)
	}
}

func TestAppendEventKeepsLargeMetadataIntegers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	meta := map[string]any{"batch_no": int64(9007199254740993), "ratio": 0.25}
	if _, err := h.ledger.AppendEvent(ctx, transfer("tx-1", "10.00"), meta); err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := h.ledger.AuditTrail(ctx, ledger.AuditQuery{})
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
	if got := records[0].Metadata["batch_no"]; got != json.Number("9007199254740993") {
		t.Fatalf("batch_no lost precision: %#v", got)
	}
	if got := records[0].Metadata["ratio"]; got != json.Number("0.25") {
		t.Fatalf("ratio changed: %#v", got)
	}
}

func TestAppendEventTimestampIsMicrosecondPrecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.clock.Set(time.Date(2024, 3, 1, 9, 0, 0, 123456789, time.UTC))
	rec, err := h.ledger.Append(ctx, transfer("tx-1", "1.00"), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Timestamp.Nanosecond() != 123456000 {
		t.Fatalf("expected truncated timestamp got %v", rec.Timestamp)
	}
}

func TestAppendEventRejectsComplianceViolation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.ledger.AppendEvent(ctx, transfer("tx-big", "15000.00"), nil)
	if err == nil {
		t.Fatal("expected compliance rejection")
	}
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeComplianceViolation {
		t.Fatalf("expected COMPLIANCE_VIOLATION got %s", code)
	}
	var complianceErr *ledger.ComplianceError
	if !errors.As(err, &complianceErr) {
		t.Fatalf("expected ComplianceError in chain, got %T", err)
	}
	violations := complianceErr.Violations()
	if len(violations) != 1 || violations[0].RuleID != compliance.RuleIDAmountLimit {
		t.Fatalf("unexpected violations %+v", violations)
	}
	if violations[0].Message != "Transaction amount 15000 USD exceeds limit of 10000 USD" {
		t.Fatalf("unexpected message %q", violations[0].Message)
	}

	head, err := h.ledger.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if head.Hash != "" {
		t.Fatalf("rejected event must not be appended, head=%s", head.Hash)
	}
	if len(h.store.Notifications()) != 0 {
		t.Fatal("rejected event must not emit notifications")
	}
}

func TestAppendEventAdvisoryViolationEmitsAlert(t *testing.T) {
	ctx := context.Background()
	policy := defaultPolicy(compliance.NewLargeAdjustmentRule(decimal.NewFromInt(5000)))
	h := newHarness(t, func(p *ledger.Params) { p.Policy = compliance.Static(policy) })

	hash, err := h.ledger.AppendEvent(ctx, adjustment("adj-1", "7500.00", "controller-2"), nil)
	if err != nil {
		t.Fatalf("warning-level violation must not block: %v", err)
	}
	alerts := notificationsOfType(h.store, enums.EventComplianceAlertRaised)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert got %d", len(alerts))
	}
	payload, ok := alerts[0].Data.(payloads.ComplianceAlertEvent)
	if !ok {
		t.Fatalf("unexpected payload %T", alerts[0].Data)
	}
	if payload.RuleID != compliance.RuleIDLargeAdjustmentReview || payload.EventHash != hash {
		t.Fatalf("unexpected alert %+v", payload)
	}
	if payload.Severity != enums.AlertSeverityMedium || payload.Source != payloads.AlertSourceRule {
		t.Fatalf("unexpected alert severity/source %+v", payload)
	}
}

func TestAppendComplianceAlertEventIsForwarded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	alert := &events.ComplianceAlert{
		AlertID:          "alert-1",
		RuleID:           "MANUAL_REVIEW",
		Severity:         enums.AlertSeverityHigh,
		Description:      "analyst escalation",
		AffectedEntities: []string{"acc-100"},
		Timestamp:        time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if _, err := h.ledger.AppendEvent(ctx, alert, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	alerts := notificationsOfType(h.store, enums.EventComplianceAlertRaised)
	if len(alerts) != 1 {
		t.Fatalf("expected forwarded alert, got %d", len(alerts))
	}
	payload := alerts[0].Data.(payloads.ComplianceAlertEvent)
	if payload.Source != payloads.AlertSourceEvent || payload.Severity != enums.AlertSeverityHigh {
		t.Fatalf("unexpected alert %+v", payload)
	}
}

func TestAppendEventRejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.ledger.AppendEvent(ctx, transfer("", "10.00"), nil)
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR got %v", err)
	}
	_, err = h.ledger.AppendEvent(ctx, nil, nil)
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for nil event got %v", err)
	}
}

func TestAppendEventIsolatesFailingRule(t *testing.T) {
	ctx := context.Background()
	broken := compliance.FuncRule{
		RuleID:       "BROKEN",
		RuleSeverity: enums.RuleSeverityWarning,
		Fn: func(context.Context, events.Event, compliance.EvalContext) ([]compliance.Violation, error) {
			return nil, errors.New("lookup service down")
		},
	}
	h := newHarness(t, func(p *ledger.Params) { p.Policy = compliance.Static(defaultPolicy(broken)) })

	_, err := h.ledger.AppendEvent(ctx, transfer("tx-1", "10.00"), nil)
	var complianceErr *ledger.ComplianceError
	if !errors.As(err, &complianceErr) {
		t.Fatalf("expected failing rule to block via critical violation, got %v", err)
	}
	v := complianceErr.Decision.Blocking[0]
	if v.RuleID != "BROKEN" || v.Severity != enums.RuleSeverityCritical {
		t.Fatalf("unexpected synthetic violation %+v", v)
	}
	if v.Message != "Rule evaluation error: lookup service down" {
		t.Fatalf("unexpected message %q", v.Message)
	}
}

func TestAppendEventWithUnknownRuleSet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.ledger.AppendEvent(ctx, transfer("tx-1", "10.00"), nil, ledger.WithRuleSet("missing"))
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeRuleSetNotFound {
		t.Fatalf("expected RULE_SET_NOT_FOUND got %v", err)
	}
	if !errors.Is(err, compliance.ErrRuleSetNotFound) {
		t.Fatalf("expected ErrRuleSetNotFound in chain")
	}
}

func TestAppendEventUsesMetadataAsRuleInput(t *testing.T) {
	ctx := context.Background()
	policy := defaultPolicy(compliance.NewSanctionedCountriesRule("KP"))
	h := newHarness(t, func(p *ledger.Params) { p.Policy = compliance.Static(policy) })

	_, err := h.ledger.AppendEvent(ctx, transfer("tx-1", "10.00"), map[string]any{"to_country": "KP"})
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeComplianceViolation {
		t.Fatalf("expected sanctioned country to block, got %v", err)
	}
	_, err = h.ledger.AppendEvent(ctx, transfer("tx-2", "10.00"), nil, ledger.WithEvalData(map[string]any{"country": "KP"}))
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeComplianceViolation {
		t.Fatalf("expected eval data to block, got %v", err)
	}
	if _, err := h.ledger.AppendEvent(ctx, transfer("tx-3", "10.00"), map[string]any{"to_country": "FR"}); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestSealIsIdempotentAndBlocksAppends(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.ledger.AppendEvent(ctx, transfer("tx-1", "10.00"), nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	changed, err := h.ledger.Seal(ctx)
	if err != nil || !changed {
		t.Fatalf("first seal: changed=%v err=%v", changed, err)
	}
	changed, err = h.ledger.Seal(ctx)
	if err != nil || changed {
		t.Fatalf("second seal should be a no-op: changed=%v err=%v", changed, err)
	}

	_, err = h.ledger.AppendEvent(ctx, transfer("tx-2", "10.00"), nil)
	if !errors.Is(err, ledger.ErrLedgerSealed) {
		t.Fatalf("expected ErrLedgerSealed got %v", err)
	}
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeLedgerSealed {
		t.Fatalf("expected LEDGER_SEALED got %s", code)
	}

	status, err := h.ledger.Status(ctx)
	if err != nil || status != enums.ChainStatusSealed {
		t.Fatalf("unexpected status %s err=%v", status, err)
	}
	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil || !report.Valid {
		t.Fatalf("sealed chain must remain verifiable: %+v err=%v", report, err)
	}
	root, err := h.ledger.MerkleRoot(ctx)
	if err != nil || root == "" {
		t.Fatalf("sealed chain must expose its root: %q err=%v", root, err)
	}
	sealed := notificationsOfType(h.store, enums.EventLedgerChainSealed)
	if len(sealed) != 1 {
		t.Fatalf("expected one sealed notification got %d", len(sealed))
	}
	if payload := sealed[0].Data.(payloads.ChainSealedEvent); payload.Records != 1 {
		t.Fatalf("unexpected sealed payload %+v", payload)
	}
}

func TestSealPrecedesValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.ledger.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	_, err := h.ledger.AppendEvent(ctx, transfer("", "10.00"), nil)
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeLedgerSealed {
		t.Fatalf("sealed check must run first, got %v", err)
	}
}

func TestConcurrentAppendsDoNotFork(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.ledger.AppendEvent(ctx, transfer(fmt.Sprintf("tx-%d", i), "5.00"), nil); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent append failed: %v", err)
	}

	records, err := h.store.Records(ctx, "main")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != writers {
		t.Fatalf("expected %d records got %d", writers, len(records))
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		if seen[rec.PreviousHash] {
			t.Fatalf("two records share predecessor %q", rec.PreviousHash)
		}
		seen[rec.PreviousHash] = true
	}
	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil || !report.Valid {
		t.Fatalf("concurrent chain invalid: %+v err=%v", report, err)
	}
}

func TestConcurrentSealAndAppend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.ledger.AppendEvent(ctx, transfer(fmt.Sprintf("tx-%d", i), "5.00"), nil)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.ledger.Seal(ctx)
	}()
	wg.Wait()

	sealed := notificationsOfType(h.store, enums.EventLedgerChainSealed)
	if len(sealed) != 1 {
		t.Fatalf("expected one seal, got %d", len(sealed))
	}
	head, err := h.ledger.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if payload := sealed[0].Data.(payloads.ChainSealedEvent); payload.Head != head.Hash {
		t.Fatalf("record admitted after seal: sealed head %s, current head %s", payload.Head, head.Hash)
	}
}

func TestAppendEventTimesOutWaitingForChain(t *testing.T) {
	h := newHarness(t, func(p *ledger.Params) { p.AppendTimeout = 20 * time.Millisecond })
	unlock, err := h.locks.Lock(context.Background(), "main")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	_, err = h.ledger.AppendEvent(context.Background(), transfer("tx-1", "10.00"), nil)
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeTimeout {
		t.Fatalf("expected TIMEOUT got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline in chain, got %v", err)
	}
}

func TestVerifyIntegrityReportsTamperPoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	for i := 0; i < 4; i++ {
		if _, err := h.ledger.AppendEvent(ctx, transfer(fmt.Sprintf("tx-%d", i), "20.00"), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	err := h.store.Tamper("main", 2, func(rec *chain.Record) {
		rec.Event.(*events.FinancialTransaction).Amount = events.MustMoney("2000.00", "USD", 2)
	})
	if err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := h.ledger.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.TamperIndex != 2 || report.Reason != chain.ReasonHashMismatch {
		t.Fatalf("unexpected report %+v", report)
	}
	if code := pkgerrors.CodeOf(ledger.IntegrityError(report)); code != pkgerrors.CodeIntegrityFailure {
		t.Fatalf("expected INTEGRITY_FAILURE got %s", code)
	}

	if err := h.ledger.RaiseIntegrityAlert(ctx, report); err != nil {
		t.Fatalf("raise alert: %v", err)
	}
	failed := notificationsOfType(h.store, enums.EventLedgerIntegrityFailed)
	if len(failed) != 1 {
		t.Fatalf("expected integrity notification")
	}
	if payload := failed[0].Data.(payloads.IntegrityFailedEvent); payload.TamperIndex != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestAuditTrailFilters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	appendAt := func(offset time.Duration, ev events.Event) {
		h.clock.Set(base.Add(offset))
		if _, err := h.ledger.AppendEvent(ctx, ev, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	appendAt(0, transfer("tx-a", "1.00"))
	appendAt(time.Hour, transfer("tx-b", "1.00"))
	appendAt(2*time.Hour, transfer("tx-a", "2.00"))
	appendAt(3*time.Hour, adjustment("adj-1", "3.00", "controller-2"))

	at := func(offset time.Duration) *time.Time {
		v := base.Add(offset)
		return &v
	}
	tests := []struct {
		name  string
		query ledger.AuditQuery
		want  []int64
	}{
		{name: "no filters", query: ledger.AuditQuery{}, want: []int64{1, 2, 3, 4}},
		{name: "entity", query: ledger.AuditQuery{EntityID: "tx-a"}, want: []int64{1, 3}},
		{name: "start inclusive", query: ledger.AuditQuery{Start: at(time.Hour)}, want: []int64{2, 3, 4}},
		{name: "end inclusive", query: ledger.AuditQuery{End: at(time.Hour)}, want: []int64{1, 2}},
		{name: "conjunctive", query: ledger.AuditQuery{EntityID: "tx-a", Start: at(time.Minute), End: at(3 * time.Hour)}, want: []int64{3}},
		{name: "unknown entity", query: ledger.AuditQuery{EntityID: "nobody"}, want: nil},
		{name: "paged", query: ledger.AuditQuery{AfterSequence: 1, Limit: 2}, want: []int64{2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := h.ledger.AuditTrail(ctx, tt.query)
			if err != nil {
				t.Fatalf("audit trail: %v", err)
			}
			if len(records) != len(tt.want) {
				t.Fatalf("expected %d records got %d", len(tt.want), len(records))
			}
			for i, rec := range records {
				if rec.Sequence != tt.want[i] {
					t.Fatalf("record %d: expected sequence %d got %d", i, tt.want[i], rec.Sequence)
				}
			}
		})
	}

	_, err := h.ledger.AuditTrail(ctx, ledger.AuditQuery{Start: at(time.Hour), End: at(0)})
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR for inverted range got %v", err)
	}
}

func TestMerkleRootAndProof(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	root, err := h.ledger.MerkleRoot(ctx)
	if err != nil || root != "" {
		t.Fatalf("empty chain root %q err=%v", root, err)
	}

	var hashes []string
	for i := 0; i < 5; i++ {
		hash, err := h.ledger.AppendEvent(ctx, transfer(fmt.Sprintf("tx-%d", i), "1.00"), nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		hashes = append(hashes, hash)
	}
	root, err = h.ledger.MerkleRoot(ctx)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	want, err := chain.MerkleRoot(hashes, chain.SHA256{})
	if err != nil {
		t.Fatalf("reference root: %v", err)
	}
	if root != want {
		t.Fatalf("root %s want %s", root, want)
	}

	proof, err := h.ledger.Proof(ctx, hashes[4])
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	ok, err := chain.VerifyProof(proof, chain.SHA256{})
	if err != nil || !ok || proof.Root != root {
		t.Fatalf("proof did not verify: ok=%v err=%v", ok, err)
	}

	_, err = h.ledger.Proof(ctx, "deadbeef")
	if code := pkgerrors.CodeOf(err); code != pkgerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND got %v", err)
	}
}

func TestSignedRecordsVerify(t *testing.T) {
	ctx := context.Background()
	ring, err := chain.NewKeyring(map[string]string{"k1": "0123456789abcdef0123456789abcdef"}, "k1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	store := memory.New(chain.SHA256{}, ring.RequireAll())
	l, err := ledger.New(ledger.Params{
		ChainID:  "signed",
		Store:    store,
		Policy:   compliance.Static(defaultPolicy()),
		Digester: chain.SHA256{},
		Signer:   ring,
	})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	rec, err := l.Append(ctx, transfer("tx-1", "1.00"), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.Signature == "" || rec.SignatureKeyID != "k1" {
		t.Fatalf("record not signed: %+v", rec)
	}
	report, err := l.VerifyIntegrity(ctx)
	if err != nil || !report.Valid {
		t.Fatalf("signed chain invalid: %+v err=%v", report, err)
	}

	if err := store.Tamper("signed", 0, func(r *chain.Record) { r.Signature = "00" }); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	report, err = l.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.Reason != chain.ReasonSignatureInvalid {
		t.Fatalf("expected signature failure, got %+v", report)
	}
}

func TestEvaluateDoesNotAppend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	decision, err := h.ledger.Evaluate(ctx, transfer("tx-1", "20000.00"), nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !decision.Blocked() {
		t.Fatalf("expected blocking decision %+v", decision)
	}
	head, _ := h.ledger.Head(ctx)
	if head.Sequence != 0 {
		t.Fatalf("dry run appended a record")
	}
}

type failingStore struct {
	*memory.Store
	appendErr error
}

func (f *failingStore) Append(ctx context.Context, rec chain.Record, notes ...ledger.Notification) error {
	return f.appendErr
}

func TestAppendEventMapsStorageFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want pkgerrors.Code
	}{
		{name: "transient", err: ledger.Transient("append", errors.New("connection reset")), want: pkgerrors.CodeStorageTransient},
		{name: "durable", err: ledger.Durable("append", errors.New("disk full")), want: pkgerrors.CodeStorageDurable},
		{
			name: "durable over decoded row error",
			err:  ledger.Durable("append", pkgerrors.Wrap(pkgerrors.CodeValidation, errors.New("unknown event_type"), "malformed event")),
			want: pkgerrors.CodeStorageDurable,
		},
		{
			name: "transient over typed cause",
			err:  ledger.Transient("append", pkgerrors.New(pkgerrors.CodeConflict, "serialization failure")),
			want: pkgerrors.CodeStorageTransient,
		},
		{name: "conflict", err: fmt.Errorf("%w: head moved", ledger.ErrChainConflict), want: pkgerrors.CodeConflict},
		{name: "deadline", err: fmt.Errorf("insert: %w", context.DeadlineExceeded), want: pkgerrors.CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &failingStore{Store: memory.New(chain.SHA256{}, nil), appendErr: tt.err}
			l, err := ledger.New(ledger.Params{
				ChainID:  "main",
				Store:    store,
				Policy:   compliance.Static(defaultPolicy()),
				Digester: chain.SHA256{},
			})
			if err != nil {
				t.Fatalf("new ledger: %v", err)
			}
			_, err = l.AppendEvent(context.Background(), transfer("tx-1", "1.00"), nil)
			if code := pkgerrors.CodeOf(err); code != tt.want {
				t.Fatalf("expected %s got %s (%v)", tt.want, code, err)
			}
		})
	}
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	seals    int
	checks   []bool
}

func (m *recordingMetrics) ObserveAppend(_ string, _ enums.EventType, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) ObserveIntegrity(_ string, valid bool, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, valid)
}

func (m *recordingMetrics) ObserveSeal(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seals++
}

func TestAppendEventReportsOutcomes(t *testing.T) {
	ctx := context.Background()
	metrics := &recordingMetrics{}
	h := newHarness(t, func(p *ledger.Params) { p.Metrics = metrics })

	_, _ = h.ledger.AppendEvent(ctx, transfer("tx-1", "1.00"), nil)
	_, _ = h.ledger.AppendEvent(ctx, transfer("", "1.00"), nil)
	_, _ = h.ledger.AppendEvent(ctx, transfer("tx-2", "99999.00"), nil)
	_, _ = h.ledger.Seal(ctx)
	_, _ = h.ledger.AppendEvent(ctx, transfer("tx-3", "1.00"), nil)
	_, _ = h.ledger.VerifyIntegrity(ctx)

	want := []string{
		ledger.OutcomeAppended,
		ledger.OutcomeRejectedValidation,
		ledger.OutcomeRejectedCompliance,
		ledger.OutcomeRejectedSealed,
	}
	if fmt.Sprint(metrics.outcomes) != fmt.Sprint(want) {
		t.Fatalf("outcomes %v want %v", metrics.outcomes, want)
	}
	if metrics.seals != 1 || len(metrics.checks) != 1 || !metrics.checks[0] {
		t.Fatalf("unexpected seal/integrity observations %+v", metrics)
	}
}
