package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openjobspec/ojs-campaigns/internal/core"
	"github.com/openjobspec/ojs-campaigns/internal/events"
	"github.com/openjobspec/ojs-campaigns/internal/state"
)

const testTimeout = 10 * time.Second

type harness struct {
	t        *testing.T
	path     string
	engine   *Engine
	broker   *events.Broker
	settings *core.Settings
	stopOnce sync.Once
	stopLoop func()
}

type harnessOptions struct {
	level    core.RetryLevel
	gateOpen bool
	wait     time.Duration
	workers  int
}

func newHarness(t *testing.T, path string, d Deliverer, ho harnessOptions) *harness {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "campaigns.db")
	}
	if ho.wait == 0 {
		ho.wait = 30 * time.Millisecond
	}
	if ho.workers == 0 {
		ho.workers = 4
	}

	store, err := state.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	settings := core.NewSettings(ho.level)
	settings.SetEffectGate(ho.gateOpen)
	broker := events.NewBroker()

	e, err := New(store, settings, d, broker, Options{
		StoreType:      "sqlite",
		Template:       core.DefaultTemplate(ho.wait),
		RetryInterval:  20 * time.Millisecond,
		AttemptTimeout: 100 * time.Millisecond,
		LeaseTTL:       600 * time.Millisecond,
		ClaimTTL:       300 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		Workers:        ho.workers,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = e.PromoteDue(ctx)
			}
		}
	}()

	h := &harness{
		t:        t,
		path:     path,
		engine:   e,
		broker:   broker,
		settings: settings,
		stopLoop: func() { cancel(); <-done },
	}
	t.Cleanup(h.shutdown)
	return h
}

// shutdown stops the promoter, the workers and the store, as a crash
// between steps would.
func (h *harness) shutdown() {
	h.stopOnce.Do(func() {
		h.stopLoop()
		if err := h.engine.Close(); err != nil {
			h.t.Errorf("close engine: %v", err)
		}
		_ = h.broker.Close()
	})
}

func (h *harness) start(email string) *core.Campaign {
	h.t.Helper()
	c, err := h.engine.Start(context.Background(), &core.StartRequest{Email: email})
	if err != nil {
		h.t.Fatalf("start %s: %v", email, err)
	}
	return c
}

func (h *harness) await(handle core.Handle) *core.Outcome {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	out, err := h.engine.Await(ctx, handle)
	if err != nil {
		h.t.Fatalf("await %s: %v", handle.Key, err)
	}
	return out
}

func (h *harness) get(key string) *core.Campaign {
	h.t.Helper()
	c, err := h.engine.Get(context.Background(), key)
	if err != nil {
		h.t.Fatalf("get %s: %v", key, err)
	}
	return c
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drain collects the events already queued on ch.
func drain(ch <-chan *core.Event) []*core.Event {
	var out []*core.Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

// collectUntil reads ch until an event of type last arrives.
func collectUntil(t *testing.T, ch <-chan *core.Event, last string) []*core.Event {
	t.Helper()
	var out []*core.Event
	timeout := time.After(testTimeout)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			out = append(out, e)
			if e.Type == last {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", last)
		}
	}
}

func ofType(evts []*core.Event, typ string) []*core.Event {
	var out []*core.Event
	for _, e := range evts {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestScenarioAllSendsSucceed(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryNone, gateOpen: true})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("a@example.com")
	defer unsubscribe()

	c := h.start("a@example.com")
	if c.IsExisting || c.State != core.StateStep0Pending {
		t.Fatalf("unexpected start result: %+v", c)
	}

	out := h.await(c.Handle())
	if out.Status != core.StatusCompleted || out.FailedStep != nil {
		t.Fatalf("outcome = %+v, want completed", out)
	}

	evts := collectUntil(t, ch, core.EventCampaignCompleted)
	delivered := ofType(evts, core.EventNotificationDelivered)
	want := []string{"Welcome to the newsletter", "New feature announcement", "Discount offer"}
	if len(delivered) != len(want) {
		t.Fatalf("delivered events = %d, want %d", len(delivered), len(want))
	}
	for i, e := range delivered {
		if e.Record == nil || e.Record.Subject != want[i] || e.Record.To != "a@example.com" {
			t.Errorf("delivered[%d] = %+v, want subject %q", i, e.Record, want[i])
		}
	}
	if len(ofType(evts, core.EventCampaignStarted)) != 1 {
		t.Error("expected one started event")
	}

	final := h.get("a@example.com")
	if final.State != core.StateCompleted || final.CompletedAt == "" {
		t.Errorf("final checkpoint = %+v", final)
	}
}

func TestScenarioGateClosedWithoutRetriesFails(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryNone, gateOpen: false})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("b@example.com")
	defer unsubscribe()

	c := h.start("b@example.com")
	out := h.await(c.Handle())
	if out.Status != core.StatusFailed || out.FailedStep == nil || *out.FailedStep != 0 {
		t.Fatalf("outcome = %+v, want failed at step 0", out)
	}

	evts := collectUntil(t, ch, core.EventCampaignFailed)
	failed := evts[len(evts)-1]
	if failed.Step == nil || *failed.Step != 0 || failed.Reason != "" {
		t.Errorf("failed event = %+v", failed)
	}
	if n := len(ofType(evts, core.EventNotificationRejected)); n != 1 {
		t.Errorf("rejected events = %d, want exactly 1 attempt", n)
	}

	final := h.get("b@example.com")
	if final.Steps[0].Attempts != 1 || final.Steps[0].Outcome != core.StepFailed {
		t.Errorf("step 0 = %+v", final.Steps[0])
	}
	if rec.count() != 0 {
		t.Errorf("deliverer called %d times with the gate closed", rec.count())
	}
}

func TestScenarioDurableRetriesUntilGateOpens(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryDurable, gateOpen: false})

	c := h.start("c@example.com")
	eventually(t, "durable retries", func() bool {
		return h.get("c@example.com").Steps[0].Attempts >= 2
	})
	if got := h.get("c@example.com"); got.Status != core.StatusRunning {
		t.Fatalf("campaign ended while gate closed: %+v", got)
	}

	h.engine.SetEffectGate(true)
	out := h.await(c.Handle())
	if out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	final := h.get("c@example.com")
	if final.Steps[0].Attempts <= 1 {
		t.Errorf("step 0 attempts = %d, want > 1", final.Steps[0].Attempts)
	}
	if rec.count() != 3 {
		t.Errorf("deliveries = %d, want 3", rec.count())
	}
}

func TestScenarioConcurrentStartPublishesOneStarted(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryDurable, gateOpen: false})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("d@x.com")
	defer unsubscribe()

	var wg sync.WaitGroup
	results := make([]*core.Campaign, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := h.engine.Start(context.Background(), &core.StartRequest{Email: "d@x.com"})
			if err != nil {
				t.Errorf("start: %v", err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	if results[0] == nil || results[1] == nil {
		t.FailNow()
	}
	if results[0].RunID != results[1].RunID {
		t.Errorf("run ids differ: %s vs %s", results[0].RunID, results[1].RunID)
	}
	if n := len(ofType(drain(ch), core.EventCampaignStarted)); n != 1 {
		t.Errorf("started events = %d, want 1", n)
	}
}

func TestIdempotentStartSharesOutcome(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryDurable, gateOpen: false})

	first := h.start("e@example.com")
	second := h.start("E@example.com ")
	if !second.IsExisting || second.RunID != first.RunID {
		t.Fatalf("second start = %+v, want attached to %s", second, first.RunID)
	}

	var wg sync.WaitGroup
	outcomes := make([]*core.Outcome, 5)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := first.Handle()
			if i%2 == 1 {
				handle = second.Handle()
			}
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			out, err := h.engine.Await(ctx, handle)
			if err != nil {
				t.Errorf("await %d: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	h.engine.SetEffectGate(true)
	wg.Wait()

	for i, out := range outcomes {
		if out == nil || out.Status != core.StatusCompleted || out.RunID != first.RunID {
			t.Errorf("awaiter %d got %+v", i, out)
		}
	}
}

func TestStartAfterTerminalBeginsNewRun(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryNone, gateOpen: false})

	first := h.start("f@example.com")
	if out := h.await(first.Handle()); out.Status != core.StatusFailed {
		t.Fatalf("first outcome = %+v", out)
	}

	h.engine.SetEffectGate(true)
	second := h.start("f@example.com")
	if second.IsExisting || second.RunID == first.RunID {
		t.Fatalf("expected a fresh run, got %+v", second)
	}
	if out := h.await(second.Handle()); out.Status != core.StatusCompleted {
		t.Errorf("second outcome = %+v", out)
	}

	// Once forgotten locally, the replaced run can no longer be awaited.
	if err := h.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	_, err := h.engine.Await(context.Background(), first.Handle())
	if core.ErrorCode(err) != core.ErrCodeNotFound {
		t.Errorf("await replaced run: %v, want not_found", err)
	}
}

func TestLocalLevelKeepsRetryingWhileGated(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryLocal, gateOpen: false})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("g@example.com")
	defer unsubscribe()

	c := h.start("g@example.com")
	var rejected int
	eventually(t, "local retries", func() bool {
		rejected += len(ofType(drain(ch), core.EventNotificationRejected))
		return rejected >= 3
	})
	if got := h.get("g@example.com"); got.Status != core.StatusRunning || got.State != core.StateStep0Pending {
		t.Fatalf("campaign moved while gated: %+v", got)
	}

	h.engine.SetEffectGate(true)
	if out := h.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if got := h.get("g@example.com").Steps[0].Attempts; got < 4 {
		t.Errorf("step 0 attempts = %d, want >= 4", got)
	}
}

func TestLocalRetriesLeaveWorkersForOtherCampaigns(t *testing.T) {
	rec := &recorder{}
	rec.fn = func(_ context.Context, _ int, r *core.NotificationRecord) error {
		if r.To == "a@example.com" {
			return errBounce
		}
		return nil
	}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryLocal, gateOpen: true, workers: 1})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("a@example.com")
	defer unsubscribe()

	h.start("a@example.com")
	var rejected int
	eventually(t, "local retries for a", func() bool {
		rejected += len(ofType(drain(ch), core.EventNotificationRejected))
		return rejected >= 2
	})

	b := h.start("b@example.com")
	if out := h.await(b.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("b outcome = %+v", out)
	}
	if got := h.get("a@example.com"); got.Status != core.StatusRunning || got.State != core.StateStep0Pending {
		t.Errorf("a = %s/%s, want still retrying step 0", got.Status, got.State)
	}
}

func TestSequencingNeverSkipsAhead(t *testing.T) {
	order := []string{"Welcome to the newsletter", "New feature announcement", "Discount offer"}
	rec := &recorder{}
	rec.fn = func(_ context.Context, n int, r *core.NotificationRecord) error {
		// Fail every other call so each step needs retries.
		if n%2 == 1 {
			return errBounce
		}
		return nil
	}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryDurable, gateOpen: true})

	c := h.start("h@example.com")
	if out := h.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}

	// Calls must be grouped by step in template order.
	idx := 0
	for _, s := range rec.subjects() {
		for idx < len(order) && s != order[idx] {
			idx++
		}
		if idx == len(order) {
			t.Fatalf("send %q attempted out of order: %v", s, rec.subjects())
		}
	}
	final := h.get("h@example.com")
	for _, step := range []int{0, 2, 4} {
		if final.Steps[step].Attempts != 2 {
			t.Errorf("step %d attempts = %d, want 2", step, final.Steps[step].Attempts)
		}
	}
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	rec := &recorder{fn: func(ctx context.Context, n int, _ *core.NotificationRecord) error {
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryDurable, gateOpen: true})

	ch, unsubscribe, _ := h.broker.SubscribeCampaign("i@example.com")
	defer unsubscribe()

	c := h.start("i@example.com")
	if out := h.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	rejected := ofType(collectUntil(t, ch, core.EventCampaignCompleted), core.EventNotificationRejected)
	if len(rejected) != 1 || !strings.Contains(rejected[0].Reason, core.ErrCodeAttemptTimeout) {
		t.Errorf("rejected events = %+v, want one attempt_timeout", rejected)
	}
}

func TestRestartResumesWaitWithoutResending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.db")
	wait := 400 * time.Millisecond

	first := &recorder{}
	h1 := newHarness(t, path, first, harnessOptions{level: core.RetryDurable, gateOpen: true, wait: wait})
	c := h1.start("j@example.com")
	eventually(t, "first wait", func() bool {
		return h1.get("j@example.com").State == core.StateWaitingA
	})
	h1.shutdown()

	second := &recorder{}
	h2 := newHarness(t, path, second, harnessOptions{level: core.RetryDurable, gateOpen: true, wait: wait})
	if out := h2.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}

	seen := map[string]int{}
	for _, s := range append(first.subjects(), second.subjects()...) {
		seen[s]++
	}
	for _, s := range []string{"Welcome to the newsletter", "New feature announcement", "Discount offer"} {
		if seen[s] != 1 {
			t.Errorf("%q sent %d times, want exactly once", s, seen[s])
		}
	}
	if first.count() < 1 {
		t.Error("first process never sent the welcome notification")
	}
}

func TestRestartKeepsDurableAttemptCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "campaigns.db")

	h1 := newHarness(t, path, &recorder{}, harnessOptions{level: core.RetryDurable, gateOpen: false})
	c := h1.start("k@example.com")
	eventually(t, "failed attempts", func() bool {
		return h1.get("k@example.com").Steps[0].Attempts >= 2
	})
	h1.shutdown()

	store, err := state.OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := store.GetCampaign(context.Background(), "k@example.com")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	stored, err := state.RecordToCampaign(rec)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	before := stored.Steps[0].Attempts
	_ = store.Close()

	h2 := newHarness(t, path, &recorder{}, harnessOptions{level: core.RetryDurable, gateOpen: true})
	if out := h2.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	if got := h2.get("k@example.com").Steps[0].Attempts; got != before+1 {
		t.Errorf("step 0 attempts = %d, want %d", got, before+1)
	}
}

func TestHandleTaskDiscardsStaleClaim(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryNone, gateOpen: true})

	c := h.start("l@example.com")
	h.await(c.Handle())
	delivered := rec.count()

	err := h.engine.HandleTask(context.Background(), &core.Task{
		Key: "l@example.com", RunID: c.RunID, LeaseToken: "not-the-token",
	})
	if err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if rec.count() != delivered {
		t.Error("stale task delivered a notification")
	}
}

func TestHandleTaskRejectsCorruptRecord(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryNone, gateOpen: true, workers: 1})
	ctx := context.Background()

	now := time.Now()
	bad := core.NewCampaign("m@example.com", core.NewRunID(),
		core.StartRequest{Key: "m@example.com", Email: "m@example.com"}, core.DefaultTemplate(time.Second), now)
	stored := state.CampaignToRecord(bad)
	stored.Steps = stored.Steps[:len(stored.Steps)/2]
	stored.LeaseToken = "tok-corrupt"
	stored.LeaseUntilMs = now.Add(time.Hour).UnixMilli()
	if err := h.engine.store.CreateCampaign(ctx, stored); err != nil {
		t.Fatalf("create: %v", err)
	}

	task := &core.Task{Key: bad.Key, RunID: bad.RunID, LeaseToken: "tok-corrupt"}
	if err := h.engine.HandleTask(ctx, task); !errors.Is(err, state.ErrCorrupt) {
		t.Fatalf("HandleTask err = %v, want ErrCorrupt", err)
	}
	if _, err := h.engine.Get(ctx, bad.Key); !errors.Is(err, state.ErrCorrupt) {
		t.Errorf("Get err = %v, want ErrCorrupt", err)
	}

	// The single worker survives the same task and serves the next campaign.
	if err := h.engine.pool.Dispatch(ctx, task); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	c := h.start("n@example.com")
	if out := h.await(c.Handle()); out.Status != core.StatusCompleted {
		t.Fatalf("outcome = %+v", out)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, r := range rec.calls {
		if r.To == bad.Key {
			t.Errorf("corrupt campaign sent %q", r.Subject)
		}
	}
}

func TestSweepPrunesAndPurges(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, "", rec, harnessOptions{level: core.RetryNone, gateOpen: true})
	h.engine.opts.Retention = time.Millisecond

	c := h.start("m@example.com")
	h.await(c.Handle())
	time.Sleep(10 * time.Millisecond)

	if err := h.engine.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n := h.engine.registry.size(); n != 0 {
		t.Errorf("registry size = %d, want 0", n)
	}
	_, err := h.engine.Get(context.Background(), "m@example.com")
	if core.ErrorCode(err) != core.ErrCodeNotFound {
		t.Errorf("Get after purge: %v, want not_found", err)
	}
}

func TestListAndGet(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryNone, gateOpen: false})

	for _, email := range []string{"n1@example.com", "n2@example.com"} {
		c := h.start(email)
		h.await(c.Handle())
	}

	failed, err := h.engine.List(context.Background(), core.StatusFailed, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(failed) != 2 {
		t.Errorf("failed campaigns = %d, want 2", len(failed))
	}
	running, _ := h.engine.List(context.Background(), core.StatusRunning, 10)
	if len(running) != 0 {
		t.Errorf("running campaigns = %d, want 0", len(running))
	}
	if _, err := h.engine.List(context.Background(), "bogus", 10); core.ErrorCode(err) != core.ErrCodeInvalidRequest {
		t.Errorf("List(bogus) = %v, want invalid_request", err)
	}
	if _, err := h.engine.Get(context.Background(), "nobody@example.com"); core.ErrorCode(err) != core.ErrCodeNotFound {
		t.Errorf("Get(missing) = %v, want not_found", err)
	}
}

func TestStartValidates(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryNone, gateOpen: true})

	_, err := h.engine.Start(context.Background(), &core.StartRequest{Email: "not an address"})
	if core.ErrorCode(err) != core.ErrCodeInvalidRequest {
		t.Errorf("err = %v, want invalid_request", err)
	}
}

func TestSubmitDeliveryHonorsGate(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryNone, gateOpen: true})
	rec := &core.NotificationRecord{To: "o@example.com", Subject: "Hi", Content: "Body", Time: core.NowFormatted()}

	receipt, err := h.engine.SubmitDelivery(context.Background(), rec)
	if err != nil || !receipt.Accepted || receipt.To != rec.To {
		t.Fatalf("SubmitDelivery = %+v, %v", receipt, err)
	}

	if prev := h.engine.SetEffectGate(false); !prev {
		t.Error("previous gate should be open")
	}
	if _, err := h.engine.SubmitDelivery(context.Background(), rec); !errors.Is(err, core.ErrGateClosed) {
		t.Errorf("err = %v, want gate_closed", err)
	}

	if _, err := h.engine.SubmitDelivery(context.Background(), &core.NotificationRecord{}); core.ErrorCode(err) != core.ErrCodeInvalidRequest {
		t.Errorf("err = %v, want invalid_request", err)
	}
}

func TestControlsAndHealth(t *testing.T) {
	h := newHarness(t, "", &recorder{}, harnessOptions{level: core.RetryDurable, gateOpen: true})

	if prev := h.engine.SetRetryLevel(core.RetryLocal); prev != core.RetryDurable {
		t.Errorf("previous level = %s", prev)
	}
	if h.engine.RetryLevel() != core.RetryLocal || h.settings.RetryLevel() != core.RetryLocal {
		t.Error("retry level not applied to shared settings")
	}

	resp, err := h.engine.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if resp.Status != "ok" || resp.Backend.Type != "sqlite" || resp.Controls.RetryLevel != core.RetryLocal || !resp.Controls.EffectGate {
		t.Errorf("health = %+v", resp)
	}
}
