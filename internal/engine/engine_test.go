package engine

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/towline/internal/geo"
	"github.com/example/towline/internal/logging"
	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/storage"
)

// fakeClock is a settable clock so lazy timeouts are deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeNotifier counts calls and can be told to fail offer sends.
type fakeNotifier struct {
	mu           sync.Mutex
	offers       int
	noCandidates int
	allRejected  int
	accepted     int
	completed    int
	cancelled    int
	failOffers   bool
}

func (f *fakeNotifier) NotifyOffer(candidate *models.Actor, req *models.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	if f.failOffers {
		return errors.New("provider down")
	}
	return nil
}

func (f *fakeNotifier) NotifyNoCandidates(requestor *models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noCandidates++
	return nil
}

func (f *fakeNotifier) NotifyAllRejected(requestor *models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allRejected++
	return nil
}

func (f *fakeNotifier) NotifyAccepted(requestor *models.Actor, helperName, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted++
	return nil
}

func (f *fakeNotifier) NotifyEventCompleted(party *models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return nil
}

func (f *fakeNotifier) NotifyEventCancelled(party *models.Actor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeNotifier) counts() (offers, noCandidates, allRejected, accepted int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.noCandidates, f.allRejected, f.accepted
}

// respondingNotifier answers every offer synchronously from inside the
// delivery call, the way a fast candidate does in production.
type respondingNotifier struct {
	fakeNotifier
	engine   *Engine
	action   RespondAction
	outcomes []*models.RespondOutcome
	errs     []error
}

func (n *respondingNotifier) NotifyOffer(candidate *models.Actor, req *models.Request) error {
	_ = n.fakeNotifier.NotifyOffer(candidate, req)
	out, err := n.engine.RespondToRequest(req.ID, req.RequesteeID, n.action)
	n.outcomes = append(n.outcomes, out)
	n.errs = append(n.errs, err)
	return nil
}

// failingIndex simulates the spatial store being unavailable.
type failingIndex struct{}

func (failingIndex) FindCandidates(origin models.Coord, excludeID string) ([]models.Actor, error) {
	return nil, errors.New("redis unavailable")
}

func (failingIndex) Upsert(a models.Actor) {}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	index    *geo.MemoryIndex
	notifier *fakeNotifier
	clock    *fakeClock
}

func newFixture(t *testing.T, helpers int) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex(geo.FixedRadius(16093))
	n := &fakeNotifier{}
	clk := newFakeClock()
	e := New(st, idx, n, clk, logging.NewLogger("error"))

	requestor := &models.Actor{ID: "boater", Name: "Stranded Boater", Role: models.RoleUser, Active: true,
		Pos: models.Coord{Lat: 31.254075, Lon: -81.198062}}
	if err := st.SaveActor(requestor); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < helpers; i++ {
		h := &models.Actor{
			ID:     fmt.Sprintf("helper%d", i),
			Name:   fmt.Sprintf("Helper %d", i),
			Role:   models.RoleHelper,
			Active: true,
			Pos:    models.Coord{Lat: 31.254075, Lon: -81.198062},
		}
		if err := st.SaveActor(h); err != nil {
			t.Fatal(err)
		}
		idx.Upsert(*h)
	}
	return &fixture{engine: e, store: st, index: idx, notifier: n, clock: clk}
}

func (f *fixture) createBatch(t *testing.T) *models.Batch {
	t.Helper()
	b, err := f.engine.CreateBatch("boater", models.ServiceTow)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	return b
}

func (f *fixture) requests(t *testing.T, batchID string) []*models.Request {
	t.Helper()
	reqs, err := f.store.RequestsInBatch(batchID)
	if err != nil {
		t.Fatal(err)
	}
	return reqs
}

func TestCreateBatchFansOutToAllCandidates(t *testing.T) {
	f := newFixture(t, 3)
	b := f.createBatch(t)

	if b.NumRequests != 3 {
		t.Fatalf("expected 3 requests, got %d", b.NumRequests)
	}
	if b.Status != models.BatchActive {
		t.Fatalf("expected active, got %s", b.Status)
	}
	reqs := f.requests(t, b.ID)
	if len(reqs) != 3 {
		t.Fatalf("expected 3 stored requests, got %d", len(reqs))
	}
	for _, r := range reqs {
		if r.Status != models.RequestActive {
			t.Fatalf("request %s not active: %s", r.ID, r.Status)
		}
		if r.RequestorNm != "Stranded Boater" || r.RequestorLoc == "" {
			t.Fatalf("request missing requestor snapshot: %+v", r)
		}
	}
	offers, _, _, _ := f.notifier.counts()
	if offers != 3 {
		t.Fatalf("expected 3 offers sent, got %d", offers)
	}

	a, _ := f.store.GetActor("boater")
	if a.ActiveBatchID != b.ID {
		t.Fatalf("requestor active batch ref not set")
	}
}

func TestCreateBatchNoCandidates(t *testing.T) {
	f := newFixture(t, 0)
	b, err := f.engine.CreateBatch("boater", models.ServiceFuel)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
	if b == nil {
		t.Fatal("batch should still be returned")
	}
	// Zero denominator: the batch stays active, never all_rejected.
	got, _ := f.store.GetBatch(b.ID)
	if got.Status != models.BatchActive || got.NumRequests != 0 {
		t.Fatalf("expected active batch with 0 requests, got %s/%d", got.Status, got.NumRequests)
	}
	_, noCand, _, _ := f.notifier.counts()
	if noCand != 1 {
		t.Fatalf("expected no-candidates notification, got %d", noCand)
	}
}

func TestCreateBatchDegradedProximityIndex(t *testing.T) {
	st := storage.NewMemoryStore()
	n := &fakeNotifier{}
	e := New(st, failingIndex{}, n, newFakeClock(), logging.NewLogger("error"))
	if err := st.SaveActor(&models.Actor{ID: "boater", Name: "B", Role: models.RoleUser, Active: true}); err != nil {
		t.Fatal(err)
	}
	_, err := e.CreateBatch("boater", models.ServiceTow)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("degraded index should surface as no candidates, got %v", err)
	}
}

func TestCreateBatchRefusedWhileActive(t *testing.T) {
	f := newFixture(t, 2)
	f.createBatch(t)
	_, err := f.engine.CreateBatch("boater", models.ServiceTow)
	if !errors.Is(err, ErrRequestorBusy) {
		t.Fatalf("expected ErrRequestorBusy, got %v", err)
	}
}

func TestCreateBatchAllowedAfterOldBatchTimesOut(t *testing.T) {
	f := newFixture(t, 2)
	f.createBatch(t)
	f.clock.Advance(DefaultBatchTimeout + time.Minute)
	if _, err := f.engine.CreateBatch("boater", models.ServiceTow); err != nil {
		t.Fatalf("expected new batch after timeout, got %v", err)
	}
}

func TestUndeliverableOffersStayCounted(t *testing.T) {
	f := newFixture(t, 2)
	f.notifier.failOffers = true
	b := f.createBatch(t)
	if b.NumRequests != 2 {
		t.Fatalf("soft-failed offers must stay counted, got %d", b.NumRequests)
	}
	for _, r := range f.requests(t, b.ID) {
		if r.Status != models.RequestActive {
			t.Fatalf("undeliverable offer should stay active, got %s", r.Status)
		}
	}
}

func newRespondingFixture(t *testing.T, action RespondAction, helpers int) (*Engine, *storage.MemoryStore, *respondingNotifier) {
	t.Helper()
	st := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex(geo.FixedRadius(16093))
	n := &respondingNotifier{action: action}
	e := New(st, idx, n, newFakeClock(), logging.NewLogger("error"))
	n.engine = e
	if err := st.SaveActor(&models.Actor{ID: "boater", Name: "Stranded Boater", Role: models.RoleUser, Active: true,
		Pos: models.Coord{Lat: 31.254075, Lon: -81.198062}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < helpers; i++ {
		h := &models.Actor{
			ID:     fmt.Sprintf("helper%d", i),
			Name:   fmt.Sprintf("Helper %d", i),
			Role:   models.RoleHelper,
			Active: true,
			Pos:    models.Coord{Lat: 31.254075, Lon: -81.198062},
		}
		if err := st.SaveActor(h); err != nil {
			t.Fatal(err)
		}
		idx.Upsert(*h)
	}
	return e, st, n
}

func TestAcceptDuringFanOutIsNotOverwritten(t *testing.T) {
	e, st, n := newRespondingFixture(t, ActionAccept, 2)

	b, err := e.CreateBatch("boater", models.ServiceTow)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	got, _ := st.GetBatch(b.ID)
	if got.Status != models.BatchAccepted {
		t.Fatalf("fan-out overwrote the accepted batch, status = %s", got.Status)
	}
	if got.NumRequests != 2 {
		t.Fatalf("expected 2 requests, got %d", got.NumRequests)
	}

	wins := 0
	for _, err := range n.errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrAlreadyAccepted) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner among in-delivery responses, got %d", wins)
	}
	live, _ := st.LiveEvents()
	if len(live) != 1 {
		t.Fatalf("expected exactly one event for the batch, got %d", len(live))
	}

	// A late accept on the remaining open request loses deterministically.
	reqs, _ := st.RequestsInBatch(b.ID)
	for _, r := range reqs {
		if r.Status != models.RequestActive {
			continue
		}
		if _, err := e.RespondToRequest(r.ID, r.RequesteeID, ActionAccept); !errors.Is(err, ErrAlreadyAccepted) {
			t.Fatalf("late accept: expected ErrAlreadyAccepted, got %v", err)
		}
	}
}

func TestRejectionsDuringFanOutAreCounted(t *testing.T) {
	e, st, n := newRespondingFixture(t, ActionReject, 2)

	b, err := e.CreateBatch("boater", models.ServiceFuel)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for _, err := range n.errs {
		if err != nil {
			t.Fatalf("in-delivery reject failed: %v", err)
		}
	}

	got, _ := st.GetBatch(b.ID)
	if got.Status != models.BatchAllRejected {
		t.Fatalf("rejections lost during fan-out, status = %s", got.Status)
	}
	if got.NumRejections != got.NumRequests || got.NumRequests != 2 {
		t.Fatalf("counters diverged: %d rejections of %d requests", got.NumRejections, got.NumRequests)
	}
	_, _, allRejected, _ := n.counts()
	if allRejected != 1 {
		t.Fatalf("expected one all-rejected notification, got %d", allRejected)
	}
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	f := newFixture(t, 5)
	b := f.createBatch(t)
	reqs := f.requests(t, b.ID)

	var wg sync.WaitGroup
	results := make([]error, len(reqs))
	outcomes := make([]*models.RespondOutcome, len(reqs))
	for i, r := range reqs {
		wg.Add(1)
		go func(i int, reqID, actorID string) {
			defer wg.Done()
			outcomes[i], results[i] = f.engine.RespondToRequest(reqID, actorID, ActionAccept)
		}(i, r.ID, r.RequesteeID)
	}
	wg.Wait()

	wins := 0
	eventIDs := map[string]bool{}
	for i, err := range results {
		if err == nil {
			wins++
			eventIDs[outcomes[i].EventID] = true
		} else if !errors.Is(err, ErrAlreadyAccepted) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	if len(eventIDs) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(eventIDs))
	}

	got, _ := f.store.GetBatch(b.ID)
	if got.Status != models.BatchAccepted {
		t.Fatalf("batch should be accepted, got %s", got.Status)
	}
}

func TestAcceptSetsBackReferences(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]

	out, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if out.EventID == "" {
		t.Fatal("expected event id in outcome")
	}

	requestor, _ := f.store.GetActor("boater")
	requestee, _ := f.store.GetActor(req.RequesteeID)
	if requestor.ReceivingEventID != out.EventID {
		t.Fatalf("requestor receiving ref = %q", requestor.ReceivingEventID)
	}
	if requestee.ServingEventID != out.EventID {
		t.Fatalf("requestee serving ref = %q", requestee.ServingEventID)
	}
	if requestor.ActiveBatchID != "" {
		t.Fatal("requestor active batch ref should be cleared on accept")
	}

	ev, err := f.store.GetEvent(out.EventID)
	if err != nil {
		t.Fatalf("event not stored: %v", err)
	}
	if ev.Status != models.EventWaitingForPayment {
		t.Fatalf("new event should wait for payment, got %s", ev.Status)
	}
	_, _, _, accepted := f.notifier.counts()
	if accepted != 1 {
		t.Fatalf("expected accepted notification, got %d", accepted)
	}
}

func TestAcceptForbiddenForOtherActor(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]
	if _, err := f.engine.RespondToRequest(req.ID, "boater", ActionAccept); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAllRejectionsCloseBatch(t *testing.T) {
	f := newFixture(t, 3)
	b := f.createBatch(t)

	for _, r := range f.requests(t, b.ID) {
		if _, err := f.engine.RespondToRequest(r.ID, r.RequesteeID, ActionReject); err != nil {
			t.Fatalf("reject: %v", err)
		}
	}
	got, _ := f.store.GetBatch(b.ID)
	if got.Status != models.BatchAllRejected {
		t.Fatalf("expected all_rejected, got %s", got.Status)
	}
	if got.NumRejections != 3 {
		t.Fatalf("expected 3 rejections, got %d", got.NumRejections)
	}
	_, _, allRejected, _ := f.notifier.counts()
	if allRejected != 1 {
		t.Fatalf("expected one all-rejected notification, got %d", allRejected)
	}
}

func TestRepeatRejectDoesNotDoubleCount(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]

	if _, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionReject); err != nil {
		t.Fatal(err)
	}
	out, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionReject)
	if err != nil {
		t.Fatalf("repeat reject should be a no-op, got %v", err)
	}
	if out.Status != models.RequestRejected.String() {
		t.Fatalf("expected rejected status echo, got %s", out.Status)
	}
	got, _ := f.store.GetBatch(b.ID)
	if got.NumRejections != 1 {
		t.Fatalf("rejection double-counted: %d", got.NumRejections)
	}
}

func TestRejectionAgainstSettledBatchNotCounted(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)
	for _, r := range f.requests(t, b.ID) {
		if _, err := f.engine.RespondToRequest(r.ID, r.RequesteeID, ActionReject); err != nil {
			t.Fatal(err)
		}
	}

	// A straggler offer that the batch converged without.
	extra := &models.Request{
		ID: "extra", BatchID: b.ID, RequestorID: "boater", RequesteeID: "helper0",
		Status: models.RequestActive, TimeSent: f.clock.Now(),
	}
	if err := f.store.SaveRequest(extra); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.RespondToRequest("extra", "helper0", ActionReject); err != nil {
		t.Fatalf("straggler reject should be absorbed, got %v", err)
	}

	got, _ := f.store.GetBatch(b.ID)
	if got.NumRejections != got.NumRequests {
		t.Fatalf("rejection counter passed num_requests: %d > %d", got.NumRejections, got.NumRequests)
	}
	if got.Status != models.BatchAllRejected {
		t.Fatalf("expected all_rejected, got %s", got.Status)
	}
	_, _, allRejected, _ := f.notifier.counts()
	if allRejected != 1 {
		t.Fatalf("all-rejected notification re-fired: %d", allRejected)
	}
}

func TestRejectionAfterAcceptanceIsIgnored(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)
	reqs := f.requests(t, b.ID)

	if _, err := f.engine.RespondToRequest(reqs[0].ID, reqs[0].RequesteeID, ActionAccept); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.RespondToRequest(reqs[1].ID, reqs[1].RequesteeID, ActionReject); err != nil {
		t.Fatalf("late rejection should be a no-op, got %v", err)
	}
	got, _ := f.store.GetBatch(b.ID)
	if got.Status != models.BatchAccepted || got.NumRejections != 0 {
		t.Fatalf("accepted batch mutated by late rejection: %s/%d", got.Status, got.NumRejections)
	}
}

func TestBatchTimeoutIsLazyAndMonotone(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)

	f.clock.Advance(DefaultBatchTimeout + time.Second)
	view, err := f.engine.GetBatchStatus(b.ID, "boater")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != "timed_out" {
		t.Fatalf("expected timed_out, got %s", view.Status)
	}
	for _, r := range f.requests(t, b.ID) {
		if r.Status != models.RequestTimedOut {
			t.Fatalf("open request should time out with its batch, got %s", r.Status)
		}
	}

	// Once settled, the status never reverts, however far time moves.
	f.clock.Advance(48 * time.Hour)
	view, _ = f.engine.GetBatchStatus(b.ID, "boater")
	if view.Status != "timed_out" {
		t.Fatalf("terminal status reverted to %s", view.Status)
	}

	req := f.requests(t, b.ID)[0]
	if _, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept); !errors.Is(err, ErrBatchTimedOut) {
		t.Fatalf("accept after timeout: expected ErrBatchTimedOut, got %v", err)
	}
	if _, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionReject); !errors.Is(err, ErrBatchTimedOut) {
		t.Fatalf("reject after timeout: expected ErrBatchTimedOut, got %v", err)
	}
	got, _ := f.store.GetBatch(b.ID)
	if got.NumRejections != 0 {
		t.Fatalf("timed out batch should not count rejections, got %d", got.NumRejections)
	}
}

func TestCancelBatch(t *testing.T) {
	f := newFixture(t, 2)
	b := f.createBatch(t)

	if err := f.engine.CancelBatch(b.ID, "helper0"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-requestor cancel: expected ErrForbidden, got %v", err)
	}
	if err := f.engine.CancelBatch(b.ID, "boater"); err != nil {
		t.Fatal(err)
	}
	// idempotent
	if err := f.engine.CancelBatch(b.ID, "boater"); err != nil {
		t.Fatalf("repeat cancel should be a no-op, got %v", err)
	}

	for _, r := range f.requests(t, b.ID) {
		if r.Status != models.RequestCancelled {
			t.Fatalf("child request not cancelled: %s", r.Status)
		}
	}
	a, _ := f.store.GetActor("boater")
	if a.ActiveBatchID != "" {
		t.Fatal("active batch ref should clear on cancel")
	}

	req := f.requests(t, b.ID)[0]
	if _, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("accept of cancelled request: expected ErrAlreadyResolved, got %v", err)
	}
}

func TestCancelAfterAcceptRefuses(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]
	if _, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.CancelBatch(b.ID, "boater"); !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("expected ErrAlreadyAccepted, got %v", err)
	}
}

func TestCancelAcceptRaceIsConsistent(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, 1)
		b := f.createBatch(t)
		req := f.requests(t, b.ID)[0]

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		var outcome *models.RespondOutcome
		wg.Add(2)
		go func() {
			defer wg.Done()
			outcome, acceptErr = f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept)
		}()
		go func() {
			defer wg.Done()
			cancelErr = f.engine.CancelBatch(b.ID, "boater")
		}()
		wg.Wait()

		got, _ := f.store.GetBatch(b.ID)
		switch got.Status {
		case models.BatchAccepted:
			if acceptErr != nil {
				t.Fatalf("accepted batch but accept failed: %v", acceptErr)
			}
			if !errors.Is(cancelErr, ErrAlreadyAccepted) {
				t.Fatalf("cancel loser should see ErrAlreadyAccepted, got %v", cancelErr)
			}
			if _, err := f.store.GetEvent(outcome.EventID); err != nil {
				t.Fatalf("winner's event missing: %v", err)
			}
		case models.BatchCancelled:
			if cancelErr != nil {
				t.Fatalf("cancelled batch but cancel failed: %v", cancelErr)
			}
			if acceptErr == nil {
				t.Fatal("both accept and cancel claimed the batch")
			}
		default:
			t.Fatalf("race left batch in %s", got.Status)
		}
	}
}

func TestEventLifecycle(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]
	out, err := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept)
	if err != nil {
		t.Fatal(err)
	}

	// complete is only valid once payment moved the event in progress
	if err := f.engine.ActOnEvent(out.EventID, "boater", ActionComplete); !errors.Is(err, ErrEventOver) {
		t.Fatalf("complete before payment: expected ErrEventOver, got %v", err)
	}

	if err := f.engine.ApplyPayment(out.EventID, 12500); err != nil {
		t.Fatal(err)
	}
	// re-applying overwrites the amount and stays in progress
	if err := f.engine.ApplyPayment(out.EventID, 15000); err != nil {
		t.Fatal(err)
	}
	ev, _ := f.store.GetEvent(out.EventID)
	if ev.Status != models.EventInProgress || ev.AmountPaid != 15000 {
		t.Fatalf("payment not applied: %s/%d", ev.Status, ev.AmountPaid)
	}

	if err := f.engine.ActOnEvent(out.EventID, "nobody", ActionComplete); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider act: expected ErrForbidden, got %v", err)
	}
	if err := f.engine.ActOnEvent(out.EventID, "boater", ActionComplete); err != nil {
		t.Fatal(err)
	}

	ev, _ = f.store.GetEvent(out.EventID)
	if ev.Status != models.EventCompleted || ev.CompletedTime == nil {
		t.Fatalf("expected completed, got %s", ev.Status)
	}
	requestor, _ := f.store.GetActor("boater")
	requestee, _ := f.store.GetActor(req.RequesteeID)
	if requestor.ReceivingEventID != "" || requestee.ServingEventID != "" {
		t.Fatal("back references should clear on completion")
	}

	// terminal: repeat completes and cancels refuse
	if err := f.engine.ActOnEvent(out.EventID, "boater", ActionComplete); !errors.Is(err, ErrEventOver) {
		t.Fatalf("repeat complete: expected ErrEventOver, got %v", err)
	}
	if err := f.engine.ActOnEvent(out.EventID, "boater", ActionCancel); !errors.Is(err, ErrEventOver) {
		t.Fatalf("cancel after complete: expected ErrEventOver, got %v", err)
	}
}

func TestEventCancelFromWaitingForPayment(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]
	out, _ := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept)

	if err := f.engine.ActOnEvent(out.EventID, req.RequesteeID, ActionCancel); err != nil {
		t.Fatal(err)
	}
	ev, _ := f.store.GetEvent(out.EventID)
	if ev.Status != models.EventCancelled {
		t.Fatalf("expected cancelled, got %s", ev.Status)
	}
	requestee, _ := f.store.GetActor(req.RequesteeID)
	if requestee.ServingEventID != "" {
		t.Fatal("serving ref should clear on cancel")
	}
}

func TestEventTimeoutIsLazyAndMonotone(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	req := f.requests(t, b.ID)[0]
	out, _ := f.engine.RespondToRequest(req.ID, req.RequesteeID, ActionAccept)

	f.clock.Advance(DefaultEventTimeout + time.Minute)
	view, err := f.engine.GetEventStatus(out.EventID, "boater")
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != "timed_out" {
		t.Fatalf("expected timed_out, got %s", view.Status)
	}
	f.clock.Advance(24 * time.Hour)
	view, _ = f.engine.GetEventStatus(out.EventID, "boater")
	if view.Status != "timed_out" {
		t.Fatalf("terminal status reverted to %s", view.Status)
	}
	if err := f.engine.ApplyPayment(out.EventID, 100); !errors.Is(err, ErrEventOver) {
		t.Fatalf("payment after timeout: expected ErrEventOver, got %v", err)
	}
}

func TestSweeperSettlesExpiredEntities(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)

	f.clock.Advance(DefaultBatchTimeout + time.Second)
	f.engine.SweepOnce()

	got, _ := f.store.GetBatch(b.ID)
	if got.Status != models.BatchTimedOut {
		t.Fatalf("sweeper should settle expired batch, got %s", got.Status)
	}
	for _, r := range f.requests(t, b.ID) {
		if r.Status != models.RequestTimedOut {
			t.Fatalf("sweeper should time out open requests, got %s", r.Status)
		}
	}

	active, _ := f.store.ActiveBatches()
	if len(active) != 0 {
		t.Fatalf("expected no active batches after sweep, got %d", len(active))
	}
}

func TestGetBatchStatusForbiddenForOutsider(t *testing.T) {
	f := newFixture(t, 1)
	b := f.createBatch(t)
	if _, err := f.engine.GetBatchStatus(b.ID, "helper0"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.engine.GetBatchStatus("missing", "boater"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
