package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"photoline/internal/models"
	"photoline/internal/store"
	"photoline/internal/store/sqlite"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "photoline.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(st.Close)
	return NewEngine(st, Options{RetryInterval: time.Millisecond}), st
}

func signUp(t *testing.T, engine *Engine, phoneNumber string) models.Ticket {
	t.Helper()
	ticket, err := engine.CreateTicket(context.Background(), CreateTicketInput{
		ParentName:  "Pat Parent",
		ChildName:   "Kim Child",
		Educator:    "Ms. Frizzle",
		PhoneNumber: phoneNumber,
	})
	if err != nil {
		t.Fatalf("create ticket for %s: %v", phoneNumber, err)
	}
	return ticket
}

func phoneFor(i int) string {
	return fmt.Sprintf("555-010-%04d", i)
}

func TestEndToEndFlow(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)

	first := signUp(t, engine, "555-555-1212")
	if first.TicketNumber != 1 || first.Status != models.StatusWaiting {
		t.Fatalf("unexpected first ticket: %+v", first)
	}
	if first.PhoneNumber != "+15555551212" {
		t.Fatalf("expected normalized phone, got %s", first.PhoneNumber)
	}
	if first.EstimatedMinutesAtSignup != 0 {
		t.Fatalf("expected no wait for the first family, got %d", first.EstimatedMinutesAtSignup)
	}

	second := signUp(t, engine, "555-555-3434")
	if second.TicketNumber != 2 {
		t.Fatalf("expected ticket 2, got %d", second.TicketNumber)
	}

	current, err := engine.AdvanceQueue(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if current != 1 {
		t.Fatalf("expected current 1, got %d", current)
	}
	settings, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if settings.CurrentServingTicket != 1 || settings.LastTicketNumber != 2 {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	assertStatus(t, engine, 1, models.StatusCurrent)

	photographed, err := engine.MarkPhotographed(ctx, 1)
	if err != nil {
		t.Fatalf("mark photographed: %v", err)
	}
	if photographed.Status != models.StatusCompleted || photographed.CompletedAt == nil {
		t.Fatalf("unexpected photographed ticket: %+v", photographed)
	}

	delivered, err := engine.RecordDelivery(ctx, 1, []string{"https://x/1.jpg"})
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	if delivered.Status != models.StatusPhotosUploaded {
		t.Fatalf("expected photos_uploaded, got %s", delivered.Status)
	}
	if len(delivered.PhotoURLs) != 1 || delivered.PhotoURLs[0] != "https://x/1.jpg" {
		t.Fatalf("unexpected photo urls: %v", delivered.PhotoURLs)
	}

	events, err := st.ListEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, event := range events {
		types = append(types, event.Type)
	}
	want := []string{
		store.EventTicketCreated,
		store.EventTicketCreated,
		store.EventQueueAdvanced,
		store.EventTicketPhotographed,
		store.EventTicketDelivered,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
}

func TestEstimateUsesServingPointer(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	for i := 1; i <= 3; i++ {
		signUp(t, engine, phoneFor(i))
	}
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	ticket := signUp(t, engine, phoneFor(4))
	// Ticket 3 is still ahead of ticket 4 while 2 is being photographed.
	if ticket.EstimatedMinutesAtSignup != MinutesPerTicket {
		t.Fatalf("expected estimate %d, got %d", MinutesPerTicket, ticket.EstimatedMinutesAtSignup)
	}
}

func TestEstimateCountsFamiliesAhead(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	for i := 1; i <= 5; i++ {
		signUp(t, engine, phoneFor(i))
	}
	for i := 0; i < 3; i++ {
		if _, err := engine.AdvanceQueue(ctx); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	// Serving 3; tickets 4 and 5 are ahead of 6.
	ticket := signUp(t, engine, phoneFor(6))
	if want := 2 * MinutesPerTicket; ticket.EstimatedMinutesAtSignup != want {
		t.Fatalf("expected estimate %d, got %d", want, ticket.EstimatedMinutesAtSignup)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	engine, _ := newTestEngine(t)

	tests := []struct {
		name  string
		input CreateTicketInput
		field string
	}{
		{"missing parent", CreateTicketInput{ChildName: "c", Educator: "e", PhoneNumber: "5555551212"}, "parent_name"},
		{"blank child", CreateTicketInput{ParentName: "p", ChildName: "  ", Educator: "e", PhoneNumber: "5555551212"}, "child_name"},
		{"missing educator", CreateTicketInput{ParentName: "p", ChildName: "c", PhoneNumber: "5555551212"}, "educator"},
		{"bad phone", CreateTicketInput{ParentName: "p", ChildName: "c", Educator: "e", PhoneNumber: "12345"}, "phone_number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.CreateTicket(context.Background(), tt.input)
			var validation *ValidationError
			if !errors.As(err, &validation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validation.Field != tt.field {
				t.Fatalf("expected field %s, got %s", tt.field, validation.Field)
			}
		})
	}

	snapshot, err := engine.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snapshot.LastTicketNumber != 0 {
		t.Fatalf("rejected sign-ups must not issue numbers, got %d", snapshot.LastTicketNumber)
	}
}

func TestConcurrentCreateTicketIsDense(t *testing.T) {
	engine, _ := newTestEngine(t)

	const callers = 20
	var wg sync.WaitGroup
	results := make(chan int64, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ticket, err := engine.CreateTicket(context.Background(), CreateTicketInput{
				ParentName:  "Parent",
				ChildName:   "Child",
				Educator:    "Educator",
				PhoneNumber: phoneFor(i),
			})
			if err != nil {
				t.Errorf("create ticket %d: %v", i, err)
				return
			}
			results <- ticket.TicketNumber
		}(i)
	}
	wg.Wait()
	close(results)

	var numbers []int64
	for n := range results {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if len(numbers) != callers {
		t.Fatalf("expected %d tickets, got %d", callers, len(numbers))
	}
	for i, n := range numbers {
		if n != int64(i+1) {
			t.Fatalf("expected dense numbers 1..%d, got %v", callers, numbers)
		}
	}
}

func TestConcurrentSamePhoneYieldsOneTicket(t *testing.T) {
	engine, _ := newTestEngine(t)

	const callers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, duplicates int
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.CreateTicket(context.Background(), CreateTicketInput{
				ParentName:  "Parent",
				ChildName:   "Child",
				Educator:    "Educator",
				PhoneNumber: "(555) 555-1212",
			})
			mu.Lock()
			defer mu.Unlock()
			var dup *DuplicateActiveTicketError
			switch {
			case err == nil:
				created++
			case errors.As(err, &dup):
				if dup.TicketNumber != 1 {
					t.Errorf("expected duplicate of ticket 1, got %d", dup.TicketNumber)
				}
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || duplicates != callers-1 {
		t.Fatalf("expected 1 ticket and %d duplicates, got %d and %d", callers-1, created, duplicates)
	}
}

func TestDuplicatePhoneRules(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	signUp(t, engine, "555-555-1212")

	_, err := engine.CreateTicket(ctx, CreateTicketInput{
		ParentName: "Parent", ChildName: "Child", Educator: "Educator", PhoneNumber: "+1 555 555 1212",
	})
	var dup *DuplicateActiveTicketError
	if !errors.As(err, &dup) || dup.TicketNumber != 1 {
		t.Fatalf("expected duplicate of ticket 1, got %v", err)
	}

	// Being served does not free the phone yet.
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := engine.CreateTicket(ctx, CreateTicketInput{
		ParentName: "Parent", ChildName: "Child", Educator: "Educator", PhoneNumber: "5555551212",
	}); !errors.As(err, &dup) {
		t.Fatalf("expected duplicate while ticket 1 is current, got %v", err)
	}

	signUp(t, engine, phoneFor(1))
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	again := signUp(t, engine, "555-555-1212")
	if again.TicketNumber != 3 {
		t.Fatalf("expected ticket 3 once served past, got %d", again.TicketNumber)
	}

	if _, err := engine.RecordDelivery(ctx, 3, []string{"https://x/3.jpg"}); err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	last := signUp(t, engine, "555-555-1212")
	if last.TicketNumber != 4 {
		t.Fatalf("expected ticket 4 once photos delivered, got %d", last.TicketNumber)
	}
}

func TestAdvanceQueueWarmup(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)

	for i := 1; i <= 7; i++ {
		signUp(t, engine, phoneFor(i))
	}

	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	assertStatus(t, engine, 1, models.StatusCurrent)
	assertStatus(t, engine, 6, models.StatusNotificationSent)
	for _, n := range []int64{2, 3, 4, 5, 7} {
		assertStatus(t, engine, n, models.StatusWaiting)
	}

	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	assertStatus(t, engine, 2, models.StatusCurrent)
	assertStatus(t, engine, 7, models.StatusNotificationSent)

	// No ticket 8 exists: the advance still succeeds and touches nothing else.
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	assertStatus(t, engine, 3, models.StatusCurrent)
	assertStatus(t, engine, 4, models.StatusWaiting)
	assertStatus(t, engine, 5, models.StatusWaiting)

	events, err := st.ListEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != store.EventQueueAdvanced || last.TicketNumber != 3 {
		t.Fatalf("unexpected last event: %+v", last)
	}
}

func TestAdvanceQueueEmptyLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)

	if _, err := engine.AdvanceQueue(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty on fresh line, got %v", err)
	}

	signUp(t, engine, phoneFor(1))
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	before, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	eventsBefore, err := st.ListEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	if _, err := engine.AdvanceQueue(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}

	after, err := st.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if before.CurrentServingTicket != after.CurrentServingTicket || before.LastTicketNumber != after.LastTicketNumber {
		t.Fatalf("settings changed: %+v -> %+v", before, after)
	}
	eventsAfter, err := st.ListEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(eventsAfter) != len(eventsBefore) {
		t.Fatalf("empty advance appended events")
	}
	assertStatus(t, engine, 1, models.StatusCurrent)
}

func TestRecordDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, st := newTestEngine(t)
	signUp(t, engine, phoneFor(1))

	first, err := engine.RecordDelivery(ctx, 1, []string{"https://x/a.jpg", "https://x/b.jpg"})
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	second, err := engine.RecordDelivery(ctx, 1, []string{"https://x/b.jpg", " ", "https://x/c.jpg"})
	if err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	want := []string{"https://x/a.jpg", "https://x/b.jpg", "https://x/c.jpg"}
	if fmt.Sprint(second.PhotoURLs) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, second.PhotoURLs)
	}
	if second.DeliveredAt == nil || !second.DeliveredAt.Equal(*first.DeliveredAt) {
		t.Fatalf("delivered_at must keep its first stamp")
	}

	events, err := st.ListEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	delivered := 0
	for _, event := range events {
		if event.Type == store.EventTicketDelivered {
			delivered++
		}
	}
	if delivered != 1 {
		t.Fatalf("expected one delivery event, got %d", delivered)
	}
}

func TestRecordDeliveryErrors(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	var validation *ValidationError
	if _, err := engine.RecordDelivery(ctx, 1, []string{" ", ""}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := engine.RecordDelivery(ctx, 9, []string{"https://x/9.jpg"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := engine.MarkPhotographed(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := engine.GetTicket(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetTicketStatus(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)
	signUp(t, engine, phoneFor(1))

	var validation *ValidationError
	if _, err := engine.SetTicketStatus(ctx, 1, "current"); !errors.As(err, &validation) {
		t.Fatalf("expected current to be rejected, got %v", err)
	}
	if _, err := engine.SetTicketStatus(ctx, 1, "bogus"); !errors.As(err, &validation) {
		t.Fatalf("expected unknown status to be rejected, got %v", err)
	}

	ticket, err := engine.SetTicketStatus(ctx, 1, "completed")
	if err != nil {
		t.Fatalf("set completed: %v", err)
	}
	if ticket.Status != models.StatusCompleted || ticket.CompletedAt == nil {
		t.Fatalf("unexpected ticket: %+v", ticket)
	}
	if _, err := engine.SetTicketStatus(ctx, 1, "notification_sent"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	ticket, err = engine.SetTicketStatus(ctx, 1, "waiting")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ticket.Status != models.StatusWaiting {
		t.Fatalf("expected waiting, got %s", ticket.Status)
	}
	settings, err := engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if settings.CurrentServingTicket != 0 || settings.LastTicketNumber != 1 {
		t.Fatalf("manual corrections must not move counters: %+v", settings)
	}
}

func TestStatusAndPendingUploads(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	for i := 1; i <= 4; i++ {
		signUp(t, engine, phoneFor(i))
	}
	if _, err := engine.AdvanceQueue(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := engine.RecordDelivery(ctx, 2, []string{"https://x/2.jpg"}); err != nil {
		t.Fatalf("record delivery: %v", err)
	}

	snapshot, err := engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snapshot.CurrentServingTicket != 1 || snapshot.WaitingCount != 3 || snapshot.EstimatedWaitMinutes != 9 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	pending, err := engine.ListPendingUploads(ctx)
	if err != nil {
		t.Fatalf("pending uploads: %v", err)
	}
	var numbers []int64
	for _, ticket := range pending {
		numbers = append(numbers, ticket.TicketNumber)
	}
	if fmt.Sprint(numbers) != "[1 3 4]" {
		t.Fatalf("expected pending [1 3 4], got %v", numbers)
	}
}

type conflictingStore struct {
	store.QueueStore
	conflicts int
	calls     int
}

func (s *conflictingStore) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.calls++
	if s.calls <= s.conflicts {
		return fmt.Errorf("simulated: %w", store.ErrConflict)
	}
	return s.QueueStore.RunInTx(ctx, fn)
}

func TestRetryOnConflict(t *testing.T) {
	ctx := context.Background()
	_, st := newTestEngine(t)

	flaky := &conflictingStore{QueueStore: st, conflicts: 2}
	engine := NewEngine(flaky, Options{MaxAttempts: 5, RetryInterval: time.Millisecond})
	ticket := signUp(t, engine, phoneFor(1))
	if ticket.TicketNumber != 1 {
		t.Fatalf("expected ticket 1, got %d", ticket.TicketNumber)
	}
	if flaky.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", flaky.calls)
	}

	stuck := &conflictingStore{QueueStore: st, conflicts: 100}
	engine = NewEngine(stuck, Options{MaxAttempts: 3, RetryInterval: time.Millisecond})
	if _, err := engine.AdvanceQueue(ctx); !errors.Is(err, ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}
	if stuck.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", stuck.calls)
	}
}

func TestBusinessErrorsAreNotRetried(t *testing.T) {
	_, st := newTestEngine(t)
	counting := &conflictingStore{QueueStore: st}
	engine := NewEngine(counting, Options{MaxAttempts: 5, RetryInterval: time.Millisecond})

	if _, err := engine.AdvanceQueue(context.Background()); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
	if counting.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", counting.calls)
	}
}

func assertStatus(t *testing.T, engine *Engine, ticketNumber int64, want models.Status) {
	t.Helper()
	ticket, err := engine.GetTicket(context.Background(), ticketNumber)
	if err != nil {
		t.Fatalf("get ticket %d: %v", ticketNumber, err)
	}
	if ticket.Status != want {
		t.Fatalf("ticket %d: expected %s, got %s", ticketNumber, want, ticket.Status)
	}
}
