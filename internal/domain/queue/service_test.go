package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/platform/websocket"
)

// mockRepo is an in-memory Repository with the same concurrency contract as
// the Postgres implementation: serial assignment is serialized per
// (doctor, date) and status updates are check-and-set.
type mockRepo struct {
	mu      sync.Mutex
	appts   map[uuid.UUID]*Appointment
	serials map[string]int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		appts:   make(map[uuid.UUID]*Appointment),
		serials: make(map[string]int),
	}
}

func serialKey(doctorID uuid.UUID, date time.Time) string {
	return doctorID.String() + "|" + date.Format("2006-01-02")
}

func (r *mockRepo) CreateWithSerial(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := serialKey(a.DoctorID, a.AppointmentDate)
	r.serials[key]++
	a.SerialNumber = r.serials[key]
	a.ID = uuid.New()
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = a.CreatedAt

	copied := *a
	r.appts[a.ID] = &copied
	return nil
}

func (r *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	copied := *a
	return &copied, nil
}

func (r *mockRepo) ListByDoctorAndDate(_ context.Context, doctorID uuid.UUID, date time.Time) ([]*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID && a.AppointmentDate.Equal(date) {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *mockRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, len(out), nil
}

func (r *mockRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *mockRepo) ClaimConsultation(_ context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appts[id]
	if !ok || a.Status != StatusWaiting {
		return false, nil
	}
	for _, other := range r.appts {
		if other.DoctorID == doctorID && other.AppointmentDate.Equal(date) && other.Status == StatusInProgress {
			return false, nil
		}
	}
	a.Status = StatusInProgress
	a.UpdatedAt = time.Now().UTC()
	return true, nil
}

// mockPublisher records every event it receives.
type mockPublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (p *mockPublisher) Publish(_ context.Context, event websocket.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *mockPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type mockDirectory struct{}

func (mockDirectory) Snapshot(_ context.Context, _ uuid.UUID) (*PatientSnapshot, error) {
	age := 42
	return &PatientSnapshot{Name: "Asha Rao", Age: &age}, nil
}

func newTestService() (*Service, *mockRepo, *mockPublisher) {
	repo := newMockRepo()
	pub := &mockPublisher{}
	svc := NewService(repo, mockDirectory{})
	svc.SetPublisher(pub)
	return svc, repo, pub
}

func mustBook(t *testing.T, svc *Service, doctorID uuid.UUID, bookingType string) *Appointment {
	t.Helper()
	a, err := svc.Book(context.Background(), BookingRequest{
		PatientID:   uuid.New(),
		DoctorID:    doctorID,
		BookingType: bookingType,
	})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	return a
}

func TestBookWalkInStartsWaiting(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingWalkIn)

	if a.Status != StatusWaiting {
		t.Errorf("walk-in status = %s, want %s", a.Status, StatusWaiting)
	}
	if a.SerialNumber != 1 {
		t.Errorf("serial = %d, want 1", a.SerialNumber)
	}
	if a.PatientName != "Asha Rao" {
		t.Errorf("patient snapshot not applied: %q", a.PatientName)
	}
}

func TestBookPhoneStartsBooked(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingPhone)

	if a.Status != StatusBooked {
		t.Errorf("phone booking status = %s, want %s", a.Status, StatusBooked)
	}
}

func TestBookSequentialSerials(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()

	for want := 1; want <= 3; want++ {
		a := mustBook(t, svc, doctorID, BookingWalkIn)
		if a.SerialNumber != want {
			t.Errorf("booking %d got serial %d", want, a.SerialNumber)
		}
	}

	// A different doctor's counter is independent.
	other := mustBook(t, svc, uuid.New(), BookingWalkIn)
	if other.SerialNumber != 1 {
		t.Errorf("other doctor serial = %d, want 1", other.SerialNumber)
	}
}

func TestBookConcurrentSerialsUnique(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()

	const n = 50
	results := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.Book(context.Background(), BookingRequest{
				PatientID: uuid.New(),
				DoctorID:  doctorID,
			})
			if err != nil {
				t.Errorf("concurrent Book failed: %v", err)
				return
			}
			results <- a.SerialNumber
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for serial := range results {
		if seen[serial] {
			t.Fatalf("duplicate serial %d", serial)
		}
		seen[serial] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique serials, got %d", n, len(seen))
	}
	for s := 1; s <= n; s++ {
		if !seen[s] {
			t.Errorf("serial %d was skipped", s)
		}
	}
}

func TestBookValidation(t *testing.T) {
	svc, _, pub := newTestService()

	cases := []BookingRequest{
		{DoctorID: uuid.New()},                                             // missing patient
		{PatientID: uuid.New()},                                            // missing doctor
		{PatientID: uuid.New(), DoctorID: uuid.New(), BookingType: "fax"},  // bad booking type
		{PatientID: uuid.New(), DoctorID: uuid.New(), FeeType: "discount"}, // bad fee type
	}
	for i, req := range cases {
		if _, err := svc.Book(context.Background(), req); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
	if pub.count() != 0 {
		t.Errorf("rejected bookings emitted %d events", pub.count())
	}
}

func TestTransitionFullCycle(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingPhone)

	for _, target := range []string{StatusWaiting, StatusInProgress, StatusCompleted} {
		updated, err := svc.Transition(context.Background(), a.ID, target)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("status = %s, want %s", updated.Status, target)
		}
	}
}

func TestTransitionRejectsSkip(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingPhone) // booked

	_, err := svc.Transition(context.Background(), a.ID, StatusInProgress)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("booked -> in_progress error = %v, want ErrInvalidTransition", err)
	}
	_, err = svc.Transition(context.Background(), a.ID, StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("booked -> completed error = %v, want ErrInvalidTransition", err)
	}
}

func TestTransitionConfirmArrivalRequiresToday(t *testing.T) {
	svc, _, pub := newTestService()
	yesterday := time.Now().UTC().AddDate(0, 0, -1)

	a, err := svc.Book(context.Background(), BookingRequest{
		PatientID:       uuid.New(),
		DoctorID:        uuid.New(),
		BookingType:     BookingPhone,
		AppointmentDate: yesterday,
	})
	if err != nil {
		t.Fatalf("Book failed: %v", err)
	}
	events := pub.count()

	_, err = svc.Transition(context.Background(), a.ID, StatusWaiting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("confirming a past-dated booking: error = %v, want ErrInvalidTransition", err)
	}
	if pub.count() != events {
		t.Error("rejected confirmation emitted an event")
	}

	// Cancellation of a stale booking is still allowed.
	if _, err := svc.Cancel(context.Background(), a.ID); err != nil {
		t.Errorf("cancelling a past-dated booking failed: %v", err)
	}
}

func TestTransitionTerminalImmutable(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingWalkIn)

	if _, err := svc.Cancel(context.Background(), a.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	for _, target := range []string{StatusWaiting, StatusInProgress, StatusCompleted, StatusCancelled} {
		if _, err := svc.Transition(context.Background(), a.ID, target); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancelled -> %s error = %v, want ErrInvalidTransition", target, err)
		}
	}
}

func TestTransitionSingleInProgress(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()
	first := mustBook(t, svc, doctorID, BookingWalkIn)
	second := mustBook(t, svc, doctorID, BookingWalkIn)

	if _, err := svc.Transition(context.Background(), first.ID, StatusInProgress); err != nil {
		t.Fatalf("first call-in failed: %v", err)
	}

	_, err := svc.Transition(context.Background(), second.ID, StatusInProgress)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second call-in error = %v, want ErrInvalidTransition", err)
	}

	// Completing the first frees the room for the second.
	if _, err := svc.Transition(context.Background(), first.ID, StatusCompleted); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if _, err := svc.Transition(context.Background(), second.ID, StatusInProgress); err != nil {
		t.Fatalf("call-in after completion failed: %v", err)
	}
}

func TestTransitionRaceOneWinner(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()
	a := mustBook(t, svc, doctorID, BookingWalkIn)
	b := mustBook(t, svc, doctorID, BookingWalkIn)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.Transition(context.Background(), id, StatusInProgress)
		}(i, id)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", successes)
	}
}

func TestTransitionHoldKeepsSerial(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()
	a := mustBook(t, svc, doctorID, BookingWalkIn)
	mustBook(t, svc, doctorID, BookingWalkIn)

	if _, err := svc.Transition(context.Background(), a.ID, StatusInProgress); err != nil {
		t.Fatalf("call-in failed: %v", err)
	}
	held, err := svc.Transition(context.Background(), a.ID, StatusWaiting)
	if err != nil {
		t.Fatalf("hold failed: %v", err)
	}
	if held.SerialNumber != a.SerialNumber {
		t.Errorf("hold changed serial: %d -> %d", a.SerialNumber, held.SerialNumber)
	}

	// Held patient rejoins the waiting list at its serial position.
	_, projection, err := svc.TodayQueue(context.Background(), doctorID)
	if err != nil {
		t.Fatalf("TodayQueue failed: %v", err)
	}
	if projection.Current != nil {
		t.Error("expected no current after hold")
	}
	if len(projection.Waiting) != 2 || projection.Waiting[0].ID != a.ID {
		t.Errorf("held appointment should lead the waiting list")
	}
}

func TestTransitionNotFound(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Transition(context.Background(), uuid.New(), StatusWaiting)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestTransitionInvalidStatus(t *testing.T) {
	svc, _, _ := newTestService()
	a := mustBook(t, svc, uuid.New(), BookingWalkIn)
	if _, err := svc.Transition(context.Background(), a.ID, "done"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestEventEmission(t *testing.T) {
	svc, _, pub := newTestService()
	doctorID := uuid.New()

	a := mustBook(t, svc, doctorID, BookingWalkIn)
	if pub.count() != 1 {
		t.Fatalf("after booking: %d events, want 1", pub.count())
	}
	if pub.events[0].Type != websocket.EventNewAppointment {
		t.Errorf("event type = %s, want %s", pub.events[0].Type, websocket.EventNewAppointment)
	}
	if pub.events[0].DoctorID != doctorID.String() {
		t.Errorf("event doctor = %s, want %s", pub.events[0].DoctorID, doctorID)
	}

	if _, err := svc.Transition(context.Background(), a.ID, StatusInProgress); err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if pub.count() != 2 {
		t.Fatalf("after transition: %d events, want 2", pub.count())
	}
	if pub.events[1].Type != websocket.EventStatusChanged {
		t.Errorf("event type = %s, want %s", pub.events[1].Type, websocket.EventStatusChanged)
	}
	if pub.events[1].AppointmentID != a.ID.String() {
		t.Errorf("event appointment = %s, want %s", pub.events[1].AppointmentID, a.ID)
	}

	// Rejected mutations emit nothing.
	if _, err := svc.Transition(context.Background(), a.ID, StatusBooked); err == nil {
		t.Fatal("expected rejected transition")
	}
	if pub.count() != 2 {
		t.Errorf("rejected transition emitted an event")
	}
}

func TestTodayQueueScenario(t *testing.T) {
	svc, _, _ := newTestService()
	doctorID := uuid.New()

	// Morning: three walk-ins, first one called in and completed.
	first := mustBook(t, svc, doctorID, BookingWalkIn)
	second := mustBook(t, svc, doctorID, BookingWalkIn)
	mustBook(t, svc, doctorID, BookingWalkIn)

	if _, err := svc.Transition(context.Background(), first.ID, StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Transition(context.Background(), first.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Transition(context.Background(), second.ID, StatusInProgress); err != nil {
		t.Fatal(err)
	}

	appointments, projection, err := svc.TodayQueue(context.Background(), doctorID)
	if err != nil {
		t.Fatal(err)
	}
	if len(appointments) != 3 {
		t.Errorf("appointment set size = %d, want 3", len(appointments))
	}
	if projection.Current == nil || projection.Current.ID != second.ID {
		t.Errorf("current should be serial 2")
	}
	if len(projection.Waiting) != 1 || projection.Waiting[0].SerialNumber != 3 {
		t.Errorf("waiting should hold only serial 3")
	}
}

func TestTodayQueueRequiresDoctor(t *testing.T) {
	svc, _, _ := newTestService()
	if _, _, err := svc.TodayQueue(context.Background(), uuid.Nil); err == nil {
		t.Error("expected error for missing doctor_id")
	}
}

func TestReconnectReconciliation(t *testing.T) {
	repo := newMockRepo()
	hub := websocket.NewHub(zerolog.Nop())
	svc := NewService(repo, mockDirectory{})
	svc.SetPublisher(hub)
	doctorID := uuid.New()

	viewer := &websocket.Client{ID: "viewer", Send: make(chan []byte, 8)}
	hub.Register(viewer)
	hub.Join(viewer, doctorID.String())

	a := mustBook(t, svc, doctorID, BookingWalkIn)
	select {
	case <-viewer.Send:
	default:
		t.Fatal("connected viewer missed the booking event")
	}

	// Viewer disconnects; two mutations happen while it is away.
	hub.Unregister(viewer)
	b := mustBook(t, svc, doctorID, BookingWalkIn)
	if _, err := svc.Transition(context.Background(), a.ID, StatusInProgress); err != nil {
		t.Fatal(err)
	}

	// Reconnect: re-register, re-join. Missed events are not replayed.
	rejoined := &websocket.Client{ID: "viewer", Send: make(chan []byte, 8)}
	hub.Register(rejoined)
	hub.Join(rejoined, doctorID.String())
	select {
	case <-rejoined.Send:
		t.Fatal("events missed during disconnection were replayed")
	default:
	}

	// The refetched projection matches the server state despite the gap.
	_, projection, err := svc.TodayQueue(context.Background(), doctorID)
	if err != nil {
		t.Fatal(err)
	}
	if projection.Current == nil || projection.Current.ID != a.ID {
		t.Error("current should be the appointment called in while disconnected")
	}
	if len(projection.Waiting) != 1 || projection.Waiting[0].ID != b.ID {
		t.Error("waiting list should hold the appointment booked while disconnected")
	}
}

func TestBookWithoutPublisher(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, mockDirectory{})

	if _, err := svc.Book(context.Background(), BookingRequest{
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
	}); err != nil {
		t.Fatalf("booking without publisher failed: %v", err)
	}
}
