package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/internal/domain/policy"
	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
	"github.com/hms/opd/internal/platform/notify"
)

var (
	doctorID = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	branchID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	// 2025-03-01 is a Saturday; the doctor sits on Mondays.
	fixedNow   = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	monday     = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	nextMonday = monday.AddDate(0, 0, 7)
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	svc       *Service
	store     *memStore
	cal       *stubCalendar
	policies  *policy.Registry
	pub       *recordingPublisher
	logs      *bytes.Buffer
	patient   auth.Actor
	admin     auth.Actor
	reception auth.Actor
	doctor    auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	cal := &stubCalendar{defs: []*calendar.Definition{{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		BranchID:    branchID,
		DayOfWeek:   time.Monday,
		Start:       calendar.NewClock(9, 0),
		End:         calendar.NewClock(12, 0),
		SlotMinutes: 15,
		Capacity:    12,
		Active:      true,
	}}}
	policies := policy.NewRegistry(policy.Defaults())
	pub := &recordingPublisher{}
	logs := &bytes.Buffer{}
	logger := zerolog.New(zerolog.SyncWriter(logs))
	svc := NewService(memBookings{store}, memEvents{store}, memCredits{store}, cal, policies, store, logger).
		WithPublisher(pub).
		WithLocation(time.UTC)
	svc.now = func() time.Time { return fixedNow }

	return &fixture{
		svc:       svc,
		store:     store,
		cal:       cal,
		policies:  policies,
		pub:       pub,
		logs:      logs,
		patient:   auth.Actor{ID: uuid.New(), Role: auth.RolePatient},
		admin:     auth.Actor{ID: uuid.New(), Role: auth.RoleBranchAdmin},
		reception: auth.Actor{ID: uuid.New(), Role: auth.RoleReceptionist},
		doctor:    auth.Actor{ID: doctorID, Role: auth.RoleDoctor},
	}
}

func (f *fixture) book(t *testing.T, date time.Time, slot int) *Booking {
	t.Helper()
	b, err := f.svc.Book(context.Background(), BookRequest{
		PatientID:  f.patient.ID,
		DoctorID:   doctorID,
		BranchID:   branchID,
		Date:       date,
		SlotNumber: slot,
		Type:       TypeNew,
	}, f.patient)
	require.NoError(t, err)
	return b
}

func (f *fixture) reschedule(id uuid.UUID, date time.Time, slot int, actor auth.Actor) (*Booking, error) {
	return f.svc.Reschedule(context.Background(), id, RescheduleRequest{Date: date, SlotNumber: slot}, actor)
}

func (f *fixture) events(t *testing.T, id uuid.UUID) []*Event {
	t.Helper()
	events, err := f.svc.Events(context.Background(), id)
	require.NoError(t, err)
	return events
}

func hasDenied(events []*Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind && e.Outcome == OutcomeDenied {
			return true
		}
	}
	return false
}

// -- Booking --

func TestBook_SlotTakenScenario(t *testing.T) {
	f := newFixture(t)
	day, err := f.cal.Day(context.Background(), doctorID, branchID, monday)
	require.NoError(t, err)
	require.Len(t, day.Slots, 12)

	b := f.book(t, monday, 5)
	assert.Equal(t, StatusPendingPayment, b.Status)
	assert.Equal(t, calendar.NewClock(10, 0), b.Start)
	assert.Equal(t, b.ID, b.RootBookingID)
	assert.Equal(t, *day.ScheduleID, b.ScheduleID)

	other := auth.Actor{ID: uuid.New(), Role: auth.RolePatient}
	_, err = f.svc.Book(context.Background(), BookRequest{
		PatientID: other.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 5, Type: TypeNew,
	}, other)
	assert.ErrorIs(t, err, ErrSlotTaken)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	assert.Contains(t, f.pub.types(), notify.BookingCreated)
}

func TestBook_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := func(date time.Time, slot int) BookRequest {
		return BookRequest{PatientID: f.patient.ID, DoctorID: doctorID, BranchID: branchID, Date: date, SlotNumber: slot, Type: TypeNew}
	}

	_, err := f.svc.Book(ctx, req(monday, 13), f.patient)
	assert.ErrorIs(t, err, ErrSlotInvalid, "beyond capacity")

	_, err = f.svc.Book(ctx, req(monday.AddDate(0, 0, 1), 1), f.patient)
	assert.ErrorIs(t, err, ErrSlotInvalid, "no session on Tuesday")

	_, err = f.svc.Book(ctx, req(monday.AddDate(0, 0, -7), 1), f.patient)
	assert.ErrorIs(t, err, ErrPastCutoff)

	someoneElse := req(monday, 1)
	someoneElse.PatientID = uuid.New()
	_, err = f.svc.Book(ctx, someoneElse, f.patient)
	assert.ErrorIs(t, err, ErrNotOwner)

	bad := req(monday, 1)
	bad.Type = "vip"
	_, err = f.svc.Book(ctx, bad, f.patient)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestBook_MinAdvanceHours(t *testing.T) {
	f := newFixture(t)
	cfg := policy.Defaults()
	cfg.MinAdvanceBookingHours = 48
	require.NoError(t, f.policies.Set(branchID, cfg))

	// Monday 09:00 is 47 hours away, 10:00 exactly 48.
	_, err := f.svc.Book(context.Background(), BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 1, Type: TypeNew,
	}, f.patient)
	assert.ErrorIs(t, err, ErrPastCutoff)

	f.book(t, monday, 5)
}

func TestBook_StaffForPatient(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Book(context.Background(), BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 2, Type: TypeWalkIn,
	}, f.reception)
	require.NoError(t, err)
	assert.Equal(t, f.patient.ID, b.PatientID)
	assert.Equal(t, TypeWalkIn, b.Type)
}

func TestBook_DefaultsToNewConsultation(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.Book(context.Background(), BookRequest{
		DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 3,
	}, f.patient)
	require.NoError(t, err)
	assert.Equal(t, TypeNew, b.Type)
	assert.Equal(t, f.patient.ID, b.PatientID)
}

func TestBook_ConcurrentSameSlot(t *testing.T) {
	f := newFixture(t)
	const attempts = 25

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := auth.Actor{ID: uuid.New(), Role: auth.RolePatient}
			_, err := f.svc.Book(context.Background(), BookRequest{
				PatientID: p.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 7, Type: TypeOnline,
			}, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrSlotTaken):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, conflicts)
	taken, err := f.svc.TakenSlots(context.Background(), doctorID, branchID, monday)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{7: true}, taken)
}

func TestBook_SameSlotNumberAtTwoBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Morning at the fixture branch, afternoon across town.
	otherBranch := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	f.cal.add(&calendar.Definition{
		ID:          uuid.New(),
		DoctorID:    doctorID,
		BranchID:    otherBranch,
		DayOfWeek:   time.Monday,
		Start:       calendar.NewClock(15, 0),
		End:         calendar.NewClock(18, 0),
		SlotMinutes: 15,
		Capacity:    12,
		Active:      true,
	})

	morning := f.book(t, monday, 1)
	afternoon, err := f.svc.Book(ctx, BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: otherBranch, Date: monday, SlotNumber: 1, Type: TypeNew,
	}, f.patient)
	require.NoError(t, err)
	assert.Equal(t, calendar.NewClock(9, 0), morning.Start)
	assert.Equal(t, calendar.NewClock(15, 0), afternoon.Start)

	taken, err := f.svc.TakenSlots(ctx, doctorID, otherBranch, monday)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true}, taken)

	_, err = f.svc.Book(ctx, BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: otherBranch, Date: monday, SlotNumber: 1, Type: TypeNew,
	}, f.patient)
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestBook_DeniedIsLogged(t *testing.T) {
	f := newFixture(t)
	f.book(t, monday, 5)

	_, err := f.svc.Book(context.Background(), BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 5, Type: TypeNew,
	}, f.patient)
	require.ErrorIs(t, err, ErrSlotTaken)

	var denied map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(f.logs.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "booking denied" {
			denied = entry
		}
	}
	require.NotNil(t, denied, "expected a booking denied log line")
	assert.Equal(t, "warn", denied["level"])
	assert.Equal(t, "slot_taken", denied["reason"])
	assert.Equal(t, string(OutcomeDenied), denied["outcome"])
	assert.Equal(t, f.patient.ID.String(), denied["patient_id"])
	assert.Equal(t, branchID.String(), denied["branch_id"])
	assert.Equal(t, "2025-03-03", denied["date"])
	assert.EqualValues(t, 5, denied["slot"])
}

func TestMemStore_RejectsDanglingReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, monday, 2)

	missing := uuid.New()
	b.RescheduledToID = &missing
	assert.ErrorIs(t, memBookings{f.store}.Update(ctx, b), errDanglingRef)

	orphan := &Booking{DoctorID: doctorID, BranchID: branchID, AppointmentDate: nextMonday, SlotNumber: 2, OriginalBookingID: &missing}
	assert.ErrorIs(t, memBookings{f.store}.Create(ctx, orphan), errDanglingRef)

	credit := &Credit{PatientID: f.patient.ID, RootBookingID: b.RootBookingID, SourceBookingID: missing, Granted: 1, Remaining: 1}
	assert.ErrorIs(t, memCredits{f.store}.Create(ctx, credit), errDanglingRef)
}

// -- Reschedule --

func TestReschedule_PatientLimitScenario(t *testing.T) {
	f := newFixture(t)
	b1 := f.book(t, monday, 5)

	b2, err := f.reschedule(b1.ID, nextMonday, 1, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 1, b2.PatientRescheduleCount)
	assert.Equal(t, 0, b2.AdminGrantedRescheduleCount)
	require.NotNil(t, b2.OriginalBookingID)
	assert.Equal(t, b1.ID, *b2.OriginalBookingID)
	assert.Equal(t, b1.ID, b2.RootBookingID)
	assert.Equal(t, StatusPendingPayment, b2.Status)

	old, _ := f.svc.Get(context.Background(), b1.ID)
	assert.Equal(t, StatusRescheduled, old.Status)
	require.NotNil(t, old.RescheduledToID)
	assert.Equal(t, b2.ID, *old.RescheduledToID)

	_, err = f.reschedule(b2.ID, nextMonday, 2, f.patient)
	assert.ErrorIs(t, err, policy.ErrMaxReschedules)
	assert.True(t, apperr.IsKind(err, apperr.KindPolicyDenied))
	assert.True(t, hasDenied(f.events(t, b2.ID), EventRescheduled), "denied attempt must be logged")

	still, _ := f.svc.Get(context.Background(), b2.ID)
	assert.Equal(t, StatusPendingPayment, still.Status)
}

func TestReschedule_AdminCancelCreditScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b1 := f.book(t, monday, 5)

	cancelled, err := f.svc.Cancel(ctx, b1.ID, CancelRequest{Reason: "doctor unwell", OnBehalfOfDoctor: true}, f.admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.CancelledByAdminForDoctor)
	require.NotNil(t, cancelled.CancelledByRole)
	assert.Equal(t, auth.RoleBranchAdmin, *cancelled.CancelledByRole)

	credits, err := f.svc.Credits(ctx, f.patient.ID)
	require.NoError(t, err)
	require.Len(t, credits, 1)
	assert.Equal(t, 2, credits[0].Granted)
	assert.Equal(t, fixedNow.AddDate(0, 0, 30), credits[0].ExpiresAt)

	b2, err := f.reschedule(b1.ID, nextMonday, 2, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 0, b2.PatientRescheduleCount)
	assert.Equal(t, 1, b2.AdminGrantedRescheduleCount)

	old, _ := f.svc.Get(ctx, b1.ID)
	assert.Equal(t, StatusCancelled, old.Status, "admin-cancelled booking stays cancelled")
	_, err = f.reschedule(b1.ID, nextMonday, 3, f.patient)
	assert.ErrorIs(t, err, policy.ErrNotReschedulable, "only one reschedule out of the cancelled booking")

	b3, err := f.reschedule(b2.ID, nextMonday, 3, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 0, b3.PatientRescheduleCount, "credit is spent before the normal counter")
	assert.Equal(t, 2, b3.AdminGrantedRescheduleCount)

	b4, err := f.reschedule(b3.ID, nextMonday, 4, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 1, b4.PatientRescheduleCount)
	assert.Equal(t, 2, b4.AdminGrantedRescheduleCount)

	_, err = f.reschedule(b4.ID, nextMonday, 5, f.patient)
	assert.ErrorIs(t, err, policy.ErrMaxReschedules)
	assert.LessOrEqual(t, b4.PatientRescheduleCount+b4.AdminGrantedRescheduleCount,
		policy.MaxChainReschedules(policy.Defaults()))
}

func TestReschedule_StaffUsesNoAllowance(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, monday, 5)

	var err error
	for slot := 6; slot <= 8; slot++ {
		b, err = f.reschedule(b.ID, monday, slot, f.reception)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, b.PatientRescheduleCount)
	assert.Equal(t, 0, b.AdminGrantedRescheduleCount)

	b, err = f.reschedule(b.ID, nextMonday, 1, f.patient)
	require.NoError(t, err)
	assert.Equal(t, 1, b.PatientRescheduleCount)
}

func TestReschedule_SameSlotReleasesFirst(t *testing.T) {
	f := newFixture(t)
	b1 := f.book(t, monday, 5)
	b2, err := f.reschedule(b1.ID, monday, 5, f.reception)
	require.NoError(t, err)
	assert.Equal(t, 5, b2.SlotNumber)
}

func TestReschedule_RollsBackOnConflict(t *testing.T) {
	f := newFixture(t)
	b1 := f.book(t, monday, 5)
	other := auth.Actor{ID: uuid.New(), Role: auth.RolePatient}
	_, err := f.svc.Book(context.Background(), BookRequest{
		PatientID: other.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 6, Type: TypeNew,
	}, other)
	require.NoError(t, err)

	_, err = f.reschedule(b1.ID, monday, 6, f.patient)
	assert.ErrorIs(t, err, ErrSlotTaken)

	after, _ := f.svc.Get(context.Background(), b1.ID)
	assert.Equal(t, StatusPendingPayment, after.Status)
	assert.Nil(t, after.RescheduledToID)
	assert.True(t, hasDenied(f.events(t, b1.ID), EventRescheduled))

	_, err = f.reschedule(b1.ID, nextMonday, 1, f.patient)
	assert.NoError(t, err, "a failed attempt does not consume the allowance")
}

func TestReschedule_PaidBookingStaysConfirmed(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, monday, 5)
	_, err := f.svc.Confirm(context.Background(), b.ID, decimal.RequireFromString("750.5"), f.reception)
	require.NoError(t, err)

	nb, err := f.reschedule(b.ID, nextMonday, 1, f.patient)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, nb.Status)
	assert.Equal(t, PaymentPaid, nb.PaymentStatus)
	assert.Equal(t, "750.50", nb.PaymentAmount.StringFixed(2))
}

func TestReschedule_AdvanceWindow(t *testing.T) {
	f := newFixture(t)
	b := f.book(t, monday, 5)
	f.svc.now = func() time.Time { return monday.Add(-2 * time.Hour) }

	_, err := f.reschedule(b.ID, nextMonday, 1, f.patient)
	assert.ErrorIs(t, err, policy.ErrRescheduleWindowClosed)
}

// -- Cancel --

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b := f.book(t, monday, 5)
	got, err := f.svc.Cancel(ctx, b.ID, CancelRequest{Reason: "travel"}, f.patient)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.False(t, got.CancelledByAdminForDoctor)
	assert.Equal(t, "travel", *got.CancellationReason)

	_, err = f.svc.Cancel(ctx, b.ID, CancelRequest{}, f.reception)
	assert.ErrorIs(t, err, policy.ErrNotCancellable)

	credits, _ := f.svc.Credits(ctx, f.patient.ID)
	assert.Empty(t, credits)
	assert.Contains(t, f.pub.types(), notify.BookingCancelled)
}

func TestCancel_AdvanceWindowAndStaff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, monday, 5)
	f.svc.now = func() time.Time { return monday }

	_, err := f.svc.Cancel(ctx, b.ID, CancelRequest{}, f.patient)
	assert.ErrorIs(t, err, policy.ErrCancelWindowClosed)

	_, err = f.svc.Cancel(ctx, b.ID, CancelRequest{OnBehalfOfDoctor: true}, f.reception)
	assert.ErrorIs(t, err, ErrAdminOnly)

	got, err := f.svc.Cancel(ctx, b.ID, CancelRequest{Reason: "patient called"}, f.reception)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleReceptionist, *got.CancelledByRole)
}

func TestCancel_CreditCappedPerChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b1 := f.book(t, monday, 5)
	_, err := f.svc.Cancel(ctx, b1.ID, CancelRequest{OnBehalfOfDoctor: true}, f.admin)
	require.NoError(t, err)
	b2, err := f.reschedule(b1.ID, nextMonday, 1, f.patient)
	require.NoError(t, err)

	// One unit consumed and one outstanding: nothing more may be minted.
	_, err = f.svc.Cancel(ctx, b2.ID, CancelRequest{OnBehalfOfDoctor: true}, f.admin)
	require.NoError(t, err)
	credits, _ := f.svc.Credits(ctx, f.patient.ID)
	assert.Len(t, credits, 1)
}

// -- Lifecycle --

func TestLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, monday, 5)

	b, err := f.svc.Confirm(ctx, b.ID, decimal.NewFromInt(500), f.reception)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, b.Status)
	assert.Equal(t, PaymentPaid, b.PaymentStatus)

	b, err = f.svc.CheckIn(ctx, b.ID, f.reception)
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, b.Status)

	b, err = f.svc.StartSession(ctx, b.ID, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusInSession, b.Status)

	b, err = f.svc.Complete(ctx, b.ID, f.doctor)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)

	var kinds []EventKind
	for _, e := range f.events(t, b.ID) {
		assert.Equal(t, OutcomeApplied, e.Outcome)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []EventKind{EventBooked, EventConfirmed, EventCheckedIn, EventSessionStart, EventCompleted}, kinds)

	_, err = f.svc.Cancel(ctx, b.ID, CancelRequest{}, f.admin)
	assert.ErrorIs(t, err, policy.ErrNotCancellable)
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, monday, 5)

	_, err := f.svc.CheckIn(ctx, b.ID, f.reception)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, apperr.IsKind(err, apperr.KindPolicyDenied))
	assert.True(t, hasDenied(f.events(t, b.ID), EventCheckedIn))

	_, err = f.svc.Complete(ctx, b.ID, f.reception)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Confirm(ctx, b.ID, decimal.NewFromInt(100), f.patient)
	assert.ErrorIs(t, err, ErrStaffOnly)

	_, err = f.svc.Confirm(ctx, b.ID, decimal.NewFromInt(-1), f.reception)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.Confirm(ctx, b.ID, decimal.NewFromInt(100), f.reception)
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, b.ID, f.reception)
	require.NoError(t, err)
	otherDoctor := auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor}
	_, err = f.svc.StartSession(ctx, b.ID, otherDoctor)
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = f.svc.CheckIn(ctx, uuid.New(), f.reception)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPendingPayment.CanTransition(StatusConfirmed))
	assert.True(t, StatusConfirmed.CanTransition(StatusNoShow))
	assert.False(t, StatusPendingPayment.CanTransition(StatusCheckedIn))
	assert.False(t, StatusCheckedIn.CanTransition(StatusCancelled))
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusRescheduled, StatusNoShow} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusCancelled.Live())
	assert.True(t, StatusCheckedIn.Live())
	assert.Equal(t, policy.StageOpen, StatusConfirmed.Stage())
	assert.Equal(t, policy.StageClosed, StatusInSession.Stage())

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("archived")))
}

// -- Calendar reconciliation --

func TestReconcile_BlockDateFreezesScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []uuid.UUID{f.book(t, monday, 1).ID, f.book(t, monday, 2).ID, f.book(t, monday, 3).ID}

	f.cal.approve(&calendar.Override{
		ID: uuid.New(), DoctorID: doctorID, BranchID: branchID,
		Type: calendar.OverrideBlockDate, StartDate: monday, EndDate: monday,
	})
	flagged, cleared, err := f.svc.Reconcile(ctx, doctorID, branchID, monday, f.admin)
	require.NoError(t, err)
	assert.Equal(t, 3, flagged)
	assert.Equal(t, 0, cleared)

	for _, id := range ids {
		b, _ := f.svc.Get(ctx, id)
		assert.Equal(t, StatusPendingPayment, b.Status, "blocking a date never cancels bookings")
		assert.True(t, b.NeedsReschedule)
	}

	_, err = f.svc.Book(ctx, BookRequest{
		PatientID: f.patient.ID, DoctorID: doctorID, BranchID: branchID, Date: monday, SlotNumber: 4, Type: TypeNew,
	}, f.patient)
	assert.ErrorIs(t, err, ErrSlotInvalid, "the block prevents new bookings")

	flagged, cleared, err = f.svc.Reconcile(ctx, doctorID, branchID, monday, f.admin)
	require.NoError(t, err)
	assert.Zero(t, flagged+cleared, "reconcile is idempotent")

	f.cal.clear()
	_, cleared, err = f.svc.Reconcile(ctx, doctorID, branchID, monday, f.admin)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	assert.Contains(t, f.pub.types(), notify.BookingDisplaced)
}

func TestReconcile_DelayStartFlagsEarlySlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	early := f.book(t, monday, 1)
	late := f.book(t, monday, 6)

	start := calendar.NewClock(9, 30)
	f.cal.approve(&calendar.Override{
		ID: uuid.New(), DoctorID: doctorID, BranchID: branchID,
		Type: calendar.OverrideDelayStart, StartDate: monday, EndDate: monday, NewStart: &start,
	})
	flagged, _, err := f.svc.Reconcile(ctx, doctorID, branchID, monday, f.admin)
	require.NoError(t, err)
	assert.Equal(t, 1, flagged)

	e, _ := f.svc.Get(ctx, early.ID)
	l, _ := f.svc.Get(ctx, late.ID)
	assert.True(t, e.NeedsReschedule)
	assert.False(t, l.NeedsReschedule)
}

// -- No-show sweep --

func TestSweepNoShows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.book(t, monday, 1)
	confirmed := f.book(t, monday, 2)
	arrived := f.book(t, monday, 3)
	future := f.book(t, nextMonday, 1)

	_, err := f.svc.Confirm(ctx, confirmed.ID, decimal.NewFromInt(300), f.reception)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, arrived.ID, decimal.NewFromInt(300), f.reception)
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, arrived.ID, f.reception)
	require.NoError(t, err)

	swept, err := f.svc.SweepNoShows(ctx, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, swept)

	for id, want := range map[uuid.UUID]Status{
		pending.ID:   StatusNoShow,
		confirmed.ID: StatusNoShow,
		arrived.ID:   StatusCheckedIn,
		future.ID:    StatusPendingPayment,
	} {
		b, _ := f.svc.Get(ctx, id)
		assert.Equal(t, want, b.Status)
	}

	swept, err = f.svc.SweepNoShows(ctx, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, swept)
}

// -- Event log --

func TestExportEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, monday, 5)
	_, err := f.svc.CheckIn(ctx, b.ID, f.reception) // denied
	assert.Error(t, err)
	_, err = f.svc.Cancel(ctx, b.ID, CancelRequest{Reason: "duplicate"}, f.reception)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.svc.ExportEvents(ctx, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour), &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "Event ID", rows[0][0])
	assert.Equal(t, string(EventBooked), rows[1][4])
	assert.Equal(t, string(OutcomeDenied), rows[2][5])

	_, err = f.svc.ExportEvents(ctx, fixedNow, fixedNow, &buf)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestEvents_UnknownBooking(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Events(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
