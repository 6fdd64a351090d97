package calendar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
)

// -- Mock Repositories --

type mockDefinitionRepo struct {
	defs map[uuid.UUID]*Definition
}

func newMockDefinitionRepo() *mockDefinitionRepo {
	return &mockDefinitionRepo{defs: make(map[uuid.UUID]*Definition)}
}

func (m *mockDefinitionRepo) Create(_ context.Context, d *Definition) error {
	for _, existing := range m.defs {
		if existing.Active && existing.DoctorID == d.DoctorID && existing.BranchID == d.BranchID && existing.DayOfWeek == d.DayOfWeek {
			return errors.New("duplicate active definition")
		}
	}
	d.ID = uuid.New()
	d.Active = true
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	m.defs[d.ID] = d
	return nil
}

func (m *mockDefinitionRepo) GetByID(_ context.Context, id uuid.UUID) (*Definition, error) {
	d, ok := m.defs[id]
	if !ok {
		return nil, ErrDefinitionNotFound
	}
	return d, nil
}

func (m *mockDefinitionRepo) Active(_ context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday) (*Definition, error) {
	for _, d := range m.defs {
		if d.Active && d.DoctorID == doctorID && d.BranchID == branchID && d.DayOfWeek == weekday {
			return d, nil
		}
	}
	return nil, ErrDefinitionNotFound
}

func (m *mockDefinitionRepo) Supersede(_ context.Context, doctorID, branchID uuid.UUID, weekday time.Weekday, at time.Time) error {
	for _, d := range m.defs {
		if d.Active && d.DoctorID == doctorID && d.BranchID == branchID && d.DayOfWeek == weekday {
			d.Active = false
			d.SupersededAt = &at
		}
	}
	return nil
}

func (m *mockDefinitionRepo) Deactivate(_ context.Context, id uuid.UUID, at time.Time) error {
	d, ok := m.defs[id]
	if !ok {
		return ErrDefinitionNotFound
	}
	d.Active = false
	d.SupersededAt = &at
	return nil
}

func (m *mockDefinitionRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, includeInactive bool) ([]*Definition, error) {
	var out []*Definition
	for _, d := range m.defs {
		if d.DoctorID == doctorID && (includeInactive || d.Active) {
			out = append(out, d)
		}
	}
	return out, nil
}

type mockOverrideRepo struct {
	overrides map[uuid.UUID]*Override
}

func newMockOverrideRepo() *mockOverrideRepo {
	return &mockOverrideRepo{overrides: make(map[uuid.UUID]*Override)}
}

func (m *mockOverrideRepo) Create(_ context.Context, o *Override) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	m.overrides[o.ID] = o
	return nil
}

func (m *mockOverrideRepo) GetByID(_ context.Context, id uuid.UUID) (*Override, error) {
	o, ok := m.overrides[id]
	if !ok {
		return nil, ErrOverrideNotFound
	}
	return o, nil
}

func (m *mockOverrideRepo) ListByRequest(_ context.Context, requestID uuid.UUID) ([]*Override, error) {
	var out []*Override
	for _, o := range m.overrides {
		if o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOverrideRepo) SetStatus(_ context.Context, id uuid.UUID, status OverrideStatus) error {
	o, ok := m.overrides[id]
	if !ok {
		return ErrOverrideNotFound
	}
	o.Status = status
	return nil
}

func (m *mockOverrideRepo) Retire(_ context.Context, id, byOverrideID uuid.UUID, at time.Time) error {
	o, ok := m.overrides[id]
	if !ok {
		return ErrOverrideNotFound
	}
	o.RetiredAt = &at
	o.RetiredByOverrideID = &byOverrideID
	return nil
}

func (m *mockOverrideRepo) Effective(_ context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Override, error) {
	var out []*Override
	for _, o := range m.overrides {
		if o.Effective() && o.DoctorID == doctorID && o.BranchID == branchID && o.Covers(date) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOverrideRepo) EffectiveBetween(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]*Override, error) {
	var out []*Override
	for _, o := range m.overrides {
		if o.Effective() && o.DoctorID == doctorID && o.Overlaps(from, to) {
			out = append(out, o)
		}
	}
	return out, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService() (*Service, *mockDefinitionRepo, *mockOverrideRepo) {
	defs := newMockDefinitionRepo()
	overrides := newMockOverrideRepo()
	return NewService(defs, overrides, passthroughTx{}, zerolog.Nop()), defs, overrides
}

var branchAdmin = auth.Actor{ID: uuid.New(), Role: auth.RoleBranchAdmin}

func mondayInput() DefinitionInput {
	return DefinitionInput{
		DoctorID:    testDoctor,
		BranchID:    testBranch,
		DayOfWeek:   time.Monday,
		Start:       NewClock(9, 0),
		End:         NewClock(12, 0),
		SlotMinutes: 15,
		Capacity:    12,
	}
}

// -- Tests --

func TestService_CreateDefinition(t *testing.T) {
	svc, _, _ := newTestService()
	def, err := svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.ID == uuid.Nil || !def.Active {
		t.Errorf("expected stored active definition, got %+v", def)
	}
}

func TestService_CreateDefinition_Supersedes(t *testing.T) {
	svc, defs, _ := newTestService()
	first, err := svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	in := mondayInput()
	in.Capacity = 6
	second, err := svc.CreateDefinition(context.Background(), in, branchAdmin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if defs.defs[first.ID].Active || defs.defs[first.ID].SupersededAt == nil {
		t.Error("expected first definition to be superseded")
	}

	active, _ := svc.ListDefinitions(context.Background(), testDoctor, false)
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("expected only the replacement to be active, got %d", len(active))
	}
	all, _ := svc.ListDefinitions(context.Background(), testDoctor, true)
	if len(all) != 2 {
		t.Errorf("expected history of 2 definitions, got %d", len(all))
	}
}

func TestService_CreateDefinition_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	cases := map[string]func(*DefinitionInput){
		"missing doctor":   func(in *DefinitionInput) { in.DoctorID = uuid.Nil },
		"missing branch":   func(in *DefinitionInput) { in.BranchID = uuid.Nil },
		"bad weekday":      func(in *DefinitionInput) { in.DayOfWeek = 7 },
		"inverted window":  func(in *DefinitionInput) { in.Start, in.End = in.End, in.Start },
		"tiny slot":        func(in *DefinitionInput) { in.SlotMinutes = 2 },
		"zero capacity":    func(in *DefinitionInput) { in.Capacity = 0 },
		"slot beyond span": func(in *DefinitionInput) { in.End = NewClock(9, 10) },
	}
	for name, mutate := range cases {
		in := mondayInput()
		mutate(&in)
		_, err := svc.CreateDefinition(context.Background(), in, branchAdmin)
		if !apperr.IsKind(err, apperr.KindValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestService_CreateDefinition_DoctorOwnOnly(t *testing.T) {
	svc, _, _ := newTestService()
	other := auth.Actor{ID: uuid.New(), Role: auth.RoleDoctor}
	if _, err := svc.CreateDefinition(context.Background(), mondayInput(), other); !apperr.IsKind(err, apperr.KindPolicyDenied) {
		t.Errorf("expected policy denial, got %v", err)
	}
	self := auth.Actor{ID: testDoctor, Role: auth.RoleDoctor}
	if _, err := svc.CreateDefinition(context.Background(), mondayInput(), self); err != nil {
		t.Errorf("expected doctor to edit own schedule, got %v", err)
	}
}

func TestService_CreateDefinition_CrossBranchOverlap(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	if _, err := svc.CreateDefinition(ctx, mondayInput(), branchAdmin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := mondayInput()
	other.BranchID = uuid.New()
	other.Start, other.End = NewClock(11, 0), NewClock(14, 0)
	if _, err := svc.CreateDefinition(ctx, other, branchAdmin); !errors.Is(err, ErrSessionOverlap) {
		t.Fatalf("expected overlap conflict, got %v", err)
	}

	// Back-to-back sessions at two branches are fine.
	other.Start, other.End = NewClock(12, 0), NewClock(15, 0)
	if _, err := svc.CreateDefinition(ctx, other, branchAdmin); err != nil {
		t.Fatalf("expected adjacent session to be accepted, got %v", err)
	}

	// Same window on another weekday is fine.
	tuesday := mondayInput()
	tuesday.BranchID = other.BranchID
	tuesday.DayOfWeek = time.Tuesday
	if _, err := svc.CreateDefinition(ctx, tuesday, branchAdmin); err != nil {
		t.Fatalf("expected other weekday to be accepted, got %v", err)
	}

	// Replacing the session at its own branch does not conflict with itself.
	if _, err := svc.CreateDefinition(ctx, mondayInput(), branchAdmin); err != nil {
		t.Fatalf("expected same-branch replacement, got %v", err)
	}
}

func TestService_Day(t *testing.T) {
	svc, _, overrides := newTestService()
	def, _ := svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)

	day, err := svc.Day(context.Background(), testDoctor, testBranch, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(day.Slots) != 12 || *day.ScheduleID != def.ID {
		t.Fatalf("expected 12 slots from %s, got %d", def.ID, len(day.Slots))
	}

	limit := approved(OverrideLimitAppointments)
	limit.NewCapacity = intOf(2)
	overrides.Create(context.Background(), limit)

	slots, err := svc.AvailableSlots(context.Background(), testDoctor, testBranch, testMonday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slots) != 2 {
		t.Errorf("expected limit to apply on recompute, got %d", len(slots))
	}
}

func TestService_Day_NoSessionThatWeekday(t *testing.T) {
	svc, _, _ := newTestService()
	svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)

	day, err := svc.Day(context.Background(), testDoctor, testBranch, testMonday.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(day.Slots) != 0 || day.ScheduleID != nil {
		t.Errorf("expected empty Tuesday, got %+v", day)
	}
}

func TestService_Day_RequiresIDs(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Day(context.Background(), uuid.Nil, testBranch, testMonday); !apperr.IsKind(err, apperr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestService_RetireDefinition(t *testing.T) {
	svc, _, _ := newTestService()
	def, _ := svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)

	if err := svc.RetireDefinition(context.Background(), def.ID, branchAdmin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	day, _ := svc.Day(context.Background(), testDoctor, testBranch, testMonday)
	if len(day.Slots) != 0 {
		t.Error("expected retired definition to offer no slots")
	}
	if err := svc.RetireDefinition(context.Background(), uuid.New(), branchAdmin); !errors.Is(err, ErrDefinitionNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_SlotAndScheduleFor(t *testing.T) {
	svc, _, _ := newTestService()
	def, _ := svc.CreateDefinition(context.Background(), mondayInput(), branchAdmin)

	slot, day, ok, err := svc.Slot(context.Background(), testDoctor, testBranch, testMonday, 5)
	if err != nil || !ok {
		t.Fatalf("expected slot 5, got ok=%v err=%v", ok, err)
	}
	if slot.Start != NewClock(10, 0) || *day.ScheduleID != def.ID {
		t.Errorf("unexpected slot %+v", slot)
	}
	if _, _, ok, _ := svc.Slot(context.Background(), testDoctor, testBranch, testMonday, 13); ok {
		t.Error("expected slot 13 to be unavailable")
	}

	got, err := svc.ScheduleFor(context.Background(), testDoctor, testBranch, testMonday)
	if err != nil || got.ID != def.ID {
		t.Errorf("expected %s, got %v (%v)", def.ID, got, err)
	}
}
