package booking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/domain/calendar"
	"github.com/hms/opd/pkg/pagination"
)

// errDanglingRef mirrors a foreign key violation on the booking table.
var errDanglingRef = errors.New("insert or update violates foreign key constraint")

// memStore backs the three repositories with copy-on-read maps. WithTx
// serialises units of work and restores the previous state on error.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	bookings map[uuid.UUID]Booking
	events   []Event
	credits  map[uuid.UUID]Credit
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{bookings: make(map[uuid.UUID]Booking), credits: make(map[uuid.UUID]Credit)}
}

type memSnapshot struct {
	bookings map[uuid.UUID]Booking
	events   []Event
	credits  map[uuid.UUID]Credit
	nextID   int64
}

func (m *memStore) snapshot() memSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := memSnapshot{
		bookings: make(map[uuid.UUID]Booking, len(m.bookings)),
		events:   append([]Event(nil), m.events...),
		credits:  make(map[uuid.UUID]Credit, len(m.credits)),
		nextID:   m.nextID,
	}
	for k, v := range m.bookings {
		snap.bookings[k] = v
	}
	for k, v := range m.credits {
		snap.credits[k] = v
	}
	return snap
}

func (m *memStore) restore(s memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings, m.events, m.credits, m.nextID = s.bookings, s.events, s.credits, s.nextID
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// -- Bookings --

type memBookings struct{ *memStore }

// refsExist checks the self-references a booking row may carry. Callers
// hold r.mu.
func (r memBookings) refsExist(b *Booking) bool {
	for _, ref := range []*uuid.UUID{b.OriginalBookingID, b.RescheduledToID} {
		if ref == nil {
			continue
		}
		if _, ok := r.bookings[*ref]; !ok {
			return false
		}
	}
	return true
}

func (r memBookings) Create(_ context.Context, b *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.bookings {
		if other.Status.Live() && other.DoctorID == b.DoctorID && other.BranchID == b.BranchID &&
			other.AppointmentDate.Equal(b.AppointmentDate) && other.SlotNumber == b.SlotNumber {
			return ErrSlotTaken
		}
	}
	if !r.refsExist(b) {
		return errDanglingRef
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.RootBookingID == uuid.Nil {
		b.RootBookingID = b.ID
	}
	b.Version = 1
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	r.bookings[b.ID] = *b
	return nil
}

func (r memBookings) GetByID(_ context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (r memBookings) GetForUpdate(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return r.GetByID(ctx, id)
}

func (r memBookings) Update(_ context.Context, b *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[b.ID]; !ok {
		return ErrNotFound
	}
	if !r.refsExist(b) {
		return errDanglingRef
	}
	b.Version++
	b.UpdatedAt = time.Now()
	r.bookings[b.ID] = *b
	return nil
}

func (r memBookings) SlotTaken(_ context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.bookings {
		if b.Status.Live() && b.DoctorID == doctorID && b.BranchID == branchID &&
			b.AppointmentDate.Equal(date) && b.SlotNumber == slotNumber {
			return true, nil
		}
	}
	return false, nil
}

func (r memBookings) TakenSlots(_ context.Context, doctorID, branchID uuid.UUID, date time.Time) (map[int]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	taken := make(map[int]bool)
	for _, b := range r.bookings {
		if b.Status.Live() && b.DoctorID == doctorID && b.BranchID == branchID && b.AppointmentDate.Equal(date) {
			taken[b.SlotNumber] = true
		}
	}
	return taken, nil
}

func (r memBookings) filter(keep func(Booking) bool) []*Booking {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Booking
	for _, b := range r.bookings {
		if keep(b) {
			b := b
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AppointmentDate.Equal(out[j].AppointmentDate) {
			return out[i].AppointmentDate.Before(out[j].AppointmentDate)
		}
		return out[i].SlotNumber < out[j].SlotNumber
	})
	return out
}

func (r memBookings) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date time.Time) ([]*Booking, error) {
	return r.filter(func(b Booking) bool {
		return b.DoctorID == doctorID && b.AppointmentDate.Equal(date)
	}), nil
}

func (r memBookings) ListByPatient(_ context.Context, patientID uuid.UUID, page pagination.Params) ([]*Booking, int, error) {
	all := r.filter(func(b Booking) bool { return b.PatientID == patientID })
	lo, hi := page.Window(len(all))
	return all[lo:hi], len(all), nil
}

func (r memBookings) ListOpen(_ context.Context, doctorID, branchID uuid.UUID, date time.Time) ([]*Booking, error) {
	return r.filter(func(b Booking) bool {
		return b.Status.Open() && b.DoctorID == doctorID && b.BranchID == branchID && b.AppointmentDate.Equal(date)
	}), nil
}

func (r memBookings) ListOverdue(_ context.Context, day time.Time) ([]*Booking, error) {
	return r.filter(func(b Booking) bool {
		return b.Status.Open() && b.AppointmentDate.Before(day)
	}), nil
}

// -- Events --

type memEvents struct{ *memStore }

func (r memEvents) Append(_ context.Context, e *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	r.events = append(r.events, *e)
	return nil
}

func (r memEvents) ListByBooking(_ context.Context, bookingID uuid.UUID) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if e.BookingID == bookingID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r memEvents) ListBetween(_ context.Context, from, to time.Time) ([]*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Event
	for _, e := range r.events {
		if !e.OccurredAt.Before(from) && e.OccurredAt.Before(to) {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

func (r memEvents) Counters(_ context.Context, rootID uuid.UUID) (Counters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c Counters
	for _, e := range r.events {
		if e.RootBookingID != rootID || e.Kind != EventRescheduled || e.Outcome != OutcomeApplied {
			continue
		}
		switch {
		case e.CreditID != nil:
			c.CreditReschedules++
		case e.ActorRole == "patient":
			c.PatientReschedules++
		}
	}
	return c, nil
}

// -- Credits --

type memCredits struct{ *memStore }

func (r memCredits) Create(_ context.Context, c *Credit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bookings[c.SourceBookingID]; !ok {
		return errDanglingRef
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	r.credits[c.ID] = *c
	return nil
}

func (r memCredits) active(rootID uuid.UUID, now time.Time) []Credit {
	var out []Credit
	for _, c := range r.credits {
		if c.RootBookingID == rootID && c.Active(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r memCredits) Available(_ context.Context, rootID uuid.UUID, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.active(rootID, now) {
		n += c.Remaining
	}
	return n, nil
}

func (r memCredits) Consume(_ context.Context, rootID uuid.UUID, now time.Time) (*Credit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := r.active(rootID, now)
	if len(active) == 0 {
		return nil, ErrNoCredit
	}
	c := active[0]
	c.Remaining--
	r.credits[c.ID] = c
	return &c, nil
}

func (r memCredits) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Credit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Credit
	for _, c := range r.credits {
		if c.PatientID == patientID {
			c := c
			out = append(out, &c)
		}
	}
	return out, nil
}

// -- Calendar --

// stubCalendar serves fixed weekly definitions plus whatever overrides a
// test approves, computed the same way the calendar service does.
type stubCalendar struct {
	mu        sync.Mutex
	defs      []*calendar.Definition
	overrides []*calendar.Override
}

func (c *stubCalendar) add(def *calendar.Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = append(c.defs, def)
}

func (c *stubCalendar) approve(o *calendar.Override) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o.Status = calendar.OverrideApproved
	c.overrides = append(c.overrides, o)
}

func (c *stubCalendar) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = nil
}

func (c *stubCalendar) Day(_ context.Context, doctorID, branchID uuid.UUID, date time.Time) (*calendar.Day, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var def *calendar.Definition
	for _, d := range c.defs {
		if d.Active && d.DoctorID == doctorID && d.BranchID == branchID && d.DayOfWeek == date.Weekday() {
			def = d
		}
	}
	day := calendar.Compute(def, c.overrides, doctorID, branchID, date)
	return &day, nil
}

func (c *stubCalendar) Slot(ctx context.Context, doctorID, branchID uuid.UUID, date time.Time, slotNumber int) (calendar.Slot, *calendar.Day, bool, error) {
	day, err := c.Day(ctx, doctorID, branchID, date)
	if err != nil {
		return calendar.Slot{}, nil, false, err
	}
	slot, ok := day.Find(slotNumber)
	return slot, day, ok, nil
}
