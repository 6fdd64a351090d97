package calendar

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BaseSlots divides the definition's window into fixed increments, stopping
// at capacity or when the next slot would overrun the window.
func BaseSlots(def *Definition) []Slot {
	if def == nil || def.SlotMinutes <= 0 || def.Capacity <= 0 || def.End <= def.Start {
		return nil
	}
	step := Clock(def.SlotMinutes)
	n := int((def.End - def.Start) / step)
	if n > def.Capacity {
		n = def.Capacity
	}

	slots := make([]Slot, 0, n)
	cursor := def.Start
	for k := 1; k <= n; k++ {
		slots = append(slots, Slot{SlotNumber: k, Start: cursor, End: cursor + step})
		cursor += step
	}
	return slots
}

// Compute folds the effective overrides for date onto the definition.
// Precedence is fixed regardless of approval order:
//  1. block_date (or a standalone cancel_block) empties the day;
//  2. delay_start / early_end shrink the window, the latest start and the
//     earliest end win, and slots not fully inside the window drop out;
//  3. limit_appointments keeps the first N remaining slots, smallest N wins.
//
// cancel_block rows that reference a parent never shape the day; approving
// them retires the parent instead.
func Compute(def *Definition, overrides []*Override, doctorID, branchID uuid.UUID, date time.Time) Day {
	day := Day{DoctorID: doctorID, BranchID: branchID, Date: DateOf(date), Slots: []Slot{}}
	if def == nil {
		return day
	}
	id := def.ID
	day.ScheduleID = &id

	var active []*Override
	for _, o := range overrides {
		if o.Effective() && o.Covers(date) && o.DoctorID == doctorID && o.BranchID == branchID {
			active = append(active, o)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].ID.String() < active[j].ID.String()
	})

	for _, o := range active {
		if o.blocksDay() {
			day.Blocked = true
			day.AppliedOverrides = append(day.AppliedOverrides, o.ID)
			if day.CoveringDoctorID == nil && o.CoveringDoctorID != nil {
				cover := *o.CoveringDoctorID
				day.CoveringDoctorID = &cover
			}
		}
	}
	if day.Blocked {
		return day
	}

	start, end := def.Start, def.End
	limit := -1
	for _, o := range active {
		switch o.Type {
		case OverrideDelayStart:
			if o.NewStart != nil && *o.NewStart > start {
				start = *o.NewStart
			}
		case OverrideEarlyEnd:
			if o.NewEnd != nil && *o.NewEnd < end {
				end = *o.NewEnd
			}
		case OverrideLimitAppointments:
			if o.NewCapacity != nil && (limit < 0 || *o.NewCapacity < limit) {
				limit = *o.NewCapacity
			}
		default:
			continue
		}
		day.AppliedOverrides = append(day.AppliedOverrides, o.ID)
	}
	day.WindowStart, day.WindowEnd = &start, &end

	for _, s := range BaseSlots(def) {
		if s.Start >= start && s.End <= end {
			day.Slots = append(day.Slots, s)
		}
	}
	if limit >= 0 && len(day.Slots) > limit {
		day.Slots = day.Slots[:limit]
	}
	return day
}
