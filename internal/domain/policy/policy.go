// Package policy decides whether a booking may be rescheduled or cancelled.
// Every function is pure: configuration, booking state, usage counters and
// the clock are passed in explicitly.
package policy

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hms/opd/internal/platform/apperr"
	"github.com/hms/opd/internal/platform/auth"
)

// Config holds the per-branch rule parameters.
type Config struct {
	MinAdvanceBookingHours     int `yaml:"min_advance_booking_hours" json:"min_advance_booking_hours"`
	RescheduleAdvanceHours     int `yaml:"reschedule_advance_hours" json:"reschedule_advance_hours"`
	CancelAdvanceHours         int `yaml:"cancel_advance_hours" json:"cancel_advance_hours"`
	MaxPatientReschedules      int `yaml:"max_patient_reschedules" json:"max_patient_reschedules"`
	MaxAdminGrantedReschedules int `yaml:"max_admin_granted_reschedules" json:"max_admin_granted_reschedules"`
	CreditValidityDays         int `yaml:"credit_validity_days" json:"credit_validity_days"`
}

func Defaults() Config {
	return Config{
		MinAdvanceBookingHours:     0,
		RescheduleAdvanceHours:     24,
		CancelAdvanceHours:         24,
		MaxPatientReschedules:      1,
		MaxAdminGrantedReschedules: 2,
		CreditValidityDays:         30,
	}
}

func (c Config) Validate() error {
	if c.MinAdvanceBookingHours < 0 || c.RescheduleAdvanceHours < 0 || c.CancelAdvanceHours < 0 {
		return fmt.Errorf("advance hours must not be negative")
	}
	if c.MaxPatientReschedules < 0 || c.MaxAdminGrantedReschedules < 0 {
		return fmt.Errorf("reschedule limits must not be negative")
	}
	if c.CreditValidityDays < 1 {
		return fmt.Errorf("credit_validity_days must be at least 1")
	}
	return nil
}

// BookingCutoff is the earliest slot start a new booking may take.
func (c Config) BookingCutoff(now time.Time) time.Time {
	return now.Add(time.Duration(c.MinAdvanceBookingHours) * time.Hour)
}

// CreditExpiry is when a credit minted at now stops counting.
func (c Config) CreditExpiry(now time.Time) time.Time {
	return now.AddDate(0, 0, c.CreditValidityDays)
}

// Stage collapses booking statuses into what the rules care about.
type Stage int

const (
	// StageOpen covers pending_payment and confirmed.
	StageOpen Stage = iota
	StageCancelled
	// StageClosed covers every other status.
	StageClosed
)

// Snapshot is the part of a booking the rules look at.
type Snapshot struct {
	PatientID                 uuid.UUID
	Stage                     Stage
	Start                     time.Time
	CancelledByAdminForDoctor bool
}

// Usage is derived from the booking chain's event log and credits.
type Usage struct {
	PatientReschedules int // applied patient reschedules on the normal counter
	CreditsConsumed    int // applied reschedules paid for by a credit
	CreditsAvailable   int // remaining units on unexpired credits
}

// Source says which allowance an approved reschedule draws on.
type Source string

const (
	SourceStaff   Source = "staff"
	SourceCredit  Source = "credit"
	SourcePatient Source = "patient"
)

var (
	ErrNotOwner               = apperr.PolicyDenied("not_owner", "patients may only change their own bookings")
	ErrNotReschedulable       = apperr.PolicyDenied("not_reschedulable", "booking can no longer be rescheduled")
	ErrRescheduleWindowClosed = apperr.PolicyDenied("reschedule_window_closed", "too close to the appointment to reschedule")
	ErrMaxReschedules         = apperr.PolicyDenied("max_reschedules", "reschedule limit reached")
	ErrNotCancellable         = apperr.PolicyDenied("not_cancellable", "booking can no longer be cancelled")
	ErrCancelWindowClosed     = apperr.PolicyDenied("cancel_window_closed", "too close to the appointment to cancel")
	ErrUnknownActor           = apperr.PolicyDenied("unknown_actor", "actor role is not permitted to change bookings")
)

// Decision is the outcome of a rule check. Reason is the denial code.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Source  Source `json:"source,omitempty"`
	Reason  string `json:"reason,omitempty"`
	denial  *apperr.Error
}

func allow(src Source) Decision { return Decision{Allowed: true, Source: src} }

func deny(e *apperr.Error) Decision { return Decision{Reason: e.Code, denial: e} }

// Err returns nil for an allowed decision, else the classified denial.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.denial == nil {
		return apperr.PolicyDenied("denied", "operation not permitted")
	}
	return d.denial
}

func hoursBefore(start, now time.Time, hours int) bool {
	return start.Sub(now) > time.Duration(hours)*time.Hour
}

// CanReschedule applies the reschedule rules. For a patient an unexpired
// credit is used first, then the normal counter. A booking an admin
// cancelled for the doctor may be moved once on credit with no advance rule.
func CanReschedule(cfg Config, snap Snapshot, usage Usage, actor auth.Actor, now time.Time) Decision {
	if actor.IsStaff() {
		if snap.Stage == StageOpen || (snap.Stage == StageCancelled && snap.CancelledByAdminForDoctor) {
			return allow(SourceStaff)
		}
		return deny(ErrNotReschedulable)
	}
	if actor.Role != auth.RolePatient {
		return deny(ErrUnknownActor)
	}
	if actor.ID != snap.PatientID {
		return deny(ErrNotOwner)
	}

	creditUsable := usage.CreditsAvailable > 0 && usage.CreditsConsumed < cfg.MaxAdminGrantedReschedules

	switch snap.Stage {
	case StageCancelled:
		if !snap.CancelledByAdminForDoctor {
			return deny(ErrNotReschedulable)
		}
		if !creditUsable {
			return deny(ErrMaxReschedules)
		}
		return allow(SourceCredit)
	case StageOpen:
		if !hoursBefore(snap.Start, now, cfg.RescheduleAdvanceHours) {
			return deny(ErrRescheduleWindowClosed)
		}
		if creditUsable {
			return allow(SourceCredit)
		}
		if usage.PatientReschedules < cfg.MaxPatientReschedules {
			return allow(SourcePatient)
		}
		return deny(ErrMaxReschedules)
	default:
		return deny(ErrNotReschedulable)
	}
}

// CanCancel applies the cancellation rules. Staff may cancel any open
// booking; patients only their own and only ahead of the advance window.
func CanCancel(cfg Config, snap Snapshot, actor auth.Actor, now time.Time) Decision {
	if snap.Stage != StageOpen {
		return deny(ErrNotCancellable)
	}
	if actor.IsStaff() {
		return allow(SourceStaff)
	}
	if actor.Role != auth.RolePatient {
		return deny(ErrUnknownActor)
	}
	if actor.ID != snap.PatientID {
		return deny(ErrNotOwner)
	}
	if !hoursBefore(snap.Start, now, cfg.CancelAdvanceHours) {
		return deny(ErrCancelWindowClosed)
	}
	return allow(SourcePatient)
}

// CreditAllowance is how many credit units an admin cancellation on behalf
// of the doctor may mint so the chain never exceeds the admin-granted limit.
func CreditAllowance(cfg Config, usage Usage) int {
	n := cfg.MaxAdminGrantedReschedules - usage.CreditsConsumed - usage.CreditsAvailable
	if n < 0 {
		return 0
	}
	return n
}

// MaxChainReschedules bounds patient-driven reschedules across a chain.
func MaxChainReschedules(cfg Config) int {
	return cfg.MaxPatientReschedules + cfg.MaxAdminGrantedReschedules
}
