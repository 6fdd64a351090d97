package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// patch is a partial Config; nil fields inherit from the defaults.
type patch struct {
	MinAdvanceBookingHours     *int `yaml:"min_advance_booking_hours"`
	RescheduleAdvanceHours     *int `yaml:"reschedule_advance_hours"`
	CancelAdvanceHours         *int `yaml:"cancel_advance_hours"`
	MaxPatientReschedules      *int `yaml:"max_patient_reschedules"`
	MaxAdminGrantedReschedules *int `yaml:"max_admin_granted_reschedules"`
	CreditValidityDays         *int `yaml:"credit_validity_days"`
}

func (p patch) apply(c Config) Config {
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.MinAdvanceBookingHours, p.MinAdvanceBookingHours)
	set(&c.RescheduleAdvanceHours, p.RescheduleAdvanceHours)
	set(&c.CancelAdvanceHours, p.CancelAdvanceHours)
	set(&c.MaxPatientReschedules, p.MaxPatientReschedules)
	set(&c.MaxAdminGrantedReschedules, p.MaxAdminGrantedReschedules)
	set(&c.CreditValidityDays, p.CreditValidityDays)
	return c
}

type registryFile struct {
	Defaults patch            `yaml:"defaults"`
	Branches map[string]patch `yaml:"branches"`
}

// Registry resolves the Config for a branch.
type Registry struct {
	mu       sync.RWMutex
	defaults Config
	branches map[uuid.UUID]Config
}

func NewRegistry(defaults Config) *Registry {
	return &Registry{defaults: defaults, branches: make(map[uuid.UUID]Config)}
}

// LoadRegistry reads branch overrides from a YAML file. An empty path yields
// the built-in defaults.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Defaults()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read branch policy file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry builds a Registry from YAML of the form:
//
//	defaults:
//	  reschedule_advance_hours: 12
//	branches:
//	  6f1c...: { min_advance_booking_hours: 2 }
func ParseRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse branch policy: %w", err)
	}

	defaults := file.Defaults.apply(Defaults())
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	r := NewRegistry(defaults)
	for key, p := range file.Branches {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("branch %q: invalid uuid", key)
		}
		cfg := p.apply(defaults)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("branch %s: %w", key, err)
		}
		r.branches[id] = cfg
	}
	return r, nil
}

// For returns the branch's Config, falling back to the defaults.
func (r *Registry) For(branchID uuid.UUID) Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cfg, ok := r.branches[branchID]; ok {
		return cfg
	}
	return r.defaults
}

// Set replaces the Config for one branch.
func (r *Registry) Set(branchID uuid.UUID, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.branches[branchID] = cfg
	r.mu.Unlock()
	return nil
}

func (r *Registry) Defaults() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}
