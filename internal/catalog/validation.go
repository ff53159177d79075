package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadPhaseName is returned when a phase name has no phase type suffix.
var ErrBadPhaseName = errors.New("bad phase name")

// PhaseName derives the name of the phase of type t in plan planName.
func PhaseName(planName string, t PhaseType) string {
	return planName + "-" + strings.ToLower(string(t))
}

// PlanName returns the plan name of a phase name by stripping the longest
// matching "-<phase type>" suffix.
func PlanName(phaseName string) (string, error) {
	best := ""
	for _, t := range PhaseTypes {
		suffix := "-" + strings.ToLower(string(t))
		if strings.HasSuffix(phaseName, suffix) && len(suffix) > len(best) {
			best = suffix
		}
	}
	if best == "" || len(phaseName) == len(best) {
		return "", fmt.Errorf("%w: %q", ErrBadPhaseName, phaseName)
	}
	return strings.TrimSuffix(phaseName, best), nil
}

// ErrorKind tags a ValidationError.
type ErrorKind string

// Validation error kinds.
const (
	KindMissingPricing   ErrorKind = "missing_pricing"
	KindInvalidPhaseType ErrorKind = "invalid_phase_type"
	KindInvalidDuration  ErrorKind = "invalid_duration"
	KindInvalidPrice     ErrorKind = "invalid_price"
	KindInvalidPeriod    ErrorKind = "invalid_billing_period"
	KindInvalidLimit     ErrorKind = "invalid_limit"
	KindUnknownProduct   ErrorKind = "unknown_product"
	KindDuplicateName    ErrorKind = "duplicate_name"
)

// ValidationError is one problem found in a catalog.
type ValidationError struct {
	Kind    ErrorKind
	Object  string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Object, e.Message)
}

// ValidationErrors collects the problems of a validation pass.
type ValidationErrors []ValidationError

// Add appends an error.
func (v *ValidationErrors) Add(kind ErrorKind, object, format string, args ...any) {
	*v = append(*v, ValidationError{Kind: kind, Object: object, Message: fmt.Sprintf(format, args...)})
}

// HasKind reports whether an error of kind was collected.
func (v ValidationErrors) HasKind(kind ErrorKind) bool {
	for _, e := range v {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "catalog validation failed: " + strings.Join(msgs, "; ")
}

// Err returns v as an error, or nil when empty.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}

func validatePrices(errs *ValidationErrors, object string, prices []Price) {
	seen := map[string]bool{}
	for _, p := range prices {
		if p.Currency == "" {
			errs.Add(KindInvalidPrice, object, "price %s has no currency", p.Value)
			continue
		}
		if p.Value.IsNegative() {
			errs.Add(KindInvalidPrice, object, "price in %s must not be negative, got %s", p.Currency, p.Value)
		}
		if seen[p.Currency] {
			errs.Add(KindInvalidPrice, object, "currency %s is priced twice", p.Currency)
		}
		seen[p.Currency] = true
	}
}

func validateLimits(errs *ValidationErrors, object string, limits []Limit) {
	for _, l := range limits {
		if l.Unit == "" {
			errs.Add(KindInvalidLimit, object, "limit has no unit")
		}
		if l.Min.Valid && l.Max.Valid && l.Min.Decimal.GreaterThan(l.Max.Decimal) {
			errs.Add(KindInvalidLimit, object, "limit on %s has min %s above max %s", l.Unit, l.Min.Decimal, l.Max.Decimal)
		}
	}
}

// Validate checks the phase and returns every problem found.
func (ph *PlanPhase) Validate() ValidationErrors {
	var errs ValidationErrors
	object := "phase " + ph.Name()

	if !ph.phaseType.Valid() {
		errs.Add(KindInvalidPhaseType, object, "unknown phase type %q", ph.phaseType)
	}
	if ph.fixed == nil && ph.recurring == nil && len(ph.usages) == 0 {
		errs.Add(KindMissingPricing, object,
			"phase %s of plan %s needs at least one fixed, recurring or usage section", ph.phaseType, ph.plan.name)
	}

	switch ph.duration.Unit {
	case UnitUnlimited:
	case UnitDays, UnitWeeks, UnitMonths, UnitYears:
		if ph.duration.Number <= 0 {
			errs.Add(KindInvalidDuration, object, "duration of %d %s must be positive", ph.duration.Number, ph.duration.Unit)
		}
	default:
		errs.Add(KindInvalidDuration, object, "unknown duration unit %q", ph.duration.Unit)
	}

	if ph.fixed != nil {
		validatePrices(&errs, object+" fixed", ph.fixed.Prices)
	}
	if ph.recurring != nil {
		if !ph.recurring.BillingPeriod.valid() {
			errs.Add(KindInvalidPeriod, object+" recurring", "unknown billing period %q", ph.recurring.BillingPeriod)
		}
		validatePrices(&errs, object+" recurring", ph.recurring.Prices)
	}
	for _, u := range ph.usages {
		validateLimits(&errs, object+" usage "+u.Name, u.Limits)
	}
	return errs
}
