// Package catalog models the plan phases of the product catalog and loads
// them from YAML documents.
package catalog

import (
	"github.com/shopspring/decimal"
)

// PhaseType is the pricing stage of a plan.
type PhaseType string

// Phase types.
const (
	PhaseTrial     PhaseType = "TRIAL"
	PhaseDiscount  PhaseType = "DISCOUNT"
	PhaseFixedTerm PhaseType = "FIXEDTERM"
	PhaseEvergreen PhaseType = "EVERGREEN"
)

// PhaseTypes lists every phase type.
var PhaseTypes = []PhaseType{PhaseTrial, PhaseDiscount, PhaseFixedTerm, PhaseEvergreen}

// Valid reports whether t is a known phase type.
func (t PhaseType) Valid() bool {
	for _, known := range PhaseTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TimeUnit is the unit of a phase duration.
type TimeUnit string

// Time units.
const (
	UnitDays      TimeUnit = "DAYS"
	UnitWeeks     TimeUnit = "WEEKS"
	UnitMonths    TimeUnit = "MONTHS"
	UnitYears     TimeUnit = "YEARS"
	UnitUnlimited TimeUnit = "UNLIMITED"
)

// Duration is how long a phase lasts.
type Duration struct {
	Unit   TimeUnit
	Number int
}

// BillingPeriod is the recurrence of a recurring price.
type BillingPeriod string

// Billing periods.
const (
	BillingDaily     BillingPeriod = "DAILY"
	BillingWeekly    BillingPeriod = "WEEKLY"
	BillingMonthly   BillingPeriod = "MONTHLY"
	BillingQuarterly BillingPeriod = "QUARTERLY"
	BillingAnnual    BillingPeriod = "ANNUAL"
)

func (b BillingPeriod) valid() bool {
	switch b {
	case BillingDaily, BillingWeekly, BillingMonthly, BillingQuarterly, BillingAnnual:
		return true
	}
	return false
}

// Price is an amount in one currency.
type Price struct {
	Currency string
	Value    decimal.Decimal
}

// Fixed is a one-time charge at the start of a phase.
type Fixed struct {
	Prices []Price
}

// Recurring is a charge billed every period of a phase.
type Recurring struct {
	BillingPeriod BillingPeriod
	Prices        []Price
}

// Limit bounds the value of a unit. A nil bound is open.
type Limit struct {
	Unit string
	Min  decimal.NullDecimal
	Max  decimal.NullDecimal
}

// Complies reports whether value satisfies the limit. Limits on other units
// always comply.
func (l Limit) Complies(unit string, value decimal.Decimal) bool {
	if l.Unit != unit {
		return true
	}
	if l.Min.Valid && value.LessThan(l.Min.Decimal) {
		return false
	}
	if l.Max.Valid && value.GreaterThan(l.Max.Decimal) {
		return false
	}
	return true
}

func compliesWithAll(limits []Limit, unit string, value decimal.Decimal) bool {
	for _, l := range limits {
		if !l.Complies(unit, value) {
			return false
		}
	}
	return true
}

// Usage is a usage-based pricing section.
type Usage struct {
	Name        string
	BillingMode string
	Limits      []Limit
}

// CompliesWithLimits reports whether value satisfies the usage limits on unit.
func (u Usage) CompliesWithLimits(unit string, value decimal.Decimal) bool {
	return compliesWithAll(u.Limits, unit, value)
}

// Product is the thing a plan sells.
type Product struct {
	Name     string
	Category string
	Limits   []Limit
}

// CompliesWithLimits reports whether value satisfies the product limits on unit.
func (p *Product) CompliesWithLimits(unit string, value decimal.Decimal) bool {
	if p == nil {
		return true
	}
	return compliesWithAll(p.Limits, unit, value)
}

// PhaseSpec describes a phase when building a plan.
type PhaseSpec struct {
	Type      PhaseType
	Duration  Duration
	Fixed     *Fixed
	Recurring *Recurring
	Usages    []Usage
}

// Plan is a named sequence of phases for one product.
type Plan struct {
	name    string
	product *Product
	phases  []*PlanPhase
}

// NewPlan creates a plan and its phases in order.
func NewPlan(name string, product *Product, specs ...PhaseSpec) *Plan {
	p := &Plan{name: name, product: product}
	for _, s := range specs {
		p.phases = append(p.phases, &PlanPhase{
			phaseType: s.Type,
			duration:  s.Duration,
			fixed:     s.Fixed,
			recurring: s.Recurring,
			usages:    append([]Usage(nil), s.Usages...),
			plan:      p,
		})
	}
	return p
}

// Name returns the plan name.
func (p *Plan) Name() string { return p.name }

// Product returns the product the plan sells.
func (p *Plan) Product() *Product { return p.product }

// Phases returns the phases of the plan in order.
func (p *Plan) Phases() []*PlanPhase {
	return append([]*PlanPhase(nil), p.phases...)
}

// Phase returns the phase of type t.
func (p *Plan) Phase(t PhaseType) (*PlanPhase, bool) {
	for _, ph := range p.phases {
		if ph.phaseType == t {
			return ph, true
		}
	}
	return nil, false
}

// PlanPhase is one pricing stage of a plan.
type PlanPhase struct {
	phaseType PhaseType
	duration  Duration
	fixed     *Fixed
	recurring *Recurring
	usages    []Usage
	plan      *Plan
}

func (ph *PlanPhase) Type() PhaseType { return ph.phaseType }
func (ph *PlanPhase) Duration() Duration { return ph.duration }
func (ph *PlanPhase) Fixed() *Fixed { return ph.fixed }
func (ph *PlanPhase) Recurring() *Recurring { return ph.recurring }
func (ph *PlanPhase) Usages() []Usage { return append([]Usage(nil), ph.usages...) }
func (ph *PlanPhase) Plan() *Plan { return ph.plan }

// Name returns the phase name derived from the plan name and phase type.
func (ph *PlanPhase) Name() string {
	return PhaseName(ph.plan.name, ph.phaseType)
}

// CompliesWithLimits checks value against the usage limits of the phase and
// then the limits of the plan's product.
func (ph *PlanPhase) CompliesWithLimits(unit string, value decimal.Decimal) bool {
	for _, u := range ph.usages {
		if !u.CompliesWithLimits(unit, value) {
			return false
		}
	}
	return ph.plan.product.CompliesWithLimits(unit, value)
}
