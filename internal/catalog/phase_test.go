package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func goldPlan(specs ...PhaseSpec) *Plan {
	return NewPlan("gold", &Product{Name: "Gold"}, specs...)
}

func TestPlanPhase_ValidateRequiresPricing(t *testing.T) {
	plan := goldPlan(PhaseSpec{Type: PhaseTrial, Duration: Duration{Unit: UnitDays, Number: 30}})
	ph, _ := plan.Phase(PhaseTrial)

	errs := ph.Validate()
	if !errs.HasKind(KindMissingPricing) {
		t.Fatalf("expected missing pricing error, got %v", errs)
	}
	msg := errs.Error()
	if !strings.Contains(msg, "TRIAL") || !strings.Contains(msg, "gold") {
		t.Errorf("message %q should name the phase type and plan", msg)
	}
}

func TestPlanPhase_ValidateFixedOnly(t *testing.T) {
	plan := goldPlan(PhaseSpec{
		Type:     PhaseTrial,
		Duration: Duration{Unit: UnitDays, Number: 14},
		Fixed:    &Fixed{Prices: []Price{{Currency: "USD", Value: decimal.Zero}}},
	})
	ph, _ := plan.Phase(PhaseTrial)
	if errs := ph.Validate(); len(errs) != 0 {
		t.Fatalf("fixed-only phase should validate, got %v", errs)
	}
}

func TestPlanPhase_Validate(t *testing.T) {
	monthly := &Recurring{BillingPeriod: BillingMonthly, Prices: []Price{{Currency: "USD", Value: decimal.RequireFromString("9.99")}}}

	tests := []struct {
		name string
		spec PhaseSpec
		kind ErrorKind
	}{
		{
			name: "unknown phase type",
			spec: PhaseSpec{Type: "WEEKEND", Duration: Duration{Unit: UnitUnlimited}, Recurring: monthly},
			kind: KindInvalidPhaseType,
		},
		{
			name: "zero duration",
			spec: PhaseSpec{Type: PhaseTrial, Duration: Duration{Unit: UnitDays}, Recurring: monthly},
			kind: KindInvalidDuration,
		},
		{
			name: "unknown duration unit",
			spec: PhaseSpec{Type: PhaseTrial, Duration: Duration{Unit: "FORTNIGHTS", Number: 1}, Recurring: monthly},
			kind: KindInvalidDuration,
		},
		{
			name: "negative price",
			spec: PhaseSpec{
				Type:     PhaseEvergreen,
				Duration: Duration{Unit: UnitUnlimited},
				Fixed:    &Fixed{Prices: []Price{{Currency: "USD", Value: decimal.NewFromInt(-1)}}},
			},
			kind: KindInvalidPrice,
		},
		{
			name: "currency priced twice",
			spec: PhaseSpec{
				Type:     PhaseEvergreen,
				Duration: Duration{Unit: UnitUnlimited},
				Fixed:    &Fixed{Prices: []Price{{Currency: "USD", Value: decimal.Zero}, {Currency: "USD", Value: decimal.Zero}}},
			},
			kind: KindInvalidPrice,
		},
		{
			name: "unknown billing period",
			spec: PhaseSpec{
				Type:      PhaseEvergreen,
				Duration:  Duration{Unit: UnitUnlimited},
				Recurring: &Recurring{BillingPeriod: "HOURLY", Prices: monthly.Prices},
			},
			kind: KindInvalidPeriod,
		},
		{
			name: "inverted usage limit",
			spec: PhaseSpec{
				Type:     PhaseEvergreen,
				Duration: Duration{Unit: UnitUnlimited},
				Usages: []Usage{{Name: "api-calls", Limits: []Limit{{
					Unit: "calls",
					Min:  decimal.NewNullDecimal(decimal.NewFromInt(10)),
					Max:  decimal.NewNullDecimal(decimal.NewFromInt(5)),
				}}}},
			},
			kind: KindInvalidLimit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ph := goldPlan(tt.spec).Phases()[0]
			errs := ph.Validate()
			if !errs.HasKind(tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, errs)
			}
		})
	}
}

func TestPhaseNameRoundTrip(t *testing.T) {
	for _, pt := range PhaseTypes {
		name := PhaseName("gold", pt)
		plan, err := PlanName(name)
		if err != nil {
			t.Fatalf("PlanName(%q) error = %v", name, err)
		}
		if plan != "gold" {
			t.Errorf("PlanName(%q) = %q, want gold", name, plan)
		}
	}
}

func TestPlanName(t *testing.T) {
	tests := []struct {
		phase   string
		want    string
		wantErr bool
	}{
		{phase: "gold-monthly-trial", want: "gold-monthly"},
		{phase: "gold-evergreen-trial", want: "gold-evergreen"},
		{phase: "basic-fixedterm", want: "basic"},
		{phase: "gold", wantErr: true},
		{phase: "-trial", wantErr: true},
		{phase: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.phase, func(t *testing.T) {
			got, err := PlanName(tt.phase)
			if tt.wantErr {
				if !errors.Is(err, ErrBadPhaseName) {
					t.Fatalf("expected ErrBadPhaseName, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("PlanName(%q) = %q, want %q", tt.phase, got, tt.want)
			}
		})
	}
}

func TestPlanPhase_CompliesWithLimits(t *testing.T) {
	product := &Product{Name: "Gold", Limits: []Limit{{Unit: "seats", Max: decimal.NewNullDecimal(decimal.NewFromInt(10))}}}
	plan := NewPlan("gold", product, PhaseSpec{
		Type:     PhaseEvergreen,
		Duration: Duration{Unit: UnitUnlimited},
		Usages: []Usage{{Name: "storage", Limits: []Limit{{
			Unit: "gb",
			Min:  decimal.NewNullDecimal(decimal.NewFromInt(1)),
			Max:  decimal.NewNullDecimal(decimal.NewFromInt(100)),
		}}}},
	})
	ph, _ := plan.Phase(PhaseEvergreen)

	tests := []struct {
		unit  string
		value int64
		want  bool
	}{
		{unit: "gb", value: 50, want: true},
		{unit: "gb", value: 0, want: false},
		{unit: "gb", value: 101, want: false},
		{unit: "seats", value: 10, want: true},
		{unit: "seats", value: 11, want: false},
		{unit: "cpus", value: 1000, want: true},
	}
	for _, tt := range tests {
		got := ph.CompliesWithLimits(tt.unit, decimal.NewFromInt(tt.value))
		if got != tt.want {
			t.Errorf("CompliesWithLimits(%s, %d) = %v, want %v", tt.unit, tt.value, got, tt.want)
		}
	}
}

func TestCatalog_FindPhase(t *testing.T) {
	plan := goldPlan(
		PhaseSpec{Type: PhaseTrial, Duration: Duration{Unit: UnitDays, Number: 30}, Fixed: &Fixed{}},
		PhaseSpec{Type: PhaseEvergreen, Duration: Duration{Unit: UnitUnlimited}, Fixed: &Fixed{}},
	)
	c := New("default", []*Product{plan.Product()}, []*Plan{plan})

	ph, err := c.FindPhase("gold-evergreen")
	if err != nil {
		t.Fatalf("FindPhase() error = %v", err)
	}
	if ph.Type() != PhaseEvergreen || ph.Plan() != plan {
		t.Errorf("FindPhase returned %s of %s", ph.Type(), ph.Plan().Name())
	}

	if _, err := c.FindPhase("gold-discount"); !errors.Is(err, ErrPhaseNotFound) {
		t.Errorf("expected ErrPhaseNotFound, got %v", err)
	}
	if _, err := c.FindPhase("silver-trial"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestCatalog_ValidateDuplicates(t *testing.T) {
	product := &Product{Name: "Gold"}
	spec := PhaseSpec{Type: PhaseEvergreen, Duration: Duration{Unit: UnitUnlimited}, Fixed: &Fixed{}}
	c := New("default",
		[]*Product{product, {Name: "Gold"}},
		[]*Plan{
			NewPlan("gold", product, spec, spec),
			NewPlan("gold", product, spec),
			NewPlan("orphan", nil, spec),
		},
	)

	errs := c.Validate()
	if !errs.HasKind(KindDuplicateName) {
		t.Errorf("expected duplicate name errors, got %v", errs)
	}
	if !errs.HasKind(KindUnknownProduct) {
		t.Errorf("expected unknown product error, got %v", errs)
	}
	if len(c.Plans()) != 2 {
		t.Errorf("Plans() len = %d, want 2", len(c.Plans()))
	}
}
