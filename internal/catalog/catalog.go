package catalog

import (
	"errors"
	"fmt"
)

// Lookup errors.
var (
	ErrPlanNotFound  = errors.New("plan not found")
	ErrPhaseNotFound = errors.New("phase not found")
)

// Catalog is a validated set of products and plans.
type Catalog struct {
	name         string
	products     map[string]*Product
	productOrder []string
	plans        map[string]*Plan
	order        []string

	// names seen more than once, as "product x" or "plan y"
	duplicates []string
}

// New builds a catalog. Products and plans repeating an earlier name are
// not indexed; Validate reports them.
func New(name string, products []*Product, plans []*Plan) *Catalog {
	c := &Catalog{
		name:     name,
		products: make(map[string]*Product, len(products)),
		plans:    make(map[string]*Plan, len(plans)),
	}
	for _, p := range products {
		if _, ok := c.products[p.Name]; ok {
			c.duplicates = append(c.duplicates, "product "+p.Name)
			continue
		}
		c.products[p.Name] = p
		c.productOrder = append(c.productOrder, p.Name)
	}
	for _, p := range plans {
		if _, ok := c.plans[p.name]; ok {
			c.duplicates = append(c.duplicates, "plan "+p.name)
			continue
		}
		c.plans[p.name] = p
		c.order = append(c.order, p.name)
	}
	return c
}

// Name returns the catalog name.
func (c *Catalog) Name() string { return c.name }

// Product returns the product called name.
func (c *Catalog) Product(name string) (*Product, bool) {
	p, ok := c.products[name]
	return p, ok
}

// Plans returns the plans in document order.
func (c *Catalog) Plans() []*Plan {
	plans := make([]*Plan, 0, len(c.order))
	for _, name := range c.order {
		plans = append(plans, c.plans[name])
	}
	return plans
}

// Plan returns the plan called name.
func (c *Catalog) Plan(name string) (*Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPlanNotFound, name)
	}
	return p, nil
}

// FindPhase resolves a phase name such as "gold-monthly-trial".
func (c *Catalog) FindPhase(phaseName string) (*PlanPhase, error) {
	planName, err := PlanName(phaseName)
	if err != nil {
		return nil, err
	}
	plan, err := c.Plan(planName)
	if err != nil {
		return nil, err
	}
	for _, ph := range plan.phases {
		if ph.Name() == phaseName {
			return ph, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrPhaseNotFound, phaseName)
}

// Validate checks every product, plan and phase.
func (c *Catalog) Validate() ValidationErrors {
	var errs ValidationErrors
	for _, object := range c.duplicates {
		errs.Add(KindDuplicateName, object, "name is defined more than once")
	}
	for _, name := range c.productOrder {
		p := c.products[name]
		validateLimits(&errs, "product "+p.Name, p.Limits)
	}
	for _, plan := range c.Plans() {
		object := "plan " + plan.name
		if plan.product == nil {
			errs.Add(KindUnknownProduct, object, "plan has no product")
		}
		if len(plan.phases) == 0 {
			errs.Add(KindMissingPricing, object, "plan has no phases")
		}
		seen := map[PhaseType]bool{}
		for _, ph := range plan.phases {
			if seen[ph.phaseType] {
				errs.Add(KindDuplicateName, object, "phase %s is defined twice", ph.phaseType)
			}
			seen[ph.phaseType] = true
			errs = append(errs, ph.Validate()...)
		}
	}
	return errs
}
