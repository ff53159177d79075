package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// ErrInvalidDocument is returned when a catalog document cannot be read or parsed.
var ErrInvalidDocument = errors.New("invalid catalog document")

// Document types mirror the YAML layout. Amounts are strings so that they
// keep their exact decimal representation.
type document struct {
	Name     string       `koanf:"name"`
	Products []productDoc `koanf:"products"`
	Plans    []planDoc    `koanf:"plans"`
}

type productDoc struct {
	Name     string     `koanf:"name"`
	Category string     `koanf:"category"`
	Limits   []limitDoc `koanf:"limits"`
}

type limitDoc struct {
	Unit string `koanf:"unit"`
	Min  string `koanf:"min"`
	Max  string `koanf:"max"`
}

type planDoc struct {
	Name    string     `koanf:"name"`
	Product string     `koanf:"product"`
	Phases  []phaseDoc `koanf:"phases"`
}

type phaseDoc struct {
	Type     string `koanf:"type"`
	Duration struct {
		Unit   string `koanf:"unit"`
		Number int    `koanf:"number"`
	} `koanf:"duration"`
	Fixed     *pricesDoc `koanf:"fixed"`
	Recurring *pricesDoc `koanf:"recurring"`
	Usages    []usageDoc `koanf:"usages"`
}

type pricesDoc struct {
	BillingPeriod string     `koanf:"billing_period"`
	Prices        []priceDoc `koanf:"prices"`
}

type priceDoc struct {
	Currency string `koanf:"currency"`
	Value    string `koanf:"value"`
}

type usageDoc struct {
	Name        string     `koanf:"name"`
	BillingMode string     `koanf:"billing_mode"`
	Limits      []limitDoc `koanf:"limits"`
}

// Load reads a YAML catalog from provider, builds it and validates it.
// When validation fails the catalog is returned together with the
// ValidationErrors.
func Load(provider koanf.Provider) (*Catalog, error) {
	k := koanf.New(".")
	if err := k.Load(provider, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	var errs ValidationErrors
	c := doc.build(&errs)
	errs = append(errs, c.Validate()...)
	return c, errs.Err()
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	return Load(file.Provider(path))
}

func parseDecimal(errs *ValidationErrors, kind ErrorKind, object, field, raw string) decimal.NullDecimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		errs.Add(kind, object, "%s %q is not a decimal", field, raw)
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func buildLimits(errs *ValidationErrors, object string, docs []limitDoc) []Limit {
	limits := make([]Limit, 0, len(docs))
	for _, d := range docs {
		limits = append(limits, Limit{
			Unit: d.Unit,
			Min:  parseDecimal(errs, KindInvalidLimit, object, "min", d.Min),
			Max:  parseDecimal(errs, KindInvalidLimit, object, "max", d.Max),
		})
	}
	return limits
}

func buildPrices(errs *ValidationErrors, object string, docs []priceDoc) []Price {
	prices := make([]Price, 0, len(docs))
	for _, d := range docs {
		v := parseDecimal(errs, KindInvalidPrice, object, "value", d.Value)
		if !v.Valid {
			if strings.TrimSpace(d.Value) == "" {
				errs.Add(KindInvalidPrice, object, "price in %s has no value", d.Currency)
			}
			continue
		}
		prices = append(prices, Price{Currency: strings.ToUpper(d.Currency), Value: v.Decimal})
	}
	return prices
}

func (doc document) build(errs *ValidationErrors) *Catalog {
	products := make([]*Product, 0, len(doc.Products))
	byName := make(map[string]*Product, len(doc.Products))
	for _, d := range doc.Products {
		p := &Product{
			Name:     d.Name,
			Category: d.Category,
			Limits:   buildLimits(errs, "product "+d.Name, d.Limits),
		}
		products = append(products, p)
		if _, ok := byName[d.Name]; !ok {
			byName[d.Name] = p
		}
	}

	plans := make([]*Plan, 0, len(doc.Plans))
	for _, d := range doc.Plans {
		// An unknown product leaves the plan without one; Validate reports it.
		product := byName[d.Product]

		specs := make([]PhaseSpec, 0, len(d.Phases))
		for _, pd := range d.Phases {
			t := PhaseType(strings.ToUpper(pd.Type))
			object := "phase " + PhaseName(d.Name, t)
			spec := PhaseSpec{
				Type:     t,
				Duration: Duration{Unit: TimeUnit(strings.ToUpper(pd.Duration.Unit)), Number: pd.Duration.Number},
			}
			if pd.Fixed != nil {
				spec.Fixed = &Fixed{Prices: buildPrices(errs, object+" fixed", pd.Fixed.Prices)}
			}
			if pd.Recurring != nil {
				spec.Recurring = &Recurring{
					BillingPeriod: BillingPeriod(strings.ToUpper(pd.Recurring.BillingPeriod)),
					Prices:        buildPrices(errs, object+" recurring", pd.Recurring.Prices),
				}
			}
			for _, ud := range pd.Usages {
				spec.Usages = append(spec.Usages, Usage{
					Name:        ud.Name,
					BillingMode: ud.BillingMode,
					Limits:      buildLimits(errs, object+" usage "+ud.Name, ud.Limits),
				})
			}
			specs = append(specs, spec)
		}
		plans = append(plans, NewPlan(d.Name, product, specs...))
	}

	return New(doc.Name, products, plans)
}
