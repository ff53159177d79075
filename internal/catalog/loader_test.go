package catalog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
)

const goldCatalog = `
name: default
products:
  - name: Gold
    category: BASE
    limits:
      - unit: seats
        max: "10"
plans:
  - name: gold-monthly
    product: Gold
    phases:
      - type: trial
        duration:
          unit: days
          number: 30
        fixed:
          prices:
            - currency: usd
              value: "0"
      - type: evergreen
        duration:
          unit: unlimited
        recurring:
          billing_period: monthly
          prices:
            - currency: USD
              value: "9.99"
            - currency: EUR
              value: "8.50"
`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	c, err := LoadFile(writeCatalog(t, goldCatalog))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if c.Name() != "default" {
		t.Errorf("Name() = %q, want default", c.Name())
	}

	plan, err := c.Plan("gold-monthly")
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if plan.Product().Name != "Gold" {
		t.Errorf("product = %q, want Gold", plan.Product().Name)
	}
	if len(plan.Phases()) != 2 {
		t.Fatalf("phases = %d, want 2", len(plan.Phases()))
	}

	trial, err := c.FindPhase("gold-monthly-trial")
	if err != nil {
		t.Fatalf("FindPhase() error = %v", err)
	}
	if d := trial.Duration(); d.Unit != UnitDays || d.Number != 30 {
		t.Errorf("trial duration = %+v", d)
	}
	if got := trial.Fixed().Prices[0].Currency; got != "USD" {
		t.Errorf("currency = %q, want USD", got)
	}

	evergreen, _ := plan.Phase(PhaseEvergreen)
	rec := evergreen.Recurring()
	if rec == nil || rec.BillingPeriod != BillingMonthly {
		t.Fatalf("recurring = %+v", rec)
	}
	if !rec.Prices[0].Value.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("price = %s, want 9.99", rec.Prices[0].Value)
	}
	if evergreen.CompliesWithLimits("seats", decimal.NewFromInt(11)) {
		t.Error("product seat limit should apply to every phase")
	}
}

func TestLoadFile_ValidationErrors(t *testing.T) {
	body := `
name: broken
products:
  - name: Gold
plans:
  - name: gold
    product: Platinum
    phases:
      - type: trial
        duration:
          unit: days
          number: 7
      - type: evergreen
        duration:
          unit: unlimited
        fixed:
          prices:
            - currency: USD
              value: "ten"
`
	c, err := LoadFile(writeCatalog(t, body))
	if c == nil {
		t.Fatal("expected the catalog with its validation errors")
	}

	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %v", err)
	}
	for _, kind := range []ErrorKind{KindUnknownProduct, KindMissingPricing, KindInvalidPrice} {
		if !errs.HasKind(kind) {
			t.Errorf("expected %s in %v", kind, errs)
		}
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

type fakeS3 struct {
	objects map[string]string
	bucket  string
	key     string
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	body, ok := f.objects[f.bucket+"/"+f.key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestLoadS3(t *testing.T) {
	client := &fakeS3{objects: map[string]string{"catalogs/default.yaml": goldCatalog}}

	c, err := LoadS3(context.Background(), client, "catalogs", "default.yaml")
	if err != nil {
		t.Fatalf("LoadS3() error = %v", err)
	}
	if _, err := c.Plan("gold-monthly"); err != nil {
		t.Errorf("Plan() error = %v", err)
	}

	_, err = LoadS3(context.Background(), client, "catalogs", "other.yaml")
	if !errors.Is(err, ErrInvalidDocument) {
		t.Errorf("expected ErrInvalidDocument, got %v", err)
	}
	if client.key != "other.yaml" {
		t.Errorf("requested key = %q", client.key)
	}
}

func TestNewS3Client(t *testing.T) {
	if _, err := NewS3Client(S3Config{SecretAccessKey: "secret"}); err == nil {
		t.Error("expected error for missing access key")
	}
	if _, err := NewS3Client(S3Config{AccessKeyID: "id"}); err == nil {
		t.Error("expected error for missing secret")
	}

	client, err := NewS3Client(S3Config{AccessKeyID: "id", SecretAccessKey: "secret", Endpoint: "http://localhost:9000"})
	if err != nil {
		t.Fatalf("NewS3Client() error = %v", err)
	}
	opts := client.Options()
	if opts.Region != "auto" || !opts.UsePathStyle {
		t.Errorf("options region=%q pathStyle=%v", opts.Region, opts.UsePathStyle)
	}
}
