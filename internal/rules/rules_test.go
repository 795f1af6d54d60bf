package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	return NewProvider(filepath.Join(t.TempDir(), "business_rules.json"), time.Minute, zap.NewNop())
}

func TestNormalizeStageBucket(t *testing.T) {
	p := newTestProvider(t)

	cases := []struct {
		in   string
		want string
	}{
		{"pipeline", "pipeline"},
		{"PIPELINE", "pipeline"},
		{"  Closed Won  ", "closed_won"},
		{"closed won forecast", "closed_won_forecast"},
		{"", "not_applied"},
		{"bogus", "not_applied"},
		{"drop table", "not_applied"},
	}
	for _, tc := range cases {
		if got := p.NormalizeStageBucket(tc.in); got != tc.want {
			t.Errorf("NormalizeStageBucket(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeRegionAndCurrency(t *testing.T) {
	p := newTestProvider(t)

	if got := p.NormalizeRegion(" can "); got != "CAN" {
		t.Errorf("NormalizeRegion(can) = %q, want CAN", got)
	}
	if got := p.NormalizeRegion("FRA"); got != "GBR" {
		t.Errorf("NormalizeRegion(FRA) = %q, want default GBR", got)
	}
	if got := p.NormalizeReportingCurrency("cad"); got != "CAD" {
		t.Errorf("NormalizeReportingCurrency(cad) = %q, want CAD", got)
	}
	if got := p.NormalizeReportingCurrency("EUR"); got != "GBP" {
		t.Errorf("NormalizeReportingCurrency(EUR) = %q, want default GBP", got)
	}
	if got := p.CountryCodeForRegion("GBR"); got != "GBR" {
		t.Errorf("CountryCodeForRegion(GBR) = %q, want GBR", got)
	}
}

func TestStageBucketPredicate(t *testing.T) {
	p := newTestProvider(t)

	if got := p.StageBucketPredicate("not_applied", "ds"); got != "1=1" {
		t.Errorf("predicate(not_applied) = %q, want 1=1", got)
	}
	if got := p.StageBucketPredicate("unknown_bucket", "ds"); got != "1=1" {
		t.Errorf("predicate(unknown) = %q, want 1=1", got)
	}

	got := p.StageBucketPredicate("pipeline", "ds")
	want := "ds.deal_stage_name NOT IN ('Closed Won', 'Closed Lost')"
	if got != want {
		t.Errorf("predicate(pipeline) = %q, want %q", got, want)
	}

	got = p.StageBucketPredicate("forecast", "st")
	want = "st.deal_stage_name IN ('Signing', 'In Finalization / Purchasing')"
	if got != want {
		t.Errorf("predicate(forecast) = %q, want %q", got, want)
	}

	// Every configured value appears exactly once, in order.
	got = p.StageBucketPredicate("bridge", "ds")
	if strings.Count(got, "'In Negotiation'") != 1 || strings.Count(got, "'Proposal / Price Quote'") != 1 {
		t.Errorf("predicate(bridge) values wrong: %q", got)
	}
	if strings.Index(got, "In Negotiation") > strings.Index(got, "Proposal") {
		t.Errorf("predicate(bridge) value order wrong: %q", got)
	}
}

func TestStageBucketRuleText(t *testing.T) {
	p := newTestProvider(t)

	if got := p.StageBucketRuleText("not_applied"); !strings.Contains(got, "No stage bucket filter") {
		t.Errorf("rule text(not_applied) = %q", got)
	}
	if got := p.StageBucketRuleText("closed_won"); got != "ds.deal_stage_name IN ('Closed Won')" {
		t.Errorf("rule text(closed_won) = %q", got)
	}
	if got := p.StageBucketRuleText("pipeline"); !strings.Contains(got, "NOT IN") {
		t.Errorf("rule text(pipeline) = %q", got)
	}
}

func TestProvider_DocumentOverridesAndTTL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "business_rules.json")
	doc := `{
		"defaults": {"region": "CAN", "reporting_currency": "CAD", "stage_bucket": "not_applied"},
		"allowed": {"regions": ["CAN"], "reporting_currencies": ["CAD"], "stage_buckets": ["not_applied"]},
		"mappings": {"region_to_country_code": {"CAN": "CAN"}},
		"constraints": {"legal_entity_name": "Acme"},
		"stage_buckets": {"not_applied": {"mode": "none", "values": []}}
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(path, time.Minute, zap.NewNop())
	if got := p.LegalEntityName(); got != "Acme" {
		t.Errorf("LegalEntityName = %q, want Acme from document", got)
	}
	if got := p.NormalizeRegion("GBR"); got != "CAN" {
		t.Errorf("NormalizeRegion(GBR) = %q, want document default CAN", got)
	}
}

func TestProvider_MalformedDocumentKeepsLastKnownGood(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "business_rules.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := NewProvider(path, time.Minute, zap.NewNop())
	if got := p.LegalEntityName(); got != "HubSpot" {
		t.Errorf("LegalEntityName = %q, want built-in default HubSpot", got)
	}
}
