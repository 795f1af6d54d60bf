// Package rules provides the business-rule set that governs SQL generation:
// allowed regions/currencies/stage buckets, region mappings, the legal-entity
// constraint, and stage-bucket filter policies. Rules load from an external
// JSON document with a short TTL cache and fall back to built-in defaults
// when the document is absent or malformed. Nothing in this package returns
// an error; every input degrades to a safe default.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StageRule is a named deal-stage filter policy.
type StageRule struct {
	Mode   string   `json:"mode"` // none, in, not_in
	Values []string `json:"values"`
}

// RuleSet is the full business-rule document shape.
type RuleSet struct {
	Defaults    Defaults             `json:"defaults"`
	Allowed     Allowed              `json:"allowed"`
	Mappings    Mappings             `json:"mappings"`
	Constraints Constraints          `json:"constraints"`
	StageBuckets map[string]StageRule `json:"stage_buckets"`
}

// Defaults holds the fallback values used when a raw input is not allowed.
type Defaults struct {
	Region            string `json:"region"`
	ReportingCurrency string `json:"reporting_currency"`
	StageBucket       string `json:"stage_bucket"`
}

// Allowed holds the allow-lists for normalization.
type Allowed struct {
	Regions             []string `json:"regions"`
	ReportingCurrencies []string `json:"reporting_currencies"`
	StageBuckets        []string `json:"stage_buckets"`
}

// Mappings holds region lookups.
type Mappings struct {
	RegionToCountryCode    map[string]string `json:"region_to_country_code"`
	RegionToCurrencySymbol map[string]string `json:"region_to_currency_symbol"`
}

// Constraints holds hard constraints injected into every generated query.
type Constraints struct {
	LegalEntityName string `json:"legal_entity_name"`
}

// DefaultRuleSet returns the built-in rule set used when the external
// document is unavailable.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Defaults: Defaults{
			Region:            "GBR",
			ReportingCurrency: "GBP",
			StageBucket:       "not_applied",
		},
		Allowed: Allowed{
			Regions:             []string{"GBR", "CAN"},
			ReportingCurrencies: []string{"GBP", "CAD"},
			StageBuckets: []string{
				"not_applied", "closed_won_forecast", "forecast",
				"bridge", "upside", "closed_won", "pipeline",
			},
		},
		Mappings: Mappings{
			RegionToCountryCode:    map[string]string{"GBR": "GBR", "CAN": "CAN"},
			RegionToCurrencySymbol: map[string]string{"GBP": "£", "CAD": "C$"},
		},
		Constraints: Constraints{LegalEntityName: "HubSpot"},
		StageBuckets: map[string]StageRule{
			"not_applied":         {Mode: "none", Values: []string{}},
			"closed_won":          {Mode: "in", Values: []string{"Closed Won"}},
			"closed_won_forecast": {Mode: "in", Values: []string{"Closed Won", "Signing", "In Finalization / Purchasing"}},
			"forecast":            {Mode: "in", Values: []string{"Signing", "In Finalization / Purchasing"}},
			"bridge":              {Mode: "in", Values: []string{"In Negotiation", "Proposal / Price Quote"}},
			"upside":              {Mode: "in", Values: []string{"Presales / Solution Architecture", "Suspect Qualified"}},
			"pipeline":            {Mode: "not_in", Values: []string{"Closed Won", "Closed Lost"}},
		},
	}
}

// Provider serves consistent rule-set snapshots with a TTL cache. The
// document on disk can be edited at any time; changes become visible within
// one TTL window. A malformed or missing document keeps the last-known-good
// snapshot (or the built-in default on first load).
type Provider struct {
	path   string
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.RWMutex
	cached   RuleSet
	loadedAt time.Time
}

// NewProvider creates a rule provider backed by the document at path.
func NewProvider(path string, ttl time.Duration, logger *zap.Logger) *Provider {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		path:   path,
		ttl:    ttl,
		logger: logger.Named("rules"),
		cached: DefaultRuleSet(),
	}
}

// Current returns a rule-set snapshot, refreshing from disk when the cached
// copy is older than the TTL.
func (p *Provider) Current() RuleSet {
	p.mu.RLock()
	if !p.loadedAt.IsZero() && time.Since(p.loadedAt) < p.ttl {
		rs := p.cached
		p.mu.RUnlock()
		return rs
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loadedAt.IsZero() && time.Since(p.loadedAt) < p.ttl {
		return p.cached
	}
	if rs, err := p.loadFromDisk(); err == nil {
		p.cached = rs
	} else if !os.IsNotExist(err) {
		p.logger.Warn("business rules document unreadable, keeping previous rules",
			zap.String("path", p.path), zap.Error(err))
	}
	p.loadedAt = time.Now()
	return p.cached
}

func (p *Provider) loadFromDisk() (RuleSet, error) {
	if p.path == "" {
		return RuleSet{}, os.ErrNotExist
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return RuleSet{}, err
	}
	var rs RuleSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse %s: %w", p.path, err)
	}
	return rs, nil
}

// NormalizeRegion maps a raw region input to an allowed region code, falling
// back to the configured default.
func (p *Provider) NormalizeRegion(region string) string {
	rs := p.Current()
	code := strings.ToUpper(strings.TrimSpace(region))
	for _, allowed := range rs.Allowed.Regions {
		if code == allowed {
			return code
		}
	}
	return strings.ToUpper(rs.Defaults.Region)
}

// NormalizeReportingCurrency maps a raw currency input to an allowed
// reporting currency, falling back to the configured default.
func (p *Provider) NormalizeReportingCurrency(code string) string {
	rs := p.Current()
	value := strings.ToUpper(strings.TrimSpace(code))
	for _, allowed := range rs.Allowed.ReportingCurrencies {
		if value == allowed {
			return value
		}
	}
	return strings.ToUpper(rs.Defaults.ReportingCurrency)
}

// NormalizeStageBucket maps a raw stage-bucket input to an allowed bucket
// name, falling back to the configured default. Spaces map to underscores.
func (p *Provider) NormalizeStageBucket(bucket string) string {
	rs := p.Current()
	value := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(bucket)), " ", "_")
	for _, allowed := range rs.Allowed.StageBuckets {
		if value == allowed {
			return value
		}
	}
	return strings.ToLower(rs.Defaults.StageBucket)
}

// CountryCodeForRegion resolves the warehouse country code for a region.
func (p *Provider) CountryCodeForRegion(region string) string {
	rs := p.Current()
	if mapped, ok := rs.Mappings.RegionToCountryCode[region]; ok {
		return strings.ToUpper(mapped)
	}
	return strings.ToUpper(region)
}

// LegalEntityName returns the mandatory legal-entity filter value.
func (p *Provider) LegalEntityName() string {
	name := p.Current().Constraints.LegalEntityName
	if name == "" {
		return "HubSpot"
	}
	return name
}

// StageBucket returns the rule for the named bucket. Unknown buckets get an
// empty rule, which downstream code treats as "no filter".
func (p *Provider) StageBucket(bucket string) StageRule {
	return p.Current().StageBuckets[bucket]
}

// StageBucketRuleText renders the bucket's semantics as a prose+SQL hint for
// prompt injection.
func (p *Provider) StageBucketRuleText(bucket string) string {
	rule := p.StageBucket(bucket)
	mode := strings.ToLower(rule.Mode)
	if mode == "" {
		mode = "in"
	}
	if mode == "none" {
		return "No stage bucket filter selected. Do not force a stage filter unless explicitly required by intent."
	}
	if len(rule.Values) == 0 {
		return "No stage filter."
	}
	quoted := quoteList(rule.Values)
	if mode == "not_in" {
		return fmt.Sprintf("ds.deal_stage_name NOT IN (%s)", quoted)
	}
	return fmt.Sprintf("ds.deal_stage_name IN (%s)", quoted)
}

// StageBucketPredicate emits a boolean SQL fragment for the bucket against
// the given dimension alias. Mode none and empty value lists yield the
// always-true predicate.
func (p *Provider) StageBucketPredicate(bucket, alias string) string {
	rule := p.StageBucket(bucket)
	mode := strings.ToLower(rule.Mode)
	if mode == "" {
		mode = "none"
	}
	if mode == "none" || len(rule.Values) == 0 {
		return "1=1"
	}
	col := alias + ".deal_stage_name"
	quoted := quoteList(rule.Values)
	if mode == "not_in" {
		return fmt.Sprintf("%s NOT IN (%s)", col, quoted)
	}
	return fmt.Sprintf("%s IN (%s)", col, quoted)
}

// CurrencySymbol returns the display symbol for a reporting currency.
func (p *Provider) CurrencySymbol(currency string) string {
	if sym, ok := p.Current().Mappings.RegionToCurrencySymbol[currency]; ok {
		return sym
	}
	return currency
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, ", ")
}
