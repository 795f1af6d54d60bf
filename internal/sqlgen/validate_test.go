package sqlgen

import (
	"errors"
	"strings"
	"testing"
	"time"

	"nlquery/internal/rules"
)

func TestValidateSQL(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "bare select unchanged",
			input: "SELECT 1 AS n",
			want:  "SELECT 1 AS n",
		},
		{
			name:  "trailing semicolon stripped",
			input: "SELECT 1;",
			want:  "SELECT 1",
		},
		{
			name:  "fenced sql block",
			input: "```sql\nSELECT revenue FROM grp.FactSale\n```",
			want:  "SELECT revenue FROM grp.FactSale",
		},
		{
			name:  "leading prose truncated",
			input: "Here is the query you asked for:\nSELECT 1",
			want:  "SELECT 1",
		},
		{
			name:  "with cte accepted",
			input: "WITH mtd AS (SELECT 1 AS n) SELECT n FROM mtd",
			want:  "WITH mtd AS (SELECT 1 AS n) SELECT n FROM mtd",
		},
		{
			name:  "cannot answer sentinel passes",
			input: "-- CANNOT_ANSWER",
			want:  "-- CANNOT_ANSWER",
		},
		{
			name:    "no select token",
			input:   "I am unable to help",
			wantErr: true,
		},
		{
			name:    "delete rejected",
			input:   "SELECT 1; DELETE FROM grp.FactSale",
			wantErr: true,
		},
		{
			name:    "drop in subquery rejected",
			input:   "SELECT 1 WHERE EXISTS (SELECT 1) DROP TABLE x",
			wantErr: true,
		},
		{
			name:    "limit rejected",
			input:   "SELECT n FROM t LIMIT 5",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateSQL(tt.input)
			if tt.wantErr {
				var safety *SafetyError
				if !errors.As(err, &safety) {
					t.Fatalf("want SafetyError, got %v (sql %q)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateSQL: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractSQLSnippet(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "SELECT 1", "SELECT 1"},
		{"fenced with language tag", "```sql\nSELECT 1\n```", "SELECT 1"},
		{"prose prefix", "Sure!\nWITH c AS (SELECT 1) SELECT * FROM c", "WITH c AS (SELECT 1) SELECT * FROM c"},
		{"no sql", "cannot help with that", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractSQLSnippet(tt.input); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

const compliantSQL = `SELECT SUM(fs.revenue_fx) / 1000.0 AS revenue_thousands
FROM grp.FactSale fs
JOIN grp.BridgeExchangeRate ber ON ber.sale_key = fs.sale_key
JOIN dw.DimExchangeRate der ON der.exchange_rate_key = ber.exchange_rate_key
JOIN grp.DimLegalEntity dle ON dle.legal_entity_key = fs.legal_entity_key
WHERE der.reporting_currency_code = 'GBP'
  AND dle.legal_entity_name = 'HubSpot'
  AND dle.country_code = 'GBR'`

const compliantStageSQL = compliantSQL + `
  AND fs.deal_stage_key IN (SELECT ds.deal_stage_key FROM grp.DimDealStage ds
    WHERE ds.deal_stage_name NOT IN ('Closed Won', 'Closed Lost'))`

func testRules() *rules.Provider {
	return rules.NewProvider("", time.Second, nil)
}

func TestEnforceRequirements(t *testing.T) {
	r := testRules()

	if v := EnforceRequirements(r, compliantSQL, "GBR", "GBP", "not_applied"); len(v) != 0 {
		t.Fatalf("compliant SQL flagged: %v", v)
	}
	if v := EnforceRequirements(r, CannotAnswer, "GBR", "GBP", "pipeline"); len(v) != 0 {
		t.Fatalf("sentinel must be exempt: %v", v)
	}

	missingEntity := strings.ReplaceAll(compliantSQL, "dle.legal_entity_name = 'HubSpot'", "1=1")
	v := EnforceRequirements(r, missingEntity, "GBR", "GBP", "not_applied")
	if len(v) != 1 || !strings.Contains(v[0], "dle.legal_entity_name") || !strings.Contains(v[0], "hubspot") {
		t.Fatalf("missing legal entity not reported: %v", v)
	}

	// Bracket-quoted identifiers still satisfy the token scan.
	bracketed := strings.ReplaceAll(compliantSQL, "grp.DimLegalEntity", "[grp].[DimLegalEntity]")
	if v := EnforceRequirements(r, bracketed, "GBR", "GBP", "not_applied"); len(v) != 0 {
		t.Fatalf("bracketed identifiers flagged: %v", v)
	}

	v = EnforceRequirements(r, compliantSQL+"\nORDER BY 1 LIMIT 10", "GBR", "GBP", "not_applied")
	found := false
	for _, item := range v {
		if strings.Contains(item, "does not support LIMIT") {
			found = true
		}
	}
	if !found {
		t.Fatalf("LIMIT not reported: %v", v)
	}
}

func TestEnforceRequirementsStageBucket(t *testing.T) {
	r := testRules()

	if v := EnforceRequirements(r, compliantStageSQL, "GBR", "GBP", "pipeline"); len(v) != 0 {
		t.Fatalf("compliant stage SQL flagged: %v", v)
	}

	// No stage join at all.
	v := EnforceRequirements(r, compliantSQL, "GBR", "GBP", "pipeline")
	var joined string
	for _, item := range v {
		joined += item + "\n"
	}
	if !strings.Contains(joined, "grp.dimdealstage") {
		t.Fatalf("missing stage join not reported: %v", v)
	}
	if !strings.Contains(joined, "closed won") || !strings.Contains(joined, "closed lost") {
		t.Fatalf("missing stage values not reported: %v", v)
	}

	// IN instead of NOT IN for a not_in bucket.
	wrongMode := strings.ReplaceAll(compliantStageSQL, "NOT IN ('Closed Won', 'Closed Lost')", "IN ('Closed Won', 'Closed Lost')")
	v = EnforceRequirements(r, wrongMode, "GBR", "GBP", "pipeline")
	found := false
	for _, item := range v {
		if strings.Contains(item, "must use NOT IN") {
			found = true
		}
	}
	if !found {
		t.Fatalf("wrong stage mode not reported: %v", v)
	}
}

func TestEnforceAnalytics(t *testing.T) {
	if v := EnforceAnalytics("are we on track against budget", "SELECT 1 FROM grp.FactSale"); len(v) != 1 {
		t.Fatalf("budget question without budget source must be flagged: %v", v)
	}
	if v := EnforceAnalytics("are we on track against budget", "SELECT 1 FROM dw.FactBudget"); len(v) != 0 {
		t.Fatalf("budget source present but flagged: %v", v)
	}
	if v := EnforceAnalytics("show revenue by month", "SELECT 1 FROM grp.FactSale"); len(v) != 0 {
		t.Fatalf("non-budget question flagged: %v", v)
	}
	if v := EnforceAnalytics("are we behind target", CannotAnswer); len(v) != 0 {
		t.Fatalf("sentinel must be exempt: %v", v)
	}
}
