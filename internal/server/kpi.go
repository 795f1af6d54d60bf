package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// kpiStripQuery renders the fixed quarter-to-date KPI query. The stage
// predicates come from the rule set; currency/entity/country are bound
// as parameters (three CTEs, nine placeholders).
func kpiStripQuery(stagePredicate, pipelinePredicate string) string {
	return fmt.Sprintf(`
WITH current_quarter AS (
  SELECT
    MIN(dd.calendar_date) AS q_start,
    MAX(dd.calendar_date) AS q_end,
    MAX(dd.calendar_year) AS q_year,
    MAX(dd.calendar_quarter) AS q_quarter
  FROM dw.DimDate dd
  WHERE dd.calendar_year = YEAR(GETDATE())
    AND dd.calendar_quarter = DATEPART(QUARTER, GETDATE())
),
actuals AS (
  SELECT
    SUM(ber.revenue_fx) / 1000.0 AS revenue_k,
    SUM(ber.margin_fx) / 1000.0 AS margin_k
  FROM grp.FactSale fs
  JOIN grp.BridgeExchangeRate ber ON fs.sale_key = ber.sale_key
  JOIN dw.DimExchangeRate der ON ber.exchange_rate_key = der.exchange_rate_key
  JOIN grp.DimLegalEntity dle ON fs.legal_entity_id = dle.legal_entity_id
  JOIN dw.DimDate dd ON fs.close_date_key = dd.date_key
  JOIN grp.DimDealStage ds ON fs.deal_stage_key = ds.deal_stage_key
  CROSS JOIN current_quarter cq
  WHERE der.reporting_currency_code = @p1
    AND dle.legal_entity_name = @p2
    AND dle.country_code = @p3
    AND dd.calendar_date >= cq.q_start
    AND dd.calendar_date <= cq.q_end
    AND (%s)
),
budget AS (
  SELECT
    SUM(bber.revenue_fx) / 1000.0 AS budget_revenue_k
  FROM dw.FactBudget fb
  JOIN grp.BridgeBudgetExchangeRate bber ON fb.budget_key = bber.budget_key
  JOIN dw.DimExchangeRate der ON bber.exchange_rate_key = der.exchange_rate_key
  JOIN grp.DimLegalEntity dle ON fb.legal_entity_id = dle.legal_entity_id
  JOIN dw.DimDate dd ON fb.month_end_date_key = dd.date_key
  CROSS JOIN current_quarter cq
  WHERE der.reporting_currency_code = @p4
    AND dle.legal_entity_name = @p5
    AND dle.country_code = @p6
    AND dd.calendar_year = cq.q_year
    AND dd.calendar_quarter = cq.q_quarter
),
pipeline AS (
  SELECT
    SUM(ber.revenue_fx) / 1000.0 AS pipeline_k
  FROM grp.FactSale fs
  JOIN grp.BridgeExchangeRate ber ON fs.sale_key = ber.sale_key
  JOIN dw.DimExchangeRate der ON ber.exchange_rate_key = der.exchange_rate_key
  JOIN grp.DimLegalEntity dle ON fs.legal_entity_id = dle.legal_entity_id
  JOIN dw.DimDate dd ON fs.close_date_key = dd.date_key
  JOIN grp.DimDealStage ds ON fs.deal_stage_key = ds.deal_stage_key
  CROSS JOIN current_quarter cq
  WHERE der.reporting_currency_code = @p7
    AND dle.legal_entity_name = @p8
    AND dle.country_code = @p9
    AND dd.calendar_date >= cq.q_start
    AND dd.calendar_date <= cq.q_end
    AND (%s)
)
SELECT
  a.revenue_k,
  a.margin_k,
  b.budget_revenue_k,
  (b.budget_revenue_k - a.revenue_k) AS gap_k,
  CASE WHEN b.budget_revenue_k = 0 THEN NULL ELSE p.pipeline_k / b.budget_revenue_k END AS coverage_ratio
FROM actuals a
CROSS JOIN budget b
CROSS JOIN pipeline p`, stagePredicate, pipelinePredicate)
}

func asFloat(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case []byte:
		var f float64
		if _, err := fmt.Sscanf(string(t), "%g", &f); err != nil {
			return nil
		}
		return f
	default:
		return nil
	}
}

func (s *Server) handleKPIStrip(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	region := s.rules.NormalizeRegion(query.Get("region"))
	countryCode := s.rules.CountryCodeForRegion(region)
	reportingCurrency := s.rules.NormalizeReportingCurrency(query.Get("reporting_currency"))
	stageBucket := s.rules.NormalizeStageBucket(query.Get("stage_bucket"))

	stageSQL := s.rules.StageBucketPredicate(stageBucket, "ds")
	pipelineSQL := s.rules.StageBucketPredicate("pipeline", "ds")
	entityName := strings.ReplaceAll(s.rules.LegalEntityName(), "'", "''")

	sqlText := kpiStripQuery(stageSQL, pipelineSQL)
	_, rows, err := s.warehouse.Query(r.Context(), sqlText,
		reportingCurrency, entityName, countryCode,
		reportingCurrency, entityName, countryCode,
		reportingCurrency, entityName, countryCode)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load KPI strip", err)
		return
	}

	kpis := map[string]any{
		"revenue_k":        nil,
		"margin_k":         nil,
		"budget_revenue_k": nil,
		"gap_k":            nil,
		"coverage_ratio":   nil,
	}
	if len(rows) > 0 && len(rows[0]) >= 5 {
		row := rows[0]
		kpis["revenue_k"] = asFloat(row[0])
		kpis["margin_k"] = asFloat(row[1])
		kpis["budget_revenue_k"] = asFloat(row[2])
		kpis["gap_k"] = asFloat(row[3])
		kpis["coverage_ratio"] = asFloat(row[4])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"quarter":            quarterLabel(time.Now().UTC()),
		"region":             region,
		"reporting_currency": reportingCurrency,
		"stage_bucket":       stageBucket,
		"kpis":               kpis,
	})
}
