// Package prompt builds the model prompts used across the pipeline:
// intent planning, route classification, SQL generation, validation
// repair, and result narration. Builders are pure string assembly so
// every prompt is testable without a model.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"nlquery/internal/rules"
)

// Example is a validated question/SQL pair injected into the validator
// prompt. Generation prompts never embed examples; only the validator
// sees them.
type Example struct {
	Question string
	SQLText  string
}

// Builder assembles prompts against the current business rules.
type Builder struct {
	rules *rules.Provider
}

// NewBuilder returns a prompt builder bound to a rules provider.
func NewBuilder(r *rules.Provider) *Builder {
	return &Builder{rules: r}
}

const intentShape = `{
  "entity": null,
  "metric": null,
  "secondary_metric": null,
  "aggregation": null,
  "time_period": null,
  "filters": [],
  "group_by": [],
  "order_by": null,
  "limit": null,
  "threshold": null,
  "presentation": null
}`

const analyticsIntentShape = `{
  "entity": null,
  "metric": null,
  "secondary_metric": null,
  "aggregation": null,
  "time_period": null,
  "filters": [],
  "group_by": [],
  "order_by": null,
  "limit": null,
  "threshold": null,
  "presentation": null,
  "comparison_type": null,
  "goal_type": null,
  "analysis_mode": null
}`

const presentationSemantics = `presentation semantics:
- Use "text" for single KPI answers.
- Use "table" for grouped results or multi-metric answers.
- Use "bar" or "line" only when the user explicitly asks for a chart.`

const dateJoinRules = `Date Schema
date_key (int)
calendar_date (date)
calendar_year (smallint)
calendar_month (smallint)
calendar_quarter (smallint)
start_of_month_date (date)
end_of_month_date (date)
DATE JOIN RULES (MANDATORY):

- FactSale.close_date_key is INT and must join to dw.DimDate.date_key (INT).
- NEVER compare date_key (INT) to calendar_date (DATE).
- NEVER compare calendar_date to integer literals.
- Join pattern must always be:

JOIN dw.DimDate AS dd
    ON fs.close_date_key = dd.date_key

- All time filtering must use dd.calendar_year, dd.calendar_month, dd.calendar_quarter.
- Do NOT filter using dd.calendar_date unless comparing to DATE literal (e.g. '2024-01-01').
- For month-to-date, use dd.calendar_month = current month AND dd.calendar_year = current year`

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Intent builds the planning prompt for the normal route.
func (b *Builder) Intent(question, stageBucket string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert SQL planner. Convert the user question into a structured intent with these fields:\n")
	sb.WriteString("- entity\n- metric (single string)\n- secondary_metric (optional string when user asks for two metrics)\n")
	sb.WriteString("- aggregation\n- time_period\n- filters (list)\n- group_by (list)\n- order_by\n- limit\n- threshold\n- presentation\n\n")
	sb.WriteString("Use this exact JSON shape (keys must match):\n")
	sb.WriteString(intentShape)
	sb.WriteString("\n\nIf the user asks for multiple metrics (e.g., revenue and margin), set \"metric\" to the primary one and \"secondary_metric\" to the other.\n")
	sb.WriteString(presentationSemantics)
	sb.WriteString("\n\nUI-selected stage bucket rule (if selected):\n")
	fmt.Fprintf(&sb, "- %s\n", b.rules.StageBucketRuleText(stageBucket))
	sb.WriteString("If stage bucket is selected, include a filter object for deal_stage_name with operator in/not_in and exact values.\n\n")
	sb.WriteString("Output ONLY valid JSON, nothing else.\n\n")
	fmt.Fprintf(&sb, "User question: %s\n", question)
	return sb.String()
}

// AnalyticsIntent builds the planning prompt for the analytics route,
// which adds comparison/goal/analysis-mode fields.
func (b *Builder) AnalyticsIntent(question, stageBucket string) string {
	var sb strings.Builder
	sb.WriteString("You are an expert CRO analytics planner. Convert the user question into structured intent.\n")
	sb.WriteString("Include business-analysis semantics for target/budget/run-rate/scenario questions.\n")
	sb.WriteString("Use this exact JSON shape:\n")
	sb.WriteString(analyticsIntentShape)
	sb.WriteString("\nUI-selected stage bucket rule (if selected):\n")
	fmt.Fprintf(&sb, "- %s\n", b.rules.StageBucketRuleText(stageBucket))
	sb.WriteString("If stage bucket is selected, include a filter object for deal_stage_name with operator in/not_in and exact values.\n")
	sb.WriteString("If the user asks for multiple metrics (e.g., revenue and margin), set \"metric\" to the primary one and \"secondary_metric\" to the other.\n")
	sb.WriteString(presentationSemantics)
	sb.WriteString("\nOutput ONLY valid JSON.\n\n")
	fmt.Fprintf(&sb, "Question: %s\n", question)
	return sb.String()
}

// Router builds the route-classification prompt.
func (b *Builder) Router(question string) string {
	return "You are a routing classifier for a BI assistant.\n" +
		"Choose exactly one route:\n" +
		"- normal_intent: standard metric/time/filter/group questions\n" +
		"- analytics_agent: executive questions about target/budget/run rate/coverage/risk/scenario/prioritization\n\n" +
		"Return ONLY valid JSON:\n" +
		"{\n" +
		"  \"route\": \"normal_intent\" | \"analytics_agent\",\n" +
		"  \"reason\": \"short reason\"\n" +
		"}\n\n" +
		fmt.Sprintf("Question: %s\n", question)
}

// SQLFromIntent builds the generation prompt for the normal route.
// Examples are deliberately absent here; they inform the validator only.
func (b *Builder) SQLFromIntent(intent any, schemaText, countryCode, reportingCurrency, stageBucket string) string {
	var sb strings.Builder
	sb.WriteString("You are a SQL generator. Return ONLY SQL (no markdown, no commentary).\n")
	sb.WriteString("Dialect: Microsoft SQL Server (T-SQL). Do NOT use LIMIT.\n")
	sb.WriteString("Rules: SELECT queries only. Use ONLY the provided table/column names.\n")
	sb.WriteString("You MUST join dw.DimExchangeRate AS der and bridgexchangerate and include this filter in WHERE:\n")
	fmt.Fprintf(&sb, "- der.reporting_currency_code = '%s'\n", reportingCurrency)
	sb.WriteString("You MUST join grp.DimLegalEntity AS dle and include these filters in WHERE:\n")
	fmt.Fprintf(&sb, "- dle.legal_entity_name = '%s'\n", b.rules.LegalEntityName())
	fmt.Fprintf(&sb, "- dle.country_code = '%s'\n", countryCode)
	sb.WriteString("You MUST join grp.DimDealStage AS ds and include this stage rule in WHERE:\n")
	fmt.Fprintf(&sb, "- %s\n", b.rules.StageBucketRuleText(stageBucket))
	sb.WriteString("For revenue or margin outputs, always return values in THOUSANDS (divide by 1000.0).\n")
	sb.WriteString("Use aliases ending with _thousands for those fields.\n")
	sb.WriteString("Return thousands as whole numbers (no decimal places).\n\n")
	sb.WriteString("Schema and rules:\n")
	sb.WriteString(schemaText)
	sb.WriteString("\n\n")
	sb.WriteString(dateJoinRules)
	sb.WriteString("\n\nInput intent JSON:\n")
	sb.WriteString(marshalJSON(intent))
	sb.WriteString("\n\nTask: Generate a single T-SQL SELECT query that answers the intent.\n")
	return sb.String()
}

// SQLFromAnalytics builds the generation prompt for the analytics route.
// The output contract is two numeric columns from a pair of CTEs: actual
// month-to-date and budget for the full month.
func (b *Builder) SQLFromAnalytics(question string, intent any, schemaText, countryCode, reportingCurrency, stageBucket string) string {
	var sb strings.Builder
	sb.WriteString("You are an analytics SQL generator for executive revenue and budget questions.\n")
	sb.WriteString("Return ONLY one T-SQL SELECT query (no markdown, commentary, or JSON).\n")
	sb.WriteString("Dialect: Microsoft SQL Server (T-SQL). Do NOT use LIMIT.\n\n")
	fmt.Fprintf(&sb, "This question is about: %q\n\n", question)
	sb.WriteString("DEFINITIONS:\n")
	sb.WriteString("- actual_revenue_thousands: use grp.FactSale joined with grp.BridgeExchangeRate (revenue_fx) and dw.DimExchangeRate for reporting currency.\n")
	sb.WriteString("- budget_revenue_thousands: use dw.FactBudget joined with grp.BridgeBudgetExchangeRate (revenue_fx) and dw.DimExchangeRate.\n\n")
	sb.WriteString("- actual_margin_thousands: use grp.FactSale joined with grp.BridgeExchangeRate (margin_fx) and dw.DimExchangeRate for reporting currency.\n")
	sb.WriteString("- budget_margin_thousands: use dw.FactBudget joined with grp.BridgeBudgetExchangeRate (margin_fx) and dw.DimExchangeRate.\n\n")
	sb.WriteString("INCLUDE THESE FILTERS:\n")
	fmt.Fprintf(&sb, "- der.reporting_currency_code = '%s'\n", reportingCurrency)
	fmt.Fprintf(&sb, "- dle.legal_entity_name = '%s'\n", b.rules.LegalEntityName())
	fmt.Fprintf(&sb, "- dle.country_code = '%s'\n", countryCode)
	fmt.Fprintf(&sb, "- Stage bucket filter specified by intent (e.g., %s)\n\n", b.rules.StageBucketRuleText(stageBucket))
	sb.WriteString("TIME FILTERS:\n")
	sb.WriteString("- actual month-to-date = close_date between first day of current month and today's date.\n")
	sb.WriteString("- budget for the full current month.\n\n")
	sb.WriteString("REQUIREMENTS:\n")
	sb.WriteString("1) Use CTEs - one for actual MTD and one for budget full month.\n")
	sb.WriteString("2) Do NOT calculate run-rate or risk status in SQL - only return the two raw numbers.\n")
	sb.WriteString("3) Divide revenue values by 1000.0 and remove decimals.\n")
	sb.WriteString("4) Use only SELECT/WITH and valid T-SQL constructs.\n\n")
	sb.WriteString("Allowed tables:\n")
	sb.WriteString("grp.FactSale, grp.BridgeExchangeRate, dw.DimExchangeRate, grp.DimLegalEntity, dw.DimDate, grp.DimDealStage,\n")
	sb.WriteString("dw.FactBudget, grp.BridgeBudgetExchangeRate\n\n")
	sb.WriteString("Schema and rules:\n")
	sb.WriteString(dateJoinRules)
	sb.WriteString("\n")
	sb.WriteString(schemaText)
	sb.WriteString("\n\nIntent JSON:\n")
	sb.WriteString(marshalJSON(intent))
	sb.WriteString("\n\nUse BridgeExchangeRate and BudgetBridgeExchangeRate for currency conversion. Join with DimExchangeRate for reporting currency filter.\n\n")
	sb.WriteString("Generate ONLY the SQL that returns these two numeric columns.\n")
	return sb.String()
}

// Validator builds the validate-and-fix prompt for a proposed SQL
// statement. This is the only prompt that embeds few-shot examples.
func (b *Builder) Validator(question string, intent any, proposedSQL, countryCode, reportingCurrency, stageBucket string, examples []Example) string {
	var examplesBlock string
	if len(examples) > 0 {
		lines := []string{"Reference examples (validated):"}
		for i, ex := range examples {
			lines = append(lines,
				fmt.Sprintf("Example %d question: %s", i+1, ex.Question),
				"Example SQL:",
				strings.TrimSpace(ex.SQLText),
				"")
		}
		examplesBlock = strings.TrimSpace(strings.Join(lines, "\n")) + "\n\n"
	}

	var sb strings.Builder
	sb.WriteString("You are a SQL validator and fixer.\n")
	sb.WriteString("Task: validate the proposed SQL against question + intent + schema + hard constraints.\n")
	sb.WriteString("Return ONLY corrected T-SQL SELECT statement (no markdown, no commentary).\n")
	sb.WriteString("If SQL is already correct, return the same SQL.\n")
	sb.WriteString("Hard constraints:\n")
	sb.WriteString("- Must be T-SQL (no LIMIT).\n")
	sb.WriteString("- SELECT/WITH only.\n")
	sb.WriteString("- Must include dw.DimExchangeRate join/filter with reporting currency.\n")
	sb.WriteString("- Must include grp.DimLegalEntity join and filters.\n")
	fmt.Fprintf(&sb, "- reporting currency filter: der.reporting_currency_code = '%s'\n", reportingCurrency)
	fmt.Fprintf(&sb, "- legal entity filter: dle.legal_entity_name = '%s'\n", b.rules.LegalEntityName())
	fmt.Fprintf(&sb, "- country filter: dle.country_code = '%s'\n", countryCode)
	fmt.Fprintf(&sb, "- stage bucket rule: %s\n\n", b.rules.StageBucketRuleText(stageBucket))
	fmt.Fprintf(&sb, "Question: %s\n", question)
	fmt.Fprintf(&sb, "Intent JSON: %s\n\n", marshalJSON(intent))
	sb.WriteString(examplesBlock)
	sb.WriteString("Use intent fields as the source of truth for metric/time/filters/grouping.\n\n")
	sb.WriteString("Proposed SQL:\n")
	sb.WriteString(proposedSQL)
	sb.WriteString("\n\nReturn ONLY corrected SQL.\n")
	return sb.String()
}

// Narrative builds the result-summarization prompt. At most 20 rows are
// shown to the model.
func (b *Builder) Narrative(question string, columns []string, rows [][]any, reportingCurrency string) string {
	preview := rows
	if len(preview) > 20 {
		preview = preview[:20]
	}
	symbolDesc := "pound symbol (£)"
	symbolExample := "£12k"
	if reportingCurrency != "GBP" {
		symbolDesc = "Canadian dollar symbol (C$)"
		symbolExample = "C$12k"
	}
	return "You are a data analyst. Answer the user's question in natural language " +
		"based only on the provided query results. If the number of rows is 0, say No results found. " +
		"Otherwise summarize the results. " +
		fmt.Sprintf("If values are revenue/margin in thousands %s, format with %s and k (example: %s, no decimals).\n\n",
			reportingCurrency, symbolDesc, symbolExample) +
		fmt.Sprintf("Question: %s\n", question) +
		fmt.Sprintf("Columns (JSON): %s\n", marshalJSON(columns)) +
		fmt.Sprintf("Rows (JSON): %s\n", marshalJSON(preview))
}

// AnalyticsSummary builds the executive summary prompt over analytics
// engine outputs.
func (b *Builder) AnalyticsSummary(question, engineName string, kpis, tables any, reportingCurrency string) string {
	symbol := b.rules.CurrencySymbol(reportingCurrency)
	return "You are a CRO analytics assistant. Answer using ONLY provided analytics outputs.\n" +
		"Be concise, factual, and executive-focused.\n" +
		"If data is missing, state that clearly.\n" +
		fmt.Sprintf("Currency symbol: %s. Thousands format: %s123K (no decimals).\n\n", symbol, symbol) +
		fmt.Sprintf("Question: %s\n", question) +
		fmt.Sprintf("Engine: %s\n", engineName) +
		fmt.Sprintf("KPIs (JSON): %s\n", marshalJSON(kpis)) +
		fmt.Sprintf("Tables (JSON): %s\n\n", marshalJSON(tables)) +
		"Output format:\n" +
		"1) Direct answer (1-2 lines)\n" +
		"2) Key evidence (up to 3 bullets)\n" +
		"3) Risk/Opportunity (1 line)\n" +
		"4) Recommended action (1 line)\n"
}
