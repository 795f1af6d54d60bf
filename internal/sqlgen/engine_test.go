package sqlgen

import (
	"context"
	"errors"
	"strings"
	"testing"

	"nlquery/internal/planner"
	"nlquery/internal/prompt"
	"nlquery/internal/router"
	"nlquery/internal/store"
)

// scriptedLLM pops one response per Complete call and records the
// prompts it saw.
type scriptedLLM struct {
	responses []string
	prompts   []string
}

func (s *scriptedLLM) Complete(ctx context.Context, p string) (string, error) {
	s.prompts = append(s.prompts, p)
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) Narrative(ctx context.Context, p string) (string, error) {
	return s.Complete(ctx, p)
}

type staticSchema struct{}

func (staticSchema) SchemaText(ctx context.Context) (string, error) {
	return "Database schema:\nTable grp.FactSale: revenue_fx (decimal)", nil
}

type staticExamples struct {
	results []store.Scored
}

func (s staticExamples) FindSimilar(ctx context.Context, question string, topK int, minScore float64) ([]store.Scored, error) {
	return s.results, nil
}

func newEngine(llm LLM, examples ExampleFinder) *Engine {
	r := testRules()
	return NewEngine(llm, prompt.NewBuilder(r), r, staticSchema{}, examples, nil)
}

func testIntent() *planner.Intent {
	return &planner.Intent{Metric: "revenue", StageBucket: "not_applied"}
}

func TestGenerateAcceptsCompliantSQL(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"```sql\n" + compliantSQL + "\n```", // generation
		"",                                 // fixer pass silent
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != compliantSQL {
		t.Fatalf("SQL mangled:\n%s", res.SQL)
	}
	if res.RouteUsed != router.RouteNormal {
		t.Fatalf("route = %q", res.RouteUsed)
	}
	if res.GeneratorSQL != compliantSQL || res.ValidatedSQL != compliantSQL {
		t.Fatal("generator/validated variants not recorded")
	}
	if strings.Contains(res.Transcript, "[sql_validator]") {
		t.Fatal("silent fixer must not add a validator transcript")
	}
}

func TestGenerateRepairLoopConverges(t *testing.T) {
	broken := strings.ReplaceAll(compliantSQL, "dle.legal_entity_name = 'HubSpot'", "1=1")
	llm := &scriptedLLM{responses: []string{
		broken,       // attempt 1 generation
		"",           // attempt 1 fixer silent
		compliantSQL, // attempt 2 generation
		"",           // attempt 2 fixer silent
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != compliantSQL {
		t.Fatal("second attempt SQL not accepted")
	}

	// The retry prompt is the generation prompt extended with the
	// violation list and the rejected SQL.
	retryPrompt := llm.prompts[2]
	if !strings.Contains(retryPrompt, "Your previous SQL was INVALID") {
		t.Fatal("retry prompt missing violation preamble")
	}
	if !strings.Contains(retryPrompt, "hubspot") {
		t.Fatal("retry prompt missing violation detail")
	}
	if !strings.Contains(retryPrompt, "Previous SQL:") || !strings.Contains(retryPrompt, "1=1") {
		t.Fatal("retry prompt missing rejected SQL")
	}
}

func TestGenerateExhaustedReturnsConstraintError(t *testing.T) {
	broken := strings.ReplaceAll(compliantSQL, "dle.legal_entity_name = 'HubSpot'", "1=1")
	llm := &scriptedLLM{responses: []string{broken, "", broken, ""}}
	_, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")

	var constraint *ConstraintError
	if !errors.As(err, &constraint) {
		t.Fatalf("want ConstraintError, got %v", err)
	}
	if len(constraint.Violations) == 0 {
		t.Fatal("violations not carried on the terminal error")
	}
	if len(llm.prompts) != 4 {
		t.Fatalf("attempts = %d prompts, want 4 (2 generations + 2 fixer passes)", len(llm.prompts))
	}
}

func TestGenerateUnsafeSQLIsFatal(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"SELECT 1; DROP TABLE grp.FactSale"}}
	_, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "q", testIntent(), "GBR", "GBP", "not_applied")

	var safety *SafetyError
	if !errors.As(err, &safety) {
		t.Fatalf("want SafetyError, got %v", err)
	}
	if len(llm.prompts) != 1 {
		t.Fatalf("unsafe SQL must not be retried, got %d prompts", len(llm.prompts))
	}
}

func TestFixerOutputReplacesCandidate(t *testing.T) {
	broken := strings.ReplaceAll(compliantSQL, "dle.legal_entity_name = 'HubSpot'", "1=1")
	llm := &scriptedLLM{responses: []string{
		broken,       // generation
		compliantSQL, // fixer supplies the corrected statement
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.SQL != compliantSQL {
		t.Fatal("fixer output not adopted")
	}
	if res.GeneratorSQL != broken {
		t.Fatal("pre-fix variant lost")
	}
	if !strings.Contains(res.Transcript, "[sql_validator]") {
		t.Fatal("fixer transcript marker missing")
	}
}

func TestFixerUnsafeOutputKeepsCandidate(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		compliantSQL, // generation
		"DROP TABLE grp.FactSale", // fixer goes rogue
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("fixer failure must not abort: %v", err)
	}
	if res.SQL != compliantSQL {
		t.Fatal("pre-fix candidate not kept")
	}
}

func TestValidatorPromptReceivesExamples(t *testing.T) {
	examples := staticExamples{results: []store.Scored{
		{Example: store.Example{Question: "revenue by month", SQLText: "SELECT 1"}, Score: 0.9},
	}}
	llm := &scriptedLLM{responses: []string{compliantSQL, ""}}
	res, err := newEngine(llm, examples).Generate(context.Background(),
		router.RouteNormal, "revenue this month", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Examples) != 1 {
		t.Fatal("examples not surfaced on the result")
	}
	generation, fixer := llm.prompts[0], llm.prompts[1]
	if strings.Contains(generation, "Reference examples") {
		t.Fatal("generation prompt must not embed examples")
	}
	if !strings.Contains(fixer, "Reference examples (validated):") {
		t.Fatal("validator prompt missing examples block")
	}
}

func TestAnalyticsRouteRequiresBudgetSource(t *testing.T) {
	withStage := compliantStageSQL
	budgetSQL := "WITH actual_mtd AS (" + withStage + "),\nbudget_month AS (SELECT 1 AS budget_revenue_thousands FROM dw.FactBudget)\nSELECT * FROM actual_mtd, budget_month"
	llm := &scriptedLLM{responses: []string{
		withStage, // attempt 1: no budget source
		"",
		budgetSQL, // attempt 2: includes dw.FactBudget
		"",
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteAnalytics, "are we on track against budget", testIntent(), "GBR", "GBP", "pipeline")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.RouteUsed != router.RouteAnalytics {
		t.Fatalf("route = %q", res.RouteUsed)
	}
	if !strings.Contains(res.SQL, "FactBudget") {
		t.Fatal("budget source missing from accepted SQL")
	}
	if !strings.Contains(llm.prompts[2], "Previous SQL violated requirements") {
		t.Fatal("analytics retry preamble missing")
	}
}

func TestAnalyticsExhaustedFallsBackToNormal(t *testing.T) {
	noBudget := compliantStageSQL
	llm := &scriptedLLM{responses: []string{
		noBudget, "", // analytics attempt 1
		noBudget, "", // analytics attempt 2
		compliantSQL, "", // normal-path fallback
	}}
	res, err := newEngine(llm, nil).Generate(context.Background(),
		router.RouteAnalytics, "are we on track against budget", testIntent(), "GBR", "GBP", "not_applied")
	if err != nil {
		t.Fatalf("fallback must succeed: %v", err)
	}
	if res.RouteUsed != router.RouteAnalyticsFallback {
		t.Fatalf("route = %q, want %s", res.RouteUsed, router.RouteAnalyticsFallback)
	}
	if res.SQL != compliantSQL {
		t.Fatal("fallback SQL not returned")
	}
	if !strings.Contains(res.Transcript, "[analytics_fallback]") {
		t.Fatal("fallback transcript marker missing")
	}
	if !strings.Contains(res.Prompt, "[Fallback to normal_intent path]") {
		t.Fatal("fallback prompt marker missing")
	}
	if len(llm.prompts) != 6 {
		t.Fatalf("call count = %d, want 6", len(llm.prompts))
	}
}
