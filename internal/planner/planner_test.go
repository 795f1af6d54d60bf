package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"nlquery/internal/prompt"
	"nlquery/internal/router"
	"nlquery/internal/rules"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func newPlanner(llm LLM) *Planner {
	r := rules.NewProvider("", time.Second, nil)
	return New(llm, prompt.NewBuilder(r), r, nil)
}

func TestPlanNormalRoute(t *testing.T) {
	llm := &fakeLLM{response: "```json\n" + `{
		"entity": "sales",
		"metric": "revenue",
		"aggregation": "sum",
		"time_period": "this month",
		"filters": [{"field": "region", "operator": "eq", "values": ["EMEA"]}],
		"group_by": ["calendar_month"],
		"order_by": null,
		"limit": 10,
		"threshold": null,
		"presentation": "table"
	}` + "\n```"}

	intent, err := newPlanner(llm).Plan(context.Background(), "revenue by month", router.RouteNormal, "pipeline")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if intent.Metric != "revenue" || intent.Aggregation != "sum" {
		t.Fatalf("metric/aggregation = %v/%v", intent.Metric, intent.Aggregation)
	}
	if intent.StageBucket != "pipeline" {
		t.Fatalf("stage bucket = %q", intent.StageBucket)
	}
	if len(intent.Filters) != 2 {
		t.Fatalf("want model filter plus stage filter, got %d", len(intent.Filters))
	}
	stage := intent.Filters[1]
	want := Filter{
		Field:    "deal_stage_name",
		Operator: "not_in",
		Values:   []any{"Closed Won", "Closed Lost"},
		Source:   "ui_stage_bucket",
		Bucket:   "pipeline",
	}
	if diff := cmp.Diff(want, stage); diff != "" {
		t.Fatalf("stage filter mismatch (-want +got):\n%s", diff)
	}
	if intent.ComparisonType != nil {
		t.Fatal("normal route must not carry analytics fields")
	}
}

func TestPlanAnalyticsRouteKeepsExtraFields(t *testing.T) {
	llm := &fakeLLM{response: `{
		"metric": "revenue",
		"comparison_type": "vs_budget",
		"goal_type": "monthly_target",
		"analysis_mode": "run_rate"
	}`}
	intent, err := newPlanner(llm).Plan(context.Background(), "are we on track", router.RouteAnalytics, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if intent.ComparisonType != "vs_budget" || intent.GoalType != "monthly_target" || intent.AnalysisMode != "run_rate" {
		t.Fatalf("analytics fields lost: %+v", intent)
	}
	if intent.StageBucket != "not_applied" {
		t.Fatalf("default stage bucket = %q", intent.StageBucket)
	}
	if len(intent.Filters) != 0 {
		t.Fatalf("not_applied bucket must not inject a filter, got %v", intent.Filters)
	}
}

func TestPlanLegacyAliases(t *testing.T) {
	llm := &fakeLLM{response: `{"metric": "revenue", "sort": "desc", "agg": "sum"}`}
	intent, err := newPlanner(llm).Plan(context.Background(), "top deals", router.RouteNormal, "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if intent.OrderBy != "desc" {
		t.Fatalf("sort alias not honored: %v", intent.OrderBy)
	}
	if intent.Aggregation != "sum" {
		t.Fatalf("agg alias not honored: %v", intent.Aggregation)
	}
}

func TestPlanErrors(t *testing.T) {
	if _, err := newPlanner(&fakeLLM{err: errors.New("down")}).Plan(context.Background(), "q", router.RouteNormal, ""); err == nil {
		t.Fatal("want error when model fails")
	}

	_, err := newPlanner(&fakeLLM{response: "sorry, I cannot"}).Plan(context.Background(), "q", router.RouteNormal, "")
	var malformed *MalformedOutputError
	if !errors.As(err, &malformed) {
		t.Fatalf("want MalformedOutputError, got %v", err)
	}
	if malformed.Raw != "sorry, I cannot" {
		t.Fatalf("raw output not preserved: %q", malformed.Raw)
	}
}

func TestApplyStageBucketReplacesUIFilter(t *testing.T) {
	p := newPlanner(nil)
	intent := &Intent{Filters: []Filter{
		{Field: "region", Operator: "eq", Values: []any{"EMEA"}},
		{Field: "deal_stage_name", Operator: "not_in", Values: []any{"Closed Won", "Closed Lost"}, Source: "ui_stage_bucket", Bucket: "pipeline"},
		{Field: "deal_stage_name", Operator: "in", Values: []any{"Signing"}},
	}}

	// Re-applying a different bucket swaps the UI entry and keeps the
	// model-authored stage filter untouched.
	p.ApplyStageBucket(intent, "closed_won")
	if len(intent.Filters) != 3 {
		t.Fatalf("filter count = %d, want 3", len(intent.Filters))
	}
	last := intent.Filters[2]
	if last.Bucket != "closed_won" || last.Operator != "in" {
		t.Fatalf("stage filter not replaced: %+v", last)
	}
	if intent.Filters[1].Source != "" {
		t.Fatalf("model-authored stage filter was dropped: %+v", intent.Filters[1])
	}

	// Applying again must not duplicate.
	p.ApplyStageBucket(intent, "closed_won")
	count := 0
	for _, f := range intent.Filters {
		if f.Source == "ui_stage_bucket" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("ui_stage_bucket filters = %d, want exactly 1", count)
	}
}
