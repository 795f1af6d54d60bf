// Package planner converts a natural-language question into a
// structured intent via the model, then overlays the UI-selected stage
// bucket as a filter. The intent is the single source of truth for
// downstream SQL generation.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nlquery/internal/gemini"
	"nlquery/internal/prompt"
	"nlquery/internal/router"
	"nlquery/internal/rules"
)

// MalformedOutputError reports model output that could not be parsed as
// intent JSON. The raw output is kept for the transcript.
type MalformedOutputError struct {
	Raw string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("intent planner did not return valid JSON: %q", e.Raw)
}

// Filter is one intent filter clause.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Values   []any  `json:"values"`
	Source   string `json:"source,omitempty"`
	Bucket   string `json:"bucket,omitempty"`
}

// Intent is the normalized question representation. Scalar fields stay
// loosely typed because the model may emit strings or numbers for
// limit/threshold, and null for anything.
type Intent struct {
	Entity          any      `json:"entity"`
	Metric          any      `json:"metric"`
	SecondaryMetric any      `json:"secondary_metric"`
	Aggregation     any      `json:"aggregation"`
	TimePeriod      any      `json:"time_period"`
	Filters         []Filter `json:"filters"`
	GroupBy         []any    `json:"group_by"`
	OrderBy         any      `json:"order_by"`
	Limit           any      `json:"limit"`
	Threshold       any      `json:"threshold"`
	Presentation    any      `json:"presentation"`

	// Analytics-route fields.
	ComparisonType any `json:"comparison_type,omitempty"`
	GoalType       any `json:"goal_type,omitempty"`
	AnalysisMode   any `json:"analysis_mode,omitempty"`

	StageBucket string `json:"stage_bucket"`

	Route string `json:"-"`
	Raw   string `json:"-"`
}

// LLM is the completion surface the planner needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Planner turns questions into intents.
type Planner struct {
	llm     LLM
	prompts *prompt.Builder
	rules   *rules.Provider
	logger  *zap.Logger
}

// New returns a planner backed by the given model and rules.
func New(llm LLM, prompts *prompt.Builder, r *rules.Provider, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{llm: llm, prompts: prompts, rules: r, logger: logger.Named("planner")}
}

// Plan asks the model for an intent then applies the stage bucket. The
// analytics route uses the extended prompt and keeps its extra fields.
func (p *Planner) Plan(ctx context.Context, question, route, stageBucket string) (*Intent, error) {
	bucket := p.rules.NormalizeStageBucket(stageBucket)

	var promptText string
	if route == router.RouteAnalytics {
		promptText = p.prompts.AnalyticsIntent(question, bucket)
	} else {
		promptText = p.prompts.Intent(question, bucket)
	}

	raw, err := p.llm.Complete(ctx, promptText)
	if err != nil {
		return nil, fmt.Errorf("plan intent: %w", err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("plan intent: %w", gemini.ErrEmptyResponse)
	}

	jsonText, ok := gemini.ExtractJSONObject(raw)
	if !ok {
		jsonText = strings.TrimSpace(raw)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		return nil, &MalformedOutputError{Raw: raw}
	}

	intent := normalize(obj, route)
	intent.Raw = raw
	intent.Route = route
	p.ApplyStageBucket(intent, stageBucket)
	return intent, nil
}

// normalize maps loose model output onto the intent shape, honoring the
// legacy "sort" and "agg" aliases older prompt revisions produced.
func normalize(obj map[string]any, route string) *Intent {
	intent := &Intent{
		Entity:          obj["entity"],
		Metric:          obj["metric"],
		SecondaryMetric: obj["secondary_metric"],
		Aggregation:     obj["aggregation"],
		TimePeriod:      obj["time_period"],
		OrderBy:         obj["order_by"],
		Limit:           obj["limit"],
		Threshold:       obj["threshold"],
		Presentation:    obj["presentation"],
		Filters:         []Filter{},
		GroupBy:         []any{},
	}
	if intent.OrderBy == nil {
		intent.OrderBy = obj["sort"]
	}
	if intent.Aggregation == nil {
		intent.Aggregation = obj["agg"]
	}
	if groups, ok := obj["group_by"].([]any); ok {
		intent.GroupBy = groups
	}
	if filters, ok := obj["filters"].([]any); ok {
		for _, item := range filters {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			f := Filter{
				Field:    stringField(m, "field"),
				Operator: stringField(m, "operator"),
				Source:   stringField(m, "source"),
				Bucket:   stringField(m, "bucket"),
			}
			if values, ok := m["values"].([]any); ok {
				f.Values = values
			}
			intent.Filters = append(intent.Filters, f)
		}
	}
	if route == router.RouteAnalytics {
		intent.ComparisonType = obj["comparison_type"]
		intent.GoalType = obj["goal_type"]
		intent.AnalysisMode = obj["analysis_mode"]
	}
	return intent
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// ApplyStageBucket overlays the UI-selected stage bucket on the intent.
// Any previous UI-sourced deal_stage_name filter is replaced, never
// duplicated; model-authored stage filters are left alone.
func (p *Planner) ApplyStageBucket(intent *Intent, stageBucket string) {
	bucket := p.rules.NormalizeStageBucket(stageBucket)
	rule := p.rules.StageBucket(bucket)
	mode := strings.ToLower(rule.Mode)

	preserved := intent.Filters[:0:0]
	for _, f := range intent.Filters {
		uiSourced := strings.EqualFold(strings.TrimSpace(f.Field), "deal_stage_name") &&
			strings.EqualFold(strings.TrimSpace(f.Source), "ui_stage_bucket")
		if !uiSourced {
			preserved = append(preserved, f)
		}
	}

	if (mode == "in" || mode == "not_in") && len(rule.Values) > 0 {
		values := make([]any, len(rule.Values))
		for i, v := range rule.Values {
			values[i] = v
		}
		preserved = append(preserved, Filter{
			Field:    "deal_stage_name",
			Operator: mode,
			Values:   values,
			Source:   "ui_stage_bucket",
			Bucket:   bucket,
		})
	}

	intent.Filters = preserved
	intent.StageBucket = bucket
}
