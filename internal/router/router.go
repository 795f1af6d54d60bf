// Package router classifies incoming questions into pipeline routes. A
// keyword heuristic short-circuits the obvious executive questions; the
// rest go to the model. Routing never fails: any model problem falls
// back to the normal route.
package router

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"nlquery/internal/gemini"
	"nlquery/internal/prompt"
)

// Pipeline routes.
const (
	RouteNormal            = "normal_intent"
	RouteAnalytics         = "analytics_agent"
	RouteAnalyticsFallback = "analytics_agent_fallback_to_normal"
)

// analyticsKeywords short-circuits routing without a model call. Matched
// as substrings against the lowered question; "priorit" covers both
// prioritize and priorities.
var analyticsKeywords = []string{
	"on track",
	"target",
	"budget",
	"run rate",
	"coverage",
	"scenario",
	"best-case",
	"worst-case",
	"what should i worry",
	"risk",
	"priorit",
	"close rate",
	"gap",
}

// LLM is the completion surface the router needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Decision is the routing outcome.
type Decision struct {
	Route  string `json:"route"`
	Reason string `json:"reason"`
	Raw    string `json:"-"`
}

// Router decides which pipeline route handles a question.
type Router struct {
	llm     LLM
	prompts *prompt.Builder
	logger  *zap.Logger
}

// New returns a router backed by the given model.
func New(llm LLM, prompts *prompt.Builder, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{llm: llm, prompts: prompts, logger: logger.Named("router")}
}

// Route classifies the question. Keyword hits bypass the model; model
// errors, empty output, and malformed JSON all degrade to the normal
// route rather than failing the request.
func (r *Router) Route(ctx context.Context, question string) Decision {
	q := strings.ToLower(question)
	for _, kw := range analyticsKeywords {
		if strings.Contains(q, kw) {
			return Decision{Route: RouteAnalytics, Reason: "keyword heuristic"}
		}
	}

	raw, err := r.llm.Complete(ctx, r.prompts.Router(question))
	if err != nil {
		r.logger.Warn("router model call failed, defaulting to normal route", zap.Error(err))
		return Decision{Route: RouteNormal, Reason: "router llm empty"}
	}
	if strings.TrimSpace(raw) == "" {
		return Decision{Route: RouteNormal, Reason: "router llm empty"}
	}

	jsonText, ok := gemini.ExtractJSONObject(raw)
	if !ok {
		jsonText = strings.TrimSpace(raw)
	}
	var obj struct {
		Route  string `json:"route"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonText), &obj); err != nil {
		return Decision{Route: RouteNormal, Reason: "router json parse failed", Raw: raw}
	}

	route := strings.ToLower(strings.TrimSpace(obj.Route))
	if route != RouteNormal && route != RouteAnalytics {
		route = RouteNormal
	}
	return Decision{Route: route, Reason: obj.Reason, Raw: raw}
}
