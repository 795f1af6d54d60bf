// Package sqlgen synthesizes warehouse SQL from a planned intent and
// drives the bounded validate/repair loop: safety check, model fixer
// pass, business-constraint check, re-prompt with violations, and the
// analytics-to-normal fallback when the analytics path is exhausted.
package sqlgen

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nlquery/internal/gemini"
	"nlquery/internal/planner"
	"nlquery/internal/prompt"
	"nlquery/internal/router"
	"nlquery/internal/rules"
	"nlquery/internal/store"
)

// maxAttempts bounds the synthesis/repair loop per route.
const maxAttempts = 2

// fewShotTopK is how many worked examples back the validator pass.
const fewShotTopK = 3

// LLM is the completion surface the engine needs.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Narrative(ctx context.Context, prompt string) (string, error)
}

// SchemaSource supplies schema text for prompt injection.
type SchemaSource interface {
	SchemaText(ctx context.Context) (string, error)
}

// ExampleFinder retrieves ranked worked examples for a question.
type ExampleFinder interface {
	FindSimilar(ctx context.Context, question string, topK int, minScore float64) ([]store.Scored, error)
}

// Result is an accepted synthesis outcome. GeneratorSQL and ValidatedSQL
// preserve the pre-fix and post-fix variants for observability.
type Result struct {
	SQL          string
	Transcript   string
	Prompt       string
	RouteUsed    string
	GeneratorSQL string
	ValidatedSQL string
	Examples     []store.Scored
}

// Engine runs the synthesis and repair pipeline.
type Engine struct {
	llm      LLM
	prompts  *prompt.Builder
	rules    *rules.Provider
	schema   SchemaSource
	examples ExampleFinder
	logger   *zap.Logger
}

// NewEngine wires the synthesis engine. examples may be nil when no
// store is configured; retrieval is then skipped.
func NewEngine(llm LLM, prompts *prompt.Builder, r *rules.Provider, schema SchemaSource, examples ExampleFinder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		llm:      llm,
		prompts:  prompts,
		rules:    r,
		schema:   schema,
		examples: examples,
		logger:   logger.Named("sqlgen"),
	}
}

// Generate synthesizes SQL for the routed question. The analytics route
// falls back to the normal path when its repair loop is exhausted; the
// returned RouteUsed records which path produced the final SQL.
func (e *Engine) Generate(ctx context.Context, route, question string, intent *planner.Intent, countryCode, reportingCurrency, stageBucket string) (*Result, error) {
	if route != router.RouteAnalytics {
		res, err := e.generateFromIntent(ctx, question, intent, countryCode, reportingCurrency, stageBucket)
		if err != nil {
			return nil, err
		}
		res.RouteUsed = router.RouteNormal
		return res, nil
	}
	return e.generateAnalytics(ctx, question, intent, countryCode, reportingCurrency, stageBucket)
}

func (e *Engine) findExamples(ctx context.Context, question string) []store.Scored {
	if e.examples == nil || question == "" {
		return nil
	}
	examples, err := e.examples.FindSimilar(ctx, question, fewShotTopK, store.DefaultMinScore)
	if err != nil {
		e.logger.Warn("example retrieval failed, proceeding without few-shot examples", zap.Error(err))
		return nil
	}
	return examples
}

func promptExamples(scored []store.Scored) []prompt.Example {
	out := make([]prompt.Example, 0, len(scored))
	for _, s := range scored {
		out = append(out, prompt.Example{Question: s.Question, SQLText: s.SQLText})
	}
	return out
}

// fixWithLLM runs the validator pass over a candidate. Fixer failures
// never abort the request: any error, empty output, or unsafe fixed SQL
// keeps the pre-fix candidate. The second return is the raw fixer
// transcript, empty when the pass produced nothing.
func (e *Engine) fixWithLLM(ctx context.Context, question string, intent *planner.Intent, sqlText, countryCode, reportingCurrency, stageBucket string, examples []store.Scored) (string, string) {
	p := e.prompts.Validator(question, intent, sqlText, countryCode, reportingCurrency, stageBucket, promptExamples(examples))
	raw, err := e.llm.Complete(ctx, p)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			e.logger.Warn("validator pass failed, keeping candidate", zap.Error(err))
		}
		return sqlText, ""
	}
	candidate := ExtractSQLSnippet(raw)
	if candidate == "" {
		candidate = raw
	}
	fixed, err := ValidateSQL(candidate)
	if err != nil {
		return sqlText, raw
	}
	return fixed, raw
}

func (e *Engine) generateFromIntent(ctx context.Context, question string, intent *planner.Intent, countryCode, reportingCurrency, stageBucket string) (*Result, error) {
	schemaText, err := e.schema.SchemaText(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema text: %w", err)
	}
	examples := e.findExamples(ctx, question)
	promptUsed := e.prompts.SQLFromIntent(intent, schemaText, countryCode, reportingCurrency, stageBucket)

	var lastViolations []string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := e.llm.Complete(ctx, promptUsed)
		if err != nil {
			return nil, fmt.Errorf("generate SQL: %w", err)
		}
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("generate SQL: %w", gemini.ErrEmptyResponse)
		}
		candidate := ExtractSQLSnippet(raw)
		if candidate == "" {
			candidate = raw
		}
		generatorSQL, err := ValidateSQL(candidate)
		if err != nil {
			return nil, err
		}

		sqlText, validatorRaw := e.fixWithLLM(ctx, question, intent, generatorSQL, countryCode, reportingCurrency, stageBucket, examples)
		transcript := raw
		if validatorRaw != "" {
			transcript += "\n\n[sql_validator]\n" + validatorRaw
		}

		violations := EnforceRequirements(e.rules, sqlText, countryCode, reportingCurrency, stageBucket)
		if len(violations) == 0 {
			return &Result{
				SQL:          sqlText,
				Transcript:   transcript,
				Prompt:       promptUsed,
				GeneratorSQL: generatorSQL,
				ValidatedSQL: sqlText,
				Examples:     examples,
			}, nil
		}
		lastViolations = violations
		e.logger.Info("SQL rejected, re-prompting with violations",
			zap.Int("attempt", attempt+1), zap.Strings("violations", violations))
		promptUsed += "\nYour previous SQL was INVALID.\n" +
			"Fix these issues and return ONLY corrected SQL:\n- " +
			strings.Join(violations, "\n- ") +
			"\n\nPrevious SQL:\n" + sqlText + "\n"
	}
	return nil, &ConstraintError{Violations: lastViolations}
}

func (e *Engine) generateAnalytics(ctx context.Context, question string, intent *planner.Intent, countryCode, reportingCurrency, stageBucket string) (*Result, error) {
	schemaText, err := e.schema.SchemaText(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema text: %w", err)
	}
	examples := e.findExamples(ctx, question)
	promptUsed := e.prompts.SQLFromAnalytics(question, intent, schemaText, countryCode, reportingCurrency, stageBucket)

	var lastTranscript string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		raw, err := e.llm.Complete(ctx, promptUsed)
		if err != nil {
			return nil, fmt.Errorf("generate analytics SQL: %w", err)
		}
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("generate analytics SQL: %w", gemini.ErrEmptyResponse)
		}
		candidate := ExtractSQLSnippet(raw)
		if candidate == "" {
			candidate = raw
		}
		generatorSQL, err := ValidateSQL(candidate)
		if err != nil {
			return nil, err
		}

		sqlText, validatorRaw := e.fixWithLLM(ctx, question, intent, generatorSQL, countryCode, reportingCurrency, stageBucket, examples)
		transcript := raw
		if validatorRaw != "" {
			transcript += "\n\n[sql_validator]\n" + validatorRaw
		}
		lastTranscript = transcript

		violations := EnforceRequirements(e.rules, sqlText, countryCode, reportingCurrency, stageBucket)
		violations = append(violations, EnforceAnalytics(question, sqlText)...)
		if len(violations) == 0 {
			return &Result{
				SQL:          sqlText,
				Transcript:   transcript,
				Prompt:       promptUsed,
				RouteUsed:    router.RouteAnalytics,
				GeneratorSQL: generatorSQL,
				ValidatedSQL: sqlText,
				Examples:     examples,
			}, nil
		}
		e.logger.Info("analytics SQL rejected, re-prompting with violations",
			zap.Int("attempt", attempt+1), zap.Strings("violations", violations))
		promptUsed += "\nPrevious SQL violated requirements. Return ONLY corrected SQL.\n- " +
			strings.Join(violations, "\n- ") +
			"\n\nPrevious SQL:\n" + sqlText + "\n"
	}

	e.logger.Warn("analytics route exhausted, falling back to normal path")
	fallback, err := e.generateFromIntent(ctx, question, intent, countryCode, reportingCurrency, stageBucket)
	if err != nil {
		return nil, err
	}
	fallback.Transcript = lastTranscript + "\n\n[analytics_fallback]\n" + fallback.Transcript
	fallback.Prompt = promptUsed + "\n\n[Fallback to normal_intent path]\n" + fallback.Prompt
	fallback.RouteUsed = router.RouteAnalyticsFallback
	return fallback, nil
}

// Narrate turns query results into a natural-language answer using the
// higher narrative sampling temperature.
func (e *Engine) Narrate(ctx context.Context, question string, columns []string, rows [][]any, reportingCurrency string) (string, error) {
	return e.llm.Narrative(ctx, e.prompts.Narrative(question, columns, rows, reportingCurrency))
}
