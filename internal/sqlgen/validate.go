package sqlgen

import (
	"fmt"
	"strings"

	"nlquery/internal/rules"
)

// CannotAnswer is the sentinel the model returns when the question is
// unanswerable from the warehouse. It bypasses safety and constraint
// checks unchanged.
const CannotAnswer = "-- CANNOT_ANSWER"

// forbiddenTokens abort a request outright when found anywhere in a
// candidate statement. Matched as substrings so variants hidden in
// noise still trip the check.
var forbiddenTokens = []string{
	"insert", "update", "delete", "drop", "alter",
	"pragma", "attach", "create", "limit",
}

// SafetyError reports a candidate that failed structural safety
// validation. Always fatal; unsafe text is never fed back to the model.
type SafetyError struct {
	Detail string
}

func (e *SafetyError) Error() string { return e.Detail }

// ConstraintError reports a candidate that exhausted the repair loop
// with unresolved business-constraint violations.
type ConstraintError struct {
	Violations []string
}

func (e *ConstraintError) Error() string {
	return "SQL did not meet hard requirements:\n" + strings.Join(e.Violations, "\n")
}

// ValidateSQL cleans a model-produced statement and enforces structural
// safety. Fenced markup is stripped, the text is truncated to its first
// select/with token, and forbidden statement keywords reject the whole
// candidate. The cannot-answer sentinel passes through unchanged.
func ValidateSQL(sqlText string) (string, error) {
	cleaned := strings.TrimSpace(sqlText)
	if strings.Contains(cleaned, "```") {
		pieces := strings.SplitN(cleaned, "```", 3)
		if len(pieces) > 1 {
			cleaned = pieces[1]
		}
		cleaned = strings.TrimSpace(strings.Replace(cleaned, "sql", "", 1))
	}
	if cleaned == CannotAnswer {
		return cleaned, nil
	}

	lowered := strings.ToLower(cleaned)
	idx := statementStart(lowered)
	if idx < 0 {
		preview := strings.ReplaceAll(cleaned, "\n", " ")
		if len(preview) > 200 {
			preview = preview[:200]
		}
		return "", &SafetyError{Detail: fmt.Sprintf("model did not return a SELECT query, got: %q", preview)}
	}
	cleaned = cleaned[idx:]

	lowered = strings.TrimRight(strings.ToLower(cleaned), ";")
	for _, token := range forbiddenTokens {
		if strings.Contains(lowered, token) {
			return "", &SafetyError{Detail: "unsafe SQL detected"}
		}
	}
	return strings.TrimRight(strings.TrimSpace(cleaned), ";"), nil
}

// statementStart returns the earliest select/with offset, or -1.
func statementStart(lowered string) int {
	selectIdx := strings.Index(lowered, "select")
	withIdx := strings.Index(lowered, "with")
	switch {
	case selectIdx == -1:
		return withIdx
	case withIdx == -1:
		return selectIdx
	case withIdx < selectIdx:
		return withIdx
	default:
		return selectIdx
	}
}

// ExtractSQLSnippet pulls the SQL portion out of free-form model text.
// Returns "" when no select/with token exists.
func ExtractSQLSnippet(text string) string {
	cleaned := strings.TrimSpace(text)
	if strings.Contains(cleaned, "```") {
		pieces := strings.Split(cleaned, "```")
		if len(pieces) >= 3 {
			cleaned = strings.TrimSpace(pieces[1])
			if strings.HasPrefix(strings.ToLower(cleaned), "sql") {
				cleaned = strings.TrimSpace(cleaned[3:])
			}
		}
	}
	idx := statementStart(strings.ToLower(cleaned))
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(cleaned[idx:])
}

// normalizeForScan strips brackets, quotes, and whitespace variants so
// literal token checks see through T-SQL quoting styles.
func normalizeForScan(sqlText string) string {
	r := strings.NewReplacer(
		"[", "", "]", "", `"`, "", "'", "", "\n", " ", "\t", " ",
	)
	return r.Replace(strings.ToLower(sqlText))
}

// EnforceRequirements checks the mandatory join/filter contract and
// returns human-readable violations for the repair loop. The
// cannot-answer sentinel is exempt.
func EnforceRequirements(r *rules.Provider, sqlText, countryCode, reportingCurrency, stageBucket string) []string {
	if strings.TrimSpace(sqlText) == CannotAnswer {
		return nil
	}
	norm := normalizeForScan(sqlText)
	var violations []string

	required := []string{
		"dw.dimexchangerate",
		"reporting_currency_code",
		strings.ToLower(reportingCurrency),
		"grp.dimlegalentity",
		"dle",
		"dle.legal_entity_name",
		strings.ToLower(r.LegalEntityName()),
		"dle.country_code",
		strings.ToLower(countryCode),
	}
	var missing []string
	for _, token := range required {
		if !strings.Contains(norm, token) {
			missing = append(missing, token)
		}
	}
	if len(missing) > 0 {
		violations = append(violations,
			"Missing required constraints/joins: "+strings.Join(missing, ", ")+
				". SQL must include exchange rate join+reporting currency filter and legal entity join+"+
				r.LegalEntityName()+"/region filter.")
	}

	if strings.Contains(" "+norm+" ", " limit ") {
		violations = append(violations, "T-SQL does not support LIMIT. Use TOP or OFFSET/FETCH.")
	}

	rule := r.StageBucket(stageBucket)
	mode := strings.ToLower(rule.Mode)
	if mode == "" {
		mode = "in"
	}
	if mode == "none" {
		return violations
	}

	var missingStage []string
	for _, token := range []string{"grp.dimdealstage", "deal_stage_name"} {
		if !strings.Contains(norm, token) {
			missingStage = append(missingStage, token)
		}
	}
	if len(missingStage) > 0 {
		violations = append(violations, "Missing required stage join/filter context: "+strings.Join(missingStage, ", "))
	}

	if len(rule.Values) > 0 {
		padded := " " + norm + " "
		if mode == "not_in" && !strings.Contains(padded, " not in ") {
			violations = append(violations, "Stage rule must use NOT IN for the selected stage bucket.")
		}
		if mode == "in" && !strings.Contains(padded, " in ") {
			violations = append(violations, "Stage rule must use IN for the selected stage bucket.")
		}
		var missingValues []string
		for _, v := range rule.Values {
			if !strings.Contains(norm, strings.ToLower(v)) {
				missingValues = append(missingValues, strings.ToLower(v))
			}
		}
		if len(missingValues) > 0 {
			violations = append(violations,
				"Missing required stage values for selected stage bucket: "+strings.Join(missingValues, ", "))
		}
	}
	return violations
}

// budgetPhrases marks questions that must read a budget source. Policy
// table, tuned by hand.
var budgetPhrases = []string{"target", "budget", "on track", "run rate", "gap", "ahead", "behind"}

// EnforceAnalytics adds the analytics-route requirement: budget-flavored
// questions must pull from a budget table.
func EnforceAnalytics(question, sqlText string) []string {
	if strings.TrimSpace(sqlText) == CannotAnswer {
		return nil
	}
	q := strings.ToLower(question)
	s := strings.ToLower(sqlText)
	needsBudget := false
	for _, phrase := range budgetPhrases {
		if strings.Contains(q, phrase) {
			needsBudget = true
			break
		}
	}
	if needsBudget && !strings.Contains(s, "factbudget") && !strings.Contains(s, "budget") {
		return []string{"Analytics question appears target/budget based. SQL must include budget/target source (for example dw.FactBudget)."}
	}
	return nil
}
