package audit

import (
	"regexp"
	"strings"
)

// sensitiveKeywords lists substrings that indicate a sensitive argument key.
// Comparison is case-insensitive.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// redactedPlaceholder replaces the value of any sensitive field.
const redactedPlaceholder = "***REDACTED***"

// RedactSensitiveArgs returns a copy of args with sensitive values masked.
// A key is considered sensitive if it contains any of the sensitiveKeywords
// (case-insensitive).
func RedactSensitiveArgs(args map[string]interface{}) map[string]interface{} {
	if len(args) == 0 {
		return args
	}
	redacted := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSensitiveKey(k) {
			redacted[k] = redactedPlaceholder
		} else {
			redacted[k] = v
		}
	}
	return redacted
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// PatternRule redacts any substring of a string-valued field that matches
// Pattern, replacing the match with Replacement. Rules failing to compile
// are skipped at load time rather than treated as fatal configuration
// errors, so one bad pattern doesn't take down the whole redaction layer.
type PatternRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// CompilePatternRules compiles a list of regular expressions into
// PatternRules, skipping (and returning alongside) any that fail to compile.
func CompilePatternRules(patterns []string, replacement string) ([]PatternRule, []string) {
	if replacement == "" {
		replacement = redactedPlaceholder
	}
	rules := make([]PatternRule, 0, len(patterns))
	var skipped []string
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			skipped = append(skipped, p)
			continue
		}
		rules = append(rules, PatternRule{Pattern: re, Replacement: replacement})
	}
	return rules, skipped
}

// ApplyPatternRules runs every rule against a string value and returns the
// redacted result.
func ApplyPatternRules(value string, rules []PatternRule) string {
	for _, rule := range rules {
		value = rule.Pattern.ReplaceAllString(value, rule.Replacement)
	}
	return value
}

// RedactEntry applies keyword-based argument redaction and, if rules is
// non-empty, pattern-based redaction over every string-valued argument.
// It returns a new Entry; the input is never mutated.
func RedactEntry(e Entry, rules []PatternRule) Entry {
	out := e
	out.ToolArguments = RedactSensitiveArgs(e.ToolArguments)
	if len(rules) == 0 {
		return out
	}
	for k, v := range out.ToolArguments {
		if s, ok := v.(string); ok {
			out.ToolArguments[k] = ApplyPatternRules(s, rules)
		}
	}
	out.Reason = ApplyPatternRules(out.Reason, rules)
	return out
}
