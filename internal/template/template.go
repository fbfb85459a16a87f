package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tombee/stepflow/pkg/errors"
)

// placeholderPattern matches {{...}} expressions.
var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes every {{ name }} placeholder in tmpl with the value of
// name in ctx, rendered as a plain string. Dotted paths ({{ user.name }})
// navigate nested maps.
//
// If any referenced variable is absent from ctx, Render returns a
// *errors.MissingVarsError naming every missing variable; it never silently
// substitutes an empty string.
func Render(tmpl string, ctx map[string]interface{}) (string, error) {
	if missing := missingVars(tmpl, ctx); len(missing) > 0 {
		return "", &errors.MissingVarsError{Template: truncate(tmpl), Vars: missing}
	}

	var lastErr error
	result := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, err := resolvePath(path, ctx)
		if err != nil {
			lastErr = err
			return match
		}
		return valueToString(value)
	})
	if lastErr != nil {
		return "", fmt.Errorf("template render failed: %w", lastErr)
	}

	return result, nil
}

// RenderExpression substitutes every {{ name }} placeholder with an expr-lang
// literal (quoted strings, bare numbers and booleans, nil) so the result can
// be compiled as a boolean expression. Missing variables are reported the same
// way as Render.
func RenderExpression(tmpl string, ctx map[string]interface{}) (string, error) {
	if missing := missingVars(tmpl, ctx); len(missing) > 0 {
		return "", &errors.MissingVarsError{Template: truncate(tmpl), Vars: missing}
	}

	var lastErr error
	result := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, err := resolvePath(path, ctx)
		if err != nil {
			lastErr = err
			return match
		}
		return valueToLiteral(value)
	})
	if lastErr != nil {
		return "", fmt.Errorf("template render failed: %w", lastErr)
	}

	return result, nil
}

// missingVars returns the referenced variables absent from ctx, in template order.
func missingVars(tmpl string, ctx map[string]interface{}) []string {
	var missing []string
	for _, name := range Vars(tmpl) {
		if _, ok := ctx[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// resolvePath resolves a dot-separated path in the context.
// Example: "user.name" => ctx["user"]["name"]
func resolvePath(path string, ctx map[string]interface{}) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	parts := strings.Split(path, ".")
	var current interface{} = ctx

	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("invalid path: empty segment at position %d", i)
		}

		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, fmt.Errorf("path not found: %s (missing key %q)", path, part)
			}
			current = val
		default:
			return nil, fmt.Errorf("path not found: %s (cannot index into %T at %q)", path, current, part)
		}
	}

	return current, nil
}

// valueToString renders a value for plain-text substitution.
// Strings pass through untouched; composites are rendered as JSON.
func valueToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// valueToLiteral converts a Go value to an expr-lang literal string.
// - Strings are quoted and escaped
// - Numbers are rendered as-is
// - Booleans are rendered as true/false
// - nil becomes nil
// - Other types use string representation (best effort)
func valueToLiteral(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "nil"
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case string:
		return quoteLiteral(v)
	default:
		return quoteLiteral(fmt.Sprintf("%v", v))
	}
}

// quoteLiteral escapes quotes and backslashes and wraps the string in quotes.
func quoteLiteral(s string) string {
	escaped := strings.ReplaceAll(s, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return `"` + escaped + `"`
}

// truncate shortens a template for inclusion in error messages.
func truncate(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
