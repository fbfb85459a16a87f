package template

import (
	"regexp"
	"sort"
	"strings"
)

// identifierPattern matches dotted identifier chains inside a placeholder.
var identifierPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*`)

// stringLiteralPattern matches single- or double-quoted string literals so
// their contents are not mistaken for identifiers.
var stringLiteralPattern = regexp.MustCompile(`'[^']*'|"[^"]*"`)

// reservedWords are expression keywords and literals, not free variables.
var reservedWords = map[string]bool{
	"true": true, "false": true, "nil": true, "null": true,
	"and": true, "or": true, "not": true, "in": true,
}

// Vars returns the set of free variable names referenced by a template,
// without evaluating it. For dotted references ({{ user.name }}) the root
// identifier is reported. Results are sorted and deduplicated.
func Vars(tmpl string) []string {
	seen := make(map[string]bool)
	var names []string

	for _, match := range placeholderPattern.FindAllStringSubmatch(tmpl, -1) {
		inner := stringLiteralPattern.ReplaceAllString(match[1], "")
		for _, ident := range identifierPattern.FindAllString(inner, -1) {
			root := ident
			if i := strings.IndexByte(ident, '.'); i >= 0 {
				root = ident[:i]
			}
			if reservedWords[root] || seen[root] {
				continue
			}
			seen[root] = true
			names = append(names, root)
		}
	}

	sort.Strings(names)
	return names
}
