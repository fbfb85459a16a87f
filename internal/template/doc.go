// Package template renders {{ variable }} templates against a mapping of
// named values and evaluates rendered condition templates as boolean
// expressions.
//
// Rendering substitutes plain string values; condition evaluation substitutes
// expr-lang literals and compiles the result with a boolean result type, so a
// workflow author can only express comparisons and boolean logic over the
// values in scope, never arbitrary code.
package template
