// Package jsonpath resolves $-rooted path references against JSON-like
// documents. Paths such as "$.user.roles[0]" are compiled to jq queries,
// which gives bracket indexing and optional segments without a hand-rolled
// parser.
package jsonpath

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
)

// Prefix marks a string value as a path reference rather than a literal.
const Prefix = "$."

// IsRef reports whether s is a path reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, Prefix)
}

// Extractor compiles and evaluates path references, caching compiled
// queries across calls.
type Extractor struct {
	cache map[string]*gojq.Code
	mu    sync.RWMutex
}

// NewExtractor creates a new path extractor.
func NewExtractor() *Extractor {
	return &Extractor{cache: make(map[string]*gojq.Code)}
}

// Extract evaluates a path reference against doc. A path that traverses a
// missing key or an out-of-range index yields nil rather than an error;
// only malformed paths fail.
func (e *Extractor) Extract(doc interface{}, path string) (interface{}, error) {
	code, err := e.compile(path)
	if err != nil {
		return nil, err
	}

	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if _, isErr := v.(error); isErr {
		// Indexing into a scalar is a traversal miss, same as a missing key.
		return nil, nil
	}
	return v, nil
}

// Resolve walks params and replaces every string leaf that is a path
// reference with the value it addresses in doc. Non-reference values pass
// through untouched; references that address nothing resolve to nil.
func (e *Extractor) Resolve(params map[string]interface{}, doc interface{}) (map[string]interface{}, error) {
	if params == nil {
		return nil, nil
	}
	resolved, err := e.resolveValue(params, doc)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

func (e *Extractor) resolveValue(value interface{}, doc interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		if !IsRef(v) {
			return v, nil
		}
		return e.Extract(doc, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved, err := e.resolveValue(val, doc)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			resolved, err := e.resolveValue(val, doc)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// compile translates a "$."-rooted path to a jq query and caches the
// compiled form.
func (e *Extractor) compile(path string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[path]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	expression, err := toQuery(path)
	if err != nil {
		return nil, err
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}

	e.mu.Lock()
	e.cache[path] = code
	e.mu.Unlock()

	return code, nil
}

// toQuery converts "$.a.b[0]" into the jq query ".a.b[0]?". The trailing
// "?" makes traversal misses yield empty output instead of an error.
func toQuery(path string) (string, error) {
	if !IsRef(path) {
		return "", fmt.Errorf("path %q must start with %q", path, Prefix)
	}
	body := strings.TrimPrefix(path, "$")
	if body == "." || body == "" {
		return ".", nil
	}
	return body + "?", nil
}
