// Package query implements the Query/Index executor: resolve a topic's
// declared secondary index or a shard-bucket time-range scan down to a
// candidate row set, then apply an optional CEL predicate — a compiled
// cel.Program evaluated per event against its decoded document and headers.
package query

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
)

// filter wraps a compiled CEL program evaluated against one candidate event.
// A zero filter (no expression given) accepts everything.
type filter struct {
	prog    cel.Program
	enabled bool
}

func newFilter(expr string) (filter, error) {
	if expr == "" {
		return filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("received_at_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("text", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return filter{}, fmt.Errorf("query: build cel env: %w", err)
	}
	ast, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return filter{}, fmt.Errorf("query: parse filter: %w", issues.Err())
	}
	checked, issues := env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return filter{}, fmt.Errorf("query: check filter: %w", issues.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return filter{}, fmt.Errorf("query: compile filter: %w", err)
	}
	return filter{prog: prog, enabled: true}, nil
}

// eval reports whether document/headers/receivedAtMs satisfy f. A disabled
// filter always matches.
func (f filter) eval(document []byte, headers map[string]string, receivedAtMs, nowMs int64) bool {
	if !f.enabled {
		return true
	}
	var decoded interface{}
	if err := json.Unmarshal(document, &decoded); err != nil {
		decoded = nil
	}
	if headers == nil {
		headers = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]interface{}{
		"received_at_ms": receivedAtMs,
		"size":           int64(len(document)),
		"text":           string(document),
		"json":           decoded,
		"headers":        headers,
		"now_ms":         nowMs,
	})
	if err != nil {
		return false
	}
	match, ok := out.Value().(bool)
	return ok && match
}
