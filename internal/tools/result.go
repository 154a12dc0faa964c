// Package tools defines the tool interface shared by the orchestrator and
// swarm agents, the registry that dispatches calls, and the built-in tools
// that operate on the program database.
package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string         `json:"for_llm"`         // content sent to the LLM
	IsError bool           `json:"is_error"`        // marks error
	Data    map[string]any `json:"data,omitempty"`  // structured payload for callers
	Err     error          `json:"-"`               // internal error (not serialized)
}

// NewResult builds a success result.
func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

// DataResult builds a success result whose LLM text is the JSON encoding of
// data.
func DataResult(data map[string]any) *Result {
	text, err := json.Marshal(data)
	if err != nil {
		return ErrorResult("failed to encode result").WithError(err)
	}
	return &Result{ForLLM: string(text), Data: data}
}

// ErrorResult builds an error result.
func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// WithError attaches an internal error.
func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
