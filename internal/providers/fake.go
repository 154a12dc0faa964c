package providers

import (
	"context"
	"fmt"
	"sync"
)

// FakeProvider replays a scripted sequence of responses. Tests use it to
// drive the control loop and the consensus executor without the network.
type FakeProvider struct {
	mu        sync.Mutex
	responses []*ChatResponse
	errs      []error
	calls     []ChatRequest
	next      int
}

// NewFakeProvider creates a provider that answers with the given responses
// in order. A nil entry pairs with the error at the same index.
func NewFakeProvider(responses ...*ChatResponse) *FakeProvider {
	return &FakeProvider{responses: responses, errs: make([]error, len(responses))}
}

// QueueError appends an error response.
func (f *FakeProvider) QueueError(err error) {
	f.mu.Lock()
	f.responses = append(f.responses, nil)
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

// Queue appends a successful response.
func (f *FakeProvider) Queue(resp *ChatResponse) {
	f.mu.Lock()
	f.responses = append(f.responses, resp)
	f.errs = append(f.errs, nil)
	f.mu.Unlock()
}

func (f *FakeProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, req)
	if f.next >= len(f.responses) {
		return nil, fmt.Errorf("fake provider: no scripted response for call %d", f.next+1)
	}
	resp, err := f.responses[f.next], f.errs[f.next]
	f.next++
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Calls returns every request seen so far.
func (f *FakeProvider) Calls() []ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChatRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeProvider) DefaultModel() string { return "fake-model" }
func (f *FakeProvider) Name() string         { return "fake" }

// TextResponse builds a plain text response.
func TextResponse(text string) *ChatResponse {
	return &ChatResponse{Content: text, FinishReason: "stop"}
}

// ToolCallResponse builds a response containing a single tool call.
func ToolCallResponse(id, name string, args map[string]any) *ChatResponse {
	return &ChatResponse{
		FinishReason: "tool_calls",
		ToolCalls:    []ToolCall{{ID: id, Name: name, Arguments: args}},
	}
}
