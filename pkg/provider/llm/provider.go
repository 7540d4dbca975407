// Package llm defines the Provider interface for response generation backends.
//
// An LLM provider wraps a remote or local model API (e.g., OpenAI, Anthropic,
// or a local Ollama instance) and exposes a uniform streaming interface. The
// turn controller hands generated text to synthesis chunk by chunk, so every
// provider must stream: the first Chunk bounds the caller's time to first audio.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled; no Chunk may be sent after ctx is
// cancelled.
package llm

import (
	"context"
	"errors"
)

// FinishReasonError marks a Chunk that carries a stream failure in Err.
const FinishReasonError = "error"

// ErrEmptyResponse is returned by Complete when the model produced no choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the input messages and system
	// prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// caller's utterance and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero means
	// provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the conversation
	// history. Providers without a dedicated system field prepend it as a
	// RoleSystem message.
	SystemPrompt string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty if the
	// chunk only carries a FinishReason.
	Text string

	// FinishReason is set on the final chunk and indicates why generation stopped:
	// "stop", "length", [FinishReasonError], or "" for non-final chunks.
	FinishReason string

	// Err is set when FinishReason is [FinishReasonError].
	Err error
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any generation backend.
//
// Implementations must be safe for concurrent use from multiple goroutines. Each
// method should propagate context cancellation promptly: when ctx is cancelled the
// method must return (or close its channel) as quickly as possible.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or when ctx is cancelled.
	//
	// Errors that occur after the channel is opened are surfaced as a final Chunk
	// with FinishReason [FinishReasonError] and Err set; the initial error return is
	// non-nil only for failures that prevent the stream from starting.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the number of tokens the given message list would
	// consume in the model's context window. The result need not be exact but
	// should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata describing the provider's model.
	Capabilities() ModelCapabilities
}

// EstimateTokens approximates the token count of messages at roughly four
// characters per token plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
