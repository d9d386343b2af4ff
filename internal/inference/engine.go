// Package inference defines the contract with the local inference engine
// and provides a client for a local HTTP model runtime.
//
// The runtime itself (tokenization, forward pass, weights loading) is an
// external collaborator; the router depends only on the Engine interface.
package inference

import "context"

// Engine streams tokens for a prompt from a locally loaded model.
// Cancellation is cooperative: cancelling ctx must promptly stop token
// production and release resources.
type Engine interface {
	// Loaded reports whether a model is resident and ready.
	Loaded() bool

	// ModelID identifies the loaded model, or "" when none is loaded.
	ModelID() string

	// Infer streams tokens for the prompt in production order. The
	// channel closes at end-of-stream.
	Infer(ctx context.Context, prompt string) (<-chan string, error)
}
