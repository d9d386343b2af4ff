// Package providers presents one contract over multiple cloud model APIs
// that differ in endpoint shape, authentication header, request envelope
// and streaming frame format.
//
// Each provider is described by a Descriptor: a plain record of endpoints
// and callables, not a type hierarchy. The Client executes descriptors.
package providers

import (
	"errors"

	"github.com/relaylabs/relay/pkg/models"
)

var (
	// ErrUnknownProvider is returned for a provider ID not in the registry.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownModel is returned for a model ID missing from the curated
	// catalog.
	ErrUnknownModel = errors.New("unknown model")

	// ErrNoModelListing is returned when a provider has no models endpoint
	// and no static catalog.
	ErrNoModelListing = errors.New("provider does not list models")
)

// Model is a normalized model listing entry.
type Model struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// StreamFrame is the normalized result of parsing one raw stream line.
type StreamFrame struct {
	// Token is the text delta carried by the frame, possibly empty.
	Token string

	// Done marks the provider's end-of-stream sentinel.
	Done bool

	// Skip marks frames that carry nothing (comments, pings, control
	// events). Malformed frames are reported as Skip, never as errors:
	// one bad frame must not abort the stream.
	Skip bool
}

// Descriptor describes how to talk to one cloud model API.
type Descriptor struct {
	// ID is the registry key, e.g. "openai".
	ID string

	// BaseURL is the API root without a trailing slash.
	BaseURL string

	// ModelsPath is the listing endpoint. Empty when the provider does
	// not list models; StaticModels is served instead.
	ModelsPath string

	// ChatPath builds the chat endpoint path for a model.
	ChatPath func(model string) string

	// Headers builds the request headers from the credential.
	Headers func(secret string) map[string]string

	// BuildRequest builds the provider request envelope.
	BuildRequest func(model string, msgs []models.ChatMessage, stream bool) (any, error)

	// ParseFrame parses one raw line of a streaming response.
	ParseFrame func(line []byte) StreamFrame

	// ParseResponse extracts the full text from a non-streaming response
	// body.
	ParseResponse func(body []byte) (string, error)

	// ParseModels normalizes the listing response body.
	ParseModels func(body []byte) ([]Model, error)

	// StaticModels is the curated fallback listing.
	StaticModels []Model

	// DefaultModel is used when the caller does not name a model.
	DefaultModel string
}

// Registry holds the known provider descriptors.
type Registry struct {
	descriptors map[string]*Descriptor
	order       []string
}

// NewRegistry creates a registry preloaded with the built-in descriptors.
func NewRegistry() *Registry {
	r := &Registry{descriptors: make(map[string]*Descriptor)}
	r.Register(openAIDescriptor())
	r.Register(anthropicDescriptor())
	r.Register(cohereDescriptor())
	return r
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d *Descriptor) {
	if _, exists := r.descriptors[d.ID]; !exists {
		r.order = append(r.order, d.ID)
	}
	r.descriptors[d.ID] = d
}

// Get looks up a descriptor by ID.
func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.descriptors[id]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return d, nil
}

// IDs returns the registered provider IDs in registration order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}
