package external

import (
	"context"

	"github.com/juhinebhnani4/ldip/services/digitalocean"
)

// LLM is the black-box collaborator used by the entity extraction, alias
// resolution, date extraction and event classification stages. Every call
// is a single structured request/response; the engine does not stream.
type LLM interface {
	StructuredCompletion(ctx context.Context, systemPrompt, userPrompt, schemaName, schemaDescription string, schema map[string]interface{}, result interface{}) error
	HealthCheck(ctx context.Context) error
}

// InferenceLLM adapts the DigitalOcean inference client to the LLM
// collaborator contract.
type InferenceLLM struct {
	client *digitalocean.InferenceClient
}

// NewInferenceLLM wraps a configured inference client.
func NewInferenceLLM(client *digitalocean.InferenceClient) *InferenceLLM {
	return &InferenceLLM{client: client}
}

// StructuredCompletion requests a JSON-schema-constrained completion and
// unmarshals the result in place.
func (l *InferenceLLM) StructuredCompletion(ctx context.Context, systemPrompt, userPrompt, schemaName, schemaDescription string, schema map[string]interface{}, result interface{}) error {
	return l.client.StructuredCompletionWithResult(ctx, systemPrompt, userPrompt, schemaName, schemaDescription, schema, result)
}

// HealthCheck verifies the inference endpoint responds.
func (l *InferenceLLM) HealthCheck(ctx context.Context) error {
	return l.client.HealthCheck(ctx)
}
