package bedrock

import (
	"context"

	"goa.design/goa-llm/runtime/llm"
	"goa.design/goa-llm/runtime/llm/batch"
)

// Batches implements batch.API for Bedrock. Bedrock batch inference runs as
// model invocation jobs over S3 which this adapter does not manage: every
// operation fails with an error matching llm.ErrUnsupported.
type Batches struct{}

// Capabilities returns the Converse capabilities.
func (Batches) Capabilities() llm.Capabilities { return Capabilities }

// Create is unsupported.
func (Batches) Create(context.Context, []batch.Item) (*batch.Job, error) {
	return nil, unsupported()
}

// Retrieve is unsupported.
func (Batches) Retrieve(_ context.Context, id string) (*batch.Job, error) {
	return nil, batch.ValidateID(providerName, Capabilities.BatchIDPrefix, id)
}

// Cancel is unsupported.
func (Batches) Cancel(_ context.Context, id string) (*batch.Job, error) {
	return nil, batch.ValidateID(providerName, Capabilities.BatchIDPrefix, id)
}

// Delete is unsupported.
func (Batches) Delete(_ context.Context, id string) error {
	return batch.ValidateID(providerName, Capabilities.BatchIDPrefix, id)
}

// List is unsupported.
func (Batches) List(context.Context, batch.ListParams) (*batch.Page, error) {
	return nil, unsupported()
}

// Results is unsupported.
func (Batches) Results(context.Context, *batch.Job) ([]batch.RawResult, error) {
	return nil, unsupported()
}

func unsupported() error { return llm.NewCapabilityError(providerName, "batch") }
