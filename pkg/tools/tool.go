package tools

import (
	"context"
	"encoding/json"
)

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON schema of the arguments object.
	Parameters() json.RawMessage
	// Run executes the tool with JSON-encoded arguments. The returned text is
	// meant for the model; an error means the tool could not run at all.
	Run(ctx context.Context, args string) (string, error)
}

var emptySchema = json.RawMessage(`{"type":"object","properties":{}}`)
