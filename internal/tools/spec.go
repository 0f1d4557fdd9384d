// Package tools implements the specialist-side tool registry and its
// dispatch pipeline: argument validation against generated JSON schema,
// parameter resolution, approval enforcement, result caching, timeouts,
// and the uniform result envelope.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Log-LogN/warden/pkg/models"
)

// ArgType is the JSON schema type of a tool argument.
type ArgType string

const (
	TypeString  ArgType = "string"
	TypeInteger ArgType = "integer"
	TypeNumber  ArgType = "number"
	TypeBoolean ArgType = "boolean"
	TypeArray   ArgType = "array"
	TypeObject  ArgType = "object"
)

// Arg declares one argument of a tool.
type Arg struct {
	Name        string
	Type        ArgType
	Description string
	Required    bool
	// Default is filled in before validation when the caller omitted the
	// argument. Defaults and required are mutually exclusive.
	Default any
	Enum    []any
	// Items is the element type for array arguments.
	Items ArgType
}

// Handler executes the tool. Args have passed validation and carry
// defaults; the context enforces the per-call timeout.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Resolver fills in missing arguments before a tool runs. Every filled
// field is reported so the caller can see what was assumed.
type Resolver interface {
	Resolve(ctx context.Context, tool string, args map[string]any) ([]models.Resolution, error)
}

// Spec declares one tool.
type Spec struct {
	Name        string
	Description string
	Args        []Arg

	// ReadOnly tools are cacheable and get the short default timeout.
	ReadOnly bool
	// RequiresApproval gates the tool behind a valid approval token.
	RequiresApproval bool
	// Timeout overrides the default per-call timeout when positive.
	Timeout time.Duration
	// CacheTTL overrides the registry TTL when positive; negative turns
	// caching off for this tool even when it is read-only.
	CacheTTL time.Duration

	Handler  Handler
	Resolver Resolver
}

// Default per-call timeouts.
const (
	readOnlyTimeout = 10 * time.Second
	mutatingTimeout = 30 * time.Second
)

func (s Spec) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	if s.ReadOnly {
		return readOnlyTimeout
	}
	return mutatingTimeout
}

// Schema builds the JSON schema advertised via tools/list. Unknown
// fields are rejected at validation time via additionalProperties.
func (s Spec) Schema() json.RawMessage {
	properties := make(map[string]any, len(s.Args))
	required := []string{}
	for _, a := range s.Args {
		prop := map[string]any{"type": string(a.Type)}
		if a.Description != "" {
			prop["description"] = a.Description
		}
		if a.Default != nil {
			prop["default"] = a.Default
		}
		if len(a.Enum) > 0 {
			prop["enum"] = a.Enum
		}
		if a.Type == TypeArray {
			items := a.Items
			if items == "" {
				items = TypeString
			}
			prop["items"] = map[string]any{"type": string(items)}
		}
		properties[a.Name] = prop
		if a.Required {
			required = append(required, a.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// applyDefaults fills declared defaults for omitted arguments.
func (s Spec) applyDefaults(args map[string]any) {
	for _, a := range s.Args {
		if a.Default == nil {
			continue
		}
		if _, ok := args[a.Name]; !ok {
			args[a.Name] = a.Default
		}
	}
}
