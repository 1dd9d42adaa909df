// Package memory extracts durable caller facts from live transcripts and
// merges them into profile traits under a confidence policy.
package memory

import (
	"time"
)

// Property is one typed field of a memory schema.
type Property struct {
	Type        string    `json:"type" yaml:"type"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty" yaml:"enum,omitempty"`
	Items       *Property `json:"items,omitempty" yaml:"items,omitempty"`
}

// Schema describes what a memory record may hold.
type Schema struct {
	ID          string              `json:"id" yaml:"id"`
	Name        string              `json:"name" yaml:"name"`
	Description string              `json:"description" yaml:"description"`
	Properties  map[string]Property `json:"properties" yaml:"properties"`
}

// GlobalSchema is a registered schema with its lifecycle metadata.
type GlobalSchema struct {
	Schema
	Active    bool      `json:"isActive"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Record is the value stored under a schema id in the caller's traits.
type Record struct {
	Data        map[string]any `json:"data"`
	Confidence  float64        `json:"confidence"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Source      string         `json:"source,omitempty"`
	Sources     []string       `json:"sources,omitempty"`
}

// Trait renders r in the JSON-decoded shape profile stores hand back, so a
// mirrored record and a reloaded one compare equal.
func (r Record) Trait() map[string]any {
	sources := make([]any, 0, len(r.Sources))
	for _, s := range r.Sources {
		sources = append(sources, s)
	}
	return map[string]any{
		"data":        copyData(r.Data),
		"confidence":  r.Confidence,
		"lastUpdated": r.LastUpdated.UTC().Format(time.RFC3339Nano),
		"source":      r.Source,
		"sources":     sources,
	}
}

// Extraction is one extract_memory tool call proposed by the model.
type Extraction struct {
	SchemaID   string         `json:"schema_id"`
	Data       map[string]any `json:"memory_data"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning"`
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
