package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Policy holds the confidence thresholds of the novelty policy. The default
// values are empirical.
type Policy struct {
	// Floor is the minimum confidence an extraction needs to be considered.
	Floor float64
	// Delta is the confidence margin that overrides or protects a record.
	Delta float64
}

func DefaultPolicy() Policy {
	return Policy{Floor: 0.6, Delta: 0.2}
}

func (p Policy) Accept(confidence float64) bool {
	return confidence >= p.Floor
}

// ShouldSkip reports whether data carries no information worth merging into
// existing.
func (p Policy) ShouldSkip(existing Record, data map[string]any, confidence float64) bool {
	if confidence > existing.Confidence+p.Delta {
		return false
	}
	for k := range data {
		if _, ok := existing.Data[k]; !ok {
			return false
		}
	}

	changed := false
	for k, v := range data {
		if !sameValue(existing.Data[k], v) {
			changed = true
			break
		}
	}
	if changed && confidence < existing.Confidence-p.Delta {
		return true
	}
	if !changed && confidence <= existing.Confidence {
		return true
	}
	return false
}

var unordered = cmpopts.SortSlices(func(a, b any) bool { return fmt.Sprint(a) < fmt.Sprint(b) })

// sameValue treats arrays as unordered sets of values.
func sameValue(a, b any) bool {
	return cmp.Equal(a, b, unordered)
}

// Merge applies data over existing field by field. Nested values are
// replaced, not reconciled.
func Merge(existing *Record, data map[string]any, confidence float64, sessionID string, now time.Time) Record {
	merged := Record{
		Data:        make(map[string]any, len(data)),
		Confidence:  confidence,
		LastUpdated: now.UTC(),
		Source:      sessionID,
	}
	var sources []string
	if existing != nil {
		for k, v := range existing.Data {
			merged.Data[k] = v
		}
		if existing.Confidence > merged.Confidence {
			merged.Confidence = existing.Confidence
		}
		sources = append(sources, existing.Sources...)
		if existing.Source != "" {
			sources = appendSource(sources, existing.Source)
		}
	}
	for k, v := range data {
		merged.Data[k] = v
	}
	merged.Sources = appendSource(sources, sessionID)
	return merged
}

func appendSource(sources []string, id string) []string {
	for _, s := range sources {
		if s == id {
			return sources
		}
	}
	return append(sources, id)
}

// RecordFromTrait reports whether trait has the shape of a memory record:
// an object with data, confidence and lastUpdated.
func RecordFromTrait(trait any) (Record, bool) {
	switch t := trait.(type) {
	case Record:
		return t, t.Data != nil
	case *Record:
		if t == nil || t.Data == nil {
			return Record{}, false
		}
		return *t, true
	case map[string]any:
		return recordFromMap(t)
	}
	return Record{}, false
}

func recordFromMap(m map[string]any) (Record, bool) {
	data, ok := m["data"].(map[string]any)
	if !ok {
		return Record{}, false
	}
	confidence, ok := number(m["confidence"])
	if !ok {
		return Record{}, false
	}
	rawUpdated, ok := m["lastUpdated"]
	if !ok {
		return Record{}, false
	}

	r := Record{Data: data, Confidence: confidence}
	switch u := rawUpdated.(type) {
	case time.Time:
		r.LastUpdated = u
	case string:
		r.LastUpdated, _ = time.Parse(time.RFC3339Nano, u)
	}
	r.Source, _ = m["source"].(string)
	switch s := m["sources"].(type) {
	case []string:
		r.Sources = append(r.Sources, s...)
	case []any:
		for _, v := range s {
			if id, ok := v.(string); ok {
				r.Sources = append(r.Sources, id)
			}
		}
	}
	return r, true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// CurrentMemories picks the trait of every schema in schemas that holds a
// memory record.
func CurrentMemories(traits map[string]any, schemas map[string]Schema) map[string]Record {
	out := make(map[string]Record)
	for id := range schemas {
		if r, ok := RecordFromTrait(traits[id]); ok {
			out[id] = r
		}
	}
	return out
}
