package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldSkip(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		name       string
		existing   Record
		data       map[string]any
		confidence float64
		want       bool
	}{
		{
			name:       "identical data and confidence",
			existing:   Record{Confidence: 0.8, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"diet_type": "vegan"},
			confidence: 0.8,
			want:       true,
		},
		{
			name:       "much more confident contradiction",
			existing:   Record{Confidence: 0.5, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"diet_type": "keto"},
			confidence: 0.9,
			want:       false,
		},
		{
			name:       "much less confident contradiction",
			existing:   Record{Confidence: 0.9, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"diet_type": "keto"},
			confidence: 0.5,
			want:       true,
		},
		{
			name:       "new field at lower confidence",
			existing:   Record{Confidence: 0.9, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"allergies": []any{"nuts"}},
			confidence: 0.65,
			want:       false,
		},
		{
			name:       "same values slightly more confident",
			existing:   Record{Confidence: 0.7, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"diet_type": "vegan"},
			confidence: 0.8,
			want:       false,
		},
		{
			name:       "arrays compare unordered",
			existing:   Record{Confidence: 0.8, Data: map[string]any{"allergies": []any{"nuts", "shellfish"}}},
			data:       map[string]any{"allergies": []any{"shellfish", "nuts"}},
			confidence: 0.8,
			want:       true,
		},
		{
			name:       "changed value within delta",
			existing:   Record{Confidence: 0.8, Data: map[string]any{"diet_type": "vegan"}},
			data:       map[string]any{"diet_type": "paleo"},
			confidence: 0.7,
			want:       false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, p.ShouldSkip(tc.existing, tc.data, tc.confidence))
		})
	}
}

func TestAcceptFloor(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Accept(0.59))
	assert.True(t, p.Accept(0.6))
}

func TestMergeOverridesAndKeepsMaxConfidence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := &Record{
		Confidence: 0.5,
		Data:       map[string]any{"diet_type": "vegan", "allergies": []any{"nuts"}},
		Sources:    []string{"CA0"},
	}

	got := Merge(existing, map[string]any{"diet_type": "keto"}, 0.9, "CA1", now)

	assert.Equal(t, map[string]any{"diet_type": "keto", "allergies": []any{"nuts"}}, got.Data)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Equal(t, []string{"CA0", "CA1"}, got.Sources)
	assert.Equal(t, "CA1", got.Source)
	assert.Equal(t, now, got.LastUpdated)
	assert.Equal(t, "vegan", existing.Data["diet_type"], "existing record is not mutated")

	lower := Merge(&got, map[string]any{"diet_type": "paleo"}, 0.7, "CA1", now)
	assert.Equal(t, 0.9, lower.Confidence)
}

func TestMergeSourcesDeduplicate(t *testing.T) {
	now := time.Now()
	first := Merge(nil, map[string]any{"diet_type": "vegan"}, 0.8, "CA1", now)
	second := Merge(&first, map[string]any{"allergies": []any{"nuts"}}, 0.8, "CA1", now)
	assert.Equal(t, []string{"CA1"}, second.Sources)
}

func TestMergeKeepsSingleSourceContributor(t *testing.T) {
	now := time.Now()
	existing := Record{
		Data:        map[string]any{"diet_type": "vegan"},
		Confidence:  0.8,
		LastUpdated: now.Add(-time.Hour),
		Source:      "CA0",
	}
	merged := Merge(&existing, map[string]any{"allergies": []any{"nuts"}}, 0.8, "CA1", now)
	assert.Equal(t, []string{"CA0", "CA1"}, merged.Sources)
	assert.Equal(t, "CA1", merged.Source)
}

func TestRecordFromTrait(t *testing.T) {
	stamp := "2026-03-01T12:00:00Z"
	r, ok := RecordFromTrait(map[string]any{
		"data":        map[string]any{"diet_type": "vegan"},
		"confidence":  0.8,
		"lastUpdated": stamp,
		"sources":     []any{"CA1"},
	})
	require.True(t, ok)
	assert.Equal(t, 0.8, r.Confidence)
	assert.Equal(t, []string{"CA1"}, r.Sources)
	assert.Equal(t, 2026, r.LastUpdated.Year())

	for name, trait := range map[string]any{
		"plain string":       "vegan",
		"missing data":       map[string]any{"confidence": 0.8, "lastUpdated": stamp},
		"missing confidence": map[string]any{"data": map[string]any{}, "lastUpdated": stamp},
		"missing timestamp":  map[string]any{"data": map[string]any{}, "confidence": 0.8},
		"data not object":    map[string]any{"data": "x", "confidence": 0.8, "lastUpdated": stamp},
	} {
		_, ok := RecordFromTrait(trait)
		assert.False(t, ok, name)
	}
}

func TestRecordTraitRoundTrip(t *testing.T) {
	r := Merge(nil, map[string]any{"diet_type": "vegan"}, 0.8, "CA1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	back, ok := RecordFromTrait(r.Trait())
	require.True(t, ok)
	assert.Equal(t, r, back)
}
