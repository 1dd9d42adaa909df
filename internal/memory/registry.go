package memory

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxSchemaProperties = 50

var ErrSchemaNotFound = errors.New("memory schema not found")

//go:embed demo_schemas.yaml
var demoSchemasYAML []byte

// ValidationError lists every problem found in a schema.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid memory schema: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural requirements of a schema.
func Validate(s Schema) error {
	var problems []string
	if strings.TrimSpace(s.ID) == "" {
		problems = append(problems, "schema must have a valid string id")
	}
	if strings.TrimSpace(s.Name) == "" {
		problems = append(problems, "schema must have a valid string name")
	}
	if strings.TrimSpace(s.Description) == "" {
		problems = append(problems, "schema must have a valid string description")
	}
	switch n := len(s.Properties); {
	case n == 0:
		problems = append(problems, "schema must have at least one property")
	case n > maxSchemaProperties:
		problems = append(problems, fmt.Sprintf("schema cannot have more than %d properties", maxSchemaProperties))
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

type seedFile struct {
	Schemas []seedSchema `yaml:"schemas"`
}

type seedSchema struct {
	Schema `yaml:",inline"`
	Active *bool `yaml:"active,omitempty"`
}

// ParseSchemas decodes a YAML seed document. Schemas are active unless they
// set active: false.
func ParseSchemas(data []byte) ([]GlobalSchema, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse memory schemas: %w", err)
	}
	out := make([]GlobalSchema, 0, len(f.Schemas))
	seen := make(map[string]bool, len(f.Schemas))
	for _, s := range f.Schemas {
		if err := Validate(s.Schema); err != nil {
			return nil, fmt.Errorf("schema %q: %w", s.ID, err)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate memory schema %q", s.ID)
		}
		seen[s.ID] = true
		active := true
		if s.Active != nil {
			active = *s.Active
		}
		out = append(out, GlobalSchema{Schema: s.Schema, Active: active, Version: 1})
	}
	return out, nil
}

// LoadSchemaFile reads seed schemas from path, or the built-in demo schemas
// when path is empty.
func LoadSchemaFile(path string) ([]GlobalSchema, error) {
	if strings.TrimSpace(path) == "" {
		return DemoSchemas()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory schemas: %w", err)
	}
	return ParseSchemas(data)
}

func DemoSchemas() ([]GlobalSchema, error) {
	return ParseSchemas(demoSchemasYAML)
}

type ChangeKind string

const (
	SchemaAdded   ChangeKind = "added"
	SchemaUpdated ChangeKind = "updated"
	SchemaRemoved ChangeKind = "removed"
)

type Change struct {
	Kind     ChangeKind `json:"kind"`
	SchemaID string     `json:"schema_id"`
	Active   bool       `json:"active"`
}

type activeCache struct {
	schemas map[string]Schema
	at      time.Time
}

// Registry holds the global set of memory schemas. ActiveSchemas is cached
// until the TTL elapses or any schema changes.
type Registry struct {
	mu       sync.RWMutex
	schemas  map[string]GlobalSchema
	fallback map[string]Schema
	cache    *activeCache
	ttl      time.Duration
	now      func() time.Time
	log      *zap.Logger

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

func NewRegistry(ttl time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{
		schemas:   make(map[string]GlobalSchema),
		fallback:  make(map[string]Schema),
		ttl:       ttl,
		now:       time.Now,
		log:       log.With(zap.String("component", "schema_registry")),
		observers: make(map[int]func(Change)),
	}
	demo, err := DemoSchemas()
	if err != nil {
		r.log.Error("embedded demo schemas are invalid", zap.Error(err))
	}
	for _, s := range demo {
		r.fallback[s.ID] = s.Schema
	}
	return r
}

// Seed registers schemas that are not registered yet.
func (r *Registry) Seed(schemas []GlobalSchema) int {
	r.mu.Lock()
	now := r.now().UTC()
	added := 0
	for _, s := range schemas {
		if _, ok := r.schemas[s.ID]; ok {
			continue
		}
		if s.Version == 0 {
			s.Version = 1
		}
		s.CreatedAt, s.UpdatedAt = now, now
		r.schemas[s.ID] = s
		added++
	}
	if added > 0 {
		r.cache = nil
	}
	r.mu.Unlock()
	r.log.Info("memory schemas seeded", zap.Int("added", added))
	return added
}

// ActiveSchemas returns the active schemas keyed by id. When none is active
// the demo schemas are used.
func (r *Registry) ActiveSchemas() map[string]Schema {
	now := r.now()
	r.mu.RLock()
	if c := r.cache; c != nil && now.Sub(c.at) < r.ttl {
		out := copySchemas(c.schemas)
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	active := make(map[string]Schema)
	for id, s := range r.schemas {
		if s.Active {
			active[id] = s.Schema
		}
	}
	if len(active) == 0 {
		r.log.Debug("no active custom schemas, using demo schemas")
		active = copySchemas(r.fallback)
	}
	r.cache = &activeCache{schemas: active, at: now}
	return copySchemas(active)
}

// List returns every registered schema ordered by id.
func (r *Registry) List() []GlobalSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]GlobalSchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id string) (GlobalSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[id]
	if !ok {
		return GlobalSchema{}, ErrSchemaNotFound
	}
	return s, nil
}

// Upsert validates and stores s. A new schema starts active; an update keeps
// the active flag and bumps the version.
func (r *Registry) Upsert(s Schema) (GlobalSchema, error) {
	if err := Validate(s); err != nil {
		return GlobalSchema{}, err
	}
	r.mu.Lock()
	now := r.now().UTC()
	g, exists := r.schemas[s.ID]
	if exists {
		g.Schema = s
		g.Version++
		g.UpdatedAt = now
	} else {
		g = GlobalSchema{Schema: s, Active: true, Version: 1, CreatedAt: now, UpdatedAt: now}
	}
	r.schemas[s.ID] = g
	r.cache = nil
	r.mu.Unlock()

	kind := SchemaAdded
	if exists {
		kind = SchemaUpdated
	}
	r.log.Info("memory schema saved", zap.String("schema_id", s.ID), zap.Int("version", g.Version))
	r.publish(Change{Kind: kind, SchemaID: s.ID, Active: g.Active})
	return g, nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	if _, ok := r.schemas[id]; !ok {
		r.mu.Unlock()
		return ErrSchemaNotFound
	}
	delete(r.schemas, id)
	r.cache = nil
	r.mu.Unlock()

	r.log.Info("memory schema removed", zap.String("schema_id", id))
	r.publish(Change{Kind: SchemaRemoved, SchemaID: id})
	return nil
}

func (r *Registry) SetActive(id string, active bool) (GlobalSchema, error) {
	r.mu.Lock()
	g, ok := r.schemas[id]
	if !ok {
		r.mu.Unlock()
		return GlobalSchema{}, ErrSchemaNotFound
	}
	g.Active = active
	g.UpdatedAt = r.now().UTC()
	r.schemas[id] = g
	r.cache = nil
	r.mu.Unlock()

	r.log.Info("memory schema activation changed", zap.String("schema_id", id), zap.Bool("active", active))
	r.publish(Change{Kind: SchemaUpdated, SchemaID: id, Active: active})
	return g, nil
}

// Subscribe registers fn for schema changes and returns its unsubscribe
// function.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.nextObs++
	id := r.nextObs
	r.observers[id] = fn
	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		delete(r.observers, id)
	}
}

func (r *Registry) publish(c Change) {
	r.obsMu.Lock()
	ids := make([]int, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.observers[id])
	}
	r.obsMu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

func copySchemas(in map[string]Schema) map[string]Schema {
	out := make(map[string]Schema, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
