package engine

import (
	"fmt"
	"sync"

	"kestreldb/src/models"
)

// SchemaRegistry holds the bundle definitions of a database. Definitions are
// validated as they are registered and frozen once the database is open.
type SchemaRegistry struct {
	mu      sync.RWMutex
	bundles map[string]models.Bundle
	order   []string
	frozen  bool
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{bundles: make(map[string]models.Bundle)}
}

// NewSchema registers every bundle and checks that all reference targets
// resolve.
func NewSchema(bundles ...models.Bundle) (*SchemaRegistry, error) {
	registry := NewSchemaRegistry()
	for _, bundle := range bundles {
		if err := registry.Register(bundle); err != nil {
			return nil, err
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}
	return registry, nil
}

// Register validates a bundle definition and adds it to the registry.
func (r *SchemaRegistry) Register(bundle models.Bundle) error {
	if err := validateBundle(bundle); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: schema is frozen: %w", bundle.Name, ErrSchema)
	}
	if _, exists := r.bundles[bundle.Name]; exists {
		return fmt.Errorf("register %s: bundle already registered: %w", bundle.Name, ErrSchema)
	}

	r.bundles[bundle.Name] = normalizeBundle(bundle)
	r.order = append(r.order, bundle.Name)
	return nil
}

// Lookup returns the definition of a registered bundle.
func (r *SchemaRegistry) Lookup(name string) (models.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bundle, exists := r.bundles[name]
	if !exists {
		return models.Bundle{}, opErr("lookup", name, "", ErrUnknownType)
	}
	return bundle.Clone(), nil
}

// Bundles returns every definition in registration order.
func (r *SchemaRegistry) Bundles() []models.Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Bundle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.bundles[name].Clone())
	}
	return out
}

// Validate checks that every reference field targets a registered bundle.
func (r *SchemaRegistry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		for _, field := range r.bundles[name].Fields {
			if field.Type != models.FieldReference && field.Type != models.FieldReferenceList {
				continue
			}
			if _, exists := r.bundles[field.Target]; !exists {
				return fieldErr("register", name, field.Name,
					fmt.Errorf("reference target %q is not registered: %w", field.Target, ErrSchema))
			}
		}
	}
	return nil
}

func (r *SchemaRegistry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Clone returns an unfrozen copy of the registry.
func (r *SchemaRegistry) Clone() *SchemaRegistry {
	out := NewSchemaRegistry()
	for _, bundle := range r.Bundles() {
		out.bundles[bundle.Name] = bundle
		out.order = append(out.order, bundle.Name)
	}
	return out
}

func validateBundle(bundle models.Bundle) error {
	if bundle.Name == "" {
		return fmt.Errorf("register: bundle name cannot be empty: %w", ErrSchema)
	}

	seen := make(map[string]bool, len(bundle.Fields))
	primaryKeys := 0
	for _, field := range bundle.Fields {
		if field.Name == "" {
			return opErr("register", bundle.Name, "", fmt.Errorf("field name cannot be empty: %w", ErrSchema))
		}
		if seen[field.Name] {
			return fieldErr("register", bundle.Name, field.Name, fmt.Errorf("duplicate field: %w", ErrSchema))
		}
		seen[field.Name] = true

		if !field.Type.Valid() {
			return fieldErr("register", bundle.Name, field.Name, fmt.Errorf("invalid field type %d: %w", field.Type, ErrSchema))
		}

		if field.IsPrimaryKey {
			primaryKeys++
			if field.Type != models.FieldInteger && field.Type != models.FieldString {
				return fieldErr("register", bundle.Name, field.Name,
					fmt.Errorf("primary key must be int or string, not %s: %w", field.Type, ErrSchema))
			}
		}

		if field.IsIndexed {
			switch field.Type {
			case models.FieldFloat, models.FieldBinary, models.FieldReferenceList:
				return fieldErr("register", bundle.Name, field.Name,
					fmt.Errorf("%s fields cannot be indexed: %w", field.Type, ErrSchema))
			}
		}

		isRef := field.Type == models.FieldReference || field.Type == models.FieldReferenceList
		if isRef && field.Target == "" {
			return fieldErr("register", bundle.Name, field.Name, fmt.Errorf("reference field needs a target: %w", ErrSchema))
		}
		if !isRef && field.Target != "" {
			return fieldErr("register", bundle.Name, field.Name, fmt.Errorf("only reference fields have a target: %w", ErrSchema))
		}
	}

	if primaryKeys > 1 {
		return opErr("register", bundle.Name, "", fmt.Errorf("%d primary keys declared: %w", primaryKeys, ErrSchema))
	}
	return nil
}

// normalizeBundle makes the primary key required and indexed.
func normalizeBundle(bundle models.Bundle) models.Bundle {
	out := bundle.Clone()
	for i := range out.Fields {
		if out.Fields[i].IsPrimaryKey {
			out.Fields[i].IsRequired = true
			out.Fields[i].IsIndexed = true
		}
	}
	return out
}

// checkCompatible compares the schema supplied at open against the schema
// stored in the file. It reports whether the supplied schema adds anything.
func checkCompatible(stored, supplied *SchemaRegistry) (changed bool, err error) {
	storedBundles := stored.Bundles()
	suppliedNames := make(map[string]bool)
	for _, bundle := range supplied.Bundles() {
		suppliedNames[bundle.Name] = true
	}

	for _, old := range storedBundles {
		if !suppliedNames[old.Name] {
			return false, opErr("open", old.Name, "", fmt.Errorf("bundle was removed: %w", ErrSchema))
		}
		cur, _ := supplied.Lookup(old.Name)

		for _, oldField := range old.Fields {
			newField, ok := cur.Field(oldField.Name)
			if !ok {
				return false, fieldErr("open", old.Name, oldField.Name, fmt.Errorf("field was removed: %w", ErrSchema))
			}
			if newField.Type != oldField.Type {
				return false, fieldErr("open", old.Name, oldField.Name,
					fmt.Errorf("type changed from %s to %s: %w", oldField.Type, newField.Type, ErrSchema))
			}
			if newField.IsPrimaryKey != oldField.IsPrimaryKey {
				return false, fieldErr("open", old.Name, oldField.Name, fmt.Errorf("primary key changed: %w", ErrSchema))
			}
			if newField.Target != oldField.Target {
				return false, fieldErr("open", old.Name, oldField.Name,
					fmt.Errorf("reference target changed from %s to %s: %w", oldField.Target, newField.Target, ErrSchema))
			}
			if newField.IsIndexed != oldField.IsIndexed || newField.IsRequired != oldField.IsRequired {
				changed = true
			}
		}

		for _, newField := range cur.Fields {
			if _, ok := old.Field(newField.Name); ok {
				continue
			}
			if newField.IsRequired {
				return false, fieldErr("open", old.Name, newField.Name, fmt.Errorf("added field cannot be required: %w", ErrSchema))
			}
			changed = true
		}
	}

	if len(suppliedNames) != len(storedBundles) {
		changed = true
	}
	return changed, nil
}
