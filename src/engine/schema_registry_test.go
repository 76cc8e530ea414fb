package engine

import (
	"errors"
	"testing"

	"kestreldb/src/models"
)

func TestSchemaRegistryValidation(t *testing.T) {
	field := func(name string, typ models.FieldType) models.FieldDefinition {
		return models.FieldDefinition{Name: name, Type: typ}
	}

	tests := []struct {
		name    string
		bundles []models.Bundle
	}{
		{"empty bundle name", []models.Bundle{{Name: ""}}},
		{"empty field name", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{field("", models.FieldString)}}}},
		{"duplicate field", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{field("x", models.FieldString), field("x", models.FieldInteger)}}}},
		{"invalid type", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{field("x", models.FieldType(99))}}}},
		{"two primary keys", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{
			{Name: "x", Type: models.FieldString, IsPrimaryKey: true},
			{Name: "y", Type: models.FieldString, IsPrimaryKey: true},
		}}}},
		{"float primary key", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{{Name: "x", Type: models.FieldFloat, IsPrimaryKey: true}}}}},
		{"indexed binary", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{{Name: "x", Type: models.FieldBinary, IsIndexed: true}}}}},
		{"reference without target", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{field("x", models.FieldReference)}}}},
		{"target on scalar", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{{Name: "x", Type: models.FieldString, Target: "A"}}}}},
		{"dangling target", []models.Bundle{{Name: "A", Fields: []models.FieldDefinition{{Name: "x", Type: models.FieldReferenceList, Target: "B"}}}}},
		{"duplicate bundle", []models.Bundle{{Name: "A"}, {Name: "A"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSchema(tt.bundles...); !errors.Is(err, ErrSchema) {
				t.Errorf("Expected ErrSchema, got %v", err)
			}
		})
	}
}

func TestSchemaRegistry(t *testing.T) {
	schema := testSchema(t)

	names := []string{}
	for _, b := range schema.Bundles() {
		names = append(names, b.Name)
	}
	if !equalIDs(names, []string{"Company", "Person", "Note"}) {
		t.Errorf("Bundles not in registration order: %v", names)
	}

	bundle, err := schema.Lookup("Person")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	pk, ok := bundle.PrimaryKey()
	if !ok || !pk.IsRequired || !pk.IsIndexed {
		t.Errorf("Primary key should be required and indexed: %+v", pk)
	}
	if _, err := schema.Lookup("Robot"); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Expected ErrUnknownType, got %v", err)
	}

	// Lookup hands out copies.
	bundle.Fields[0].Name = "changed"
	again, _ := schema.Lookup("Person")
	if again.Fields[0].Name != "id" {
		t.Error("Mutating a looked up bundle changed the registry")
	}

	clone := schema.Clone()
	schema.freeze()
	if err := schema.Register(models.Bundle{Name: "Late"}); !errors.Is(err, ErrSchema) {
		t.Errorf("Register on a frozen schema: expected ErrSchema, got %v", err)
	}
	if err := clone.Register(models.Bundle{Name: "Late"}); err != nil {
		t.Errorf("Register on an unfrozen clone failed: %v", err)
	}
	if len(clone.Bundles()) != 4 || len(schema.Bundles()) != 3 {
		t.Errorf("Clone shares state with the original: %d and %d bundles", len(clone.Bundles()), len(schema.Bundles()))
	}
}
