package engine

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"kestreldb/src/models"
)

const testSchemaText = `
CREATE BUNDLE "Company" WITH FIELDS (
	{"name", "string", primary},
	{"city", "string", indexed}
);

create bundle "Person" with fields (
	{"id", "int", pk},
	{"name", "string", required, indexed},
	{"birth", "date"},
	{"employer", "reference", target=Company},
	{"clients", "list", target="Company"}
);
`

func TestParseSchema(t *testing.T) {
	bundles, err := ParseSchema(testSchemaText, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("ParseSchema failed: %v", err)
	}
	if len(bundles) != 2 || bundles[0].Name != "Company" || bundles[1].Name != "Person" {
		t.Fatalf("Unexpected bundles: %+v", bundles)
	}

	p := bundles[1]
	want := []models.FieldDefinition{
		{Name: "id", Type: models.FieldInteger, IsPrimaryKey: true},
		{Name: "name", Type: models.FieldString, IsRequired: true, IsIndexed: true},
		{Name: "birth", Type: models.FieldDate},
		{Name: "employer", Type: models.FieldReference, Target: "Company"},
		{Name: "clients", Type: models.FieldReferenceList, Target: "Company"},
	}
	if len(p.Fields) != len(want) {
		t.Fatalf("Expected %d fields, got %d", len(want), len(p.Fields))
	}
	for i := range want {
		if p.Fields[i] != want[i] {
			t.Errorf("Field %d: expected %+v, got %+v", i, want[i], p.Fields[i])
		}
	}

	if _, err := NewSchema(bundles...); err != nil {
		t.Errorf("Parsed schema does not validate: %v", err)
	}
}

func TestParseSchemaErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing keyword", `CREATE "Person" WITH FIELDS ({"id", "int"})`},
		{"no parentheses", `CREATE BUNDLE "Person" WITH FIELDS {"id", "int"}`},
		{"missing type", `CREATE BUNDLE "Person" WITH FIELDS ({"id"})`},
		{"unknown type", `CREATE BUNDLE "Person" WITH FIELDS ({"id", "uuid"})`},
		{"unknown flag", `CREATE BUNDLE "Person" WITH FIELDS ({"id", "int", unique})`},
		{"target without value", `CREATE BUNDLE "Person" WITH FIELDS ({"boss", "reference", target})`},
		{"unbalanced group", `CREATE BUNDLE "Person" WITH FIELDS ({"id", "int")`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSchema(tt.text, nil); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestParseDocumentValues(t *testing.T) {
	values, err := ParseDocumentValues(`{name="Ada, Countess"},{age=36}, {height=1.68} {active=true},{employer=null},{clients=["Acme", 'Company/Initech']}`)
	if err != nil {
		t.Fatalf("ParseDocumentValues failed: %v", err)
	}

	want := map[string]interface{}{
		"name":     "Ada, Countess",
		"age":      int64(36),
		"height":   1.68,
		"active":   true,
		"employer": nil,
	}
	if len(values) != 6 {
		t.Fatalf("Expected 6 values, got %d: %+v", len(values), values)
	}
	for _, kv := range values[:5] {
		if kv.Value != want[kv.Key] {
			t.Errorf("%s: expected %#v, got %#v", kv.Key, want[kv.Key], kv.Value)
		}
	}
	list, ok := values[5].Value.([]interface{})
	if !ok || len(list) != 2 || list[0] != "Acme" || list[1] != "Company/Initech" {
		t.Errorf("Unexpected list literal: %#v", values[5].Value)
	}

	for _, bad := range []string{`{name=Ada}`, `{name}`, `{=3}`, `name="Ada"`, `{name="Ada"`, `{tags=["a"}`, `{age=}`} {
		if _, err := ParseDocumentValues(bad); err == nil {
			t.Errorf("ParseDocumentValues(%q) should fail", bad)
		}
	}
}

func TestBuildDocument(t *testing.T) {
	values, err := ParseDocumentValues(`{id=7},{name="Ada"},{birth="1815-12-10"},{employer="Acme"},{clients=["Acme","Company/Initech"]}`)
	if err != nil {
		t.Fatalf("ParseDocumentValues failed: %v", err)
	}
	doc, err := BuildDocument(personBundle(), values)
	if err != nil {
		t.Fatalf("BuildDocument failed: %v", err)
	}

	if doc.Bundle != "Person" || doc.Get("id") != int64(7) || doc.Get("name") != "Ada" {
		t.Errorf("Unexpected scalar fields: %v", doc.Fields)
	}
	if birth, _ := doc.Get("birth").(time.Time); !birth.Equal(time.Date(1815, 12, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected date: %v", birth)
	}
	if doc.Get("employer") != (models.Reference{Bundle: "Company", DocumentID: "Acme"}) {
		t.Errorf("Unexpected reference: %v", doc.Get("employer"))
	}
	refs := doc.Get("clients").([]models.Reference)
	if len(refs) != 2 || refs[1] != (models.Reference{Bundle: "Company", DocumentID: "Initech"}) {
		t.Errorf("Unexpected reference list: %v", refs)
	}

	tests := []struct {
		name string
		text string
		want error
	}{
		{"unknown field", `{shoe=42}`, ErrUnknownField},
		{"string for int", `{age="old"}`, ErrTypeMismatch},
		{"list for scalar", `{age=[1]}`, ErrTypeMismatch},
		{"reference to other bundle", `{employer="Person/1"}`, ErrTypeMismatch},
		{"bad date", `{birth="yesterday"}`, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := ParseDocumentValues(tt.text)
			if err != nil {
				t.Fatalf("ParseDocumentValues failed: %v", err)
			}
			if _, err := BuildDocument(personBundle(), values); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
