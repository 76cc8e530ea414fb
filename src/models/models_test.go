package models

import (
	"testing"
	"time"
)

func TestParseFieldType(t *testing.T) {
	tests := []struct {
		in   string
		want FieldType
	}{
		{"int", FieldInteger},
		{" Integer ", FieldInteger},
		{"double", FieldFloat},
		{"TEXT", FieldString},
		{"boolean", FieldBool},
		{"datetime", FieldDate},
		{"blob", FieldBinary},
		{"ref", FieldReference},
		{"references", FieldReferenceList},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFieldType(tt.in)
			if err != nil {
				t.Fatalf("ParseFieldType failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	if _, err := ParseFieldType("uuid"); err == nil {
		t.Error("Expected an error for an unknown type")
	}

	// Every type name round-trips through String.
	for typ := FieldInteger; typ <= FieldReferenceList; typ++ {
		got, err := ParseFieldType(typ.String())
		if err != nil || got != typ {
			t.Errorf("%v does not round-trip: %v, %v", typ, got, err)
		}
	}
	if FieldType(0).Valid() || FieldType(0).String() != "FieldType(0)" {
		t.Error("Zero FieldType should be invalid")
	}
	if FieldBool.Ordered() || FieldReference.Ordered() || !FieldDate.Ordered() {
		t.Error("Unexpected Ordered result")
	}
}

func TestBundleLookups(t *testing.T) {
	b := Bundle{Name: "Person", Fields: []FieldDefinition{
		{Name: "id", Type: FieldInteger, IsPrimaryKey: true},
		{Name: "name", Type: FieldString},
	}}

	if f, ok := b.Field("name"); !ok || f.Type != FieldString {
		t.Errorf("Field lookup failed: %+v, %v", f, ok)
	}
	if _, ok := b.Field("age"); ok {
		t.Error("Unexpected field age")
	}
	if pk, ok := b.PrimaryKey(); !ok || pk.Name != "id" {
		t.Errorf("PrimaryKey lookup failed: %+v, %v", pk, ok)
	}

	clone := b.Clone()
	clone.Fields[0].Name = "changed"
	if b.Fields[0].Name != "id" {
		t.Error("Bundle clone shares its fields")
	}

	if _, ok := (&Bundle{Name: "Note"}).PrimaryKey(); ok {
		t.Error("Bundle without a primary key reported one")
	}
}

func TestDocumentClone(t *testing.T) {
	doc := NewDocument("Person", map[string]interface{}{
		"name":    "Ada",
		"photo":   []byte{1, 2, 3},
		"clients": []Reference{{Bundle: "Company", DocumentID: "Acme"}},
	})
	doc.DocumentID = "1"
	doc.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	clone := doc.Clone()
	clone.Set("name", "Grace")
	clone.Get("photo").([]byte)[0] = 9
	clone.Get("clients").([]Reference)[0].DocumentID = "Initech"

	if doc.Get("name") != "Ada" {
		t.Error("Clone shares its field map")
	}
	if doc.Get("photo").([]byte)[0] != 1 {
		t.Error("Clone shares binary values")
	}
	if doc.Get("clients").([]Reference)[0].DocumentID != "Acme" {
		t.Error("Clone shares reference lists")
	}
	if clone.DocumentID != "1" || !clone.CreatedAt.Equal(doc.CreatedAt) {
		t.Error("Clone lost document metadata")
	}

	var missing *Document
	if missing.Clone() != nil || missing.Get("name") != nil {
		t.Error("nil document should clone and read as nil")
	}
	if (Reference{Bundle: "Company", DocumentID: "Acme"}).String() != "Company/Acme" {
		t.Error("Unexpected reference string")
	}
}
