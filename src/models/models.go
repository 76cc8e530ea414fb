package models

import (
	"fmt"
	"strings"
	"time"
)

type Database struct {
	// DatabaseID is the unique identifier for the database.
	DatabaseID string

	// Name is the name the database is opened by.
	Name string

	// FilePath is the backing file of the database.
	FilePath string

	// SchemaVersion is bumped every time a changed schema is persisted.
	SchemaVersion uint64

	CreatedAt time.Time
}

// FieldType is the semantic type of a field.
type FieldType int

const (
	FieldInteger FieldType = iota + 1
	FieldFloat
	FieldString
	FieldBool
	FieldDate
	FieldBinary
	FieldReference
	FieldReferenceList
)

var fieldTypeNames = map[FieldType]string{
	FieldInteger:       "int",
	FieldFloat:         "float",
	FieldString:        "string",
	FieldBool:          "bool",
	FieldDate:          "date",
	FieldBinary:        "binary",
	FieldReference:     "reference",
	FieldReferenceList: "list",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FieldType(%d)", int(t))
}

// Valid reports whether t is one of the declared field types.
func (t FieldType) Valid() bool {
	_, ok := fieldTypeNames[t]
	return ok
}

// Ordered reports whether values of this type can be compared with < and >.
func (t FieldType) Ordered() bool {
	switch t {
	case FieldInteger, FieldFloat, FieldString, FieldDate:
		return true
	}
	return false
}

// ParseFieldType accepts the names returned by FieldType.String plus a few
// common aliases.
func ParseFieldType(name string) (FieldType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "int", "integer", "int64":
		return FieldInteger, nil
	case "float", "double", "float64":
		return FieldFloat, nil
	case "string", "text":
		return FieldString, nil
	case "bool", "boolean":
		return FieldBool, nil
	case "date", "datetime", "time":
		return FieldDate, nil
	case "binary", "blob", "bytes", "data":
		return FieldBinary, nil
	case "reference", "ref", "object":
		return FieldReference, nil
	case "list", "references":
		return FieldReferenceList, nil
	}
	return 0, fmt.Errorf("unknown field type %q", name)
}

type FieldDefinition struct {
	Name         string
	Type         FieldType
	IsPrimaryKey bool
	IsIndexed    bool
	IsRequired   bool

	// Target is the bundle referenced by Reference and ReferenceList fields.
	Target string
}

// Bundle is a record type: a named, ordered set of field definitions.
type Bundle struct {
	Name   string
	Fields []FieldDefinition
}

// Field returns the definition of the named field.
func (b *Bundle) Field(name string) (FieldDefinition, bool) {
	for _, f := range b.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// PrimaryKey returns the primary key field, if one is declared.
func (b *Bundle) PrimaryKey() (FieldDefinition, bool) {
	for _, f := range b.Fields {
		if f.IsPrimaryKey {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Clone returns a deep copy of the bundle.
func (b Bundle) Clone() Bundle {
	fields := make([]FieldDefinition, len(b.Fields))
	copy(fields, b.Fields)
	return Bundle{Name: b.Name, Fields: fields}
}

// Reference points at another document. References are plain lookups: the
// target may have been deleted since the reference was stored.
type Reference struct {
	Bundle     string
	DocumentID string
}

func (r Reference) String() string {
	return r.Bundle + "/" + r.DocumentID
}

// Document is a record: an instance of a bundle.
type Document struct {
	Bundle     string
	DocumentID string
	Fields     map[string]interface{}
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewDocument creates an unsaved document of the given bundle.
func NewDocument(bundle string, fields map[string]interface{}) *Document {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Document{Bundle: bundle, Fields: fields}
}

// Get returns the value of a field, nil when the field is unset.
func (d *Document) Get(name string) interface{} {
	if d == nil || d.Fields == nil {
		return nil
	}
	return d.Fields[name]
}

// Set assigns a field value and returns the document for chaining.
func (d *Document) Set(name string, value interface{}) *Document {
	if d.Fields == nil {
		d.Fields = make(map[string]interface{})
	}
	d.Fields[name] = value
	return d
}

// Clone returns a copy that shares no mutable state with d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Fields = make(map[string]interface{}, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = cloneValue(v)
	}
	return &out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		if val == nil {
			return val
		}
		out := make([]byte, len(val))
		copy(out, val)
		return out
	case []Reference:
		if val == nil {
			return val
		}
		out := make([]Reference, len(val))
		copy(out, val)
		return out
	}
	return v
}
