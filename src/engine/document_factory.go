package engine

import (
	"fmt"
	"time"

	"go.uber.org/multierr"

	"kestreldb/src/helpers"
	"kestreldb/src/models"
)

// DocumentFactory validates caller documents against the schema and turns
// them into the normalized copies that are stored.
type DocumentFactory struct {
	schema *SchemaRegistry
	now    func() time.Time
}

func NewDocumentFactory(schema *SchemaRegistry) *DocumentFactory {
	return &DocumentFactory{schema: schema, now: time.Now}
}

// Prepare returns a normalized copy of doc. Every field must be declared,
// every value must match its field type and required fields must be set.
// The document id is derived from the primary key when the bundle has one,
// otherwise the id of doc is kept or a new one generated.
func (f *DocumentFactory) Prepare(op string, doc *models.Document) (*models.Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("%s: nil document: %w", op, ErrTypeMismatch)
	}

	bundle, err := f.schema.Lookup(doc.Bundle)
	if err != nil {
		return nil, err
	}

	out := &models.Document{
		Bundle:     doc.Bundle,
		DocumentID: doc.DocumentID,
		Fields:     make(map[string]interface{}, len(bundle.Fields)),
		CreatedAt:  doc.CreatedAt,
		UpdatedAt:  doc.UpdatedAt,
	}

	for name := range doc.Fields {
		if _, ok := bundle.Field(name); !ok {
			return nil, fieldErr(op, doc.Bundle, name, ErrUnknownField)
		}
	}

	for _, field := range bundle.Fields {
		value, err := normalizeValue(field, doc.Fields[field.Name])
		if err != nil {
			return nil, &OpError{Op: op, Bundle: doc.Bundle, DocumentID: doc.DocumentID, Field: field.Name,
				Err: fmt.Errorf("%T for %s field: %w", doc.Fields[field.Name], field.Type, err)}
		}
		if value == nil {
			if field.IsRequired {
				return nil, &OpError{Op: op, Bundle: doc.Bundle, DocumentID: doc.DocumentID, Field: field.Name,
					Err: fmt.Errorf("required field is null: %w", ErrTypeMismatch)}
			}
			continue
		}
		out.Fields[field.Name] = value
	}

	if pk, ok := bundle.PrimaryKey(); ok {
		id, err := canonicalID(out.Fields[pk.Name])
		if err != nil {
			return nil, &OpError{Op: op, Bundle: doc.Bundle, Field: pk.Name, Err: err}
		}
		out.DocumentID = id
	} else if out.DocumentID == "" {
		out.DocumentID = helpers.GenerateUUID()
	}

	return out, nil
}

// PrepareAll prepares every document and combines all validation failures.
func (f *DocumentFactory) PrepareAll(op string, docs []*models.Document) ([]*models.Document, error) {
	prepared := make([]*models.Document, 0, len(docs))
	var errs error
	for _, doc := range docs {
		p, err := f.Prepare(op, doc)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		prepared = append(prepared, p)
	}
	if errs != nil {
		return nil, errs
	}
	return prepared, nil
}

// Identify resolves the id of doc without validating its other fields.
func (f *DocumentFactory) Identify(op string, doc *models.Document) (string, error) {
	if doc == nil {
		return "", fmt.Errorf("%s: nil document: %w", op, ErrNotFound)
	}

	bundle, err := f.schema.Lookup(doc.Bundle)
	if err != nil {
		return "", err
	}

	if pk, ok := bundle.PrimaryKey(); ok {
		if raw, set := doc.Fields[pk.Name]; set {
			value, err := normalizeValue(pk, raw)
			if err != nil {
				return "", &OpError{Op: op, Bundle: doc.Bundle, Field: pk.Name, Err: err}
			}
			return canonicalID(value)
		}
	}

	if doc.DocumentID == "" {
		return "", opErr(op, doc.Bundle, "", ErrNotFound)
	}
	return doc.DocumentID, nil
}

func (f *DocumentFactory) stamp(doc *models.Document, previous *models.Document) {
	now := f.now().UTC()
	doc.UpdatedAt = now
	if previous != nil {
		doc.CreatedAt = previous.CreatedAt
	} else if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
}
