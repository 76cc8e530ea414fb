package engine

import (
	"fmt"
	"time"

	"kestreldb/src/helpers"
	"kestreldb/src/models"
)

// Payloads of the journal frames. Values carry their field type so they
// decode back to exactly the Go type they were written with.

type storedField struct {
	Name     string `bson:"name"`
	Type     int    `bson:"type"`
	Primary  bool   `bson:"primary,omitempty"`
	Indexed  bool   `bson:"indexed,omitempty"`
	Required bool   `bson:"required,omitempty"`
	Target   string `bson:"target,omitempty"`
}

type storedBundle struct {
	Name   string        `bson:"name"`
	Fields []storedField `bson:"fields"`
}

type headerPayload struct {
	DatabaseID    string         `bson:"database_id"`
	Name          string         `bson:"name"`
	SchemaVersion uint64         `bson:"schema_version"`
	CreatedAt     storedTime     `bson:"created_at"`
	Bundles       []storedBundle `bson:"bundles"`
}

// storedTime keeps a date as Unix seconds plus nanoseconds, covering every
// year time.Time can hold.
type storedTime struct {
	Sec  int64 `bson:"sec"`
	Nsec int64 `bson:"nsec,omitempty"`
}

func encodeTime(t time.Time) storedTime {
	return storedTime{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func (st storedTime) time() time.Time {
	return time.Unix(st.Sec, st.Nsec).UTC()
}

type storedReference struct {
	Bundle     string `bson:"b"`
	DocumentID string `bson:"id"`
}

type storedValue struct {
	Type  int               `bson:"t"`
	Int   int64             `bson:"i,omitempty"`
	Nsec  int64             `bson:"ns,omitempty"`
	Float float64           `bson:"f,omitempty"`
	Str   string            `bson:"s,omitempty"`
	Bool  bool              `bson:"b,omitempty"`
	Bin   []byte            `bson:"bin,omitempty"`
	Refs  []storedReference `bson:"refs,omitempty"`
}

type storedDocument struct {
	Bundle     string                 `bson:"bundle"`
	DocumentID string                 `bson:"id"`
	Seq        uint64                 `bson:"seq"`
	CreatedAt  storedTime             `bson:"created_at"`
	UpdatedAt  storedTime             `bson:"updated_at"`
	Fields     map[string]storedValue `bson:"fields"`
}

type commitOpKind string

const (
	opPut    commitOpKind = "put"
	opDelete commitOpKind = "del"
	opClear  commitOpKind = "clear"
)

type commitOp struct {
	Kind       commitOpKind    `bson:"op"`
	Bundle     string          `bson:"bundle"`
	DocumentID string          `bson:"id,omitempty"`
	Document   *storedDocument `bson:"doc,omitempty"`
}

type commitPayload struct {
	Version uint64     `bson:"version"`
	NextSeq uint64     `bson:"next_seq"`
	Ops     []commitOp `bson:"ops"`
}

type snapshotPayload struct {
	Version   uint64           `bson:"version"`
	NextSeq   uint64           `bson:"next_seq"`
	Documents []storedDocument `bson:"documents"`
}

func encodeHeader(meta models.Database, schema *SchemaRegistry) headerPayload {
	header := headerPayload{
		DatabaseID:    meta.DatabaseID,
		Name:          meta.Name,
		SchemaVersion: meta.SchemaVersion,
		CreatedAt:     encodeTime(meta.CreatedAt),
	}
	for _, bundle := range schema.Bundles() {
		sb := storedBundle{Name: bundle.Name}
		for _, f := range bundle.Fields {
			sb.Fields = append(sb.Fields, storedField{
				Name:     f.Name,
				Type:     int(f.Type),
				Primary:  f.IsPrimaryKey,
				Indexed:  f.IsIndexed,
				Required: f.IsRequired,
				Target:   f.Target,
			})
		}
		header.Bundles = append(header.Bundles, sb)
	}
	return header
}

func decodeHeader(payload []byte) (models.Database, *SchemaRegistry, error) {
	var header headerPayload
	if err := helpers.DecodeBSON(payload, &header); err != nil {
		return models.Database{}, nil, fmt.Errorf("%v: %w", err, ErrCorruptFile)
	}

	bundles := make([]models.Bundle, 0, len(header.Bundles))
	for _, sb := range header.Bundles {
		bundle := models.Bundle{Name: sb.Name}
		for _, f := range sb.Fields {
			bundle.Fields = append(bundle.Fields, models.FieldDefinition{
				Name:         f.Name,
				Type:         models.FieldType(f.Type),
				IsPrimaryKey: f.Primary,
				IsIndexed:    f.Indexed,
				IsRequired:   f.Required,
				Target:       f.Target,
			})
		}
		bundles = append(bundles, bundle)
	}

	schema, err := NewSchema(bundles...)
	if err != nil {
		return models.Database{}, nil, fmt.Errorf("stored schema: %v: %w", err, ErrCorruptFile)
	}

	meta := models.Database{
		DatabaseID:    header.DatabaseID,
		Name:          header.Name,
		SchemaVersion: header.SchemaVersion,
		CreatedAt:     header.CreatedAt.time(),
	}
	return meta, schema, nil
}

func encodeValue(value interface{}) storedValue {
	switch v := value.(type) {
	case int64:
		return storedValue{Type: int(models.FieldInteger), Int: v}
	case float64:
		return storedValue{Type: int(models.FieldFloat), Float: v}
	case string:
		return storedValue{Type: int(models.FieldString), Str: v}
	case bool:
		return storedValue{Type: int(models.FieldBool), Bool: v}
	case time.Time:
		return storedValue{Type: int(models.FieldDate), Int: v.Unix(), Nsec: int64(v.Nanosecond())}
	case []byte:
		return storedValue{Type: int(models.FieldBinary), Bin: v}
	case models.Reference:
		return storedValue{Type: int(models.FieldReference), Refs: []storedReference{{Bundle: v.Bundle, DocumentID: v.DocumentID}}}
	case []models.Reference:
		refs := make([]storedReference, 0, len(v))
		for _, r := range v {
			refs = append(refs, storedReference{Bundle: r.Bundle, DocumentID: r.DocumentID})
		}
		return storedValue{Type: int(models.FieldReferenceList), Refs: refs}
	}
	return storedValue{}
}

func decodeValue(sv storedValue) (interface{}, error) {
	switch models.FieldType(sv.Type) {
	case models.FieldInteger:
		return sv.Int, nil
	case models.FieldFloat:
		return sv.Float, nil
	case models.FieldString:
		return sv.Str, nil
	case models.FieldBool:
		return sv.Bool, nil
	case models.FieldDate:
		return time.Unix(sv.Int, sv.Nsec).UTC(), nil
	case models.FieldBinary:
		if sv.Bin == nil {
			return []byte{}, nil
		}
		return sv.Bin, nil
	case models.FieldReference:
		if len(sv.Refs) != 1 {
			return nil, fmt.Errorf("reference holds %d targets: %w", len(sv.Refs), ErrCorruptFile)
		}
		return models.Reference{Bundle: sv.Refs[0].Bundle, DocumentID: sv.Refs[0].DocumentID}, nil
	case models.FieldReferenceList:
		refs := make([]models.Reference, 0, len(sv.Refs))
		for _, r := range sv.Refs {
			refs = append(refs, models.Reference{Bundle: r.Bundle, DocumentID: r.DocumentID})
		}
		return refs, nil
	}
	return nil, fmt.Errorf("unknown stored value type %d: %w", sv.Type, ErrCorruptFile)
}

func encodeDocument(seq uint64, doc *models.Document) *storedDocument {
	sd := &storedDocument{
		Bundle:     doc.Bundle,
		DocumentID: doc.DocumentID,
		Seq:        seq,
		CreatedAt:  encodeTime(doc.CreatedAt),
		UpdatedAt:  encodeTime(doc.UpdatedAt),
		Fields:     make(map[string]storedValue, len(doc.Fields)),
	}
	for name, value := range doc.Fields {
		if value == nil {
			continue
		}
		sd.Fields[name] = encodeValue(value)
	}
	return sd
}

func decodeDocument(sd *storedDocument) (*models.Document, error) {
	doc := &models.Document{
		Bundle:     sd.Bundle,
		DocumentID: sd.DocumentID,
		CreatedAt:  sd.CreatedAt.time(),
		UpdatedAt:  sd.UpdatedAt.time(),
		Fields:     make(map[string]interface{}, len(sd.Fields)),
	}
	for name, sv := range sd.Fields {
		value, err := decodeValue(sv)
		if err != nil {
			return nil, fmt.Errorf("%s/%s field %s: %w", sd.Bundle, sd.DocumentID, name, err)
		}
		doc.Fields[name] = value
	}
	return doc, nil
}

func encodeSnapshot(r *root) snapshotPayload {
	snapshot := snapshotPayload{Version: r.version, NextSeq: r.nextSeq}
	for _, name := range sortedTableNames(r) {
		r.tables[name].scan(func(seq uint64, doc *models.Document) bool {
			snapshot.Documents = append(snapshot.Documents, *encodeDocument(seq, doc))
			return true
		})
	}
	return snapshot
}
