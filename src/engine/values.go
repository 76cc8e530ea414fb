package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"kestreldb/src/models"
)

// normalizeValue converts a caller supplied value into the canonical Go type
// of the field: int64, float64, string, bool, time.Time (UTC), []byte,
// models.Reference or []models.Reference. nil stays nil.
func normalizeValue(field models.FieldDefinition, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch field.Type {
	case models.FieldInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case uint:
			if uint64(v) > math.MaxInt64 {
				return nil, ErrTypeMismatch
			}
			return int64(v), nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint64:
			if v > math.MaxInt64 {
				return nil, ErrTypeMismatch
			}
			return int64(v), nil
		}

	case models.FieldFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case int32:
			return float64(v), nil
		}

	case models.FieldString:
		if v, ok := value.(string); ok {
			return v, nil
		}

	case models.FieldBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}

	case models.FieldDate:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case *time.Time:
			if v == nil {
				return nil, nil
			}
			return v.UTC(), nil
		}

	case models.FieldBinary:
		if v, ok := value.([]byte); ok {
			out := make([]byte, len(v))
			copy(out, v)
			return out, nil
		}

	case models.FieldReference:
		switch v := value.(type) {
		case models.Reference:
			return checkReference(field, v)
		case *models.Reference:
			if v == nil {
				return nil, nil
			}
			return checkReference(field, *v)
		case *models.Document:
			if v == nil {
				return nil, nil
			}
			return checkReference(field, models.Reference{Bundle: v.Bundle, DocumentID: v.DocumentID})
		}

	case models.FieldReferenceList:
		switch v := value.(type) {
		case []models.Reference:
			out := make([]models.Reference, 0, len(v))
			for _, ref := range v {
				r, err := checkReference(field, ref)
				if err != nil {
					return nil, err
				}
				out = append(out, r.(models.Reference))
			}
			return out, nil
		case []*models.Document:
			out := make([]models.Reference, 0, len(v))
			for _, doc := range v {
				if doc == nil {
					return nil, ErrTypeMismatch
				}
				out = append(out, models.Reference{Bundle: doc.Bundle, DocumentID: doc.DocumentID})
			}
			return normalizeValue(field, out)
		}
	}

	return nil, ErrTypeMismatch
}

func checkReference(field models.FieldDefinition, ref models.Reference) (interface{}, error) {
	if ref.Bundle == "" {
		ref.Bundle = field.Target
	}
	if ref.Bundle != field.Target || ref.DocumentID == "" {
		return nil, ErrTypeMismatch
	}
	return ref, nil
}

// compareValues orders two normalized values of the same field type.
// nil sorts before every value.
func compareValues(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	switch av := a.(type) {
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case float64:
		bv := b.(float64)
		// NaN equals only NaN and sorts after every number.
		if an, bn := math.IsNaN(av), math.IsNaN(bv); an || bn {
			switch {
			case an && bn:
				return 0
			case an:
				return 1
			}
			return -1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case time.Time:
		return av.Compare(b.(time.Time))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case models.Reference:
		return strings.Compare(av.String(), b.(models.Reference).String())
	case []models.Reference:
		bv := b.([]models.Reference)
		for i := 0; i < len(av) && i < len(bv); i++ {
			if c := strings.Compare(av[i].String(), bv[i].String()); c != 0 {
				return c
			}
		}
		return len(av) - len(bv)
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func valuesEqual(a, b interface{}) bool {
	return compareValues(a, b) == 0
}

// Type tags of encoded index keys. Each tag is followed by an order
// preserving encoding of the value.
const (
	tagNull byte = iota
	tagString
	tagInteger
	tagFloat
	tagBool
	tagDate
	tagReference
)

// encodeIndexKey encodes a normalized value for an index tree. Byte order of
// the encoding matches compareValues for the same field type.
func encodeIndexKey(value interface{}) ([]byte, error) {
	var buffer bytes.Buffer

	switch v := value.(type) {
	case nil:
		buffer.WriteByte(tagNull)

	case string:
		buffer.WriteByte(tagString)
		buffer.WriteString(v)

	case int64:
		buffer.WriteByte(tagInteger)
		binary.Write(&buffer, binary.BigEndian, uint64(v)^(1<<63))

	case float64:
		buffer.WriteByte(tagFloat)
		switch {
		case math.IsNaN(v):
			v = math.NaN()
		case v == 0:
			v = 0
		}
		bits := math.Float64bits(v)
		if v >= 0 || math.IsNaN(v) {
			bits ^= 1 << 63
		} else {
			bits = ^bits
		}
		binary.Write(&buffer, binary.BigEndian, bits)

	case bool:
		buffer.WriteByte(tagBool)
		if v {
			buffer.WriteByte(1)
		} else {
			buffer.WriteByte(0)
		}

	case time.Time:
		buffer.WriteByte(tagDate)
		binary.Write(&buffer, binary.BigEndian, uint64(v.Unix())^(1<<63))
		binary.Write(&buffer, binary.BigEndian, uint32(v.Nanosecond()))

	case models.Reference:
		buffer.WriteByte(tagReference)
		buffer.WriteString(v.String())

	default:
		return nil, fmt.Errorf("cannot index value of type %T: %w", value, ErrTypeMismatch)
	}

	return buffer.Bytes(), nil
}

// canonicalID returns the identity string of a primary key value.
func canonicalID(value interface{}) (string, error) {
	switch v := value.(type) {
	case int64:
		return strconv.FormatInt(v, 10), nil
	case string:
		if v == "" {
			return "", ErrTypeMismatch
		}
		return v, nil
	}
	return "", ErrTypeMismatch
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case time.Time:
		return strconv.Quote(v.Format(time.RFC3339Nano))
	case models.Reference:
		return strconv.Quote(v.String())
	case []byte:
		return fmt.Sprintf("BINARY[%d bytes]", len(v))
	}
	return fmt.Sprint(value)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// CoerceValue converts a literal, as written in a where clause or a document
// literal, to the canonical type of field. Dates may be given as strings in
// RFC 3339 or yyyy-mm-dd form and references as "Bundle/id" or a bare id.
func CoerceValue(field models.FieldDefinition, value interface{}) (interface{}, error) {
	s, isString := value.(string)
	if !isString {
		return normalizeValue(field, value)
	}

	switch field.Type {
	case models.FieldDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, ErrTypeMismatch

	case models.FieldReference:
		bundle, id := field.Target, s
		if i := strings.Index(s, "/"); i >= 0 {
			bundle, id = s[:i], s[i+1:]
		}
		return checkReference(field, models.Reference{Bundle: bundle, DocumentID: id})

	case models.FieldBinary:
		return []byte(s), nil
	}

	return normalizeValue(field, value)
}
