package engine

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"kestreldb/src/models"
)

func TestEncodeIndexKeyPreservesOrder(t *testing.T) {
	groups := map[string][]interface{}{
		"int": {
			int64(math.MinInt64), int64(-1000), int64(-1), int64(0), int64(1), int64(255), int64(256), int64(math.MaxInt64),
		},
		"float": {
			math.Inf(-1), -1e300, -2.5, -0.5, math.Copysign(0, -1), 0.0, 1e-9, 0.5, 3.25, 1e300, math.Inf(1), math.NaN(), -math.NaN(),
		},
		"string": {"", "A", "Ab", "a", "ab", "b", "ß"},
		"bool":   {false, true},
		"date": {
			time.Time{},
			time.Date(1, 1, 1, 0, 0, 0, 1, time.UTC),
			time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(1969, 7, 20, 20, 17, 0, 0, time.UTC),
			time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(1970, 1, 1, 0, 0, 0, 1, time.UTC),
			time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC),
			time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
		},
		"reference": {
			models.Reference{Bundle: "Company", DocumentID: "Acme"},
			models.Reference{Bundle: "Company", DocumentID: "Initech"},
		},
	}

	for name, values := range groups {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < len(values); i++ {
				for j := 0; j < len(values); j++ {
					a, err := encodeIndexKey(values[i])
					if err != nil {
						t.Fatalf("encodeIndexKey(%v) failed: %v", values[i], err)
					}
					b, err := encodeIndexKey(values[j])
					if err != nil {
						t.Fatalf("encodeIndexKey(%v) failed: %v", values[j], err)
					}
					got := bytes.Compare(a, b)
					want := compareValues(values[i], values[j])
					if sign(got) != sign(want) {
						t.Errorf("%v vs %v: key order %d, value order %d", values[i], values[j], got, want)
					}
				}
			}
		})
	}

	if _, err := encodeIndexKey([]byte("blob")); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Binary values cannot be indexed, got %v", err)
	}
	null, _ := encodeIndexKey(nil)
	zero, _ := encodeIndexKey("")
	if bytes.Compare(null, zero) >= 0 {
		t.Error("Null must sort before every value")
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestCoerceValue(t *testing.T) {
	ref := models.FieldDefinition{Name: "employer", Type: models.FieldReference, Target: "Company"}
	date := models.FieldDefinition{Name: "birth", Type: models.FieldDate}
	integer := models.FieldDefinition{Name: "age", Type: models.FieldInteger}
	float := models.FieldDefinition{Name: "height", Type: models.FieldFloat}
	binary := models.FieldDefinition{Name: "photo", Type: models.FieldBinary}

	tests := []struct {
		name    string
		field   models.FieldDefinition
		in      interface{}
		want    interface{}
		wantErr bool
	}{
		{"int from int", integer, 36, int64(36), false},
		{"int from uint8", integer, uint8(7), int64(7), false},
		{"int overflow", integer, uint64(math.MaxUint64), nil, true},
		{"int from float", integer, 3.5, nil, true},
		{"float from int", float, 2, 2.0, false},
		{"float from float32", float, float32(0.5), 0.5, false},
		{"null", integer, nil, nil, false},
		{"bare id", ref, "Acme", models.Reference{Bundle: "Company", DocumentID: "Acme"}, false},
		{"qualified id", ref, "Company/Acme", models.Reference{Bundle: "Company", DocumentID: "Acme"}, false},
		{"wrong bundle", ref, "Person/1", nil, true},
		{"empty id", ref, "Company/", nil, true},
		{"date only", date, "2024-02-29", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), false},
		{"rfc3339", date, "2024-02-29T13:00:00+01:00", time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), false},
		{"bad date", date, "29/02/2024", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CoerceValue(tt.field, tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrTypeMismatch) {
					t.Fatalf("Expected ErrTypeMismatch, got %v (%v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("CoerceValue failed: %v", err)
			}
			if compareValues(got, tt.want) != 0 {
				t.Errorf("Expected %#v, got %#v", tt.want, got)
			}
		})
	}

	in := []byte("raw")
	out, err := CoerceValue(binary, in)
	if err != nil {
		t.Fatalf("CoerceValue on binary failed: %v", err)
	}
	in[0] = 'X'
	if string(out.([]byte)) != "raw" {
		t.Error("Binary values must be copied")
	}
}

func TestCanonicalID(t *testing.T) {
	if id, err := canonicalID(int64(-42)); err != nil || id != "-42" {
		t.Errorf("Expected -42, got %q, %v", id, err)
	}
	if id, err := canonicalID("alice"); err != nil || id != "alice" {
		t.Errorf("Expected alice, got %q, %v", id, err)
	}
	if _, err := canonicalID(""); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Empty string key: expected ErrTypeMismatch, got %v", err)
	}
	if _, err := canonicalID(nil); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Null key: expected ErrTypeMismatch, got %v", err)
	}
}

func TestCompareValuesNaN(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		a, b float64
		want int
	}{
		{nan, nan, 0},
		{nan, math.Inf(1), 1},
		{math.Inf(1), nan, -1},
		{-1, nan, -1},
		{nan, 0, 1},
	}
	for _, tt := range tests {
		if got := compareValues(tt.a, tt.b); got != tt.want {
			t.Errorf("compareValues(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if valuesEqual(nan, 1.5) {
		t.Error("NaN must not equal a number")
	}
}
