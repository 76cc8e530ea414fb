package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"kestreldb/src/helpers"
	"kestreldb/src/models"
)

/*

Schema files hold one statement per bundle, separated by semicolons:

	CREATE BUNDLE "Person" WITH FIELDS (
		{"id", "int", primary},
		{"name", "string", required, indexed},
		{"employer", "reference", target=Company}
	);

Documents are written as a list of key=value pairs:

	{name="Ada"},{age=36},{tags=["Company/1", "Company/2"]}

*/

// KeyValue is one field assignment of a document literal.
type KeyValue struct {
	Key   string
	Value interface{}
}

var bundleNameRegex = regexp.MustCompile(`(?i)^CREATE\s+BUNDLE\s+"([^"]+)"\s+WITH\s+FIELDS\s*`)

// ParseSchema parses every CREATE BUNDLE statement of a schema file.
func ParseSchema(text string, logger *zap.SugaredLogger) ([]models.Bundle, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var bundles []models.Bundle
	for i, statement := range splitOutsideQuotes(text, ';') {
		statement = strings.TrimSpace(statement)
		if statement == "" {
			continue
		}
		bundle, err := ParseCreateBundleCommand(statement, logger)
		if err != nil {
			return nil, fmt.Errorf("statement %d: %w", i+1, err)
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}

// ParseCreateBundleCommand parses a single CREATE BUNDLE statement.
func ParseCreateBundleCommand(command string, logger *zap.SugaredLogger) (models.Bundle, error) {
	command = strings.ReplaceAll(command, "\n", " ")
	command = strings.ReplaceAll(command, "\t", " ")
	command = strings.TrimSpace(command)

	matches := bundleNameRegex.FindStringSubmatch(command)
	if len(matches) < 2 {
		logger.Errorw("Invalid CREATE BUNDLE command syntax", "command", command)
		return models.Bundle{}, fmt.Errorf("invalid CREATE BUNDLE command syntax")
	}
	bundleName := matches[1]

	fieldsSection := strings.TrimSpace(command[len(matches[0]):])
	if !strings.HasPrefix(fieldsSection, "(") || !strings.HasSuffix(fieldsSection, ")") {
		return models.Bundle{}, fmt.Errorf("field definitions of %s must be enclosed in parentheses", bundleName)
	}

	groups, err := splitBraceGroups(fieldsSection[1 : len(fieldsSection)-1])
	if err != nil {
		return models.Bundle{}, fmt.Errorf("bundle %s: %w", bundleName, err)
	}

	bundle := models.Bundle{Name: bundleName}
	for _, group := range groups {
		field, err := parseFieldDefinition(group)
		if err != nil {
			return models.Bundle{}, fmt.Errorf("bundle %s: %w", bundleName, err)
		}
		bundle.Fields = append(bundle.Fields, field)
	}

	logger.Debugw("Parsed bundle definition", "bundle", bundleName, "fields", len(bundle.Fields))
	return bundle, nil
}

// parseFieldDefinition parses a field definition like "name", "string", required, indexed
func parseFieldDefinition(fieldText string) (models.FieldDefinition, error) {
	parts := splitOutsideQuotes(fieldText, ',')
	if len(parts) < 2 {
		return models.FieldDefinition{}, fmt.Errorf("field definition {%s} must have a name and a type", fieldText)
	}

	name := helpers.StripQuotes(parts[0])
	fieldType, err := models.ParseFieldType(helpers.StripQuotes(parts[1]))
	if err != nil {
		return models.FieldDefinition{}, fmt.Errorf("field %s: %w", name, err)
	}

	field := models.FieldDefinition{Name: name, Type: fieldType}
	for _, flag := range parts[2:] {
		flag = strings.TrimSpace(flag)
		key, value, hasValue := strings.Cut(flag, "=")
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "primary", "primarykey", "pk":
			field.IsPrimaryKey = true
		case "indexed", "index":
			field.IsIndexed = true
		case "required", "notnull":
			field.IsRequired = true
		case "target":
			if !hasValue {
				return models.FieldDefinition{}, fmt.Errorf("field %s: target needs a bundle name", name)
			}
			field.Target = helpers.StripQuotes(value)
		case "":
		default:
			return models.FieldDefinition{}, fmt.Errorf("field %s: unknown flag %q", name, flag)
		}
	}

	return field, nil
}

// ParseDocumentValues parses a document literal of {key=value} pairs.
func ParseDocumentValues(fieldsText string) ([]KeyValue, error) {
	groups, err := splitBraceGroups(fieldsText)
	if err != nil {
		return nil, err
	}

	var fieldValues []KeyValue
	for _, part := range groups {
		keyValue := strings.SplitN(part, "=", 2)
		if len(keyValue) != 2 {
			return nil, fmt.Errorf("invalid field format: %s", part)
		}

		key := helpers.StripQuotes(strings.TrimSpace(keyValue[0]))
		if key == "" {
			return nil, fmt.Errorf("invalid field format: %s", part)
		}
		value, err := parseLiteral(strings.TrimSpace(keyValue[1]))
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		fieldValues = append(fieldValues, KeyValue{Key: key, Value: value})
	}

	return fieldValues, nil
}

// parseLiteral converts a literal to a string, bool, int64, float64, nil or
// a []interface{} for bracketed lists.
func parseLiteral(valueStr string) (interface{}, error) {
	switch {
	case valueStr == "":
		return nil, fmt.Errorf("missing value")

	case strings.HasPrefix(valueStr, "["):
		if !strings.HasSuffix(valueStr, "]") {
			return nil, fmt.Errorf("unterminated list %s", valueStr)
		}
		inner := strings.TrimSpace(valueStr[1 : len(valueStr)-1])
		items := []interface{}{}
		if inner == "" {
			return items, nil
		}
		for _, item := range splitOutsideQuotes(inner, ',') {
			v, err := parseLiteral(strings.TrimSpace(item))
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil

	case len(valueStr) >= 2 && (valueStr[0] == '"' || valueStr[0] == '\''):
		if valueStr[len(valueStr)-1] != valueStr[0] {
			return nil, fmt.Errorf("unterminated string %s", valueStr)
		}
		return valueStr[1 : len(valueStr)-1], nil

	case strings.EqualFold(valueStr, "true") || strings.EqualFold(valueStr, "false"):
		return strings.EqualFold(valueStr, "true"), nil

	case strings.EqualFold(valueStr, "null"):
		return nil, nil

	case strings.ContainsAny(valueStr, ".eE"):
		if floatVal, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return floatVal, nil
		}

	default:
		if intVal, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
			return intVal, nil
		}
	}

	return nil, fmt.Errorf("invalid value %s (strings must be quoted)", valueStr)
}

// BuildDocument turns parsed key=value pairs into a document of bundle,
// converting literals to the declared field types.
func BuildDocument(bundle models.Bundle, values []KeyValue) (*models.Document, error) {
	doc := models.NewDocument(bundle.Name, nil)
	for _, kv := range values {
		field, ok := bundle.Field(kv.Key)
		if !ok {
			return nil, fieldErr("parse", bundle.Name, kv.Key, ErrUnknownField)
		}

		var value interface{}
		var err error
		if items, isList := kv.Value.([]interface{}); isList {
			value, err = coerceList(field, items)
		} else {
			value, err = CoerceValue(field, kv.Value)
		}
		if err != nil {
			return nil, fieldErr("parse", bundle.Name, kv.Key, fmt.Errorf("%v for %s field: %w", kv.Value, field.Type, err))
		}
		doc.Set(kv.Key, value)
	}
	return doc, nil
}

func coerceList(field models.FieldDefinition, items []interface{}) (interface{}, error) {
	if field.Type != models.FieldReferenceList {
		return nil, ErrTypeMismatch
	}
	single := models.FieldDefinition{Name: field.Name, Type: models.FieldReference, Target: field.Target}
	refs := make([]models.Reference, 0, len(items))
	for _, item := range items {
		v, err := CoerceValue(single, item)
		if err != nil || v == nil {
			return nil, ErrTypeMismatch
		}
		refs = append(refs, v.(models.Reference))
	}
	return refs, nil
}

// splitOutsideQuotes splits s at every sep that is not inside quotes or
// brackets.
func splitOutsideQuotes(s string, sep byte) []string {
	var parts []string
	var quote byte
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case ch == '[' || ch == '{' || ch == '(':
			depth++
		case ch == ']' || ch == '}' || ch == ')':
			depth--
		case ch == sep && depth == 0:
			parts = append(parts, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" || len(parts) > 0 {
		parts = append(parts, rest)
	}
	return parts
}

// splitBraceGroups returns the contents of each top level {...} group of s.
// Groups may be separated by commas and whitespace only.
func splitBraceGroups(s string) ([]string, error) {
	var groups []string
	var quote byte
	depth := 0
	start := -1
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if depth == 0 {
				return nil, fmt.Errorf("unexpected quote at position %d", i)
			}
			quote = ch
		case '{':
			if depth == 0 {
				start = i + 1
			}
			depth++
		case '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced '}' at position %d", i)
			}
			if depth == 0 {
				groups = append(groups, strings.TrimSpace(s[start:i]))
			}
		case ',', ' ', '\t', '\n', '\r':
		default:
			if depth == 0 {
				return nil, fmt.Errorf("unexpected %q at position %d, expected '{'", ch, i)
			}
		}
	}
	if quote != 0 || depth != 0 {
		return nil, fmt.Errorf("unterminated group")
	}
	return groups, nil
}
