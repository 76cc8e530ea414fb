package engine

import (
	"fmt"
	"strconv"
	"strings"
)

/*

Text form of predicates, as used on the command line:

	gender == 1 AND (name BEGINSWITH[c] "a" OR NOT age < 18)
	city IN ("Oslo", "Rome")

Precedence from loosest to tightest is OR, AND, NOT. Comparison operators are
==, =, !=, <, <=, >, >=, CONTAINS, BEGINSWITH and ENDSWITH; string operators,
== and != and IN take a [c] suffix for case insensitive matching. Values are
quoted strings, integers, floats, true, false and null. TRUEPREDICATE
matches everything.

*/

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOperator
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenizeWhereClause breaks a where clause into tokens. Quoted strings keep
// their content verbatim, with backslash escapes resolved.
func tokenizeWhereClause(whereClause string) ([]token, error) {
	var tokens []token

	for i := 0; i < len(whereClause); {
		ch := whereClause[i]

		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++

		case ch == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++

		case ch == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++

		case ch == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++

		case ch == '"' || ch == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(whereClause) {
				c := whereClause[i]
				if c == '\\' && i+1 < len(whereClause) {
					b.WriteByte(whereClause[i+1])
					i += 2
					continue
				}
				if c == ch {
					closed = true
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string starting at position %d", start)
			}
			tokens = append(tokens, token{kind: tokString, text: b.String(), pos: start})

		case strings.ContainsRune("=!<>", rune(ch)):
			start := i
			i++
			if i < len(whereClause) && whereClause[i] == '=' {
				i++
			}
			op := whereClause[start:i]
			if op == "!" {
				return nil, fmt.Errorf("unexpected '!' at position %d", start)
			}
			i = readCaseFlag(whereClause, i, &op)
			tokens = append(tokens, token{kind: tokOperator, text: op, pos: start})

		default:
			start := i
			for i < len(whereClause) && !strings.ContainsRune(" \t\n\r(),=!<>\"'", rune(whereClause[i])) {
				if whereClause[i] == '[' {
					break
				}
				i++
			}
			word := whereClause[start:i]
			if word == "" {
				return nil, fmt.Errorf("unexpected character %q at position %d", ch, start)
			}
			i = readCaseFlag(whereClause, i, &word)
			tokens = append(tokens, token{kind: tokWord, text: word, pos: start})
		}
	}

	return tokens, nil
}

// readCaseFlag appends a [c] suffix at position i to text.
func readCaseFlag(s string, i int, text *string) int {
	if strings.HasPrefix(strings.ToLower(s[i:]), "[c]") {
		*text += "[c]"
		return i + 3
	}
	return i
}

type whereParser struct {
	tokens []token
	pos    int
}

// ParseWhereClause parses a where clause into a predicate tree. An empty
// clause matches every document.
func ParseWhereClause(whereClause string) (Predicate, error) {
	whereClause = strings.TrimSpace(whereClause)
	if len(whereClause) >= 5 && strings.EqualFold(whereClause[:5], "WHERE") {
		whereClause = strings.TrimSpace(whereClause[5:])
	}
	if whereClause == "" {
		return All(), nil
	}

	tokens, err := tokenizeWhereClause(whereClause)
	if err != nil {
		return nil, err
	}

	p := &whereParser{tokens: tokens}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.tokens[p.pos].text, p.tokens[p.pos].pos)
	}
	return pred, nil
}

func (p *whereParser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *whereParser) next() (token, error) {
	tok, ok := p.peek()
	if !ok {
		return token{}, fmt.Errorf("unexpected end of where clause")
	}
	p.pos++
	return tok, nil
}

func (p *whereParser) keyword(words ...string) bool {
	tok, ok := p.peek()
	if !ok || tok.kind != tokWord {
		return false
	}
	for _, w := range words {
		if strings.EqualFold(tok.text, w) {
			p.pos++
			return true
		}
	}
	return false
}

func (p *whereParser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []Predicate{left}
	for p.keyword("OR", "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return Or(children...), nil
}

func (p *whereParser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	children := []Predicate{left}
	for p.keyword("AND", "&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return And(children...), nil
}

func (p *whereParser) parseUnary() (Predicate, error) {
	if p.keyword("NOT") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}

	tok, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of where clause")
	}

	if tok.kind == tokLParen {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, err := p.next()
		if err != nil || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at position %d", tok.pos)
		}
		return inner, nil
	}

	if p.keyword("TRUEPREDICATE") {
		return All(), nil
	}

	return p.parseCondition()
}

// parseCondition parses a simple condition (Field Operator Value).
func (p *whereParser) parseCondition() (Predicate, error) {
	fieldTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if fieldTok.kind != tokWord {
		return nil, fmt.Errorf("expected field name at position %d, got %q", fieldTok.pos, fieldTok.text)
	}

	opTok, err := p.next()
	if err != nil {
		return nil, fmt.Errorf("missing operator after %s", fieldTok.text)
	}
	if opTok.kind != tokOperator && opTok.kind != tokWord {
		return nil, fmt.Errorf("invalid operator %q at position %d", opTok.text, opTok.pos)
	}

	opText := strings.ToUpper(opTok.text)
	var opts []Option
	if strings.HasSuffix(opText, "[C]") {
		opText = strings.TrimSuffix(opText, "[C]")
		opts = append(opts, CaseInsensitive)
	}

	if opText == "IN" {
		values, err := p.parseValueList()
		if err != nil {
			return nil, err
		}
		return In(fieldTok.text, values, opts...), nil
	}

	op, ok := parseOperator(opText)
	if !ok {
		return nil, fmt.Errorf("invalid operator: %s", opTok.text)
	}
	if len(opts) > 0 && op.ordering() {
		return nil, fmt.Errorf("operator %s does not take [c]", op)
	}

	valueTok, err := p.next()
	if err != nil {
		return nil, fmt.Errorf("missing value after %s %s", fieldTok.text, opTok.text)
	}
	value, err := parseValue(valueTok)
	if err != nil {
		return nil, err
	}

	return newComparison(fieldTok.text, op, value, opts), nil
}

func (p *whereParser) parseValueList() ([]interface{}, error) {
	open, err := p.next()
	if err != nil || open.kind != tokLParen {
		return nil, fmt.Errorf("IN expects a parenthesized list of values")
	}

	var values []interface{}
	for {
		tok, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("unterminated IN list")
		}
		if tok.kind == tokRParen && len(values) == 0 {
			return values, nil
		}
		value, err := parseValue(tok)
		if err != nil {
			return nil, err
		}
		values = append(values, value)

		sep, err := p.next()
		if err != nil {
			return nil, fmt.Errorf("unterminated IN list")
		}
		if sep.kind == tokRParen {
			return values, nil
		}
		if sep.kind != tokComma {
			return nil, fmt.Errorf("expected ',' or ')' at position %d, got %q", sep.pos, sep.text)
		}
	}
}

func parseOperator(op string) (CompareOp, bool) {
	switch op {
	case "==", "=":
		return OpEq, true
	case "!=":
		return OpNe, true
	case "<":
		return OpLt, true
	case "<=":
		return OpLe, true
	case ">":
		return OpGt, true
	case ">=":
		return OpGe, true
	case "CONTAINS":
		return OpContains, true
	case "BEGINSWITH":
		return OpBeginsWith, true
	case "ENDSWITH":
		return OpEndsWith, true
	}
	return 0, false
}

// parseValue turns a value token into a string, int64, float64, bool or nil.
func parseValue(tok token) (interface{}, error) {
	if tok.kind == tokString {
		return tok.text, nil
	}
	if tok.kind != tokWord {
		return nil, fmt.Errorf("expected value at position %d, got %q", tok.pos, tok.text)
	}

	switch strings.ToLower(tok.text) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}

	if strings.ContainsAny(tok.text, ".eE") {
		if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
			return f, nil
		}
	} else if i, err := strconv.ParseInt(tok.text, 10, 64); err == nil {
		return i, nil
	}

	return nil, fmt.Errorf("invalid value %q at position %d (strings must be quoted)", tok.text, tok.pos)
}
