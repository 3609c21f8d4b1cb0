package translator

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes
const (
	whitespaceCode = iota + 1
	identifierCode
	stringCode
	quantityCode
	compareCode
	flagCode
	valueCode
	colonCode
	pipeCode
	openParenCode
	closeParenCode
	plusCode
	minusCode
)

// Token definitions
var (
	whitespaceToken = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	identifierToken = parsly.NewToken(identifierCode, "Identifier", &identifierMatcher{})
	stringToken     = parsly.NewToken(stringCode, "String", &quoteMatcher{})
	quantityToken   = parsly.NewToken(quantityCode, "Quantity", &quantityMatcher{})
	compareToken    = parsly.NewToken(compareCode, "Comparison", &compareMatcher{})
	flagToken       = parsly.NewToken(flagCode, "Flag", &flagMatcher{})
	valueToken      = parsly.NewToken(valueCode, "Value", &valueMatcher{})
	colonToken      = parsly.NewToken(colonCode, ":", matcher.NewByte(':'))
	pipeToken       = parsly.NewToken(pipeCode, "|", matcher.NewByte('|'))
	openParenToken  = parsly.NewToken(openParenCode, "(", matcher.NewByte('('))
	closeParenToken = parsly.NewToken(closeParenCode, ")", matcher.NewByte(')'))
	plusToken       = parsly.NewToken(plusCode, "+", matcher.NewByte('+'))
	minusToken      = parsly.NewToken(minusCode, "-", matcher.NewByte('-'))
)

// identifierMatcher matches [A-Za-z_][A-Za-z0-9_]*
type identifierMatcher struct{}

func (m *identifierMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	if pos >= size || !(isLetter(input[pos]) || input[pos] == '_') {
		return 0
	}
	matched := 1
	for i := pos + 1; i < size; i++ {
		if !isLetter(input[i]) && !isDigit(input[i]) && input[i] != '_' {
			break
		}
		matched++
	}
	return matched
}

// quoteMatcher matches a double-quoted string with backslash escapes
type quoteMatcher struct{}

func (m *quoteMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	if pos >= size || input[pos] != '"' {
		return 0
	}
	for i := pos + 1; i < size; i++ {
		switch input[i] {
		case '\\':
			i++
		case '"':
			return i - pos + 1
		}
	}
	return 0
}

// quantityMatcher matches a number with an optional unit suffix: 5s, 10min, 1MB, 3
type quantityMatcher struct{}

func (m *quantityMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	i := pos
	for i < size && isDigit(input[i]) {
		i++
	}
	if i == pos {
		return 0
	}
	for i < size && isLetter(input[i]) {
		i++
	}
	return i - pos
}

// compareMatcher matches >=, <=, ==, !=, >, < and =
type compareMatcher struct{}

func (m *compareMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	if pos >= size {
		return 0
	}
	switch input[pos] {
	case '>', '<', '=', '!':
	default:
		return 0
	}
	if pos+1 < size && input[pos+1] == '=' {
		return 2
	}
	if input[pos] == '!' {
		return 0
	}
	return 1
}

// flagMatcher matches an action parameter name such as -storagePolicy
type flagMatcher struct{}

func (m *flagMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	if pos+1 >= size || input[pos] != '-' || !isLetter(input[pos+1]) {
		return 0
	}
	matched := 2
	for i := pos + 2; i < size; i++ {
		if !isLetter(input[i]) && !isDigit(input[i]) && input[i] != '_' {
			break
		}
		matched++
	}
	return matched
}

// valueMatcher matches a bare action parameter value up to whitespace
type valueMatcher struct{}

func (m *valueMatcher) Match(cursor *parsly.Cursor) int {
	input, pos, size := cursor.Input, cursor.Pos, cursor.InputSize
	matched := 0
	for i := pos; i < size; i++ {
		if isSpace(input[i]) || input[i] == '"' {
			break
		}
		matched++
	}
	return matched
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
