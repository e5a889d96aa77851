package query

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/squirreldb/db"
)

// The predicate grammar accepted for SQL pushdown:
//
//	expr      := and ( '||' and )*
//	and       := unit ( '&&' unit )*
//	unit      := '(' expr ')' | condition
//	condition := path '.length' cmp number
//	           | path '.includes' '(' string ')'
//	           | path '.startsWith' '(' string ')'
//	           | path '.endsWith' '(' string ')'
//	           | path cmp literal
//	path      := param ('.' ident)+
//	literal   := string | number | true | false
//
// Anything else fails compilation and the caller falls back to JS.

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tNumber
	tString
	tOp
	tLParen
	tRParen
	tDot
)

type token struct {
	kind tokenKind
	text string
}

type predicateLexer struct {
	src string
	pos int
	err error
}

func newPredicateLexer(src string) *predicateLexer {
	return &predicateLexer{src: src}
}

func (l *predicateLexer) next() token {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tEOF}
	}
	ch := l.src[l.pos]
	switch {
	case ch == '(':
		l.pos++
		return token{kind: tLParen, text: "("}
	case ch == ')':
		l.pos++
		return token{kind: tRParen, text: ")"}
	case ch == '.':
		l.pos++
		return token{kind: tDot, text: "."}
	case ch == '\'' || ch == '"':
		return l.lexString(ch)
	case isASCIIDigit(ch) || (ch == '-' && l.pos+1 < len(l.src) && isASCIIDigit(l.src[l.pos+1])):
		return l.lexNumber()
	case isIdentChar(ch):
		start := l.pos
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tIdent, text: l.src[start:l.pos]}
	default:
		return l.lexOperator()
	}
}

func (l *predicateLexer) lexString(quote byte) token {
	start := l.pos
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			b.WriteByte(l.src[l.pos])
			l.pos++
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tString, text: b.String()}
		}
		b.WriteByte(c)
		l.pos++
	}
	l.err = fmt.Errorf("unterminated string starting at %d", start)
	return token{kind: tEOF}
}

func (l *predicateLexer) lexNumber() token {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	dots := 0
	for l.pos < len(l.src) && (isASCIIDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
		if l.src[l.pos] == '.' {
			// A dot not followed by a digit belongs to a method call, not
			// the number.
			if l.pos+1 >= len(l.src) || !isASCIIDigit(l.src[l.pos+1]) {
				break
			}
			dots++
			if dots > 1 {
				break
			}
		}
		l.pos++
	}
	return token{kind: tNumber, text: l.src[start:l.pos]}
}

func (l *predicateLexer) lexOperator() token {
	ops := []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">"}
	rest := l.src[l.pos:]
	for _, op := range ops {
		if strings.HasPrefix(rest, op) {
			l.pos += len(op)
			return token{kind: tOp, text: op}
		}
	}
	l.err = fmt.Errorf("unexpected character %q", rune(l.src[l.pos]))
	return token{kind: tEOF}
}

func isASCIIDigit(c byte) bool { return c >= '0' && c <= '9' }

// predicateParser is a recursive-descent parser emitting dialect SQL.
type predicateParser struct {
	dialect db.Dialect
	param   string
	lexer   *predicateLexer
	tok     token
	peeked  bool
}

func (p *predicateParser) advance() token {
	if p.peeked {
		p.peeked = false
		return p.tok
	}
	return p.lexer.next()
}

func (p *predicateParser) peek() token {
	if !p.peeked {
		p.tok = p.lexer.next()
		p.peeked = true
	}
	return p.tok
}

func (p *predicateParser) compile() (string, error) {
	sql, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	if p.lexer.err != nil {
		return "", p.lexer.err
	}
	if tok := p.advance(); tok.kind != tEOF {
		return "", fmt.Errorf("unexpected trailing token %q", tok.text)
	}
	return sql, nil
}

func (p *predicateParser) parseExpr() (string, error) {
	left, err := p.parseAnd()
	if err != nil {
		return "", err
	}
	for p.peek().kind == tOp && p.peek().text == "||" {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return "", err
		}
		left = left + " OR " + right
	}
	return left, nil
}

func (p *predicateParser) parseAnd() (string, error) {
	left, err := p.parseUnit()
	if err != nil {
		return "", err
	}
	for p.peek().kind == tOp && p.peek().text == "&&" {
		p.advance()
		right, err := p.parseUnit()
		if err != nil {
			return "", err
		}
		left = left + " AND " + right
	}
	return left, nil
}

func (p *predicateParser) parseUnit() (string, error) {
	if p.peek().kind == tLParen {
		p.advance()
		inner, err := p.parseExpr()
		if err != nil {
			return "", err
		}
		if tok := p.advance(); tok.kind != tRParen {
			return "", fmt.Errorf("expected ')', got %q", tok.text)
		}
		return "(" + inner + ")", nil
	}
	return p.parseCondition()
}

// parseCondition parses a field access rooted at the lambda parameter
// followed by a comparison, a .length comparison, or a supported string
// or array method.
func (p *predicateParser) parseCondition() (string, error) {
	tok := p.advance()
	if tok.kind != tIdent || tok.text != p.param {
		return "", fmt.Errorf("expected lambda parameter %q, got %q", p.param, tok.text)
	}

	var path []string
	for p.peek().kind == tDot {
		p.advance()
		seg := p.advance()
		if seg.kind != tIdent {
			return "", fmt.Errorf("expected field name after '.'")
		}
		path = append(path, seg.text)
	}
	if len(path) == 0 {
		return "", fmt.Errorf("bare parameter reference is not a condition")
	}

	last := path[len(path)-1]
	switch last {
	case "includes", "startsWith", "endsWith":
		field := path[:len(path)-1]
		if len(field) == 0 {
			return "", fmt.Errorf(".%s requires a field", last)
		}
		if err := p.validatePath(field); err != nil {
			return "", err
		}
		if tok := p.advance(); tok.kind != tLParen {
			return "", fmt.Errorf("expected '(' after .%s", last)
		}
		arg := p.advance()
		if arg.kind != tString {
			return "", fmt.Errorf(".%s supports string literals only", last)
		}
		if tok := p.advance(); tok.kind != tRParen {
			return "", fmt.Errorf("expected ')' after .%s argument", last)
		}
		escaped, err := db.EscapeString(arg.text)
		if err != nil {
			return "", err
		}
		switch last {
		case "includes":
			return p.arrayContains(field, escaped), nil
		case "startsWith":
			return p.textLike(field, escaped+"%"), nil
		default:
			return p.textLike(field, "%"+escaped), nil
		}
	case "length":
		field := path[:len(path)-1]
		if len(field) == 0 {
			return "", fmt.Errorf(".length requires a field")
		}
		if err := p.validatePath(field); err != nil {
			return "", err
		}
		op, err := p.comparisonOp()
		if err != nil {
			return "", err
		}
		num := p.advance()
		if num.kind != tNumber {
			return "", fmt.Errorf(".length compares against numbers only")
		}
		if err := db.ValidateNumeric(num.text); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", p.arrayLength(field), op, num.text), nil
	}

	if err := p.validatePath(path); err != nil {
		return "", err
	}
	op, err := p.comparisonOp()
	if err != nil {
		return "", err
	}
	lit := p.advance()
	switch lit.kind {
	case tString:
		escaped, err := db.EscapeString(lit.text)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s '%s'", p.textExtract(path), op, escaped), nil
	case tNumber:
		if err := db.ValidateNumeric(lit.text); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s %s", p.numericExtract(path), op, lit.text), nil
	case tIdent:
		switch lit.text {
		case "true", "false":
			return fmt.Sprintf("%s %s %s", p.boolExtract(path), op, lit.text), nil
		}
		return "", fmt.Errorf("unsupported literal %q", lit.text)
	default:
		return "", fmt.Errorf("expected literal after operator")
	}
}

func (p *predicateParser) comparisonOp() (string, error) {
	tok := p.advance()
	if tok.kind != tOp {
		return "", fmt.Errorf("expected comparison operator, got %q", tok.text)
	}
	return db.ValidateOperator(tok.text)
}

func (p *predicateParser) validatePath(path []string) error {
	return db.ValidateIdentifier(strings.Join(path, "."))
}

// textExtract renders a text-valued field access.
func (p *predicateParser) textExtract(path []string) string {
	if p.dialect == db.Postgres {
		var sb strings.Builder
		sb.WriteString("data")
		for i, seg := range path {
			if i == len(path)-1 {
				sb.WriteString("->>'")
			} else {
				sb.WriteString("->'")
			}
			sb.WriteString(seg)
			sb.WriteString("'")
		}
		return sb.String()
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", strings.Join(path, "."))
}

// valueExtract renders a JSON-valued field access (Postgres only).
func (p *predicateParser) valueExtract(path []string) string {
	var sb strings.Builder
	sb.WriteString("data")
	for _, seg := range path {
		sb.WriteString("->'")
		sb.WriteString(seg)
		sb.WriteString("'")
	}
	return sb.String()
}

func (p *predicateParser) numericExtract(path []string) string {
	if p.dialect == db.Postgres {
		return fmt.Sprintf("(%s)::numeric", p.valueExtract(path))
	}
	return fmt.Sprintf("CAST(%s AS REAL)", p.textExtract(path))
}

func (p *predicateParser) boolExtract(path []string) string {
	if p.dialect == db.Postgres {
		return fmt.Sprintf("(%s)::boolean", p.valueExtract(path))
	}
	return p.textExtract(path)
}

func (p *predicateParser) arrayContains(path []string, escaped string) string {
	if p.dialect == db.Postgres {
		return fmt.Sprintf("%s ? '%s'", p.valueExtract(path), escaped)
	}
	return fmt.Sprintf("EXISTS(SELECT 1 FROM json_each(%s) WHERE value = '%s')", p.textExtract(path), escaped)
}

func (p *predicateParser) arrayLength(path []string) string {
	if p.dialect == db.Postgres {
		return fmt.Sprintf("jsonb_array_length(%s)", p.valueExtract(path))
	}
	return fmt.Sprintf("json_array_length(%s)", p.textExtract(path))
}

func (p *predicateParser) textLike(path []string, pattern string) string {
	return fmt.Sprintf("%s LIKE '%s'", p.textExtract(path), pattern)
}
