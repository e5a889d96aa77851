// Package query contains the DSL compiler, the sandboxed JS engine
// pool, and the executor that composes SQL pushdown with in-memory
// post-processing.
package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/squirreldb/db"
	"github.com/GoCodeAlone/squirreldb/types"
)

// Compiler parses the chained query DSL and compiles predicates into
// dialect-specific SQL fragments. Predicates outside the supported
// grammar fall back to JS evaluation; the fallback is never an error.
type Compiler struct {
	dialect db.Dialect
}

// NewCompiler creates a compiler targeting the given SQL dialect.
func NewCompiler(dialect db.Dialect) *Compiler {
	return &Compiler{dialect: dialect}
}

// chainCall is one method invocation in the parsed chain.
type chainCall struct {
	name string
	args string // raw argument source, parens stripped
}

// Parse compiles a full DSL chain such as
//
//	db.table("users").filter(u => u.age > 21).orderBy("name","asc").limit(10).run()
//
// into a QuerySpec.
func (c *Compiler) Parse(source string) (*types.QuerySpec, error) {
	calls, err := splitChain(source)
	if err != nil {
		return nil, err
	}
	if len(calls) < 2 {
		return nil, fmt.Errorf("query must start with db.table(...) and end with .run() or .changes(...)")
	}
	if calls[0].name != "table" {
		return nil, fmt.Errorf("query must start with db.table(...), got .%s(...)", calls[0].name)
	}

	table, err := parseStringLiteral(calls[0].args)
	if err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}
	if err := db.ValidateCollectionName(table); err != nil {
		return nil, err
	}
	spec := &types.QuerySpec{Table: table}

	terminator := calls[len(calls)-1]
	switch terminator.name {
	case "run":
		if strings.TrimSpace(terminator.args) != "" {
			return nil, fmt.Errorf(".run() takes no arguments")
		}
	case "changes":
		spec.Changes = parseChangesArgs(terminator.args)
	default:
		return nil, fmt.Errorf("query must end with .run() or .changes(...), got .%s(...)", terminator.name)
	}

	seen := map[string]bool{}
	for _, call := range calls[1 : len(calls)-1] {
		if seen[call.name] {
			return nil, fmt.Errorf("duplicate .%s(...) in query chain", call.name)
		}
		seen[call.name] = true

		switch call.name {
		case "filter":
			spec.Filter = c.CompilePredicate(call.args)
		case "map":
			if strings.TrimSpace(call.args) == "" {
				return nil, fmt.Errorf(".map(...) requires a lambda argument")
			}
			spec.Map = strings.TrimSpace(call.args)
		case "orderBy":
			order, err := parseOrderByArgs(call.args)
			if err != nil {
				return nil, err
			}
			spec.OrderBy = order
		case "limit":
			n, err := parseIntArg(call.args)
			if err != nil {
				return nil, fmt.Errorf(".limit(...): %w", err)
			}
			if err := db.ValidateLimit(n); err != nil {
				return nil, err
			}
			spec.Limit = &n
		case "offset":
			n, err := parseIntArg(call.args)
			if err != nil {
				return nil, fmt.Errorf(".offset(...): %w", err)
			}
			if err := db.ValidateOffset(n); err != nil {
				return nil, err
			}
			spec.Offset = &n
		case "run", "changes":
			return nil, fmt.Errorf(".%s() must terminate the query chain", call.name)
		default:
			return nil, fmt.Errorf("unknown method .%s(...)", call.name)
		}
	}
	return spec, nil
}

// CompilePredicate compiles an arrow-lambda predicate to a SQL WHERE
// fragment when the expression fits the supported grammar, and returns
// a JS fallback otherwise. The returned filter always carries the
// original source.
func (c *Compiler) CompilePredicate(lambda string) *types.CompiledFilter {
	lambda = strings.TrimSpace(lambda)
	filter := &types.CompiledFilter{JSCode: lambda}

	param, body, ok := splitLambda(lambda)
	if !ok {
		return filter
	}
	sql, err := (&predicateParser{
		dialect: c.dialect,
		param:   param,
		lexer:   newPredicateLexer(body),
	}).compile()
	if err == nil {
		filter.SQL = sql
	}
	return filter
}

// splitChain tokenizes "db.table(...).m1(...).m2(...)" into ordered
// calls. It is tolerant of whitespace and newlines between segments and
// tracks string literals and paren depth so argument text is captured
// verbatim.
func splitChain(source string) ([]chainCall, error) {
	s := strings.TrimSpace(source)
	if !strings.HasPrefix(s, "db") {
		return nil, fmt.Errorf("query must be rooted at db")
	}
	i := 2
	var calls []chainCall
	for i < len(s) {
		// Skip whitespace before the next .method
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		if s[i] != '.' {
			return nil, fmt.Errorf("unexpected character %q in query chain", s[i])
		}
		i++
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		start := i
		for i < len(s) && isIdentChar(s[i]) {
			i++
		}
		name := s[start:i]
		if name == "" {
			return nil, fmt.Errorf("expected method name after '.'")
		}
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) || s[i] != '(' {
			return nil, fmt.Errorf("expected '(' after .%s", name)
		}
		args, next, err := captureBalanced(s, i)
		if err != nil {
			return nil, err
		}
		i = next
		calls = append(calls, chainCall{name: name, args: args})
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("empty query chain")
	}
	return calls, nil
}

// captureBalanced returns the text between the paren at s[open] and its
// matching close paren, honoring nested parens/braces/brackets and
// string literals.
func captureBalanced(s string, open int) (string, int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
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
		case '\'', '"', '`':
			quote = ch
		case '(', '{', '[':
			depth++
		case ')', '}', ']':
			depth--
			if depth == 0 {
				return s[open+1 : i], i + 1, nil
			}
		}
	}
	return "", 0, fmt.Errorf("unbalanced parentheses in query")
}

// splitLambda splits "(x) => body" or "x => body" into parameter and
// body. Multi-parameter or block-bodied lambdas are not splittable and
// go straight to the JS fallback.
func splitLambda(src string) (param, body string, ok bool) {
	idx := strings.Index(src, "=>")
	if idx < 0 {
		return "", "", false
	}
	param = strings.TrimSpace(src[:idx])
	param = strings.TrimPrefix(param, "(")
	param = strings.TrimSuffix(param, ")")
	param = strings.TrimSpace(param)
	body = strings.TrimSpace(src[idx+2:])
	if param == "" || body == "" || strings.Contains(param, ",") {
		return "", "", false
	}
	for i := 0; i < len(param); i++ {
		if !isIdentChar(param[i]) {
			return "", "", false
		}
	}
	if strings.HasPrefix(body, "{") {
		return "", "", false
	}
	return param, body, true
}

func parseStringLiteral(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return "", fmt.Errorf("expected string literal, got %q", s)
	}
	q := s[0]
	if (q != '"' && q != '\'') || s[len(s)-1] != q {
		return "", fmt.Errorf("expected string literal, got %q", s)
	}
	return s[1 : len(s)-1], nil
}

func parseIntArg(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %q", strings.TrimSpace(s))
	}
	return n, nil
}

// parseOrderByArgs parses `"field"` or `"field", "asc"|"desc"`.
func parseOrderByArgs(args string) (*types.OrderBySpec, error) {
	parts := splitTopLevelArgs(args)
	if len(parts) == 0 || len(parts) > 2 {
		return nil, fmt.Errorf(".orderBy(...) takes a field and an optional direction")
	}
	field, err := parseStringLiteral(parts[0])
	if err != nil {
		return nil, fmt.Errorf("order field: %w", err)
	}
	if err := db.ValidateIdentifier(field); err != nil {
		return nil, err
	}
	dir := types.Asc
	if len(parts) == 2 {
		d, err := parseStringLiteral(parts[1])
		if err != nil {
			return nil, fmt.Errorf("order direction: %w", err)
		}
		switch strings.ToLower(d) {
		case "asc":
			dir = types.Asc
		case "desc":
			dir = types.Desc
		default:
			return nil, fmt.Errorf("invalid order direction %q", d)
		}
	}
	return &types.OrderBySpec{Field: field, Direction: dir}, nil
}

// parseChangesArgs reads the optional options object of .changes(...).
// The only recognized option is includeInitial.
func parseChangesArgs(args string) *types.ChangesSpec {
	spec := &types.ChangesSpec{}
	compact := strings.ReplaceAll(args, " ", "")
	if strings.Contains(compact, "includeInitial:true") ||
		strings.Contains(compact, `"includeInitial":true`) ||
		strings.Contains(compact, `'includeInitial':true`) {
		spec.IncludeInitial = true
	}
	return spec
}

// splitTopLevelArgs splits an argument list on commas outside strings
// and brackets.
func splitTopLevelArgs(s string) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
	)
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
		case '\'', '"', '`':
			quote = ch
		case '(', '{', '[':
			depth++
		case ')', '}', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	last := strings.TrimSpace(s[start:])
	if last != "" {
		parts = append(parts, last)
	}
	return parts
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isIdentChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '$'
}
