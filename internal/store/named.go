package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type Placeholder int

const (
	Question Placeholder = iota
	Dollar
)

var (
	ErrMissingQuery     = errors.New("missing query")
	ErrUnknownParameter = errors.New("unknown parameter")
	ErrMissingParameter = errors.New("missing parameter value")
	returningClause     = regexp.MustCompile(`(?i)\breturning\b`)
)

// NamedStatement is SQL written with :name parameters, rewritten into the
// driver's positional placeholders. Casts (::type) and quoted text are left
// alone. Parameter names are case-insensitive.
type NamedStatement struct {
	Query     string
	SQL       string
	Returning bool
	style     Placeholder
	names     []string
}

func ParseNamed(query string, style Placeholder) *NamedStatement {
	s := &NamedStatement{Query: query, style: style}
	var b strings.Builder
	index := map[string]int{}
	var quote rune
	rs := []rune(query)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
		case r == ':' && i+1 < len(rs) && rs[i+1] == ':':
			b.WriteString("::")
			i++
		case r == ':' && i+1 < len(rs) && isNameStart(rs[i+1]):
			j := i + 1
			for j < len(rs) && isNamePart(rs[j]) {
				j++
			}
			name := strings.ToLower(string(rs[i+1 : j]))
			i = j - 1
			if style == Dollar {
				n, ok := index[name]
				if !ok {
					s.names = append(s.names, name)
					n = len(s.names)
					index[name] = n
				}
				b.WriteString("$" + strconv.Itoa(n))
			} else {
				s.names = append(s.names, name)
				b.WriteByte('?')
			}
		default:
			b.WriteRune(r)
		}
	}
	s.SQL = b.String()
	s.Returning = returningClause.MatchString(s.SQL)
	return s
}

// Names lists the parameters in bind order.
func (s *NamedStatement) Names() []string {
	return s.names
}

// Check reports the first parameter not present in allowed.
func (s *NamedStatement) Check(allowed []string) error {
	for _, n := range s.names {
		found := false
		for _, a := range allowed {
			if n == a {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w :%s in %q", ErrUnknownParameter, n, s.Query)
		}
	}
	return nil
}

// Args binds params in placeholder order. Keys must be lower case.
func (s *NamedStatement) Args(params map[string]interface{}) ([]interface{}, error) {
	args := make([]interface{}, len(s.names))
	for i, n := range s.names {
		v, ok := params[n]
		if !ok {
			return nil, fmt.Errorf("%w :%s", ErrMissingParameter, n)
		}
		args[i] = v
	}
	return args, nil
}

func isNameStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isNamePart(r rune) bool {
	return isNameStart(r) || (r >= '0' && r <= '9')
}
