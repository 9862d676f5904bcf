package parser

import (
	"regexp"
	"strings"
)

// PatternBuilder assembles the regular expressions used by text dialects.
// Number fragments use a compact notation: d is a decimal digit, x is a hex
// digit and a dot is a literal dot.
type PatternBuilder struct {
	b strings.Builder
}

func NewPatternBuilder() *PatternBuilder {
	return &PatternBuilder{}
}

func (pb *PatternBuilder) Number(s string) *PatternBuilder {
	for _, r := range s {
		switch r {
		case 'd':
			pb.b.WriteString(`\d`)
		case 'x':
			pb.b.WriteString(`[0-9a-fA-F]`)
		case '.':
			pb.b.WriteString(`\.`)
		default:
			pb.b.WriteRune(r)
		}
	}
	return pb
}

func (pb *PatternBuilder) Expression(s string) *PatternBuilder {
	pb.b.WriteString(s)
	return pb
}

func (pb *PatternBuilder) Text(s string) *PatternBuilder {
	pb.b.WriteString(regexp.QuoteMeta(s))
	return pb
}

func (pb *PatternBuilder) Any() *PatternBuilder {
	pb.b.WriteString(".*")
	return pb
}

func (pb *PatternBuilder) String() string {
	return pb.b.String()
}

// Compile anchors the pattern at the start of the input and lets '.' span
// line breaks.
func (pb *PatternBuilder) Compile() (*regexp.Regexp, error) {
	return regexp.Compile("^(?s:" + pb.b.String() + ")")
}

func (pb *PatternBuilder) MustCompile() *regexp.Regexp {
	re, err := pb.Compile()
	if err != nil {
		panic(err)
	}
	return re
}
