package parser

import (
	"regexp"
	"strconv"
	"time"
)

type DateTimeFormat int

const (
	HMS_DMY DateTimeFormat = iota
	HMS_YMD
	DMY_HMS
	YMD_HMS
)

// Parser walks the capture groups of a single match in order. Groups that
// did not participate in the match read as empty strings.
type Parser struct {
	groups []string
	pos    int
	ok     bool
}

func NewParser(re *regexp.Regexp, input string) *Parser {
	p := &Parser{}
	idx := re.FindStringSubmatchIndex(input)
	if idx == nil {
		return p
	}
	p.ok = true
	p.groups = make([]string, 0, len(idx)/2-1)
	for i := 2; i < len(idx); i += 2 {
		if idx[i] < 0 {
			p.groups = append(p.groups, "")
			continue
		}
		p.groups = append(p.groups, input[idx[i]:idx[i+1]])
	}
	return p
}

func (p *Parser) Matches() bool {
	return p.ok
}

func (p *Parser) HasNext() bool {
	return p.pos < len(p.groups) && p.groups[p.pos] != ""
}

func (p *Parser) Skip(n int) {
	p.pos += n
}

func (p *Parser) Next() string {
	if p.pos >= len(p.groups) {
		return ""
	}
	g := p.groups[p.pos]
	p.pos++
	return g
}

func (p *Parser) NextInt(def int) int {
	v, err := strconv.Atoi(p.Next())
	if err != nil {
		return def
	}
	return v
}

func (p *Parser) NextDouble(def float64) float64 {
	v, err := strconv.ParseFloat(p.Next(), 64)
	if err != nil {
		return def
	}
	return v
}

func (p *Parser) NextHexLong() uint64 {
	v, err := strconv.ParseUint(p.Next(), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// NextCoordinate consumes degrees, minutes and hemisphere groups.
func (p *Parser) NextCoordinate() float64 {
	deg := p.Next()
	min := p.Next()
	hem := p.Next()
	d, err := strconv.ParseFloat(deg, 64)
	if err != nil {
		return 0
	}
	m, err := strconv.ParseFloat(min, 64)
	if err != nil {
		return 0
	}
	v := d + m/60
	if hem == "S" || hem == "W" || hem == "-" {
		v = -v
	}
	return v
}

func (p *Parser) NextDateTime(format DateTimeFormat) time.Time {
	var f [6]int
	for i := range f {
		f[i] = p.NextInt(0)
	}
	var year, month, day, hour, minute, second int
	switch format {
	case HMS_DMY:
		hour, minute, second, day, month, year = f[0], f[1], f[2], f[3], f[4], f[5]
	case HMS_YMD:
		hour, minute, second, year, month, day = f[0], f[1], f[2], f[3], f[4], f[5]
	case DMY_HMS:
		day, month, year, hour, minute, second = f[0], f[1], f[2], f[3], f[4], f[5]
	default:
		year, month, day, hour, minute, second = f[0], f[1], f[2], f[3], f[4], f[5]
	}
	return DateTime(year, month, day, hour, minute, second)
}

// DateTime builds a UTC timestamp, expanding two-digit years into 20xx.
func DateTime(year, month, day, hour, minute, second int) time.Time {
	if year < 100 {
		year += 2000
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
}
