package atcmd

import (
	"math"
	"strconv"
	"strings"

	"github.com/wippyai/sockrelay/errors"
)

// Type is the form of an AT command.
type Type uint8

const (
	// TypeSet is "AT<name>=<params>" or the bare "AT<name>".
	TypeSet Type = iota
	// TypeRead is "AT<name>?".
	TypeRead
	// TypeTest is "AT<name>=?".
	TypeTest
)

func (t Type) String() string {
	switch t {
	case TypeSet:
		return "set"
	case TypeRead:
		return "read"
	case TypeTest:
		return "test"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParamKind tags a command parameter.
type ParamKind uint8

const (
	ParamEmpty ParamKind = iota
	ParamInt
	ParamString
)

// Param is one command parameter.
type Param struct {
	Str  string
	Int  int64
	Kind ParamKind
}

// Command is a parsed AT command line.
type Command struct {
	// Name is upper-cased and excludes the "AT" prefix, e.g. "#XSOCKET".
	Name   string
	Params []Param
	Type   Type
}

// Parse tokenizes one command line.
func Parse(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if len(line) < 2 || !strings.EqualFold(line[:2], "AT") {
		return Command{}, errors.Validation(errors.PhaseCommand, "missing AT prefix")
	}
	rest := line[2:]

	end := strings.IndexAny(rest, "=?")
	if end < 0 {
		return Command{Name: strings.ToUpper(rest), Type: TypeSet}, nil
	}
	cmd := Command{Name: strings.ToUpper(rest[:end])}
	if cmd.Name == "" {
		return Command{}, errors.Validation(errors.PhaseCommand, "missing command name")
	}

	switch suffix := rest[end:]; {
	case suffix == "?":
		cmd.Type = TypeRead
		return cmd, nil
	case suffix == "=?":
		cmd.Type = TypeTest
		return cmd, nil
	case suffix[0] == '=':
		params, err := parseParams(suffix[1:])
		if err != nil {
			return Command{}, err
		}
		cmd.Type = TypeSet
		cmd.Params = params
		return cmd, nil
	default:
		return Command{}, errors.Validation(errors.PhaseCommand, "unexpected %q after %s", suffix, cmd.Name)
	}
}

func parseParams(s string) ([]Param, error) {
	var params []Param
	for i := 0; ; {
		p, next, err := parseParam(s, i)
		if err != nil {
			return nil, err
		}
		params = append(params, p)
		if next >= len(s) {
			return params, nil
		}
		if s[next] != ',' {
			return nil, errors.Validation(errors.PhaseCommand, "expected ',' at offset %d", next)
		}
		i = next + 1
	}
}

// parseParam reads one parameter starting at i and returns the offset just
// past it.
func parseParam(s string, i int) (Param, int, error) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i >= len(s) || s[i] == ',' {
		return Param{Kind: ParamEmpty}, i, nil
	}

	if s[i] == '"' {
		end := strings.IndexByte(s[i+1:], '"')
		if end < 0 {
			return Param{}, 0, errors.Validation(errors.PhaseCommand, "unterminated string at offset %d", i)
		}
		str := s[i+1 : i+1+end]
		next := i + end + 2
		for next < len(s) && s[next] == ' ' {
			next++
		}
		return Param{Kind: ParamString, Str: str}, next, nil
	}

	end := i
	for end < len(s) && s[end] != ',' {
		end++
	}
	tok := strings.TrimSpace(s[i:end])
	n, err := strconv.ParseInt(tok, 10, 64)
	if err != nil {
		return Param{}, 0, errors.Validation(errors.PhaseCommand, "invalid number %q", tok)
	}
	return Param{Kind: ParamInt, Int: n}, end, nil
}

// Has reports whether parameter i is present and not empty.
func (c Command) Has(i int) bool {
	return i < len(c.Params) && c.Params[i].Kind != ParamEmpty
}

// Int returns parameter i as an integer within [lo, hi].
func (c Command) Int(i int, lo, hi int64) (int64, error) {
	if !c.Has(i) {
		return 0, errors.Validation(errors.PhaseCommand, "%s: missing parameter %d", c.Name, i+1)
	}
	p := c.Params[i]
	if p.Kind != ParamInt {
		return 0, errors.Validation(errors.PhaseCommand, "%s: parameter %d is not a number", c.Name, i+1)
	}
	if p.Int < lo || p.Int > hi {
		return 0, errors.Validation(errors.PhaseCommand, "%s: parameter %d out of range [%d,%d]", c.Name, i+1, lo, hi)
	}
	return p.Int, nil
}

// Uint16 returns parameter i as an unsigned 16-bit value.
func (c Command) Uint16(i int) (uint16, error) {
	v, err := c.Int(i, 0, math.MaxUint16)
	return uint16(v), err
}

// String returns parameter i, which must be a quoted string.
func (c Command) String(i int) (string, error) {
	if !c.Has(i) {
		return "", errors.Validation(errors.PhaseCommand, "%s: missing parameter %d", c.Name, i+1)
	}
	p := c.Params[i]
	if p.Kind != ParamString {
		return "", errors.Validation(errors.PhaseCommand, "%s: parameter %d is not a string", c.Name, i+1)
	}
	return p.Str, nil
}
