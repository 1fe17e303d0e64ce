package constraint

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownScheme is returned by ParseScheme for unrecognised names.
var ErrUnknownScheme = errors.New("unknown communication scheme")

// Scheme selects how much of a published trajectory is turned into
// constraints for other agents.
type Scheme int

const (
	Full Scheme = iota
	Differential
	MinMaxInterval
	MinMaxIntervalMoving
	Continuous
)

var schemeNames = map[Scheme]string{
	Full:                 "FULL",
	Differential:         "DIFFERENTIAL",
	MinMaxInterval:       "MINMAXINTERVAL",
	MinMaxIntervalMoving: "MINMAXINTERVALMOVING",
	Continuous:           "CONTINUOUS",
}

func (s Scheme) String() string {
	if name, ok := schemeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// Interval reports whether the scheme publishes a compressed min/max pair.
func (s Scheme) Interval() bool {
	return s == MinMaxInterval || s == MinMaxIntervalMoving
}

// ParseScheme accepts the canonical names case-insensitively, ignoring
// dashes and underscores.
func ParseScheme(name string) (Scheme, error) {
	norm := strings.ToUpper(strings.NewReplacer("-", "", "_", "", " ", "").Replace(name))
	for s, n := range schemeNames {
		if n == norm {
			return s, nil
		}
	}
	return Full, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(b []byte) error {
	parsed, err := ParseScheme(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
