package group

import (
	"fmt"
	"math"
)

// Param describes one entry of the parameter vector.
type Param struct {
	Name    string  `yaml:"name"`
	Default float64 `yaml:"default"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// Schema is the fixed set of parameters a group synchronizes.
type Schema struct {
	params []Param
	index  map[string]int
}

func NewSchema(params ...Param) (Schema, error) {
	s := Schema{params: make([]Param, 0, len(params)), index: make(map[string]int, len(params))}
	for _, p := range params {
		if p.Name == "" {
			return Schema{}, fmt.Errorf("%w: empty parameter name", ErrInvalidSchema)
		}
		if _, dup := s.index[p.Name]; dup {
			return Schema{}, fmt.Errorf("%w: duplicate parameter %q", ErrInvalidSchema, p.Name)
		}
		if p.Min > p.Max || p.Default < p.Min || p.Default > p.Max {
			return Schema{}, fmt.Errorf("%w: %q default %v outside [%v, %v]", ErrInvalidSchema, p.Name, p.Default, p.Min, p.Max)
		}
		s.index[p.Name] = len(s.params)
		s.params = append(s.params, p)
	}
	return s, nil
}

// DefaultParams are the overclock multipliers of a structure: every block
// kind runs at 1x by default and may be pushed up to 10x.
func DefaultParams() []Param {
	names := []string{"reactor", "gas_generator", "gyro", "thrust", "drill"}
	params := make([]Param, len(names))
	for i, n := range names {
		params[i] = Param{Name: n, Default: 1, Min: 1, Max: 10}
	}
	return params
}

func DefaultSchema() Schema {
	s, err := NewSchema(DefaultParams()...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s Schema) Params() []Param {
	return append([]Param(nil), s.params...)
}

func (s Schema) Defaults() Vector {
	v := make(Vector, len(s.params))
	for _, p := range s.params {
		v[p.Name] = p.Default
	}
	return v
}

// Normalize drops unknown names and fills missing ones with defaults.
func (s Schema) Normalize(v Vector) Vector {
	out := make(Vector, len(s.params))
	for _, p := range s.params {
		if x, ok := v[p.Name]; ok {
			out[p.Name] = x
		} else {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Clamp normalizes v and pulls every entry into its parameter's range. NaN
// takes the default.
func (s Schema) Clamp(v Vector) Vector {
	out := s.Normalize(v)
	for _, p := range s.params {
		switch x := out[p.Name]; {
		case math.IsNaN(x):
			out[p.Name] = p.Default
		case x < p.Min:
			out[p.Name] = p.Min
		case x > p.Max:
			out[p.Name] = p.Max
		}
	}
	return out
}

// Validate accepts partial vectors; every present entry must be known and in range.
func (s Schema) Validate(v Vector) error {
	for name, x := range v {
		i, ok := s.index[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownParam, name)
		}
		p := s.params[i]
		if math.IsNaN(x) || x < p.Min || x > p.Max {
			return fmt.Errorf("%w: %q = %v not in [%v, %v]", ErrOutOfRange, name, x, p.Min, p.Max)
		}
	}
	return nil
}
