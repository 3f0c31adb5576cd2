package command

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
)

// paramType is the accepted JSON shape of a parameter.
type paramType int

const (
	paramInt paramType = iota
	paramFloat
	paramString
	paramRGB
	paramEnum
)

// Param describes one accepted parameter of an action.
type Param struct {
	Name     string
	Type     paramType
	Required bool
	Min, Max float64 // inclusive; ignored when both are zero
	Values   []string
}

func (p Param) bounded() bool { return p.Min != 0 || p.Max != 0 }

// TypeName is the parameter type as shown to API clients.
func (p Param) TypeName() string {
	switch p.Type {
	case paramInt:
		return "int"
	case paramFloat:
		return "float"
	case paramRGB:
		return "rgb"
	case paramEnum:
		return "enum"
	default:
		return "string"
	}
}

// validate checks raw against the declared params and returns a normalised
// copy: ints as int, floats as float64, colours as [3]int.
func validate(declared []Param, raw map[string]any) (map[string]any, error) {
	var problems []string

	for name := range raw {
		if !slices.ContainsFunc(declared, func(p Param) bool { return p.Name == name }) {
			problems = append(problems, fmt.Sprintf("unknown param %q", name))
		}
	}

	out := make(map[string]any, len(raw))
	for _, p := range declared {
		v, ok := raw[p.Name]
		if !ok || v == nil {
			if p.Required {
				problems = append(problems, fmt.Sprintf("%s is required", p.Name))
			}
			continue
		}
		norm, err := p.normalise(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", p.Name, err))
			continue
		}
		out[p.Name] = norm
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return nil, fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(problems, "; "))
	}
	return out, nil
}

func (p Param) normalise(v any) (any, error) {
	switch p.Type {
	case paramInt:
		n, err := asInt(v)
		if err != nil {
			return nil, err
		}
		if p.bounded() && (float64(n) < p.Min || float64(n) > p.Max) {
			return nil, fmt.Errorf("%d out of range %g-%g", n, p.Min, p.Max)
		}
		return n, nil

	case paramFloat:
		f, err := asFloat(v)
		if err != nil {
			return nil, err
		}
		if p.bounded() && (f < p.Min || f > p.Max) {
			return nil, fmt.Errorf("%g out of range %g-%g", f, p.Min, p.Max)
		}
		return f, nil

	case paramString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil

	case paramEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if !slices.Contains(p.Values, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(p.Values, ", "))
		}
		return s, nil

	case paramRGB:
		return asRGB(v)
	}
	return nil, fmt.Errorf("unsupported param type %d", p.Type)
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n.String())
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func asInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected integer, got %g", f)
	}
	return int(f), nil
}

func asRGB(v any) ([3]int, error) {
	var items []any
	switch c := v.(type) {
	case []any:
		items = c
	case []int:
		for _, n := range c {
			items = append(items, n)
		}
	case [3]int:
		return validRGB(c)
	default:
		return [3]int{}, fmt.Errorf("expected [r,g,b], got %T", v)
	}
	if len(items) != 3 { //nolint:mnd // r, g, b
		return [3]int{}, fmt.Errorf("expected 3 components, got %d", len(items))
	}
	var rgb [3]int
	for i, item := range items {
		n, err := asInt(item)
		if err != nil {
			return [3]int{}, err
		}
		rgb[i] = n
	}
	return validRGB(rgb)
}

func validRGB(rgb [3]int) ([3]int, error) {
	for _, n := range rgb {
		if n < 0 || n > 255 {
			return [3]int{}, fmt.Errorf("component %d out of range 0-255", n)
		}
	}
	return rgb, nil
}

// wire converts normalised params into the JSON shape the remote expects.
func wire(params map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if rgb, ok := v.([3]int); ok {
			out[k] = rgb[:]
			continue
		}
		out[k] = v
	}
	return out
}
