// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	areaerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// Kind is the value type of a schema field.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindNumber Kind = "number"
	KindBool   Kind = "bool"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// Field describes one configuration field.
type Field struct {
	Name        string `yaml:"name" json:"name"`
	Kind        Kind   `yaml:"kind" json:"kind"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`

	MinLength *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Min       *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Pattern   string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum      []any    `yaml:"enum,omitempty" json:"enum,omitempty"`

	// Rule is an expr-lang boolean expression over `value` (the field) and
	// `config` (the whole configuration), e.g. `value % 60 == 0`.
	Rule string `yaml:"rule,omitempty" json:"rule,omitempty"`

	pattern *regexp.Regexp
	rule    *vm.Program
}

// Schema is the configuration contract of an action or reaction.
type Schema struct {
	Fields []Field `yaml:"fields" json:"fields"`

	// AllowUnknown accepts keys that no field declares.
	AllowUnknown bool `yaml:"allow_unknown,omitempty" json:"allow_unknown,omitempty"`
}

// clone returns a copy whose fields can be compiled without touching s.
func (s Schema) clone() Schema {
	s.Fields = slices.Clone(s.Fields)
	for i := range s.Fields {
		f := &s.Fields[i]
		f.MinLength = clonePtr(f.MinLength)
		f.MaxLength = clonePtr(f.MaxLength)
		f.Min = clonePtr(f.Min)
		f.Max = clonePtr(f.Max)
		f.Enum = slices.Clone(f.Enum)
	}
	return s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// compile prepares patterns and rules. It must run before Validate.
func (s *Schema) compile() error {
	seen := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("field %q declared twice", f.Name)
		}
		seen[f.Name] = true

		switch f.Kind {
		case KindString, KindInt, KindNumber, KindBool, KindObject, KindArray:
		default:
			return fmt.Errorf("field %q has unknown kind %q", f.Name, f.Kind)
		}

		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("field %q pattern: %w", f.Name, err)
			}
			f.pattern = re
		}
		if f.Rule != "" {
			prog, err := expr.Compile(f.Rule,
				expr.Env(map[string]any{"value": nil, "config": map[string]any{}}),
				expr.AllowUndefinedVariables(),
				expr.AsBool(),
			)
			if err != nil {
				return fmt.Errorf("field %q rule: %w", f.Name, err)
			}
			f.rule = prog
		}
	}
	return nil
}

// Validate checks config against the schema and returns a copy with
// defaults applied. All violations are reported, joined.
func (s *Schema) Validate(prefix string, config map[string]any) (map[string]any, error) {
	out := maps.Clone(config)
	if out == nil {
		out = make(map[string]any)
	}

	var errs []error
	fail := func(field, format string, args ...any) {
		errs = append(errs, &areaerrors.ValidationError{
			Field:   prefix + "." + field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	declared := make(map[string]bool, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		declared[f.Name] = true

		v, present := out[f.Name]
		if !present || v == nil {
			if f.Default != nil {
				out[f.Name] = f.Default
				continue
			}
			if f.Required {
				fail(f.Name, "is required")
			}
			continue
		}

		if msg := f.check(v); msg != "" {
			fail(f.Name, "%s", msg)
			continue
		}

		if f.rule != nil {
			res, err := expr.Run(f.rule, map[string]any{"value": v, "config": out})
			if err != nil {
				fail(f.Name, "rule %q failed: %v", f.Rule, err)
			} else if ok, _ := res.(bool); !ok {
				fail(f.Name, "does not satisfy rule %q", f.Rule)
			}
		}
	}

	if !s.AllowUnknown {
		for _, key := range slices.Sorted(maps.Keys(config)) {
			if !declared[key] {
				fail(key, "is not a known field")
			}
		}
	}

	if len(errs) > 0 {
		return nil, areaerrors.Join(errs...)
	}
	return out, nil
}

// check returns a violation message or "".
func (f *Field) check(v any) string {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Sprintf("must be a string, got %T", v)
		}
		n := len([]rune(s))
		if f.MinLength != nil && n < *f.MinLength {
			return fmt.Sprintf("must be at least %d characters", *f.MinLength)
		}
		if f.MaxLength != nil && n > *f.MaxLength {
			return fmt.Sprintf("must be at most %d characters", *f.MaxLength)
		}
		if f.pattern != nil && !f.pattern.MatchString(s) {
			return fmt.Sprintf("must match %s", f.Pattern)
		}

	case KindInt, KindNumber:
		n, ok := toFloat(v)
		if !ok {
			return fmt.Sprintf("must be a number, got %T", v)
		}
		if f.Kind == KindInt && n != math.Trunc(n) {
			return "must be an integer"
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Sprintf("must be >= %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Sprintf("must be <= %v", *f.Max)
		}

	case KindBool:
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("must be a boolean, got %T", v)
		}

	case KindObject:
		if _, ok := v.(map[string]any); !ok {
			return fmt.Sprintf("must be an object, got %T", v)
		}

	case KindArray:
		n, ok := arrayLen(v)
		if !ok {
			return fmt.Sprintf("must be an array, got %T", v)
		}
		if f.MinLength != nil && n < *f.MinLength {
			return fmt.Sprintf("must have at least %d items", *f.MinLength)
		}
		if f.MaxLength != nil && n > *f.MaxLength {
			return fmt.Sprintf("must have at most %d items", *f.MaxLength)
		}
	}

	if len(f.Enum) > 0 && f.Kind != KindObject && f.Kind != KindArray && !inEnum(f.Enum, v) {
		return fmt.Sprintf("must be one of %v", f.Enum)
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func arrayLen(v any) (int, bool) {
	switch a := v.(type) {
	case []any:
		return len(a), true
	case []string:
		return len(a), true
	case []map[string]any:
		return len(a), true
	default:
		return 0, false
	}
}

func inEnum(enum []any, v any) bool {
	vf, vNumeric := toFloat(v)
	for _, e := range enum {
		if ef, ok := toFloat(e); ok && vNumeric {
			if ef == vf {
				return true
			}
			continue
		}
		if e == v {
			return true
		}
	}
	return false
}
