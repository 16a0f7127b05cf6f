package task

import "github.com/smallnest/taskgraph/errkind"

// Compatibility is the outcome of checking whether a producer's output
// schema can feed a consumer's input schema across an edge.
type Compatibility int

const (
	// Incompatible means the edge must be rejected.
	Incompatible Compatibility = iota
	// Static means the schemas are identical or the input is unconstrained.
	Static
	// Runtime means the input is a refinement of the output that can only
	// be validated when data actually crosses the edge.
	Runtime
)

// Schema describes the shape of a port's data and can validate a value
// against it at transfer time. Collaborators supply concrete Schemas;
// the core only needs Validate and Compatible.
type Schema interface {
	// Name identifies the schema for diagnostics (e.g. "string", "Document").
	Name() string

	// Validate checks a value against the schema, returning a
	// *errkind.ValidationError (wrapped) on mismatch.
	Validate(value any) error

	// Compatible classifies this schema (as a producer's output) against
	// another schema (as a consumer's input).
	Compatible(input Schema) Compatibility
}

// AnySchema accepts any value and is compatible with everything. It is the
// zero-friction default for ports that carry opaque JSON.
type AnySchema struct{}

func (AnySchema) Name() string         { return "any" }
func (AnySchema) Validate(any) error   { return nil }
func (AnySchema) Compatible(Schema) Compatibility {
	return Static
}

// TypedSchema checks values with its Check function, and is statically
// compatible with another TypedSchema of the same TypeName.
type TypedSchema struct {
	TypeName string
	// Check reports whether value conforms; nil means "accept anything
	// that isn't nil", useful for loosely-typed JSON shapes.
	Check func(value any) bool
}

func (s TypedSchema) Name() string { return s.TypeName }

func (s TypedSchema) Validate(value any) error {
	if value == nil {
		return &errkind.ValidationError{Field: s.TypeName, Message: "value is nil"}
	}
	if s.Check != nil && !s.Check(value) {
		return &errkind.ValidationError{Field: s.TypeName, Message: "value does not conform to schema"}
	}
	return nil
}

// IsCollection reports whether this schema describes an array/slice
// output, the signal the graph compiler uses to detect a fan-out edge
// (array producer feeding a scalar consumer). TypeName carrying a "[]"
// prefix is the convention collaborators use to opt in.
func (s TypedSchema) IsCollection() bool {
	return len(s.TypeName) >= 2 && s.TypeName[:2] == "[]"
}

func (s TypedSchema) Compatible(input Schema) Compatibility {
	switch other := input.(type) {
	case AnySchema:
		return Static
	case TypedSchema:
		if other.TypeName == s.TypeName {
			return Static
		}
		// A differently-named schema might still be a refinement; the
		// compiler defers the final answer to data-transfer time.
		return Runtime
	default:
		return Runtime
	}
}
