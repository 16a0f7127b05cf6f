package task

import (
	"testing"

	"github.com/smallnest/taskgraph/errkind"
	"github.com/stretchr/testify/assert"
)

func TestAnySchema_CompatibleWithEverything(t *testing.T) {
	a := AnySchema{}
	assert.Equal(t, Static, a.Compatible(AnySchema{}))
	assert.Equal(t, Static, a.Compatible(TypedSchema{TypeName: "int"}))
	assert.NoError(t, a.Validate(nil))
	assert.NoError(t, a.Validate(42))
}

func TestTypedSchema_Validate(t *testing.T) {
	s := TypedSchema{TypeName: "int", Check: func(v any) bool { _, ok := v.(int); return ok }}

	assert.NoError(t, s.Validate(5))

	err := s.Validate("not an int")
	var verr *errkind.ValidationError
	assert.ErrorAs(t, err, &verr)

	err = s.Validate(nil)
	assert.ErrorAs(t, err, &verr)
}

func TestTypedSchema_Validate_NoCheckAcceptsNonNil(t *testing.T) {
	s := TypedSchema{TypeName: "anything"}
	assert.NoError(t, s.Validate("x"))

	err := s.Validate(nil)
	var verr *errkind.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTypedSchema_IsCollection(t *testing.T) {
	assert.True(t, TypedSchema{TypeName: "[]Doc"}.IsCollection())
	assert.False(t, TypedSchema{TypeName: "Doc"}.IsCollection())
}

func TestTypedSchema_Compatible(t *testing.T) {
	s := TypedSchema{TypeName: "Doc"}

	assert.Equal(t, Static, s.Compatible(AnySchema{}))
	assert.Equal(t, Static, s.Compatible(TypedSchema{TypeName: "Doc"}))
	assert.Equal(t, Runtime, s.Compatible(TypedSchema{TypeName: "Other"}))
}
