package protoerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvalidValuefSetsPath(t *testing.T) {
	err := InvalidValuef("profile.name", "must not be empty")
	assert.Equal(t, InvalidValue, err.Code())
	assert.Equal(t, "profile.name", err.Path())
	assert.Contains(t, err.Error(), "profile.name")
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("db exploded")
	err := Internalf(cause, "insert failed")
	assert.True(t, errors.Is(err, cause))
}

func TestAsExtractsError(t *testing.T) {
	var err error = NotFoundf("identity %s", "abc")
	pe, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, NotFound, pe.Code())
}

func TestCodeString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", NotFound.String())
	assert.Equal(t, "UNKNOWN", Code(999).String())
}
