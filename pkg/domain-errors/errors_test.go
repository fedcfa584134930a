package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	t.Run("wrapped cause keeps outer code", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := Wrap(cause, CodeDependency, "renderer unavailable")
		assert.True(t, HasCode(err, CodeDependency))
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "renderer unavailable: connection refused", err.Error())
	})

	t.Run("fmt wrapping preserves code", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeConflict, "state changed"))
		assert.True(t, Is(err, CodeConflict))
	})

	t.Run("uncoded errors are internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
		assert.False(t, HasCode(nil, CodeInternal))
	})

	t.Run("wrap nil is nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "unused"))
	})
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeNotFound:     http.StatusNotFound,
		CodeConflict:     http.StatusConflict,
		CodePrecondition: http.StatusPreconditionRequired,
		CodeForbidden:    http.StatusForbidden,
		CodeValidation:   http.StatusUnprocessableEntity,
		CodeDependency:   http.StatusBadGateway,
		CodeInternal:     http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, ToHTTPStatus(code), string(code))
	}
}
