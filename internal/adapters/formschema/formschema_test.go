package formschema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subsidy/internal/domain"
	dErrors "subsidy/pkg/domain-errors"
)

const rentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["monthly_rent", "address"],
  "properties": {
    "monthly_rent": {"type": "number", "exclusiveMinimum": 0},
    "address": {"type": "string", "minLength": 5}
  }
}`

func TestValidate(t *testing.T) {
	v, err := Compile([]byte(rentSchema))
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("valid form", func(t *testing.T) {
		err := v.Validate(ctx, domain.FormPayload{"monthly_rent": 850000, "address": "Calle 10 # 4-20"})
		assert.NoError(t, err)
	})

	t.Run("missing field", func(t *testing.T) {
		err := v.Validate(ctx, domain.FormPayload{"monthly_rent": 850000})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("wrong type", func(t *testing.T) {
		err := v.Validate(ctx, domain.FormPayload{"monthly_rent": "a lot", "address": "Calle 10 # 4-20"})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func TestCompileRejectsBrokenSchema(t *testing.T) {
	_, err := Compile([]byte(`{"type": 12}`))
	assert.Error(t, err)
}
