package numerator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifactu/internal/core/apperror"
)

func TestFormatAndParseNumber(t *testing.T) {
	full := FormatNumber("A-2025", 10)
	assert.Equal(t, "A-2025-10", full)

	code, seq, err := ParseNumber(full)
	require.NoError(t, err)
	assert.Equal(t, "A-2025", code)
	assert.Equal(t, int64(10), seq)
}

func TestParseNumber_Invalid(t *testing.T) {
	for _, s := range []string{"", "A", "-1", "A-", "A-x", "A-0"} {
		_, _, err := ParseNumber(s)
		assert.Error(t, err, s)
	}
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode("A"))
	assert.NoError(t, ValidateCode("R-2025"))
	assert.True(t, apperror.IsValidation(ValidateCode("")))
	assert.True(t, apperror.IsValidation(ValidateCode("A B")))
	assert.True(t, apperror.IsValidation(ValidateCode("-A")))
}
