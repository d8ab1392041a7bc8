package numerator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"verifactu/internal/core/apperror"
)

// MaxCodeLength bounds series codes so full numbers fit the 60-character
// NumSerieFactura field.
const MaxCodeLength = 40

var codePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_/.-]*$`)

// ValidateCode checks a series code.
func ValidateCode(code string) error {
	if code == "" {
		return apperror.NewFieldValidation("series", "series code is required")
	}
	if len(code) > MaxCodeLength {
		return apperror.NewFieldValidation("series", "series code is too long").
			WithDetail("max_length", MaxCodeLength)
	}
	if !codePattern.MatchString(code) {
		return apperror.NewFieldValidation("series", "series code contains invalid characters").
			WithDetail("series", code)
	}
	return nil
}

// FormatNumber renders the full document number: CODE-SEQ (e.g. "A-2025-7").
func FormatNumber(code string, seq int64) string {
	return fmt.Sprintf("%s-%d", code, seq)
}

// ParseNumber splits a full number at its last dash.
func ParseNumber(full string) (string, int64, error) {
	i := strings.LastIndex(full, "-")
	if i <= 0 || i == len(full)-1 {
		return "", 0, fmt.Errorf("invalid series number %q", full)
	}
	seq, err := strconv.ParseInt(full[i+1:], 10, 64)
	if err != nil || seq < 1 {
		return "", 0, fmt.Errorf("invalid sequence in %q", full)
	}
	return full[:i], seq, nil
}
