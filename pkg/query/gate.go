package query

import (
	"fmt"
	"regexp"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

// The query surface is read-only: only SELECT statements (including pure
// SELECT CTEs) reach the executor.

// modifyingCTEPattern matches CTEs that contain data-modifying operations,
// e.g. WITH deleted AS (DELETE FROM ...) SELECT * FROM deleted.
var modifyingCTEPattern = regexp.MustCompile(`(?i)\bAS\s*\(\s*(INSERT|UPDATE|DELETE)\b`)

// ValidateReadOnly rejects anything that is not a plain SELECT.
func ValidateReadOnly(sql string) error {
	normalized := strings.ToUpper(strings.TrimSpace(sql))

	switch {
	case normalized == "":
		return fmt.Errorf("empty query: %w", apperrors.ErrInvalidConfig)
	case strings.HasPrefix(normalized, "SELECT"):
		return nil
	case strings.HasPrefix(normalized, "WITH"):
		if modifyingCTEPattern.MatchString(sql) {
			return fmt.Errorf("data-modifying CTEs are not allowed: %w", apperrors.ErrInvalidConfig)
		}
		return nil
	default:
		return fmt.Errorf("only SELECT statements are allowed: %w", apperrors.ErrInvalidConfig)
	}
}

// CheckParamsForInjection scans string parameter values for SQL injection
// patterns. Non-string values cannot carry injection and are skipped.
func CheckParamsForInjection(params []any) error {
	for i, p := range params {
		s, ok := p.(string)
		if !ok {
			continue
		}
		if isSQLi, fingerprint := libinjection.IsSQLi(s); isSQLi {
			return fmt.Errorf("parameter %d matches injection fingerprint %s: %w",
				i+1, string(fingerprint), apperrors.ErrInvalidConfig)
		}
	}
	return nil
}
