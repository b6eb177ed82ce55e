package voucher

import (
	"fmt"
	"strings"
)

// MealType is a deployment-configured voucher category such as BREAKFAST.
type MealType string

// DefaultMealTypes is used when no meal types are configured.
var DefaultMealTypes = []MealType{"BREAKFAST", "LUNCH", "SNACK"}

// ParseMealTypes normalises and validates configured meal type names. Names are
// upper-cased and must be unique, at most 32 characters of A-Z, 0-9 or '_'.
func ParseMealTypes(values []string) ([]MealType, error) {
	if len(values) == 0 {
		return append([]MealType(nil), DefaultMealTypes...), nil
	}
	seen := make(map[MealType]struct{}, len(values))
	out := make([]MealType, 0, len(values))
	for _, raw := range values {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if !validMealTypeName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMealType, raw)
		}
		mt := MealType(name)
		if _, dup := seen[mt]; dup {
			return nil, fmt.Errorf("%w: duplicate %q", ErrInvalidMealType, name)
		}
		seen[mt] = struct{}{}
		out = append(out, mt)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no meal types configured", ErrInvalidMealType)
	}
	return out, nil
}

func validMealTypeName(name string) bool {
	if len(name) == 0 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
