package processor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/model"
)

// ValidationResult is either Valid or Invalid.
type ValidationResult interface {
	isValidationResult()
}

// Valid carries the sanitized file. Warnings never fail the item.
type Valid struct {
	File     *model.CanonicalFile
	Warnings []string
}

// Invalid lists the blocking problems found in a record.
type Invalid struct {
	Errors   []string
	Warnings []string
}

func (Valid) isValidationResult()   {}
func (Invalid) isValidationResult() {}

// ValidationError is returned for records that fail validation.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

var (
	requiredFields = []string{"id", "name", "mimeType"}
	optionalFields = []string{"createdTime", "modifiedTime", "owners", "webViewLink"}
	stringFields   = []string{"iconLink", "webViewLink"}
	dateFields     = []string{"createdTime", "modifiedTime"}
	boolFields     = []string{"shared", "trashed"}
	objectFields   = []string{"lastModifyingUser", "capabilities"}
)

// Validate checks a raw provider record and, when it has no blocking errors,
// returns the sanitized CanonicalFile. OwnerUserID, SyncStatus and
// LastSyncAttempt are left for the caller.
func Validate(rec model.RawFileRecord) ValidationResult {
	var errs, warnings []string

	for _, f := range requiredFields {
		v, ok := rec[f]
		if !ok || v == nil {
			errs = append(errs, "missing required field: "+f)
			continue
		}
		s, isString := v.(string)
		if !isString {
			errs = append(errs, f+" must be a string")
			continue
		}
		if strings.TrimSpace(s) == "" {
			errs = append(errs, "missing required field: "+f)
		}
	}

	for _, f := range optionalFields {
		if v, ok := rec[f]; !ok || v == nil {
			warnings = append(warnings, "missing optional field: "+f)
		}
	}

	if v, ok := present(rec, "size"); ok {
		if _, err := numericString(v); err != nil {
			errs = append(errs, "size must be numeric: "+err.Error())
		}
	}
	if v, ok := present(rec, "version"); ok {
		if _, err := numericString(v); err != nil {
			errs = append(errs, "version must be numeric: "+err.Error())
		}
	}
	for _, f := range stringFields {
		if v, ok := present(rec, f); ok {
			if _, isString := v.(string); !isString {
				errs = append(errs, f+" must be a string")
			}
		}
	}
	for _, f := range dateFields {
		v, ok := present(rec, f)
		if !ok {
			continue
		}
		s, isString := v.(string)
		if !isString {
			errs = append(errs, f+" must be a date string")
			continue
		}
		if _, err := adapter.ParseModifiedTime(s); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid date: %q", f, s))
		}
	}
	for _, f := range boolFields {
		if v, ok := present(rec, f); ok {
			if _, isBool := v.(bool); !isBool {
				errs = append(errs, f+" must be a boolean")
			}
		}
	}
	for _, f := range objectFields {
		if v, ok := present(rec, f); ok {
			if _, isObject := v.(map[string]any); !isObject {
				errs = append(errs, f+" must be an object")
			}
		}
	}
	if v, ok := present(rec, "permissions"); ok {
		if _, isSeq := v.([]any); !isSeq {
			errs = append(errs, "permissions must be a list")
		}
	}
	if v, ok := present(rec, "owners"); ok {
		owners, isSeq := v.([]any)
		if !isSeq {
			errs = append(errs, "owners must be a list")
		} else {
			for i, o := range owners {
				if _, isObject := o.(map[string]any); !isObject {
					errs = append(errs, fmt.Sprintf("owners[%d] must be an object", i))
				}
			}
		}
	}

	if len(errs) > 0 {
		return Invalid{Errors: errs, Warnings: warnings}
	}
	return Valid{File: sanitize(rec), Warnings: warnings}
}

func present(rec model.RawFileRecord, field string) (any, bool) {
	v, ok := rec[field]
	return v, ok && v != nil
}

// numericString normalizes a numeric-coercible value to its decimal string.
func numericString(v any) (string, error) {
	switch n := v.(type) {
	case json.Number:
		if _, err := n.Float64(); err != nil {
			return "", err
		}
		return n.String(), nil
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case string:
		s := strings.TrimSpace(n)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", fmt.Errorf("%q", n)
		}
		return s, nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}
