package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema describes the keys a provider accepts under its settings map.
// Key matching ignores case, underscores and hyphens.
type Schema struct {
	// Path prefixes error messages, e.g. "vendors.stt.settings".
	Path     string
	Required []string
	Optional []string
	// OneOf restricts string values of the named keys. Empty values pass.
	OneOf        map[string][]string
	AllowUnknown bool
}

// SettingsError lists every problem found in one settings map.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
	Invalid []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid: "+strings.Join(e.Invalid, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path != "" {
		return e.Path + ": " + msg
	}
	return msg
}

// ValidateSettings checks a settings map against schema and returns a
// *SettingsError when anything is missing, unknown or out of range.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}
	oneOf := make(map[string][]string, len(schema.OneOf))
	for k, values := range schema.OneOf {
		oneOf[normalizeKey(k)] = values
		allowed[normalizeKey(k)] = struct{}{}
	}

	serr := &SettingsError{Path: schema.Path}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
			continue
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			serr.Missing = append(serr.Missing, reqKey)
		}
		if values, ok := oneOf[nk]; ok && !isEmptyValue(v) && !matchesOneOf(v, values) {
			serr.Invalid = append(serr.Invalid, fmt.Sprintf("%s=%v (want %s)", k, v, strings.Join(values, "|")))
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			serr.Missing = append(serr.Missing, reqKey)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 && len(serr.Invalid) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	sort.Strings(serr.Invalid)
	return serr
}

func matchesOneOf(v any, values []string) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for _, want := range values {
		if strings.EqualFold(strings.TrimSpace(s), want) {
			return true
		}
	}
	return false
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
