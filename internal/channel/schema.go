package channel

import (
	"sort"
	"strings"

	"github.com/buildrelay/buildrelay/internal/domain"
)

// FieldType is the declared type of a settings field.
type FieldType string

const (
	FieldString FieldType = "string"
	// FieldList is a comma-separated list of strings.
	FieldList FieldType = "list"
	FieldInt  FieldType = "int"
)

// FieldSpec declares one settings field. Labels are presentation metadata
// for clients rendering configuration forms.
type FieldSpec struct {
	Type      FieldType
	Required  bool
	Sensitive bool
	Label     string
}

// Schema is a plugin's declared settings shape, keyed by field name.
// The field list is part of the persisted configuration contract: adding
// optional fields is safe, removing or retyping required fields is not.
type Schema map[string]FieldSpec

// FieldNames returns field names in stable lexical order.
func (s Schema) FieldNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks settings against the schema: required fields must be
// present and non-blank, unknown fields are rejected. Plugins layer their
// own format checks on top.
func (s Schema) Validate(settings domain.Settings) *domain.ValidationError {
	verr := &domain.ValidationError{}

	for _, name := range s.FieldNames() {
		spec := s[name]
		value, ok := settings[name]
		if !ok || strings.TrimSpace(value) == "" {
			if spec.Required {
				verr.Add(name, "is required")
			}
			continue
		}
	}

	unknown := make([]string, 0)
	for name := range settings {
		if _, ok := s[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		verr.Add(name, "is not a recognized field")
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

const redactedPlaceholder = "••••"

// Redact replaces sensitive field values so they are never echoed back in
// full. Values longer than six characters keep their last two characters
// as a recognizability hint.
func (s Schema) Redact(settings domain.Settings) domain.Settings {
	redacted := settings.Clone()
	for name, spec := range s {
		if !spec.Sensitive {
			continue
		}
		value, ok := redacted[name]
		if !ok || value == "" {
			continue
		}
		if len(value) > 6 {
			redacted[name] = redactedPlaceholder + value[len(value)-2:]
		} else {
			redacted[name] = redactedPlaceholder
		}
	}
	return redacted
}

// SplitList parses a comma-separated list field, dropping blanks.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
