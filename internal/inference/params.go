package inference

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	ParamString                 = "string"
	ParamNumber                 = "number"
	ParamBoolean                = "boolean"
	ParamChatMessages           = "chat_messages"
	ParamChatMessagesSystemRole = "chat_messages_system_role"

	FormatURI     = "uri"
	FormatEnum    = "enum"
	FormatInteger = "integer"
	FormatFloat   = "float"
)

// ValidationError names the first parameter that failed validation
type ValidationError struct {
	Field  string
	Reason string
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("parameter %s %s", v.Field, v.Reason)
}

// BuildInput turns the raw user map into the upstream input for params.
// Params are handled in their declared order and the first failure is
// returned.
func BuildInput(params []ModelParam, raw map[string]any) (map[string]any, error) {
	ordered := slices.Clone(params)
	slices.SortStableFunc(ordered, func(a, b ModelParam) int {
		return a.Order - b.Order
	})

	input := normalize(ordered, raw)
	for _, p := range ordered {
		if err := validate(p, input[p.Name]); err != nil {
			return nil, err
		}
		if p.Type == ParamNumber && p.Format == FormatInteger {
			if f, ok := input[p.Name].(float64); ok {
				input[p.Name] = int64(f)
			}
		}
	}
	return input, nil
}

// normalize coerces every declared param and drops everything else. Absent
// values take the declared default.
func normalize(params []ModelParam, raw map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for _, p := range params {
		value, present := raw[p.Name]
		if present && isBlank(value) {
			present = false
		}

		var v any
		switch p.Type {
		case ParamString:
			v = p.Default
			if present {
				v = stringValue(value)
			}
		case ParamNumber:
			if present {
				v = numberValue(value)
			} else if p.Default != "" {
				if f, err := strconv.ParseFloat(p.Default, 64); err == nil {
					v = f
				}
			}
		case ParamBoolean:
			v = p.Default == "true"
			if present {
				switch b := value.(type) {
				case bool:
					v = b
				case string:
					if parsed, err := strconv.ParseBool(b); err == nil {
						v = parsed
					}
				}
			}
		case ParamChatMessages, ParamChatMessagesSystemRole:
			v = []any{}
			if present {
				v = messagesValue(value)
			}
		default:
			continue
		}

		if !isBlank(v) {
			out[p.Name] = v
		}
	}
	return out
}

func validate(p ModelParam, value any) *ValidationError {
	fail := func(reason string) *ValidationError {
		return &ValidationError{Field: p.Name, Reason: reason}
	}

	if p.Required && isEmpty(value) {
		return fail("is required")
	}
	if p.Type == ParamChatMessages && isEmpty(value) {
		return fail("cannot be empty")
	}

	if p.Type == ParamNumber && value != nil {
		f, ok := value.(float64)
		if !ok {
			return fail("must be a number")
		}
		if p.Format == FormatInteger && f != math.Trunc(f) {
			return fail("must be an integer")
		}
		if p.Minimum == nil && f < 0 {
			return fail("must be greater than or equal to 0")
		}
		if p.Minimum != nil && f < *p.Minimum {
			return fail("must be greater than or equal to " + formatNumber(*p.Minimum))
		}
		if p.Maximum != nil && f > *p.Maximum {
			return fail("must be less than or equal to " + formatNumber(*p.Maximum))
		}
	}

	if p.Format == FormatEnum && len(p.EnumValues) > 0 && value != nil {
		s := stringValue(value)
		if f, ok := value.(float64); ok {
			s = formatNumber(f)
		}
		if !slices.Contains(p.EnumValues, s) {
			return fail("must be one of " + strings.Join(p.EnumValues, ", "))
		}
	}
	return nil
}

// isBlank is what gets dropped from the normalized input
func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// isEmpty treats zero and false as real values
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return formatNumber(t)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// numberValue returns a float64, or the original value when it cannot be read
// as a number so validation can report it
func numberValue(v any) any {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return t
		}
		return f
	default:
		return t
	}
}

// messagesValue accepts a message list or its JSON encoding
func messagesValue(v any) any {
	switch t := v.(type) {
	case []any:
		return t
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(t), &parsed); err != nil {
			return map[string]any{}
		}
		return parsed
	default:
		return t
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
