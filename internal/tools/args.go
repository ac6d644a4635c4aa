package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Validator is implemented by argument structs that check their own shape
// after decoding.
type Validator interface {
	Validate() error
}

// DecodeArgs converts the loosely typed arguments of an invocation into the
// typed record dst. Wrong JSON types, unknown keys and failures reported by
// dst.Validate are all returned as ValidationErrors.
func DecodeArgs(args map[string]interface{}, dst interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return Validationf("arguments are not serializable: %v", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return describeDecodeError(err)
	}

	if v, ok := dst.(Validator); ok {
		if err := v.Validate(); err != nil {
			return WrapValidationError(err)
		}
	}
	return nil
}

func describeDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "arguments"
		}
		return Validationf("%s must be %s", field, article(typeErr.Type.Kind().String()))
	}
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, "json: unknown field "); ok {
		return Validationf("unexpected argument: %s", strings.Trim(rest, `"`))
	}
	return Validationf("invalid arguments: %s", msg)
}

func article(kind string) string {
	switch kind {
	case "slice", "array":
		return "a list"
	case "map", "struct":
		return "an object"
	case "int", "int64", "int32", "uint", "uint64", "float64":
		return "a number"
	case "bool":
		return "a boolean"
	default:
		return "a " + kind
	}
}

// RequireString returns a ValidationError when value is empty.
func RequireString(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return Validationf("missing required argument: %s", name)
	}
	return nil
}
