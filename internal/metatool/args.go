package metatool

import (
	"fmt"

	"onemcp/internal/apierr"
)

// Argument extraction against each meta-tool's declared schema. Every
// mismatch is a validation error; the caller embeds it in the structured
// result instead of failing the protocol call.

func reqString(args map[string]any, key string, out *string) error {
	v, ok := args[key]
	if !ok {
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s is required", key)}
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s must be a non-empty string", key)}
	}
	*out = s
	return nil
}

func optString(args map[string]any, key string, out *string) error {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s must be a string", key)}
	}
	*out = s
	return nil
}

func optInt(args map[string]any, key string, out *int) error {
	v, ok := args[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64: // JSON numbers decode as float64
		*out = int(n)
	case int:
		*out = n
	default:
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s must be a number", key)}
	}
	if *out < 0 {
		return &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s must not be negative", key)}
	}
	return nil
}

func optObject(args map[string]any, key string) (map[string]any, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &apierr.Error{K: apierr.KindValidation, Msg: fmt.Sprintf("%s must be an object", key)}
	}
	return m, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
