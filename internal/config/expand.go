package config

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// expandValue renders Go-template expressions inside a configuration string
// with the sprig function set, so descriptors can reference the environment
// ("{{ env \"HOME\" }}/data") or compute defaults without hardcoding
// machine-specific paths. Strings without template markers pass through
// untouched.
func expandValue(value string) (string, error) {
	if !strings.Contains(value, "{{") {
		return value, nil
	}
	tmpl, err := template.New("config").Funcs(sprig.FuncMap()).Option("missingkey=error").Parse(value)
	if err != nil {
		return "", &ValidationError{Field: "<template>", Reason: "bad template expression: " + err.Error()}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", &ValidationError{Field: "<template>", Reason: "template expansion failed: " + err.Error()}
	}
	return buf.String(), nil
}

// expandDescriptor renders template expressions in every string-valued
// launch field of a descriptor.
func expandDescriptor(desc ServerDescriptor) (ServerDescriptor, error) {
	out := desc.Clone()
	var err error
	if out.Command, err = expandValue(out.Command); err != nil {
		return out, err
	}
	if out.Cwd, err = expandValue(out.Cwd); err != nil {
		return out, err
	}
	if out.URL, err = expandValue(out.URL); err != nil {
		return out, err
	}
	for i, arg := range out.Args {
		if out.Args[i], err = expandValue(arg); err != nil {
			return out, err
		}
	}
	for k, v := range out.Env {
		if out.Env[k], err = expandValue(v); err != nil {
			return out, err
		}
	}
	for k, v := range out.Headers {
		if out.Headers[k], err = expandValue(v); err != nil {
			return out, err
		}
	}
	return out, nil
}
