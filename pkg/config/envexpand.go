package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv expands environment variables in YAML content using Go template
// syntax, {{.VAR_NAME}}. Plain $ stays untouched so regex patterns and
// passwords containing $ survive expansion.
//
// Missing variables expand to the empty string; validation catches required
// fields that end up empty. Content that fails to parse or execute as a
// template is returned unchanged.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("beamlens").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
