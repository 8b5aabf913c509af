package afk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"unicode"
)

// instructionSource resolves an agent's effective system instructions.
// Precedence: inline text, then a template file rendered with strict
// missing-key semantics, then the convention file <AGENT_NAME>.md next to
// the configured instruction dir.
type instructionSource struct {
	inline        string
	templatePath  string
	renderContext map[string]any
	dir           string

	tmpl *template.Template

	convOnce sync.Once
	convText string
	convErr  error
}

// compile parses the template file eagerly so bad templates fail at agent
// construction instead of mid-run.
func (s *instructionSource) compile() error {
	if s.templatePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.templatePath)
	if err != nil {
		return &ConfigError{Field: "instructions", Reason: fmt.Sprintf("read template %s: %v", s.templatePath, err)}
	}
	tmpl, err := template.New(filepath.Base(s.templatePath)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return &ConfigError{Field: "instructions", Reason: fmt.Sprintf("parse template %s: %v", s.templatePath, err)}
	}
	s.tmpl = tmpl
	return nil
}

// resolve returns the effective instruction text for one step. runContext
// values overlay the agent's render context so callers can parameterize
// per run. An unknown placeholder is a configuration error.
func (s *instructionSource) resolve(agentName string, runContext map[string]any) (string, error) {
	if s.inline != "" {
		return s.inline, nil
	}
	if s.tmpl != nil {
		data := make(map[string]any, len(s.renderContext)+len(runContext))
		for k, v := range s.renderContext {
			data[k] = v
		}
		for k, v := range runContext {
			data[k] = v
		}
		var b strings.Builder
		if err := s.tmpl.Execute(&b, data); err != nil {
			return "", &ConfigError{Field: "instructions", Reason: fmt.Sprintf("render template %s: %v", s.templatePath, err)}
		}
		return b.String(), nil
	}
	s.convOnce.Do(func() {
		path := filepath.Join(s.dir, upperSnakeName(agentName)+".md")
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			s.convText = strings.TrimSpace(string(raw))
		case os.IsNotExist(err):
			// No convention file is fine; the agent runs without a system prompt.
		default:
			s.convErr = &ConfigError{Field: "instructions", Reason: fmt.Sprintf("read %s: %v", path, err)}
		}
	})
	return s.convText, s.convErr
}

// upperSnakeName converts an agent name to the UPPER_SNAKE convention used
// for instruction files: "dataAnalyst" and "data-analyst" both become
// "DATA_ANALYST".
func upperSnakeName(name string) string {
	var b strings.Builder
	prevLower := false
	prevUnderscore := true // suppress a leading underscore
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if prevLower && unicode.IsUpper(r) && !prevUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToUpper(r))
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
			}
			prevLower = false
			prevUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
