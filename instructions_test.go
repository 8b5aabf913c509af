package afk

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestUpperSnakeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dataAnalyst", "DATA_ANALYST"},
		{"data-analyst", "DATA_ANALYST"},
		{"data_analyst", "DATA_ANALYST"},
		{"DataAnalyst", "DATA_ANALYST"},
		{"researcher", "RESEARCHER"},
		{"agent2", "AGENT2"},
		{"http2Proxy", "HTTP2_PROXY"},
		{"a--b", "A_B"},
		{"trailing-", "TRAILING"},
		{"-leading", "LEADING"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := upperSnakeName(tt.in); got != tt.want {
				t.Errorf("upperSnakeName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestInstructionsInlineWins(t *testing.T) {
	dir := t.TempDir()
	writeInstructionFile(t, dir, "HELPER.md", "from convention")

	src := instructionSource{inline: "from inline", dir: dir}
	if err := src.compile(); err != nil {
		t.Fatal(err)
	}
	got, err := src.resolve("helper", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "from inline" {
		t.Errorf("resolve() = %q, want %q", got, "from inline")
	}
}

func TestInstructionsTemplateRendering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.tmpl")
	if err := os.WriteFile(path, []byte("You are {{.role}} in {{.env}}."), 0o644); err != nil {
		t.Fatal(err)
	}

	src := instructionSource{
		templatePath:  path,
		renderContext: map[string]any{"role": "a researcher", "env": "staging"},
		dir:           dir,
	}
	if err := src.compile(); err != nil {
		t.Fatal(err)
	}

	// Run context overlays the render context.
	got, err := src.resolve("helper", map[string]any{"env": "production"})
	if err != nil {
		t.Fatal(err)
	}
	if want := "You are a researcher in production."; got != want {
		t.Errorf("resolve() = %q, want %q", got, want)
	}
}

func TestInstructionsTemplateMissingKeyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompt.tmpl")
	if err := os.WriteFile(path, []byte("Hello {{.missing}}"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := instructionSource{templatePath: path, dir: dir}
	if err := src.compile(); err != nil {
		t.Fatal(err)
	}
	_, err := src.resolve("helper", nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *ConfigError", err)
	}
}

func TestInstructionsTemplateCompileErrors(t *testing.T) {
	src := instructionSource{templatePath: filepath.Join(t.TempDir(), "absent.tmpl"), dir: "."}
	var cfgErr *ConfigError
	if err := src.compile(); !errors.As(err, &cfgErr) {
		t.Fatalf("compile missing file: err = %v, want *ConfigError", err)
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.tmpl")
	if err := os.WriteFile(bad, []byte("{{.unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	src = instructionSource{templatePath: bad, dir: dir}
	if err := src.compile(); !errors.As(err, &cfgErr) {
		t.Fatalf("compile bad template: err = %v, want *ConfigError", err)
	}
}

func TestInstructionsConventionFile(t *testing.T) {
	dir := t.TempDir()
	writeInstructionFile(t, dir, "DATA_ANALYST.md", "  Analyze the data.\n")

	src := instructionSource{dir: dir}
	if err := src.compile(); err != nil {
		t.Fatal(err)
	}
	got, err := src.resolve("dataAnalyst", nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Analyze the data."; got != want {
		t.Errorf("resolve() = %q, want %q", got, want)
	}
}

func TestInstructionsMissingConventionFileIsEmpty(t *testing.T) {
	src := instructionSource{dir: t.TempDir()}
	if err := src.compile(); err != nil {
		t.Fatal(err)
	}
	got, err := src.resolve("nobody", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("resolve() = %q, want empty", got)
	}
}

func TestInstructionsConventionReadOnce(t *testing.T) {
	dir := t.TempDir()
	writeInstructionFile(t, dir, "HELPER.md", "first")

	src := instructionSource{dir: dir}
	if _, err := src.resolve("helper", nil); err != nil {
		t.Fatal(err)
	}

	// A later rewrite must not change the resolved text mid-run.
	writeInstructionFile(t, dir, "HELPER.md", "second")
	got, err := src.resolve("helper", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "first" {
		t.Errorf("resolve() = %q, want %q", got, "first")
	}
}

func writeInstructionFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAgentInstructionOptions(t *testing.T) {
	dir := t.TempDir()
	writeInstructionFile(t, dir, "SCRIBE.md", "Convention text")

	transport := newScriptTransport(textTurn("hi"))
	agent := mustAgent(t, "scribe",
		WithTransport(transport),
		WithInstructionDir(dir),
	)

	got, err := agent.instr.resolve(agent.Name(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Convention text" {
		t.Errorf("resolved instructions = %q, want %q", got, "Convention text")
	}

	// The executor prepends instructions as a system message.
	msgs := buildModelMessages(got, []Message{UserMessage("question")})
	if len(msgs) != 2 {
		t.Fatalf("len(messages) = %d, want 2", len(msgs))
	}
	if msgs[0].Role != RoleSystem || !strings.Contains(msgs[0].Content, "Convention text") {
		t.Errorf("messages[0] = %+v, want system message with instructions", msgs[0])
	}
}
