package ai

import (
	"log/slog"
	"os"
	"testing"

	"github.com/LatticeWorks/tether/config"
)

func TestNewAuthor_UnknownProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	_, err := NewAuthor(config.DriverAuthorConfig{Provider: "clippy", APIKey: "k"}, logger)
	if err == nil {
		t.Fatalf("NewAuthor() expected an error for an unknown provider")
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare code", "function on() {}", "function on() {}"},
		{"fenced", "```\nfunction on() {}\n```", "function on() {}"},
		{"fenced with language", "```javascript\nfunction on() {}\n```", "function on() {}"},
		{"unterminated fence", "```\nfunction on() {}", "function on() {}"},
		{"surrounding whitespace", "  \n```js\ncode\n```\n ", "code"},
		{"fence only", "```", "```"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := stripFences(tc.in); got != tc.want {
				t.Errorf("stripFences(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
