package executor

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

var ErrInvalidScript = errors.New("invalid script identifier")

// ScriptConfig describes how script identifiers turn into command lines.
type ScriptConfig struct {
	// Interpreter runs the script, e.g. python3. Empty executes the script directly.
	Interpreter string
	// Dir is the directory script identifiers are resolved against.
	Dir string
	// Allowed restricts the accepted script identifiers; empty accepts any local file name.
	Allowed []string
	// Params is the allow-list of job params forwarded as --flags, in order.
	Params []string
	// Secrets are params masked in the printable command line.
	Secrets []string
	Env     []string

	// stability flags
	Headless   bool
	Workers    int
	MaxRetries int
	Timeout    int
}

// DefaultScriptConfig mirrors the flags the scrapers were tuned for.
func DefaultScriptConfig() ScriptConfig {
	return ScriptConfig{
		Interpreter: "python3",
		Dir:         ".",
		Params:      []string{"username", "password", "academic_year", "data_dir"},
		Secrets:     []string{"password", "token", "secret"},
		Env:         []string{"PYTHONUNBUFFERED=1"},
		Headless:    true,
		Workers:     1,
		MaxRetries:  5,
		Timeout:     60,
	}
}

// Command is a fully resolved process invocation.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Display string
}

// ValidateScript checks that script is a plain file name accepted by the config.
func (c ScriptConfig) ValidateScript(script string) error {
	if script == "" || script == "." || !filepath.IsLocal(script) || filepath.Base(script) != script {
		return fmt.Errorf("%w: %q", ErrInvalidScript, script)
	}
	if len(c.Allowed) > 0 && !slices.Contains(c.Allowed, script) {
		return fmt.Errorf("%w: %q is not allowed", ErrInvalidScript, script)
	}
	return nil
}

// Build resolves script plus the forwarded subset of params into a Command.
// Params outside the allow-list are never passed to the process.
func (c ScriptConfig) Build(script string, params map[string]string) (Command, error) {
	if err := c.ValidateScript(script); err != nil {
		return Command{}, err
	}
	path := filepath.Join(c.Dir, script)

	var args []string
	if c.Headless {
		args = append(args, "--headless")
	}
	for _, key := range c.Params {
		value := params[key]
		if value == "" {
			continue
		}
		args = append(args, flagName(key), value)
	}
	if c.Workers > 0 {
		args = append(args, "--workers", strconv.Itoa(c.Workers))
	}
	if c.MaxRetries > 0 {
		args = append(args, "--max-retries", strconv.Itoa(c.MaxRetries))
	}
	if c.Timeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(c.Timeout))
	}

	cmd := Command{Path: path, Args: args, Env: c.Env}
	if c.Interpreter != "" {
		cmd.Path = c.Interpreter
		cmd.Args = append([]string{path}, args...)
	}
	cmd.Display = c.display(cmd)
	return cmd, nil
}

func (c ScriptConfig) display(cmd Command) string {
	parts := make([]string, 0, len(cmd.Args)+1)
	parts = append(parts, cmd.Path)
	masked := false
	for _, arg := range cmd.Args {
		if masked {
			parts = append(parts, "****")
			masked = false
			continue
		}
		parts = append(parts, arg)
		for _, s := range c.Secrets {
			if arg == flagName(s) {
				masked = true
			}
		}
	}
	return strings.Join(parts, " ")
}

func flagName(key string) string {
	return "--" + strings.ReplaceAll(key, "_", "-")
}
