package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CLI output formats.
const (
	CLIOutputJSON = "json"
	CLIOutputText = "text"
)

const stderrTailBytes = 2048

// CLIBackend runs an agent CLI (claude, codex, ...) as an external process.
// The prompt is passed as the last argument.
type CLIBackend struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	ModelArg   string            `json:"modelArg,omitempty"`   // e.g. "--model"
	SessionArg string            `json:"sessionArg,omitempty"` // e.g. "--resume"
	ImageArg   string            `json:"imageArg,omitempty"`   // e.g. "--image", repeated per file
	Output     string            `json:"output,omitempty"`     // "json" (default) or "text"
	Env        map[string]string `json:"env,omitempty"`
}

// CLIRequest is one invocation.
type CLIRequest struct {
	Prompt    string
	Model     string
	SessionID string
	Workspace string
	Images    []string
	Timeout   time.Duration
}

// CLIResult is the parsed process output.
type CLIResult struct {
	Text      string
	SessionID string
	Usage     *Usage
}

// cliJSONOutput matches the single-object JSON printed by agent CLIs in
// non-interactive mode.
type cliJSONOutput struct {
	Result    string `json:"result"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Usage     *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// Run executes the backend and parses its output. A non-zero exit status
// returns an error carrying the tail of stderr.
func (b *CLIBackend) Run(ctx context.Context, req CLIRequest) (*CLIResult, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.Command, b.buildArgs(req)...)
	cmd.Dir = req.Workspace
	cmd.Env = os.Environ()
	for k, v := range b.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", b.Name, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with code %d: %s", b.Name, exitErr.ExitCode(), tail(stderr.String(), stderrTailBytes))
		}
		return nil, fmt.Errorf("%s: start: %w", b.Name, err)
	}

	if b.Output == CLIOutputText {
		return &CLIResult{Text: strings.TrimSpace(stdout.String()), SessionID: req.SessionID}, nil
	}
	return parseCLIJSON(b.Name, stdout.Bytes(), req.SessionID)
}

func (b *CLIBackend) buildArgs(req CLIRequest) []string {
	args := append([]string(nil), b.Args...)
	if b.ModelArg != "" && req.Model != "" {
		args = append(args, b.ModelArg, req.Model)
	}
	if b.SessionArg != "" && req.SessionID != "" {
		args = append(args, b.SessionArg, req.SessionID)
	}
	if b.ImageArg != "" {
		for _, img := range req.Images {
			args = append(args, b.ImageArg, img)
		}
	}
	return append(args, req.Prompt)
}

func parseCLIJSON(name string, out []byte, sessionID string) (*CLIResult, error) {
	// Some CLIs print progress lines before the result object; the last
	// non-empty line holds the JSON.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	var parsed cliJSONOutput
	if err := json.Unmarshal([]byte(last), &parsed); err != nil {
		return nil, fmt.Errorf("%s: decode output: %w", name, err)
	}
	text := parsed.Result
	if text == "" {
		text = parsed.Text
	}
	if parsed.IsError {
		return nil, fmt.Errorf("%s: %s", name, text)
	}
	res := &CLIResult{Text: strings.TrimSpace(text), SessionID: parsed.SessionID}
	if res.SessionID == "" {
		res.SessionID = sessionID
	}
	if parsed.Usage != nil {
		res.Usage = &Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return res, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
