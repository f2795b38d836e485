package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
	"github.com/nextlevelbuilder/clawrelay/internal/reply"
)

// CLIRunner runs attempts through an external agent CLI. The CLI owns its
// own history; the runner only tracks its resume id.
type CLIRunner struct {
	providers *providers.Registry
}

var _ Backend = (*CLIRunner)(nil)

func NewCLIRunner(reg *providers.Registry) *CLIRunner {
	return &CLIRunner{providers: reg}
}

func (c *CLIRunner) Run(ctx context.Context, a *Attempt) (*RunResult, error) {
	b, ok := c.providers.CLI(a.Provider)
	if !ok {
		return nil, fmt.Errorf("cli backend %q not registered", a.Provider)
	}
	start := time.Now()
	a.Emit.Start(a.Provider, a.Model)

	res, err := b.Run(ctx, providers.CLIRequest{
		Prompt:    a.Request.Prompt,
		Model:     a.Model,
		SessionID: a.CLISessionID,
		Workspace: a.Request.Workspace,
		Images:    a.Request.Images,
		Timeout:   a.Request.Timeout,
	})
	if err != nil {
		a.Emit.Error(SanitizeErrorText(err.Error()))
		return nil, err
	}

	meta := RunMeta{
		Provider:     a.Provider,
		Model:        a.Model,
		DurationMs:   time.Since(start).Milliseconds(),
		CLISessionID: res.SessionID,
	}
	meta.Usage.Add(res.Usage)

	var payloads []reply.Payload
	if text := SanitizeAssistantContent(res.Text); text != "" {
		a.Emit.Assistant(text)
		payloads = append(payloads, reply.Payload{Text: text})
	}
	a.Emit.End(map[string]any{"provider": a.Provider, "model": a.Model, "durationMs": meta.DurationMs})
	return &RunResult{Payloads: payloads, Meta: meta}, nil
}
