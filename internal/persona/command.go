// Package persona holds the executors the daemon binds to persona lanes.
package persona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"missionctl/internal/breaker"
	"missionctl/internal/task"
	"missionctl/internal/task/scheduler"
	logx "missionctl/pkg/logx"
)

// ExitInvalidPayload is the exit status (EX_DATAERR) a command uses to
// reject its input. The task is blocked without retries.
const ExitInvalidPayload = 65

// OpPrompt is counted against the SMT window for each extra prompt a
// command reports beyond the dispatch itself.
const OpPrompt = "persona.prompt"

// Request is written to the command's stdin as one JSON document.
type Request struct {
	Task     task.Task `json:"task"`
	Identity string    `json:"identity,omitempty"`
}

// Response is the last JSON line the command prints on stdout.
type Response struct {
	Success     bool         `json:"success"`
	Outcome     task.Outcome `json:"outcome,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Confidence  float64      `json:"confidence,omitempty"`
	Error       string       `json:"error,omitempty"`
	PromptsUsed int          `json:"promptsUsed,omitempty"`
}

type CommandConfig struct {
	Argv []string
	Dir  string
	// Categories limits the tasks this command accepts; empty accepts all.
	Categories []task.Category
	// Breaker, when set, guards every run.
	Breaker *breaker.Breaker
}

// Command runs an external program per task.
type Command struct {
	cfg  CommandConfig
	cats map[task.Category]struct{}
	log  logx.Logger
}

func NewCommand(cfg CommandConfig, log logx.Logger) (*Command, error) {
	if len(cfg.Argv) == 0 || strings.TrimSpace(cfg.Argv[0]) == "" {
		return nil, errors.New("persona command is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Command{cfg: cfg, log: log}
	if len(cfg.Categories) > 0 {
		c.cats = make(map[task.Category]struct{}, len(cfg.Categories))
		for _, cat := range cfg.Categories {
			c.cats[cat] = struct{}{}
		}
	}
	return c, nil
}

func (c *Command) CanHandle(t task.Task) bool {
	if c.cats == nil {
		return true
	}
	_, ok := c.cats[t.Category]
	return ok
}

func (c *Command) Execute(ctx context.Context, t task.Task, ec scheduler.ExecContext) (scheduler.Result, error) {
	in, err := json.Marshal(Request{Task: t, Identity: ec.Identity})
	if err != nil {
		return scheduler.Result{}, scheduler.NoRetry(fmt.Errorf("%w: %v", scheduler.ErrInvalidPayload, err))
	}

	var resp Response
	run := func(ctx context.Context) error {
		var e error
		resp, e = c.run(ctx, t, in, ec)
		return e
	}
	if c.cfg.Breaker != nil {
		err = c.cfg.Breaker.Execute(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return scheduler.Result{}, err
	}

	for i := 1; i < resp.PromptsUsed && ec.RecordUsage != nil; i++ {
		ec.RecordUsage(OpPrompt)
	}
	return scheduler.Result{
		Success:     resp.Success,
		Outcome:     resp.Outcome,
		Summary:     resp.Summary,
		Confidence:  resp.Confidence,
		Err:         resp.Error,
		PromptsUsed: resp.PromptsUsed,
	}, nil
}

func (c *Command) run(ctx context.Context, t task.Task, in []byte, ec scheduler.ExecContext) (Response, error) {
	cmd := exec.CommandContext(ctx, c.cfg.Argv[0], c.cfg.Argv[1:]...)
	cmd.Dir = c.cfg.Dir
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	took := time.Since(start)
	code := cmd.ProcessState.ExitCode()
	if ec.Audit != nil {
		ec.Audit("persona.command", map[string]any{"exitCode": code, "tookMs": took.Milliseconds()})
	}
	c.log.Debug("persona command finished",
		logx.String("task", t.ID), logx.Int("exit", code), logx.Duration("took", took))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		msg := tail(stderr.String(), 500)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitInvalidPayload {
			return Response{}, fmt.Errorf("%w: %s", scheduler.ErrInvalidPayload, msg)
		}
		if msg != "" {
			return Response{}, fmt.Errorf("%s: %w: %s", c.cfg.Argv[0], err, msg)
		}
		return Response{}, fmt.Errorf("%s: %w", c.cfg.Argv[0], err)
	}
	return decodeResponse(stdout.Bytes())
}

// decodeResponse reads the last non-empty stdout line, so commands may log
// progress before the result.
func decodeResponse(out []byte) (Response, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return Response{}, fmt.Errorf("%w: command printed no result", scheduler.ErrReadError)
	}
	var r Response
	if err := json.Unmarshal(last, &r); err != nil {
		return Response{}, fmt.Errorf("%w: decode result: %v", scheduler.ErrReadError, err)
	}
	if r.Outcome == task.OutcomeNone {
		r.Outcome = task.OutcomeCompleted
		if !r.Success {
			r.Outcome = task.OutcomeAborted
		}
	}
	return r, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
