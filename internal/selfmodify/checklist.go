package selfmodify

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	logx "missionctl/pkg/logx"
)

// Edit is one proposed file change.
type Edit struct {
	Path       string `json:"path"`
	OldContent string `json:"oldContent"`
	NewContent string `json:"newContent"`
}

// Check is one named verdict. Every check is reported, passing or not.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Result of a checklist run. Passed only with zero blocking errors.
type Result struct {
	Passed         bool     `json:"passed"`
	Checks         []Check  `json:"checks"`
	BlockingErrors []string `json:"blockingErrors"`
}

// Failed returns the checks that did not pass.
func (r Result) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

type ChecklistConfig struct {
	Boundaries  Boundaries
	Diff        DiffPolicy
	SkipSyntax  bool
	SkipSecrets bool
	// Concurrency bounds parallel file checks; 0 means one goroutine per file.
	Concurrency int
}

// Checklist validates edit batches before they are applied.
type Checklist struct {
	cfg ChecklistConfig
	log logx.Logger
}

func NewChecklist(cfg ChecklistConfig, log logx.Logger) *Checklist {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checklist{cfg: cfg, log: log.With(logx.String("comp", "selfmodify.checklist"))}
}

// The gate's own code: anything under a self-modify directory, and the
// boundaries and checklist sources wherever they live.
var (
	gateDirs  = []string{"self-modify", "selfmodify"}
	gateFiles = []string{"boundaries", "checklist", "self-modify", "selfmodify"}
)

func isGateFile(p string) bool {
	segs := strings.Split(strings.ToLower(normalizePath(p)), "/")
	for _, d := range segs[:len(segs)-1] {
		if slices.Contains(gateDirs, d) {
			return true
		}
	}
	stem := segs[len(segs)-1]
	if i := strings.IndexByte(stem, '.'); i > 0 {
		stem = stem[:i]
	}
	stem = strings.TrimSuffix(stem, "_test")
	return slices.Contains(gateFiles, stem)
}

type fileReport struct {
	checks []Check
	errs   []string
}

// Run checks every edit. Validation failures are data in Result; an error is
// returned only when a checker itself broke or ctx ended.
func (c *Checklist) Run(ctx context.Context, edits []Edit) (Result, error) {
	reports := make([]fileReport, len(edits))
	eg, egCtx := errgroup.WithContext(ctx)
	if c.cfg.Concurrency > 0 {
		eg.SetLimit(c.cfg.Concurrency)
	}
	for i, e := range edits {
		eg.Go(func() error {
			rep, err := c.checkFile(egCtx, e)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, rep := range reports {
		res.Checks = append(res.Checks, rep.checks...)
		res.BlockingErrors = append(res.BlockingErrors, rep.errs...)
	}

	unlock := false
	for _, e := range edits {
		if isGateFile(e.Path) {
			unlock = true
			res.Checks = append(res.Checks, Check{
				Name:    "no-self-unlock:" + e.Path,
				Message: "cannot modify self-modification boundaries",
			})
		}
	}
	if unlock {
		res.BlockingErrors = append(res.BlockingErrors, "Attempted to modify self-modify boundaries")
	}

	res.Passed = len(res.BlockingErrors) == 0
	if !res.Passed {
		c.log.Warn("self-edit checklist failed",
			logx.Int("files", len(edits)),
			logx.Strings("blocking", res.BlockingErrors),
		)
	}
	return res, nil
}

func (c *Checklist) checkFile(ctx context.Context, e Edit) (fileReport, error) {
	var rep fileReport
	add := func(name string, passed bool, msg, blocking string) {
		rep.checks = append(rep.checks, Check{Name: name + ":" + e.Path, Passed: passed, Message: msg})
		if !passed {
			rep.errs = append(rep.errs, blocking)
		}
	}

	v := c.cfg.Boundaries.Check(e.Path)
	add("boundary", v.Allowed, v.Reason, "File not in allowlist: "+e.Path)

	ratio, ok := c.cfg.Diff.CheckDiff(e.OldContent, e.NewContent)
	add("minimal-diff", ok,
		fmt.Sprintf("diff ratio %.1f%% (%s)", ratio*100, c.cfg.Diff),
		fmt.Sprintf("Edit too large (%.0f%%): %s", ratio*100, e.Path))

	if !c.cfg.SkipSyntax && isSource(e.Path) {
		synErr, err := checkSyntax(ctx, e.Path, e.NewContent)
		if err != nil {
			return rep, err
		}
		if synErr != nil {
			add("syntax", false, "syntax error: "+synErr.Error(), fmt.Sprintf("Syntax error in %s: %v", e.Path, synErr))
		} else {
			add("syntax", true, "valid syntax", "")
		}
	}

	if !c.cfg.SkipSecrets {
		pattern, found := detectSecrets(e.NewContent)
		msg := "no secrets"
		if found {
			msg = "potential secret matching " + pattern
		}
		add("no-secrets", !found, msg, "Secrets detected in: "+e.Path)
	}
	return rep, ctx.Err()
}
