package selfmodify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	logx "missionctl/pkg/logx"
)

// VCS is the version-control port used by Reload and Rollback.
type VCS interface {
	RevisionAt(ctx context.Context) (string, error)
	CheckoutPaths(ctx context.Context, commit string, paths []string) error
	CheckoutAll(ctx context.Context, commit string) error
	ResetHard(ctx context.Context, commit string) error
}

var (
	ErrBadRevision = errors.New("invalid revision")
	ErrOutsideRepo = errors.New("path outside repository")
)

var revisionRe = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z._/^~-]*$`)

// Git shells out to the git binary in Dir. Calls are serialized.
type Git struct {
	Dir string
	Bin string
	log logx.Logger
	mu  chan struct{}
}

func NewGit(dir string, log logx.Logger) *Git {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Git{Dir: dir, Bin: "git", log: log.With(logx.String("comp", "selfmodify.git")), mu: make(chan struct{}, 1)}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	select {
	case g.mu <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-g.mu }()

	cmd := exec.CommandContext(ctx, g.Bin, args...)
	cmd.Dir = g.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	g.log.Debug("git", logx.Strings("args", args))
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (g *Git) RevisionAt(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// CheckoutPaths restores paths from commit. Paths that did not exist at
// commit were created by the edit and are removed. Each path is reverted on
// its own so one bad path does not block the rest.
func (g *Git) CheckoutPaths(ctx context.Context, commit string, paths []string) error {
	if err := validRevision(commit); err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}
	if _, err := g.run(ctx, "rev-parse", "--verify", "--quiet", commit+"^{commit}"); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrBadRevision, commit, err)
	}
	var errs []error
	for _, p := range paths {
		if err := g.revertPath(ctx, commit, p); err != nil {
			errs = append(errs, fmt.Errorf("revert %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Git) revertPath(ctx context.Context, commit, p string) error {
	clean := filepath.ToSlash(filepath.Clean(p))
	if p == "" || filepath.IsAbs(p) || clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrOutsideRepo
	}
	if _, err := g.run(ctx, "cat-file", "-e", commit+":./"+clean); err == nil {
		_, err = g.run(ctx, "checkout", commit, "--", clean)
		return err
	}
	if _, err := g.run(ctx, "rm", "-q", "-f", "--cached", "--ignore-unmatch", "--", clean); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(g.Dir, clean)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	g.log.Info("removed file absent at rollback commit", logx.String("path", clean))
	return nil
}

// CheckoutAll restores every tracked file from commit without moving HEAD.
func (g *Git) CheckoutAll(ctx context.Context, commit string) error {
	if err := validRevision(commit); err != nil {
		return err
	}
	_, err := g.run(ctx, "checkout", commit, "--", ".")
	return err
}

func (g *Git) ResetHard(ctx context.Context, commit string) error {
	if err := validRevision(commit); err != nil {
		return err
	}
	_, err := g.run(ctx, "reset", "--hard", commit)
	return err
}

func validRevision(rev string) error {
	if !revisionRe.MatchString(rev) {
		return fmt.Errorf("%w: %q", ErrBadRevision, rev)
	}
	return nil
}
