package selfmodify

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
)

// DefaultAllow are the paths the system may edit.
var DefaultAllow = []string{
	"src/agents/**/*.ts",
	"src/mission/**/*.ts",
	"extensions/**/*.ts",
	"docs/**/*.md",
	"skills/**/*.md",
	"skills/**/*.ts",
	"src/**/prompts/**",
	"src/**/templates/**",
}

// DefaultDeny always wins over DefaultAllow.
var DefaultDeny = []string{
	"src/infra/**",
	"src/gateway/**",
	"src/cli/**",
	"src/security/**",
	"**/*.env*",
	"**/secrets/**",
	"**/credentials/**",
	"render.yaml",
	"Dockerfile*",
	".github/**",
	"package.json",
	"pnpm-lock.yaml",
	"go.mod",
	"go.sum",
	"src/self-modify/**",
	"internal/selfmodify/**",
}

// Boundaries decides which paths may be edited. Deny rules take precedence;
// with both lists empty every path is allowed.
type Boundaries struct {
	Allow []string
	Deny  []string
}

func DefaultBoundaries() Boundaries {
	return Boundaries{
		Allow: append([]string(nil), DefaultAllow...),
		Deny:  append([]string(nil), DefaultDeny...),
	}
}

// Verdict explains a boundary decision.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    string `json:"rule,omitempty"`
}

func (b Boundaries) Check(p string) Verdict {
	p = normalizePath(p)
	if len(b.Allow) == 0 && len(b.Deny) == 0 {
		return Verdict{Allowed: true, Reason: "no boundaries configured"}
	}
	for _, g := range b.Deny {
		if matchGlob(g, p) {
			return Verdict{Reason: "blocked by deny rule: " + g, Rule: g}
		}
	}
	for _, g := range b.Allow {
		if matchGlob(g, p) {
			return Verdict{Allowed: true, Reason: "allowed by rule: " + g, Rule: g}
		}
	}
	return Verdict{Reason: "not in allowlist"}
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "./")
}

var globCache sync.Map // pattern -> *regexp.Regexp

// matchGlob matches p against g: "**" spans segments, "*" stays within one.
func matchGlob(g, p string) bool {
	g = strings.TrimSpace(g)
	switch {
	case g == "":
		return p == ""
	case g == "**" || g == "**/*":
		return true
	case !strings.Contains(g, "*"):
		return g == p
	}
	if re, ok := globCache.Load(g); ok {
		return re.(*regexp.Regexp).MatchString(p)
	}
	re := compileGlob(g)
	globCache.Store(g, re)
	return re.MatchString(p)
}

func compileGlob(g string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(g); i++ {
		c := g[i]
		if c != '*' {
			sb.WriteString(regexp.QuoteMeta(string(c)))
			continue
		}
		if i+1 < len(g) && g[i+1] == '*' {
			i++
			// "**/" also matches zero directories.
			if i+1 < len(g) && g[i+1] == '/' {
				i++
				sb.WriteString("(?:.*/)?")
			} else {
				sb.WriteString(".*")
			}
			continue
		}
		sb.WriteString("[^/]*")
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}

// Diff thresholds.
const (
	DefaultDiffThreshold   = 0.5
	PoweruserDiffThreshold = 0.9
)

// DiffPolicy bounds how much of a file one edit may change.
type DiffPolicy struct {
	Poweruser bool
	// Threshold overrides the mode default when in (0, 1].
	Threshold float64
}

func (p DiffPolicy) Limit() float64 {
	if p.Threshold > 0 && p.Threshold <= 1 {
		return p.Threshold
	}
	if p.Poweruser {
		return PoweruserDiffThreshold
	}
	return DefaultDiffThreshold
}

// CheckDiff reports the diff ratio and whether it is within the limit.
func (p DiffPolicy) CheckDiff(oldContent, newContent string) (float64, bool) {
	r := DiffRatio(oldContent, newContent)
	return r, r <= p.Limit()
}

func (p DiffPolicy) String() string {
	return fmt.Sprintf("threshold %.0f%%, poweruser %t", p.Limit()*100, p.Poweruser)
}

// DiffRatio is changed lines / max(old lines, new lines). Lines are matched
// with a longest-common-subsequence diff; a replaced line counts once, so
// changed = max(deleted, inserted).
func DiffRatio(oldContent, newContent string) float64 {
	a, b := splitLines(oldContent), splitLines(newContent)
	total := max(len(a), len(b))
	if total == 0 {
		return 0
	}
	common := lcsLen(a, b)
	changed := max(len(a)-common, len(b)-common)
	return float64(changed) / float64(total)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	return strings.Split(s, "\n")
}

// lcsLen uses two rows of the classic DP table.
func lcsLen(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
			} else {
				cur[j] = max(prev[j], cur[j-1])
			}
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
