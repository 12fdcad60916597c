package selfmodify

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBoundariesCheck(t *testing.T) {
	t.Parallel()
	b := DefaultBoundaries()
	cases := []struct {
		path    string
		allowed bool
	}{
		{"src/agents/planner.ts", true},
		{"src/mission/lanes/deep/x.ts", true},
		{"./docs/guide.md", true},
		{"src/core/prompts/system.txt", true},
		{"src/infra/restart.ts", false},
		{"src/agents/.env.local", false},
		{"src/agents/secrets/key.ts", false},
		{"Dockerfile.prod", false},
		{"package.json", false},
		{"src/self-modify/boundaries.ts", false},
		{"README.md", false},
		{"src/agents/planner.go", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, b.Check(tc.path).Allowed, tc.path)
	}
}

func TestBoundariesDenyWinsAndOnlyEmptyAllowsAll(t *testing.T) {
	t.Parallel()
	b := Boundaries{Allow: []string{"src/**"}, Deny: []string{"src/secret.go"}}
	v := b.Check("src/secret.go")
	assert.False(t, v.Allowed)
	assert.Equal(t, "src/secret.go", v.Rule)

	assert.True(t, Boundaries{}.Check("anything/at/all").Allowed)
	denyOnly := Boundaries{Deny: []string{"secret/**"}}
	v = denyOnly.Check("anything/at/all.go")
	assert.False(t, v.Allowed, "a deny list alone does not open every other path")
	assert.Equal(t, "not in allowlist", v.Reason)
	assert.Equal(t, "blocked by deny rule: secret/**", denyOnly.Check("secret/key.go").Reason)
}

func TestGlobSingleStarStaysInSegment(t *testing.T) {
	t.Parallel()
	assert.True(t, matchGlob("docs/*.md", "docs/a.md"))
	assert.False(t, matchGlob("docs/*.md", "docs/sub/a.md"))
	assert.True(t, matchGlob("docs/**/*.md", "docs/a.md"))
	assert.True(t, matchGlob("docs/**/*.md", "docs/sub/deeper/a.md"))
	assert.True(t, matchGlob("**", "any/thing"))
	assert.False(t, matchGlob("a.b", "axb"), "dots are literal")
}

func lines(n int, prefix string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

func TestDiffRatio(t *testing.T) {
	t.Parallel()
	base := strings.Join(lines(10, "l"), "\n")
	cases := []struct {
		name     string
		old, new string
		want     float64
	}{
		{"identical", base, base, 0},
		{"both empty", "", "", 0},
		{"half replaced", base, strings.Join(append(lines(5, "l"), lines(5, "x")...), "\n"), 0.5},
		{"append one", base, base + "\nextra", 1.0 / 11},
		{"full rewrite", base, strings.Join(lines(10, "x"), "\n"), 1},
		{"new file", "", "a\nb", 1},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, DiffRatio(tc.old, tc.new), 1e-9, tc.name)
	}
}

func TestCheckDiffThresholds(t *testing.T) {
	t.Parallel()
	old := strings.Join(lines(20, "l"), "\n")
	half := strings.Join(append(lines(10, "l"), lines(10, "x")...), "\n")
	heavy := strings.Join(append(lines(1, "l"), lines(19, "x")...), "\n") // 0.95

	_, ok := DiffPolicy{}.CheckDiff(old, half)
	assert.True(t, ok, "exactly at the threshold passes")

	_, ok = DiffPolicy{Threshold: 0.5 - 1e-9}.CheckDiff(old, half)
	assert.False(t, ok, "just above the threshold fails")

	ratio, ok := DiffPolicy{Poweruser: true}.CheckDiff(old, heavy)
	assert.InDelta(t, 0.95, ratio, 1e-9)
	assert.False(t, ok, "poweruser raises the ceiling but never removes it")

	assert.Equal(t, 0.9, DiffPolicy{Poweruser: true}.Limit())
	assert.Equal(t, 0.7, DiffPolicy{Poweruser: true, Threshold: 0.7}.Limit())
	assert.Equal(t, 0.5, DiffPolicy{Threshold: 3}.Limit(), "out-of-range overrides are ignored")
}

func TestDiffRatioProperties(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(rt *rapid.T) {
		gen := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 0, 30)
		a := strings.Join(gen.Draw(rt, "a"), "\n")
		b := strings.Join(gen.Draw(rt, "b"), "\n")
		r := DiffRatio(a, b)
		if r < 0 || r > 1 {
			rt.Fatalf("ratio %v out of range", r)
		}
		if DiffRatio(a, a) != 0 {
			rt.Fatalf("self diff must be zero")
		}
		if r != DiffRatio(b, a) {
			rt.Fatalf("ratio must be symmetric")
		}
	})
}
