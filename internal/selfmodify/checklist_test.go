package selfmodify

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "missionctl/pkg/logx"
)

func names(r Result) []string {
	out := make([]string, 0, len(r.Checks))
	for _, c := range r.Checks {
		out = append(out, c.Name)
	}
	return out
}

func TestChecklistPassesCleanEdit(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{Boundaries: DefaultBoundaries()}, logx.Nop())
	old := "const a = 1;\nconst b = 2;\nconst c = 3;\nconst d = 4;\n"
	res, err := cl.Run(context.Background(), []Edit{{
		Path:       "src/agents/planner.ts",
		OldContent: old,
		NewContent: strings.Replace(old, "const b = 2;", "const b = 20;", 1),
	}})
	require.NoError(t, err)
	assert.True(t, res.Passed, res.BlockingErrors)
	assert.Equal(t, []string{
		"boundary:src/agents/planner.ts",
		"minimal-diff:src/agents/planner.ts",
		"syntax:src/agents/planner.ts",
		"no-secrets:src/agents/planner.ts",
	}, names(res))
	assert.Empty(t, res.Failed())
}

func TestChecklistRejectsSelfUnlockRegardlessOfDiff(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{Boundaries: Boundaries{}}, logx.Nop())
	src := "export const x = 1;\n"
	res, err := cl.Run(context.Background(), []Edit{{Path: "src/self-modify/boundaries.ts", OldContent: src, NewContent: src}})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.BlockingErrors, 1)
	assert.Contains(t, res.BlockingErrors[0], "self-modify boundaries")
	assert.Contains(t, names(res), "no-self-unlock:src/self-modify/boundaries.ts")
}

func TestIsGateFile(t *testing.T) {
	t.Parallel()
	for p, want := range map[string]bool{
		"src/self-modify/boundaries.ts":     true,
		"src/self-modify/index.ts":          true,
		"internal/selfmodify/reload.go":     true,
		"lib/boundaries.go":                 true,
		"lib/Checklist.ts":                  true,
		"internal/selfmodify.go":            true,
		"src/gate/checklist_test.go":        true,
		"docs/release-checklist.md":         false,
		"docs/boundaries-overview/intro.md": false,
		"src/agents/checklists.ts":          false,
		"src/agents/planner.ts":             false,
	} {
		assert.Equal(t, want, isGateFile(p), p)
	}
}

func TestChecklistAllowsUnrelatedChecklistDocs(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{Boundaries: DefaultBoundaries()}, logx.Nop())
	old := "# Release\n\n- tag\n- build\n- publish\n- announce\n"
	res, err := cl.Run(context.Background(), []Edit{{
		Path:       "docs/release-checklist.md",
		OldContent: old,
		NewContent: strings.Replace(old, "- build", "- build and sign", 1),
	}})
	require.NoError(t, err)
	assert.True(t, res.Passed, res.BlockingErrors)
	assert.NotContains(t, names(res), "no-self-unlock:docs/release-checklist.md")
}

func TestChecklistFailures(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{Boundaries: DefaultBoundaries()}, logx.Nop())
	cases := []struct {
		name string
		edit Edit
		want string
	}{
		{
			name: "outside allowlist",
			edit: Edit{Path: "src/infra/x.md", OldContent: "a\n", NewContent: "a\n"},
			want: "File not in allowlist: src/infra/x.md",
		},
		{
			name: "too large",
			edit: Edit{Path: "docs/a.md", OldContent: "a\nb\n", NewContent: "x\ny\n"},
			want: "Edit too large (100%): docs/a.md",
		},
		{
			name: "typescript syntax",
			edit: Edit{Path: "src/agents/a.ts", OldContent: "let a = 1;\nlet b = 2;\n", NewContent: "let a = 1;\nlet b = (2;\n"},
			want: "Syntax error in src/agents/a.ts",
		},
		{
			name: "secret",
			edit: Edit{Path: "docs/keys.md", OldContent: "a\nb\nc\n", NewContent: "a\nb\napi_key = \"abcd1234\"\n"},
			want: "Secrets detected in: docs/keys.md",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res, err := cl.Run(context.Background(), []Edit{tc.edit})
			require.NoError(t, err)
			assert.False(t, res.Passed)
			var hit bool
			for _, e := range res.BlockingErrors {
				hit = hit || strings.HasPrefix(e, tc.want)
			}
			assert.True(t, hit, "want %q in %v", tc.want, res.BlockingErrors)
		})
	}
}

func TestChecklistGoSyntax(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{Boundaries: Boundaries{}, Diff: DiffPolicy{Threshold: 1}}, logx.Nop())
	res, err := cl.Run(context.Background(), []Edit{
		{Path: "pkg/ok.go", NewContent: "package ok\n\nfunc F() int { return 1 }\n"},
		{Path: "pkg/bad.go", NewContent: "package bad\n\nfunc F( {\n"},
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.BlockingErrors, 1)
	assert.Contains(t, res.BlockingErrors[0], "Syntax error in pkg/bad.go")
}

func TestChecklistSkips(t *testing.T) {
	t.Parallel()
	cl := NewChecklist(ChecklistConfig{SkipSyntax: true, SkipSecrets: true, Diff: DiffPolicy{Threshold: 1}}, logx.Nop())
	res, err := cl.Run(context.Background(), []Edit{{Path: "a.ts", NewContent: "password = 'x' (("}})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, []string{"boundary:a.ts", "minimal-diff:a.ts"}, names(res))
}

func TestChecklistContextCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cl := NewChecklist(ChecklistConfig{}, logx.Nop())
	_, err := cl.Run(ctx, []Edit{{Path: "docs/a.md"}})
	require.ErrorIs(t, err, context.Canceled)
}
