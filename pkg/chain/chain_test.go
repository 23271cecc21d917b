package chain

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/remote/remotetest"
	"github.com/openfroyo/procdriver/pkg/shell"
)

func newLocal(t *testing.T) *remote.Local {
	t.Helper()
	target, err := remote.NewLocal()
	require.NoError(t, err)
	return target
}

func runChain(t *testing.T, c Chain) *remote.Result {
	t.Helper()
	res, err := newLocal(t).Exec(context.Background(), remote.Command{Name: "chain", Script: c.Render()})
	require.NoError(t, err)
	return res
}

func writeExecutable(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\nexit 0\n"), 0755))
}

func TestRender(t *testing.T) {
	tests := []struct {
		name  string
		chain Chain
		want  string
	}{
		{name: "no groups", chain: New(), want: "false"},
		{name: "empty group", chain: New(NewGroup()), want: "( true )"},
		{
			name:  "groups",
			chain: New(NewGroup("a", "b"), NewGroup("c")),
			want:  "( a && b ) || ( c )",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.chain.Render())
		})
	}
}

func TestThenDoesNotShareGroups(t *testing.T) {
	base := New(NewGroup("a"))
	left := base.Then(NewGroup("left"))
	right := base.Then(NewGroup("right"))

	assert.Equal(t, 1, base.Len())
	assert.Equal(t, "( a ) || ( left )", left.Render())
	assert.Equal(t, "( a ) || ( right )", right.Render())
}

func TestRenderedChainStopsAtFirstSuccess(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")

	c := New(
		NewGroup("false"),
		NewGroup("true", "touch "+shell.Quote(first)),
		NewGroup("touch "+shell.Quote(second)),
	)

	res := runChain(t, c)
	assert.Equal(t, 0, res.ExitCode)
	assert.FileExists(t, first)
	assert.NoFileExists(t, second)
}

func TestRenderedChainReportsLastGroupWhenExhausted(t *testing.T) {
	res := runChain(t, New(NewGroup("exit 3"), NewGroup("true", "exit 5")))
	assert.Equal(t, 5, res.ExitCode)
}

func TestRenderedEmptyGroupSucceeds(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "marker")
	res := runChain(t, New(NewGroup("false"), NewGroup(), NewGroup("touch "+shell.Quote(marker))))
	assert.Equal(t, 0, res.ExitCode)
	assert.NoFileExists(t, marker)
}

func TestEvaluate(t *testing.T) {
	t.Run("stops at first success", func(t *testing.T) {
		target := remotetest.New().
			On("step-one", 1).
			On("step-two", 0).
			On("step-three", 0)

		out, err := Evaluate(context.Background(), target,
			New(NewGroup("step-one"), NewGroup("step-two"), NewGroup("step-three")))
		require.NoError(t, err)
		assert.True(t, out.Succeeded())
		assert.Equal(t, 1, out.Index)
		assert.Len(t, out.Attempts, 2)
		assert.False(t, target.Ran("step-three"))
	})

	t.Run("exhausted reports last group", func(t *testing.T) {
		target := remotetest.New().
			On("step-one", 1).
			On("step-two", ExitDiscoveryExhausted)

		out, err := Evaluate(context.Background(), target,
			New(NewGroup("step-one"), NewGroup("step-two")))
		require.NoError(t, err)
		assert.True(t, out.Exhausted())
		assert.Equal(t, ExitDiscoveryExhausted, out.ExitCode())
		assert.Len(t, out.Attempts, 2)
	})

	t.Run("empty group succeeds without executing", func(t *testing.T) {
		target := remotetest.New().On("step-one", 1)

		out, err := Evaluate(context.Background(), target, New(NewGroup("step-one"), NewGroup(), NewGroup("never")))
		require.NoError(t, err)
		assert.Equal(t, 1, out.Index)
		assert.Equal(t, 0, out.ExitCode())
		assert.Len(t, target.Scripts(), 1)
	})

	t.Run("no groups is exhausted", func(t *testing.T) {
		out, err := Evaluate(context.Background(), remotetest.New(), New())
		require.NoError(t, err)
		assert.True(t, out.Exhausted())
		assert.Equal(t, 1, out.ExitCode())
	})

	t.Run("channel failure", func(t *testing.T) {
		boom := errors.New("connection reset")
		target := remotetest.New().On("step-one", 1).FailChannel("step-two", boom)

		out, err := Evaluate(context.Background(), target, New(NewGroup("step-one"), NewGroup("step-two")))
		require.ErrorIs(t, err, boom)
		assert.Len(t, out.Attempts, 1)
	})
}

func TestFindExecutableStopsWhenOnPath(t *testing.T) {
	installs := shell.InstallAlternatives(shell.Sudo{}, shell.Packages{Default: "postgresql"})
	c := FindExecutable("pg_ctl", Candidates{"/usr/lib/postgresql/*/bin"}, installs, "pg_ctl not found")

	target := remotetest.New().On(shell.OnPath("pg_ctl"), 0)
	out, err := Evaluate(context.Background(), target, c)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Index)
	assert.False(t, target.Ran("install -y"))
	assert.Len(t, target.Scripts(), 1)
}

func TestFindExecutableInCandidateDirectory(t *testing.T) {
	root := t.TempDir()
	writeExecutable(t, filepath.Join(root, "second"), "procdriver-test-bin")

	c := FindExecutable("procdriver-test-bin",
		Candidates{filepath.Join(root, "first"), filepath.Join(root, "second")}, nil, "")
	assert.Equal(t, 3, c.Len())

	res := runChain(t, c)
	assert.Equal(t, 0, res.ExitCode)
}

func TestFindExecutableWarnsWhenMissing(t *testing.T) {
	c := FindExecutable("procdriver-missing-bin", Candidates{t.TempDir()}, nil, "procdriver-missing-bin not found")

	res := runChain(t, c)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, "procdriver-missing-bin not found")
}

func TestLinkDirectoryPicksLatestGlobMatch(t *testing.T) {
	root := t.TempDir()
	writeExecutable(t, filepath.Join(root, "versions", "9.1", "bin"), "procdriver-test-bin")
	writeExecutable(t, filepath.Join(root, "versions", "9.6", "bin"), "procdriver-test-bin")
	link := filepath.Join(root, "install", "bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(link), 0755))

	c := LinkDirectory("procdriver-test-bin",
		Candidates{filepath.Join(root, "nothing-here"), filepath.Join(root, "versions", "9.*", "bin") + "/"},
		link, "no binary")

	for i := 0; i < 2; i++ {
		res := runChain(t, c)
		require.Equal(t, 0, res.ExitCode, res.Stderr)
	}

	dest, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "versions", "9.6", "bin"), dest)
}

func TestLinkDirectoryExhausted(t *testing.T) {
	link := filepath.Join(t.TempDir(), "bin")
	c := LinkDirectory("procdriver-missing-bin", Candidates{t.TempDir()}, link, "could not locate procdriver-missing-bin")

	res := runChain(t, c)
	assert.Equal(t, ExitDiscoveryExhausted, res.ExitCode)
	assert.Contains(t, res.Stderr, "could not locate procdriver-missing-bin")
	assert.NoFileExists(t, link)
}
