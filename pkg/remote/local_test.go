package remote

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalExec(t *testing.T) {
	target, err := NewLocal(WithEnv("PROCDRIVER_TEST=yes"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		script   string
		wantCode int
		wantOut  string
		wantErr  string
	}{
		{name: "success", script: "echo hello", wantOut: "hello\n"},
		{name: "nonzero exit is not an error", script: "echo oops >&2; exit 3", wantCode: 3, wantErr: "oops\n"},
		{name: "environment", script: `echo "$PROCDRIVER_TEST"`, wantOut: "yes\n"},
		{name: "multi line", script: "A=1\nB=2\necho $((A+B))", wantOut: "3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := target.Exec(context.Background(), Command{Name: tt.name, Script: tt.script})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, res.ExitCode)
			assert.Equal(t, tt.wantOut, res.Stdout)
			assert.Equal(t, tt.wantErr, res.Stderr)
			assert.Equal(t, tt.wantCode == 0, res.Success())
		})
	}
}

func TestLocalExecCancelled(t *testing.T) {
	target, err := NewLocal()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = target.Exec(ctx, Command{Name: "sleep", Script: "sleep 5"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
}

func TestLocalCopyTo(t *testing.T) {
	target, err := NewLocal()
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "nested", "script.sql")
	err = target.CopyTo(context.Background(), strings.NewReader("CREATE TABLE t (id int);\n"), dest, 0640)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t (id int);\n", string(data))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestLocalWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	target, err := NewLocal(WithDir(dir))
	require.NoError(t, err)

	res, err := target.Exec(context.Background(), Command{Script: "pwd -P"})
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", res.Stdout)
}
