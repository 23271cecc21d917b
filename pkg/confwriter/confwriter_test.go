package confwriter

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/remote/remotetest"
	"github.com/openfroyo/procdriver/pkg/shell"
)

func newWriter(t *testing.T) *Writer {
	t.Helper()
	target, err := remote.NewLocal()
	require.NoError(t, err)
	return NewWriter(target, shell.NoEscalation{}, zerolog.Nop())
}

func TestAppendPreservesOrderAndDuplicates(t *testing.T) {
	file := filepath.Join(t.TempDir(), "postgresql.conf")
	require.NoError(t, os.WriteFile(file, []byte("# initial\n"), 0644))

	w := newWriter(t)
	err := w.Append(context.Background(), "postgres", file,
		Echo("listen_addresses = '*'"),
		Echo("port = 5432"),
		Echo("port = 5432"),
	)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "# initial\nlisten_addresses = '*'\nport = 5432\nport = 5432\n", string(data))
}

func TestAppendMultiLineProducer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pg_hba.conf")

	w := newWriter(t)
	require.NoError(t, w.Append(context.Background(), "postgres", file, "printf 'a\\nb\\n'"))
	require.NoError(t, w.Append(context.Background(), "postgres", file, Echo("host all all 0.0.0.0/0 md5")))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nhost all all 0.0.0.0/0 md5\n", string(data))
}

func TestAppendStopsAtFailingProducer(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.conf")

	w := newWriter(t)
	err := w.Append(context.Background(), "postgres", file,
		Echo("first"),
		"echo partial; exit 7",
		Echo("never"),
	)

	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 1, writeErr.Index)
	assert.Equal(t, 7, writeErr.ExitCode)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "never"))
	assert.True(t, strings.HasPrefix(string(data), "first\n"))
}

func TestAppendChannelFailure(t *testing.T) {
	boom := errors.New("session closed")
	target := remotetest.New().FailChannel("tee -a", boom)

	w := NewWriter(target, shell.Sudo{}, zerolog.Nop())
	err := w.Append(context.Background(), "postgres", "/data/postgresql.conf", Echo("port = 5432"))
	require.ErrorIs(t, err, boom)
}

func TestAppendLineRunsAsUser(t *testing.T) {
	cmd := AppendLine(shell.Sudo{}, Echo("port = 5432"), "postgres", "/var/lib/pg/data/postgresql.conf")
	assert.True(t, strings.HasPrefix(cmd, "( set -o pipefail; sudo -E -n -u postgres -- sh -c "))
	assert.Contains(t, cmd, "| sudo -E -n -u postgres -- sh -c 'tee -a /var/lib/pg/data/postgresql.conf' >/dev/null )")
}

func TestRender(t *testing.T) {
	lines := []Line{
		{File: "/a.conf", Producer: Echo("one")},
		{File: "/b.conf", Producer: Echo("two")},
	}
	cmds := Render(shell.NoEscalation{}, "svc", lines)
	require.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "/a.conf")
	assert.Contains(t, cmds[1], "/b.conf")
}
