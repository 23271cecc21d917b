package postgres_test

import (
	"context"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/descriptors/postgres"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/remote"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// The fake server is a background sleep whose pid stands in for the
// postmaster.
const fakePgCtl = `#!/bin/bash
while [ $# -gt 0 ]; do
  case "$1" in
    -D) D=$2; shift 2 ;;
    -l) L=$2; shift 2 ;;
    -w) shift ;;
    *) CMD=$1; shift ;;
  esac
done
PF="$D/postmaster.pid"
alive() { test -f "$PF" && kill -0 "$(head -n 1 "$PF")" 2>/dev/null; }
case "$CMD" in
  start)
    alive && { echo "another server might be running" >&2; exit 1; }
    sleep 300 </dev/null >/dev/null 2>&1 &
    echo $! > "$PF"
    echo start >> "$L"
    ;;
  stop)
    alive || { echo "PID file does not exist" >&2; exit 1; }
    kill "$(head -n 1 "$PF")"
    rm -f "$PF"
    echo stop >> "$L"
    ;;
  status)
    alive || { echo "no server running"; exit 3; }
    echo "server is running"
    ;;
  *)
    exit 2
    ;;
esac
`

const fakeInitdb = `#!/bin/bash
while [ $# -gt 0 ]; do
  case "$1" in
    -D) D=$2; shift 2 ;;
    *) shift ;;
  esac
done
test -n "$D" || exit 2
test -f "$D/PG_VERSION" && { echo "initdb: directory exists but is not empty" >&2; exit 1; }
mkdir -p "$D"
echo 16 > "$D/PG_VERSION"
: > "$D/postgresql.conf"
: > "$D/pg_hba.conf"
echo init >> "$(dirname "$D")/initdb.calls"
`

const fakePsql = `#!/bin/bash
while [ $# -gt 0 ]; do
  case "$1" in
    --file) F=$2; shift 2 ;;
    -p|-v) shift 2 ;;
    *) shift ;;
  esac
done
test -f "$F" || { echo "psql: could not read $F" >&2; exit 1; }
cp "$F" "$(dirname "$F")/applied.sql"
`

const creationSQL = "CREATE TABLE widgets (id int);\n"

type fixture struct {
	root   string
	tools  string
	params driver.Params
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	root := t.TempDir()
	tools := filepath.Join(root, "tools")
	require.NoError(t, os.MkdirAll(tools, 0755))
	for name, body := range map[string]string{
		"pg_ctl": fakePgCtl,
		"initdb": fakeInitdb,
		"psql":   fakePsql,
	} {
		require.NoError(t, os.WriteFile(filepath.Join(tools, name), []byte(body), 0755))
	}

	u, err := user.Current()
	require.NoError(t, err)
	g, err := user.LookupGroupId(u.Gid)
	require.NoError(t, err)

	f := &fixture{
		root:  root,
		tools: tools,
		params: driver.Params{
			InstanceID:             "pg-e2e",
			InstallDir:             filepath.Join(root, "install"),
			RunDir:                 filepath.Join(root, "run"),
			Port:                   5499,
			User:                   u.Username,
			Group:                  g.Name,
			CreationScriptContents: creationSQL,
		},
	}
	t.Cleanup(f.killServer)
	return f
}

func (f *fixture) path(parts ...string) string {
	return filepath.Join(append([]string{f.root}, parts...)...)
}

func (f *fixture) killServer() {
	b, err := os.ReadFile(f.path("run", "data", "postmaster.pid"))
	if err != nil {
		return
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func (f *fixture) driver(t *testing.T, path string, locations chain.Candidates) *driver.Driver {
	t.Helper()

	target, err := remote.NewLocal(remote.WithEnv("PATH=" + path))
	require.NoError(t, err)

	desc := postgres.New(
		postgres.WithLocations(locations),
		postgres.WithPackages(shell.Packages{}),
		postgres.WithDefaultServiceStop("exit 3"),
	)
	d, err := driver.New(context.Background(), desc, f.params, target,
		driver.WithEscalator(shell.NoEscalation{}))
	require.NoError(t, err)
	return d
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

func TestLifecycleOnLocalTarget(t *testing.T) {
	f := newFixture(t)
	d := f.driver(t, f.tools+":"+os.Getenv("PATH"), chain.Candidates{f.tools})
	ctx := context.Background()

	require.NoError(t, d.Install(ctx))
	assert.Equal(t, driver.PhaseInstalled, d.Phase())
	link, err := os.Readlink(f.path("install", "bin"))
	require.NoError(t, err)
	assert.Equal(t, f.tools, link)

	require.NoError(t, d.Customize(ctx))
	assert.Equal(t, driver.PhaseCustomized, d.Phase())

	script, err := os.ReadFile(f.path("run", "creation-script.sql"))
	require.NoError(t, err)
	assert.Equal(t, creationSQL, string(script))
	applied, err := os.ReadFile(f.path("run", "applied.sql"))
	require.NoError(t, err)
	assert.Equal(t, creationSQL, string(applied))

	assert.Equal(t, []string{"listen_addresses = '*'", "port = 5499"}, readLines(t, f.path("run", "data", "postgresql.conf")))
	assert.Contains(t, readLines(t, f.path("run", "data", "pg_hba.conf"))[0], "md5")
	assert.Equal(t, []string{"start", "stop"}, readLines(t, f.path("run", "postgresql.log")))

	info, err := os.Stat(f.path("run", "data"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	running, err := d.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running, "customize must leave the service stopped")

	require.NoError(t, d.Launch(ctx))
	assert.Equal(t, driver.PhaseRunning, d.Phase())
	running, err = d.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, d.Stop(ctx))
	running, err = d.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)

	// Already stopped
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, driver.PhaseStopped, d.Phase())

	require.NoError(t, d.Launch(ctx))
	require.NoError(t, d.Kill(ctx))
	assert.Equal(t, driver.PhaseKilled, d.Phase())
	running, err = d.IsRunning(ctx)
	require.NoError(t, err)
	assert.False(t, running)
	_, err = os.Stat(f.path("run", "data", "postmaster.pid"))
	assert.True(t, os.IsNotExist(err))
}

func TestCustomizeRerunIsSafe(t *testing.T) {
	f := newFixture(t)
	d := f.driver(t, f.tools+":"+os.Getenv("PATH"), chain.Candidates{f.tools})
	ctx := context.Background()

	require.NoError(t, d.Install(ctx))
	require.NoError(t, d.Customize(ctx))
	require.NoError(t, d.Customize(ctx))

	assert.Equal(t, []string{"init"}, readLines(t, f.path("run", "initdb.calls")))
	assert.Equal(t, []string{
		"listen_addresses = '*'", "port = 5499",
		"listen_addresses = '*'", "port = 5499",
	}, readLines(t, f.path("run", "data", "postgresql.conf")))
	assert.Equal(t, []string{"start", "stop", "start", "stop"}, readLines(t, f.path("run", "postgresql.log")))
}

func TestStartRunsFullProvisioning(t *testing.T) {
	f := newFixture(t)
	d := f.driver(t, f.tools+":"+os.Getenv("PATH"), chain.Candidates{f.tools})
	ctx := context.Background()

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, driver.PhaseRunning, d.Phase())

	require.NoError(t, d.Restart(ctx))
	running, err := d.IsRunning(ctx)
	require.NoError(t, err)
	assert.True(t, running)

	require.NoError(t, d.Stop(ctx))
}

func TestInstallWithoutBinariesExhaustsDiscovery(t *testing.T) {
	f := newFixture(t)

	// PATH holds only the tools the install script itself uses.
	toolbox := f.path("toolbox")
	require.NoError(t, os.MkdirAll(toolbox, 0755))
	for _, name := range []string{"which", "ls", "tail", "dirname", "mkdir", "ln", "grep", "sh", "cat", "head", "rm", "sed"} {
		if p, err := exec.LookPath(name); err == nil {
			require.NoError(t, os.Symlink(p, filepath.Join(toolbox, name)))
		}
	}
	empty := f.path("empty")
	require.NoError(t, os.MkdirAll(empty, 0755))

	d := f.driver(t, toolbox, chain.Candidates{empty})
	err := d.Install(context.Background())

	require.Error(t, err)
	assert.True(t, driver.IsDiscoveryExhausted(err), "got %v", err)
	assert.Equal(t, chain.ExitDiscoveryExhausted, driver.ExitCodeOf(err))
	assert.Contains(t, err.Error(), "failed to find postgresql binaries")
	assert.Equal(t, driver.PhaseUninstalled, d.Phase())

	_, statErr := os.Lstat(f.path("install", "bin"))
	assert.True(t, os.IsNotExist(statErr))
}
