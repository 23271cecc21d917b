package starlarkdesc

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/procdriver/pkg/confwriter"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/remote/remotetest"
	"github.com/openfroyo/procdriver/pkg/shell"
)

var testParams = driver.Params{
	InstanceID: "redis-1",
	InstallDir: "/opt/redis",
	RunDir:     "/var/run/redis",
	Port:       6379,
	User:       "redis",
}

func loadRedis(t *testing.T, opts ...Option) *Descriptor {
	t.Helper()
	src, err := os.ReadFile("testdata/redis.star")
	require.NoError(t, err)
	d, err := Load("redis.star", src, opts...)
	require.NoError(t, err)
	return d
}

func testLayout() driver.Layout {
	return driver.NewLayout(testParams, "redis")
}

func TestLoadReadsGlobals(t *testing.T) {
	d := loadRedis(t)

	assert.Equal(t, "redis", d.Kind())
	assert.False(t, d.ManagesPidFile())
	assert.Equal(t, []string{"config_lines", "control", "default_instance_stop", "init_script", "pid_file", "prepare"}, d.Hooks())
	assert.Equal(t, "/var/run/redis/redis.pid", d.PidFile(testLayout()))
	require.NoError(t, d.Check(testLayout(), shell.NoEscalation{}))
}

func TestInstallRecipe(t *testing.T) {
	d := loadRedis(t)
	r := d.InstallRecipe(testLayout(), shell.NoEscalation{})

	discovery := r.Discovery.Render()
	assert.Contains(t, discovery, "redis-server")
	assert.Contains(t, discovery, "/opt/redis/bin")
	assert.Contains(t, discovery, "apt-get")

	link := r.Link.Render()
	assert.Contains(t, link, "/opt/redis/bin")
	assert.Contains(t, link, "aborting")
}

func TestHooksRender(t *testing.T) {
	d := loadRedis(t)
	l := testLayout()
	esc := shell.NoEscalation{}

	assert.Equal(t, esc.AsRoot("service redis-server stop"), d.DefaultInstanceStop(l, esc))

	prepare := d.PrepareCommands(l, esc)
	require.Len(t, prepare, 1)
	assert.Equal(t, esc.AsRoot(shell.And(
		shell.MkdirP(l.DataDir),
		shell.Join("chown", l.Owner(), l.DataDir),
	)), prepare[0])

	conf := l.DataDir + "/redis.conf"
	assert.Equal(t, []confwriter.Line{
		{File: conf, Producer: confwriter.Echo("port 6379")},
		{File: conf, Producer: confwriter.Echo("dir " + l.DataDir)},
		{File: conf, Producer: "cat /etc/redis/extra.conf"},
	}, d.ConfigLines(l))

	assert.Contains(t, d.InitScriptCommand(l, esc), "/opt/redis/bin/redis-cli -p 6379 --pipe")

	start := d.Control(l, esc, driver.ActionStart, false)
	assert.Contains(t, start, "/opt/redis/bin/redis-server "+conf+" --daemonize yes --pidfile /var/run/redis/redis.pid")
	assert.Contains(t, d.Control(l, esc, driver.ActionStop, true), "shutdown")
	assert.Contains(t, d.Control(l, esc, driver.ActionStatus, false), "ping")
}

func TestEscalationDefaultsToServiceUser(t *testing.T) {
	d := loadRedis(t)
	cmd := d.Control(testLayout(), shell.Sudo{}, driver.ActionStatus, false)
	assert.True(t, strings.HasPrefix(cmd, "sudo -E -n -u redis -- sh -c "), cmd)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"syntax", "kind = ", "failed to execute"},
		{"no kind", `binary = "x"`, "missing required global kind"},
		{"kind not string", "kind = 1\nbinary = \"x\"", "kind must be a non-empty string"},
		{"no binary", `kind = "x"`, "missing required global binary"},
		{"no control", "kind = \"x\"\nbinary = \"x\"\ndef pid_file(l): return \"/p\"", "missing required hook control"},
		{"hook not callable", "kind = \"x\"\nbinary = \"x\"\ncontrol = 1\ndef pid_file(l): return \"/p\"", "control must be a function"},
		{"locations as string", "kind = \"x\"\nbinary = \"x\"\nlocations = \"/bin\"", "locations"},
		{"bad packages", "kind = \"x\"\nbinary = \"x\"\npackages = {\"apt\": 1}", "packages"},
		{"bad pid flag", "kind = \"x\"\nbinary = \"x\"\nmanages_pid_file = \"yes\"", "manages_pid_file must be a bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("bad.star", []byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

const minimal = `
kind = "echo"
binary = "echo"

def control(layout, esc, action, wait):
    return "svc " + action

def pid_file(layout):
    return layout.run_dir + "/echo.pid"
`

func TestOptionalHooks(t *testing.T) {
	d, err := Load("minimal.star", []byte(minimal))
	require.NoError(t, err)
	l := testLayout()
	esc := shell.NoEscalation{}

	assert.Empty(t, d.DefaultInstanceStop(l, esc))
	assert.Empty(t, d.PrepareCommands(l, esc))
	assert.Empty(t, d.ConfigLines(l))
	assert.Equal(t, "true", d.InitScriptCommand(l, esc))
	assert.Equal(t, "svc start", d.Control(l, esc, driver.ActionStart, true))
	require.NoError(t, d.Check(l, esc))
}

func TestFailingHookRendersFailure(t *testing.T) {
	src := minimal + `
def prepare(layout, esc):
    return [layout.missing_attribute]
`
	d, err := Load("broken.star", []byte(src))
	require.NoError(t, err)

	err = d.Check(testLayout(), shell.NoEscalation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prepare")

	cmds := d.PrepareCommands(testLayout(), shell.NoEscalation{})
	require.Len(t, cmds, 1)
	assert.Contains(t, cmds[0], "exit 1")
	assert.Contains(t, cmds[0], "descriptor broken.star")

	out, code := runBash(t, cmds[0]+"; echo after")
	assert.Equal(t, 1, code)
	assert.NotContains(t, out, "after")
}

func TestFailBuiltinAbortsScript(t *testing.T) {
	src := minimal + `
def prepare(layout, esc):
    return [sh.fail("no data dir", 4) + "; echo after"]
`
	d, err := Load("fail.star", []byte(src))
	require.NoError(t, err)

	cmds := d.PrepareCommands(testLayout(), shell.NoEscalation{})
	require.Len(t, cmds, 1)

	out, code := runBash(t, cmds[0])
	assert.Equal(t, 4, code)
	assert.Contains(t, out, "no data dir")
	assert.NotContains(t, out, "after")
}

func runBash(t *testing.T, script string) (string, int) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
	out, err := exec.Command("bash", "-c", script).CombinedOutput()
	if err == nil {
		return string(out), 0
	}
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	return string(out), exitErr.ExitCode()
}

func TestHookReturnTypes(t *testing.T) {
	tests := []struct {
		name string
		hook string
		want string
	}{
		{"prepare not list", "def prepare(layout, esc):\n    return 1", "expected a list"},
		{"config line without file", "def config_lines(layout):\n    return [{\"text\": \"x\"}]", "has no file"},
		{"config line both", "def config_lines(layout):\n    return [{\"file\": \"/f\", \"text\": \"x\", \"command\": \"y\"}]", "both text and command"},
		{"config line neither", "def config_lines(layout):\n    return [{\"file\": \"/f\"}]", "needs text or command"},
		{"init not string", "def init_script(layout, esc):\n    return [1]", "must return a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Load("types.star", []byte(minimal+"\n"+tt.hook+"\n"))
			require.NoError(t, err)
			err = d.Check(testLayout(), shell.NoEscalation{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEmptyControlIsRejected(t *testing.T) {
	src := `
kind = "x"
binary = "x"
def control(layout, esc, action, wait):
    return ""
def pid_file(layout):
    return "/p"
`
	d, err := Load("empty.star", []byte(src))
	require.NoError(t, err)
	err = d.Check(testLayout(), shell.NoEscalation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty command")
}

func TestHookTimeout(t *testing.T) {
	src := `
kind = "x"
binary = "x"
def control(layout, esc, action, wait):
    n = 0
    for i in range(1000000000):
        n += i
    return "never"
def pid_file(layout):
    return "/p"
`
	d, err := Load("slow.star", []byte(src), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	err = d.Check(testLayout(), shell.NoEscalation{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWithVars(t *testing.T) {
	src := `
kind = service_kind
binary = "x"
def control(layout, esc, action, wait):
    return " ".join(flags)
def pid_file(layout):
    return "/p"
`
	d, err := Load("vars.star", []byte(src), WithVars(map[string]interface{}{
		"service_kind": "custom",
		"flags":        []string{"--a", "--b"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "custom", d.Kind())
	assert.Equal(t, "--a --b", d.Control(testLayout(), shell.NoEscalation{}, driver.ActionStart, false))
}

type loaderFunc func(ctx context.Context, ref string) ([]byte, error)

func (f loaderFunc) ReadAll(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

func TestLoadFile(t *testing.T) {
	loader := loaderFunc(func(_ context.Context, ref string) ([]byte, error) {
		if ref == "s3://descriptors/echo.star" {
			return []byte(minimal), nil
		}
		return nil, errors.New("not found")
	})

	d, err := LoadFile(context.Background(), loader, "s3://descriptors/echo.star")
	require.NoError(t, err)
	assert.Equal(t, "echo", d.Kind())

	_, err = LoadFile(context.Background(), loader, "missing.star")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read descriptor")
}

func TestDriverRunsStarlarkDescriptor(t *testing.T) {
	d := loadRedis(t)
	target := remotetest.New()
	ctx := context.Background()

	params := testParams
	params.CreationScriptContents = "SET k v"
	drv, err := driver.New(ctx, d, params, target,
		driver.WithEscalator(shell.NoEscalation{}),
		driver.WithPhase(driver.PhaseInstalled),
	)
	require.NoError(t, err)

	require.NoError(t, drv.Customize(ctx))
	require.NoError(t, drv.Launch(ctx))
	assert.Equal(t, driver.PhaseRunning, drv.Phase())

	assert.True(t, target.Ran("service redis-server stop"))
	assert.True(t, target.Ran("--daemonize yes"))
	content, ok := target.File("/var/run/redis/creation-script.sql")
	require.True(t, ok)
	assert.Equal(t, "SET k v", content)
}
