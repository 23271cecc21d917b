// Package starlarkdesc loads service descriptors written in Starlark.
//
// A descriptor file sets a few globals and defines the lifecycle hooks:
//
//	kind = "redis"                     # required
//	binary = "redis-server"            # required, located during install
//	locations = ["/usr/local/bin"]     # optional search directories
//	packages = {"apt": "redis-server", "default": "redis"}
//	manages_pid_file = False
//
//	def default_instance_stop(layout, esc): ...   # optional, "" skips
//	def prepare(layout, esc): ...                 # list of commands
//	def config_lines(layout): ...                 # list of {"file", "text"|"command"}
//	def init_script(layout, esc): ...             # command applying the creation script
//	def control(layout, esc, action, wait): ...   # required
//	def pid_file(layout): ...                     # required
//
// Hooks receive the instance layout as a struct, an esc value with
// as_root(cmd) and as_user(cmd, user=layout.user), and may use the sh
// module (quote, join, and_then, or_else, mkdir_p, echo, warn, fail,
// symlink, on_path).
package starlarkdesc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.starlark.net/starlark"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/confwriter"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// Hook names.
const (
	HookDefaultStop = "default_instance_stop"
	HookPrepare     = "prepare"
	HookConfigLines = "config_lines"
	HookInitScript  = "init_script"
	HookControl     = "control"
	HookPidFile     = "pid_file"
)

var requiredHooks = []string{HookControl, HookPidFile}

// DefaultLocations are searched when the file sets no locations.
var DefaultLocations = chain.Candidates{"/usr/local/bin", "/usr/bin", "/bin"}

// Loader reads a descriptor source by reference.
type Loader interface {
	ReadAll(ctx context.Context, ref string) ([]byte, error)
}

// Descriptor is a driver.Descriptor backed by Starlark hooks.
type Descriptor struct {
	name           string
	kind           string
	binary         string
	locations      chain.Candidates
	packages       shell.Packages
	managesPidFile bool
	hooks          map[string]starlark.Callable

	timeout time.Duration
	vars    map[string]interface{}
	logger  zerolog.Logger
}

var _ driver.Descriptor = (*Descriptor)(nil)

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithTimeout bounds every hook call. Defaults to 5s.
func WithTimeout(d time.Duration) Option {
	return func(desc *Descriptor) { desc.timeout = d }
}

// WithVars predeclares vars as globals of the descriptor file.
func WithVars(vars map[string]interface{}) Option {
	return func(desc *Descriptor) { desc.vars = vars }
}

// WithLogger sets the logger receiving print() output and hook failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(desc *Descriptor) { desc.logger = logger }
}

// LoadFile fetches ref through loader and parses it.
func LoadFile(ctx context.Context, loader Loader, ref string, opts ...Option) (*Descriptor, error) {
	src, err := loader.ReadAll(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor %s: %w", ref, err)
	}
	return Load(ref, src, opts...)
}

// Load executes src and collects its globals and hooks.
func Load(name string, src []byte, opts ...Option) (*Descriptor, error) {
	d := &Descriptor{
		name:      name,
		locations: DefaultLocations,
		hooks:     make(map[string]starlark.Callable),
		timeout:   5 * time.Second,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	predeclared := starlark.StringDict{"sh": shModule}
	for key, val := range d.vars {
		sv, err := toStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert var %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	thread := d.newThread("load")
	timer := time.AfterFunc(d.timeout, func() { thread.Cancel("load timeout") })
	globals, err := starlark.ExecFile(thread, name, src, predeclared)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to execute descriptor %s: %w", name, err)
	}
	globals.Freeze()

	if err := d.readGlobals(globals); err != nil {
		return nil, fmt.Errorf("descriptor %s: %w", name, err)
	}
	d.logger = d.logger.With().Str("descriptor", d.kind).Logger()
	return d, nil
}

func (d *Descriptor) readGlobals(globals starlark.StringDict) error {
	var err error
	if d.kind, err = requiredString(globals, "kind"); err != nil {
		return err
	}
	if d.binary, err = requiredString(globals, "binary"); err != nil {
		return err
	}

	if v, ok := globals["locations"]; ok {
		locs, err := stringList(v)
		if err != nil {
			return fmt.Errorf("locations: %w", err)
		}
		d.locations = chain.Candidates(locs)
	}

	if v, ok := globals["packages"]; ok {
		pkgs, err := packagesOf(v)
		if err != nil {
			return fmt.Errorf("packages: %w", err)
		}
		d.packages = pkgs
	}

	if v, ok := globals["manages_pid_file"]; ok {
		b, ok := v.(starlark.Bool)
		if !ok {
			return fmt.Errorf("manages_pid_file must be a bool, got %s", v.Type())
		}
		d.managesPidFile = bool(b)
	}

	for _, hook := range []string{HookDefaultStop, HookPrepare, HookConfigLines, HookInitScript, HookControl, HookPidFile} {
		v, ok := globals[hook]
		if !ok {
			continue
		}
		fn, ok := v.(starlark.Callable)
		if !ok {
			return fmt.Errorf("%s must be a function, got %s", hook, v.Type())
		}
		d.hooks[hook] = fn
	}
	for _, hook := range requiredHooks {
		if _, ok := d.hooks[hook]; !ok {
			return fmt.Errorf("missing required hook %s", hook)
		}
	}
	return nil
}

// Hooks returns the names of the defined hooks, sorted.
func (d *Descriptor) Hooks() []string {
	names := make([]string, 0, len(d.hooks))
	for name := range d.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check calls every defined hook for l and returns the first failure. The
// driver interface has no error returns, so a hook that fails at run time
// renders a failing command instead; Check surfaces those errors before
// any script runs.
func (d *Descriptor) Check(l driver.Layout, esc shell.Escalator) error {
	if _, err := d.stringHook(HookDefaultStop, layoutValue(l), escValue(esc, l)); err != nil {
		return err
	}
	if _, err := d.listHook(HookPrepare, layoutValue(l), escValue(esc, l)); err != nil {
		return err
	}
	if _, err := d.configLines(l); err != nil {
		return err
	}
	if _, err := d.stringHook(HookInitScript, layoutValue(l), escValue(esc, l)); err != nil {
		return err
	}
	for _, action := range []driver.Action{driver.ActionStart, driver.ActionStop, driver.ActionStatus} {
		if _, err := d.control(l, esc, action, true); err != nil {
			return err
		}
	}
	_, err := d.stringHook(HookPidFile, layoutValue(l))
	return err
}

func (d *Descriptor) Kind() string { return d.kind }

// Binary is the executable the install recipe searches for.
func (d *Descriptor) Binary() string { return d.binary }

func (d *Descriptor) InstallRecipe(l driver.Layout, esc shell.Escalator) driver.InstallRecipe {
	var installs [][]string
	if !d.packages.Empty() {
		installs = shell.InstallAlternatives(esc, d.packages)
	}
	return driver.InstallRecipe{
		Discovery: chain.FindExecutable(d.binary, d.locations, installs,
			fmt.Sprintf("failed to find or install %s binaries (will likely fail later unless binaries found in path)", d.kind)),
		Link: chain.LinkDirectory(d.binary, d.locations, l.BinDir,
			fmt.Sprintf("WARNING: failed to find %s binaries for %s; aborting", d.kind, d.binary)),
	}
}

func (d *Descriptor) DefaultInstanceStop(l driver.Layout, esc shell.Escalator) string {
	cmd, err := d.stringHook(HookDefaultStop, layoutValue(l), escValue(esc, l))
	if err != nil {
		return d.failure(HookDefaultStop, err)
	}
	return cmd
}

func (d *Descriptor) PrepareCommands(l driver.Layout, esc shell.Escalator) []string {
	cmds, err := d.listHook(HookPrepare, layoutValue(l), escValue(esc, l))
	if err != nil {
		return []string{d.failure(HookPrepare, err)}
	}
	return cmds
}

func (d *Descriptor) ConfigLines(l driver.Layout) []confwriter.Line {
	lines, err := d.configLines(l)
	if err != nil {
		return []confwriter.Line{{File: l.DataDir + "/" + d.kind + ".conf", Producer: d.failure(HookConfigLines, err)}}
	}
	return lines
}

func (d *Descriptor) InitScriptCommand(l driver.Layout, esc shell.Escalator) string {
	cmd, err := d.stringHook(HookInitScript, layoutValue(l), escValue(esc, l))
	if err != nil {
		return d.failure(HookInitScript, err)
	}
	if cmd == "" {
		return "true"
	}
	return cmd
}

func (d *Descriptor) Control(l driver.Layout, esc shell.Escalator, action driver.Action, wait bool) string {
	cmd, err := d.control(l, esc, action, wait)
	if err != nil {
		return d.failure(HookControl, err)
	}
	return cmd
}

func (d *Descriptor) PidFile(l driver.Layout) string {
	path, err := d.stringHook(HookPidFile, layoutValue(l))
	if err != nil {
		d.logger.Error().Err(err).Str("hook", HookPidFile).Msg("Descriptor hook failed")
		return l.RunDir + "/" + d.kind + ".pid"
	}
	return path
}

func (d *Descriptor) ManagesPidFile() bool { return d.managesPidFile }

func (d *Descriptor) control(l driver.Layout, esc shell.Escalator, action driver.Action, wait bool) (string, error) {
	cmd, err := d.stringHook(HookControl, layoutValue(l), escValue(esc, l), starlark.String(action), starlark.Bool(wait))
	if err != nil {
		return "", err
	}
	if cmd == "" {
		return "", fmt.Errorf("%s returned an empty command for %s", HookControl, action)
	}
	return cmd, nil
}

func (d *Descriptor) configLines(l driver.Layout) ([]confwriter.Line, error) {
	v, err := d.call(HookConfigLines, layoutValue(l))
	if err != nil || v == starlark.None {
		return nil, err
	}
	items, err := fromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", HookConfigLines, err)
	}
	list, ok := items.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must return a list, got %s", HookConfigLines, v.Type())
	}

	lines := make([]confwriter.Line, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s[%d] must be a dict", HookConfigLines, i)
		}
		file, _ := m["file"].(string)
		if file == "" {
			return nil, fmt.Errorf("%s[%d] has no file", HookConfigLines, i)
		}
		text, hasText := m["text"].(string)
		command, hasCommand := m["command"].(string)
		switch {
		case hasText && hasCommand:
			return nil, fmt.Errorf("%s[%d] sets both text and command", HookConfigLines, i)
		case hasText:
			lines = append(lines, confwriter.Line{File: file, Producer: confwriter.Echo(text)})
		case hasCommand:
			lines = append(lines, confwriter.Line{File: file, Producer: command})
		default:
			return nil, fmt.Errorf("%s[%d] needs text or command", HookConfigLines, i)
		}
	}
	return lines, nil
}

// call runs hook with args. Undefined hooks return None.
func (d *Descriptor) call(hook string, args ...starlark.Value) (starlark.Value, error) {
	fn, ok := d.hooks[hook]
	if !ok {
		return starlark.None, nil
	}

	thread := d.newThread(hook)
	timer := time.AfterFunc(d.timeout, func() { thread.Cancel(hook + " timeout") })
	defer timer.Stop()

	v, err := starlark.Call(thread, fn, starlark.Tuple(args), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hook, err)
	}
	return v, nil
}

func (d *Descriptor) stringHook(hook string, args ...starlark.Value) (string, error) {
	v, err := d.call(hook, args...)
	if err != nil || v == starlark.None {
		return "", err
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must return a string, got %s", hook, v.Type())
	}
	return s, nil
}

func (d *Descriptor) listHook(hook string, args ...starlark.Value) ([]string, error) {
	v, err := d.call(hook, args...)
	if err != nil || v == starlark.None {
		return nil, err
	}
	list, err := stringList(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", hook, err)
	}
	return list, nil
}

// failure logs err and returns a command that reports it on the target.
func (d *Descriptor) failure(hook string, err error) string {
	d.logger.Error().Err(err).Str("hook", hook).Msg("Descriptor hook failed")
	return shell.Fail(fmt.Sprintf("descriptor %s: %v", d.name, err), 1)
}

func (d *Descriptor) newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name: d.name + ":" + name,
		Print: func(_ *starlark.Thread, msg string) {
			d.logger.Debug().Str("hook", name).Msg(msg)
		},
	}
}

func requiredString(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name]
	if !ok {
		return "", fmt.Errorf("missing required global %s", name)
	}
	s, ok := starlark.AsString(v)
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return s, nil
}
