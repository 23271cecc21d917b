package starlarkdesc

import (
	"fmt"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/shell"
)

var shModule = &starlarkstruct.Module{
	Name: "sh",
	Members: starlark.StringDict{
		"quote":    unary("quote", shell.Quote),
		"mkdir_p":  unary("mkdir_p", shell.MkdirP),
		"echo":     unary("echo", shell.Echo),
		"warn":     unary("warn", shell.Warn),
		"on_path":  unary("on_path", shell.OnPath),
		"join":     starlark.NewBuiltin("join", builtinJoin),
		"and_then": variadic("and_then", shell.And),
		"or_else":  variadic("or_else", shell.Or),
		"fail":     starlark.NewBuiltin("fail", builtinFail),
		"symlink":  starlark.NewBuiltin("symlink", builtinSymlink),
	},
}

func unary(name string, fn func(string) string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var s string
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &s); err != nil {
			return nil, err
		}
		return starlark.String(fn(s)), nil
	})
}

func variadic(name string, fn func(...string) string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(kwargs) > 0 {
			return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
		}
		strs, err := tupleStrings(b.Name(), args)
		if err != nil {
			return nil, err
		}
		return starlark.String(fn(strs...)), nil
	})
}

// builtinJoin implements sh.join(program, *args).
func builtinJoin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing program", b.Name())
	}
	strs, err := tupleStrings(b.Name(), args)
	if err != nil {
		return nil, err
	}
	return starlark.String(shell.Join(strs[0], strs[1:]...)), nil
}

// builtinFail implements sh.fail(msg, code=1).
func builtinFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	code := 1
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "msg", &msg, "code?", &code); err != nil {
		return nil, err
	}
	return starlark.String(shell.Fail(msg, code)), nil
}

// builtinSymlink implements sh.symlink(target, link).
func builtinSymlink(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var target, link string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "target", &target, "link", &link); err != nil {
		return nil, err
	}
	return starlark.String(shell.Symlink(target, link)), nil
}

func tupleStrings(name string, args starlark.Tuple) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		s, ok := starlark.AsString(arg)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d must be a string, got %s", name, i+1, arg.Type())
		}
		out[i] = s
	}
	return out, nil
}

// layoutValue exposes l as a struct. bin(name) resolves a binary under the
// canonical link.
func layoutValue(l driver.Layout) starlark.Value {
	return starlarkstruct.FromStringDict(starlark.String("layout"), starlark.StringDict{
		"instance_id":     starlark.String(l.InstanceID),
		"port":            starlark.MakeInt(l.Port),
		"user":            starlark.String(l.User),
		"group":           starlark.String(l.Group),
		"owner":           starlark.String(l.Owner()),
		"install_dir":     starlark.String(l.InstallDir),
		"run_dir":         starlark.String(l.RunDir),
		"data_dir":        starlark.String(l.DataDir),
		"log_file":        starlark.String(l.LogFile),
		"bin_dir":         starlark.String(l.BinDir),
		"creation_script": starlark.String(l.CreationScript),
		"bin":             unary("bin", l.Bin),
	})
}

// escValue exposes esc with the instance user as the as_user default.
func escValue(esc shell.Escalator, l driver.Layout) starlark.Value {
	asRoot := unary("as_root", esc.AsRoot)
	asUser := starlark.NewBuiltin("as_user", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var cmd string
		user := l.User
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cmd", &cmd, "user?", &user); err != nil {
			return nil, err
		}
		return starlark.String(esc.AsUser(user, cmd)), nil
	})
	return starlarkstruct.FromStringDict(starlark.String("esc"), starlark.StringDict{
		"as_root": asRoot,
		"as_user": asUser,
	})
}
