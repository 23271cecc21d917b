package shell

import (
	"fmt"
	"strings"
)

// Manager describes how a package manager is detected and driven.
type Manager struct {
	Name   string
	Binary string
	// Install renders the install command for the given package names.
	Install func(pkgs []string) string
}

// Managers lists the package managers tried, in order.
var Managers = []Manager{
	{
		Name:   "apt",
		Binary: "apt-get",
		Install: func(pkgs []string) string {
			return "apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y " + QuoteAll(pkgs...)
		},
	},
	{
		Name:   "dnf",
		Binary: "dnf",
		Install: func(pkgs []string) string {
			return "dnf install -y " + QuoteAll(pkgs...)
		},
	},
	{
		Name:   "yum",
		Binary: "yum",
		Install: func(pkgs []string) string {
			return "yum install -y " + QuoteAll(pkgs...)
		},
	},
	{
		Name:   "zypper",
		Binary: "zypper",
		Install: func(pkgs []string) string {
			return "zypper --non-interactive install " + QuoteAll(pkgs...)
		},
	},
	{
		Name:   "port",
		Binary: "port",
		Install: func(pkgs []string) string {
			return "port install " + QuoteAll(pkgs...)
		},
	},
}

// Packages maps a package manager name to the space separated packages to
// install with it. Managers absent from the map use Default; when Default
// is empty they are skipped.
type Packages struct {
	ByManager map[string]string
	Default   string
}

// For returns the packages to install with manager.
func (p Packages) For(manager string) []string {
	if v, ok := p.ByManager[manager]; ok {
		return strings.Fields(v)
	}
	return strings.Fields(p.Default)
}

// Empty reports whether no manager has anything to install.
func (p Packages) Empty() bool {
	if strings.TrimSpace(p.Default) != "" {
		return false
	}
	for _, v := range p.ByManager {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// InstallAlternatives returns one command list per usable package manager.
// Each list first checks the manager is present, then installs as root.
func InstallAlternatives(esc Escalator, pkgs Packages) [][]string {
	var out [][]string
	for _, m := range Managers {
		names := pkgs.For(m.Name)
		if len(names) == 0 {
			continue
		}
		out = append(out, []string{
			OnPath(m.Binary),
			esc.AsRoot(m.Install(names)),
		})
	}
	return out
}

// DescribePackages renders pkgs for log output.
func DescribePackages(pkgs Packages) string {
	var parts []string
	for _, m := range Managers {
		if names := pkgs.For(m.Name); len(names) > 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", m.Name, strings.Join(names, ",")))
		}
	}
	return strings.Join(parts, " ")
}
