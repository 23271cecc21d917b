// Package chain implements ordered fallback command chains.
//
// A Chain is a list of alternative Groups. Commands inside a group are
// AND-chained; groups are tried left to right and the chain succeeds on the
// first group that exits zero. When every group fails, the chain fails with
// the exit status of the last group.
package chain

import (
	"slices"
	"strings"
)

// ExitDiscoveryExhausted is the exit code a chain's final diagnostic group
// uses to signal that no alternative could locate or provide a resource.
const ExitDiscoveryExhausted = 9

// Group is an ordered list of commands that must all succeed.
type Group struct {
	commands []string
}

// NewGroup returns a group of cmds.
func NewGroup(cmds ...string) Group {
	return Group{commands: slices.Clone(cmds)}
}

// Commands returns a copy of the group's commands.
func (g Group) Commands() []string {
	return slices.Clone(g.commands)
}

// Empty reports whether the group has no commands.
func (g Group) Empty() bool {
	return len(g.commands) == 0
}

// Render returns the group as one AND-chained expression. An empty group
// renders as true.
func (g Group) Render() string {
	if len(g.commands) == 0 {
		return "true"
	}
	return strings.Join(g.commands, " && ")
}

// Chain is an ordered list of alternative groups.
type Chain struct {
	groups []Group
}

// New returns a chain of groups.
func New(groups ...Group) Chain {
	return Chain{groups: slices.Clone(groups)}
}

// Then returns a new chain with groups appended.
func (c Chain) Then(groups ...Group) Chain {
	out := make([]Group, 0, len(c.groups)+len(groups))
	out = append(out, c.groups...)
	out = append(out, groups...)
	return Chain{groups: out}
}

// Groups returns a copy of the chain's groups.
func (c Chain) Groups() []Group {
	return slices.Clone(c.groups)
}

// Len returns the number of groups.
func (c Chain) Len() int {
	return len(c.groups)
}

// Render returns the chain as a single shell expression whose exit status
// is that of the first succeeding group, or of the last group when all
// fail. A chain without groups renders as false.
func (c Chain) Render() string {
	if len(c.groups) == 0 {
		return "false"
	}
	parts := make([]string, len(c.groups))
	for i, g := range c.groups {
		parts[i] = "( " + g.Render() + " )"
	}
	return strings.Join(parts, " || ")
}
