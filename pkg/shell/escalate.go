package shell

import "fmt"

// Escalator wraps commands so they run with a different identity on the
// remote host.
type Escalator interface {
	// AsRoot runs cmd with superuser privileges.
	AsRoot(cmd string) string
	// AsUser runs cmd as user.
	AsUser(user, cmd string) string
}

// Sudo escalates through sudo. It never prompts: a host that requires a
// password for the login user fails the command instead of hanging.
type Sudo struct{}

// AsRoot runs cmd directly when the session already has UID 0 and through
// sudo otherwise.
func (Sudo) AsRoot(cmd string) string {
	return fmt.Sprintf(`( if test "$UID" -eq 0; then sh -c %s; else sudo -E -n -- sh -c %s; fi )`,
		Quote(cmd), Quote(cmd))
}

// AsUser runs cmd as user.
func (Sudo) AsUser(user, cmd string) string {
	return fmt.Sprintf("sudo -E -n -u %s -- sh -c %s", Quote(user), Quote(cmd))
}

// NoEscalation runs everything as the session user. It is meant for targets
// where the session user already owns every path the service touches.
type NoEscalation struct{}

// AsRoot runs cmd in a child shell.
func (NoEscalation) AsRoot(cmd string) string {
	return "sh -c " + Quote(cmd)
}

// AsUser runs cmd in a child shell, ignoring user.
func (NoEscalation) AsUser(_ string, cmd string) string {
	return "sh -c " + Quote(cmd)
}

// EscalatorFor returns the escalator registered under name.
func EscalatorFor(name string) (Escalator, error) {
	switch name {
	case "", "sudo":
		return Sudo{}, nil
	case "none":
		return NoEscalation{}, nil
	default:
		return nil, fmt.Errorf("unknown escalation mode: %s", name)
	}
}
