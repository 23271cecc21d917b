package shell

// DontRequireTTYForSudo comments out any requiretty default in
// /etc/sudoers so sudo works over a non-interactive channel. The file is
// validated with visudo before it replaces the original. The command always
// succeeds.
func DontRequireTTYForSudo(esc Escalator) string {
	const edit = `if test -f /etc/sudoers && grep -q '^Defaults.*requiretty' /etc/sudoers; then ` +
		`sed 's/^Defaults.*requiretty/#&/' /etc/sudoers > /etc/sudoers.procdriver && ` +
		`visudo -c -f /etc/sudoers.procdriver >/dev/null && ` +
		`cat /etc/sudoers.procdriver > /etc/sudoers; ` +
		`rm -f /etc/sudoers.procdriver; fi`
	return Or(
		"! grep -qs '^Defaults.*requiretty' /etc/sudoers",
		esc.AsRoot(edit),
		"true",
	)
}
