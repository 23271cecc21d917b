package policy

import "time"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	now := time.Now()
	policies := []Policy{
		systemDirectoriesPolicy(),
		rootServiceUserPolicy(),
		privilegedPortPolicy(),
	}
	for i := range policies {
		policies[i].Enabled = true
		policies[i].Builtin = true
		policies[i].LoadedAt = now
	}
	return policies
}

// systemDirectoriesPolicy refuses instances laid out over system
// directories. Install and customize chown and link inside them.
func systemDirectoriesPolicy() Policy {
	return Policy{
		Name:        "system-directories",
		Description: "Install and run directories must not be system directories",
		Severity:    SeverityCritical,
		Tags:        []string{"filesystem", "safety"},
		Rego: `package procdriver.builtin.directories

import rego.v1

system_dirs := {
	"", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64", "/opt",
	"/proc", "/root", "/sbin", "/srv", "/sys", "/tmp", "/usr", "/usr/bin",
	"/usr/lib", "/usr/local", "/usr/local/bin", "/var", "/var/lib", "/var/run",
}

deny contains violation if {
	some field in ["install_dir", "run_dir"]
	dir := trim_right(input.instance[field], "/")
	dir in system_dirs
	violation := {
		"message": sprintf("%s '%s' is a system directory", [field, input.instance[field]]),
		"severity": "critical",
	}
}

deny contains violation if {
	input.instance.install_dir != ""
	trim_right(input.instance.install_dir, "/") == trim_right(input.instance.run_dir, "/")
	violation := {
		"message": "install_dir and run_dir must differ",
		"severity": "error",
	}
}`,
	}
}

func rootServiceUserPolicy() Policy {
	return Policy{
		Name:        "root-service-user",
		Description: "Services should not run as root",
		Severity:    SeverityWarning,
		Tags:        []string{"privileges"},
		Rego: `package procdriver.builtin.user

import rego.v1

deny contains violation if {
	input.operation in {"customize", "launch"}
	input.instance.user == "root"
	violation := {
		"message": sprintf("%s runs as root", [input.instance.id]),
		"severity": "warning",
	}
}`,
	}
}

func privilegedPortPolicy() Policy {
	return Policy{
		Name:        "privileged-port",
		Description: "Ports below 1024 need root or capabilities to bind",
		Severity:    SeverityWarning,
		Tags:        []string{"network"},
		Rego: `package procdriver.builtin.port

import rego.v1

deny contains violation if {
	input.operation == "launch"
	input.instance.port < 1024
	input.instance.user != "root"
	violation := {
		"message": sprintf("port %d is privileged and %s is not root", [input.instance.port, input.instance.user]),
		"severity": "warning",
	}
}`,
	}
}
