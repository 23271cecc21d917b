// Package policy gates lifecycle operations with Open Policy Agent.
//
// An Engine holds compiled Rego policies and implements driver.Guard:
// before install, customize, launch, stop or kill the driver asks the
// engine, which evaluates every enabled policy against an Input describing
// the operation, the current phase and the instance layout.
//
// A policy is a Rego module with a partial set rule named deny. Each
// element is either a message string or an object with message and
// severity keys:
//
//	package site.guard
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "kill"
//	    input.instance.kind == "postgresql"
//	    violation := {
//	        "message": "use stop for postgres",
//	        "severity": "error",
//	    }
//	}
//
// Violations of severity error or critical refuse the operation; warnings
// and info are logged. Rego files default to error severity.
//
// # Built-in Policies
//
//  1. system-directories - install and run directories are not system paths
//  2. root-service-user - warns when the service user is root
//  3. privileged-port - warns when a non-root service launches below 1024
//
// # Hot Reload
//
// Engine.Watch follows policy files with fsnotify and swaps in the new set
// once a burst of changes settles. A set that fails to compile is
// rejected and the previous one stays active.
package policy
