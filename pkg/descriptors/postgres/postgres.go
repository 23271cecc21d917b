// Package postgres describes how to install, configure and control a
// PostgreSQL server with pg_ctl.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openfroyo/procdriver/pkg/chain"
	"github.com/openfroyo/procdriver/pkg/confwriter"
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/shell"
)

// Kind is the service kind of this descriptor.
const Kind = "postgresql"

// DefaultLocations are the directories searched for pg_ctl after PATH.
// Globs resolve to their lexically last match, so newer major versions
// are listed before older ones.
var DefaultLocations = chain.Candidates{
	"/usr/lib/postgresql/1[0-9]/bin",
	"/usr/lib/postgresql/9.*/bin",
	"/usr/lib/postgresql/8.*/bin",
	"/usr/pgsql-1[0-9]/bin",
	"/opt/local/lib/postgresql1[0-9]/bin",
	"/opt/local/lib/postgresql9*/bin",
	"/opt/local/lib/postgresql8*/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
}

// DefaultPackages are the packages providing pg_ctl per package manager.
var DefaultPackages = shell.Packages{
	ByManager: map[string]string{
		"yum":  "postgresql postgresql-server",
		"dnf":  "postgresql postgresql-server",
		"apt":  "postgresql",
		"port": "postgresql91 postgresql91-server",
	},
	Default: "postgresql",
}

const (
	defaultHBARule     = "host    all         all         0.0.0.0/0             md5"
	defaultServiceStop = "/etc/init.d/postgresql stop"
)

// Descriptor implements driver.Descriptor and driver.ReadyChecker for
// PostgreSQL.
type Descriptor struct {
	locations       chain.Candidates
	packages        shell.Packages
	listenAddresses string
	hbaRule         string
	defaultStop     string

	checkUser     string
	checkPassword string
	checkDatabase string
}

// Option configures a Descriptor.
type Option func(*Descriptor)

// WithLocations replaces the pg_ctl search directories.
func WithLocations(dirs chain.Candidates) Option {
	return func(d *Descriptor) { d.locations = dirs }
}

// WithPackages replaces the install packages.
func WithPackages(pkgs shell.Packages) Option {
	return func(d *Descriptor) { d.packages = pkgs }
}

// WithListenAddresses sets listen_addresses. Defaults to "*".
func WithListenAddresses(addrs string) Option {
	return func(d *Descriptor) { d.listenAddresses = addrs }
}

// WithHBARule sets the pg_hba.conf line appended during customize.
func WithHBARule(rule string) Option {
	return func(d *Descriptor) { d.hbaRule = rule }
}

// WithDefaultServiceStop sets the command that stops a package-started
// server. Empty skips the step.
func WithDefaultServiceStop(cmd string) Option {
	return func(d *Descriptor) { d.defaultStop = cmd }
}

// WithCheckCredentials sets the role and database used by CheckReady. The role
// defaults to the service user and the database to "postgres".
func WithCheckCredentials(user, password, database string) Option {
	return func(d *Descriptor) {
		d.checkUser = user
		d.checkPassword = password
		d.checkDatabase = database
	}
}

// New returns a PostgreSQL descriptor.
func New(opts ...Option) *Descriptor {
	d := &Descriptor{
		locations:       DefaultLocations,
		packages:        DefaultPackages,
		listenAddresses: "*",
		hbaRule:         defaultHBARule,
		defaultStop:     defaultServiceStop,
		checkDatabase:   "postgres",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	_ driver.Descriptor   = (*Descriptor)(nil)
	_ driver.ReadyChecker = (*Descriptor)(nil)
)

func (d *Descriptor) Kind() string { return Kind }

func (d *Descriptor) InstallRecipe(l driver.Layout, esc shell.Escalator) driver.InstallRecipe {
	warn := "failed to find or install postgresql binaries"
	if !d.packages.Empty() {
		warn += " (tried " + shell.DescribePackages(d.packages) + ")"
	}
	return driver.InstallRecipe{
		Discovery: chain.FindExecutable("pg_ctl", d.locations,
			shell.InstallAlternatives(esc, d.packages),
			warn+"; will likely fail later unless binaries found in path"),
		Link: chain.LinkDirectory("pg_ctl", d.locations, l.BinDir,
			"WARNING: failed to find postgresql binaries for pg_ctl; aborting"),
	}
}

func (d *Descriptor) DefaultInstanceStop(l driver.Layout, esc shell.Escalator) string {
	if d.defaultStop == "" {
		return ""
	}
	return esc.AsUser(l.User, d.defaultStop)
}

func (d *Descriptor) PrepareCommands(l driver.Layout, esc shell.Escalator) []string {
	owner := l.Owner()
	return []string{
		esc.AsRoot(shell.And(
			shell.MkdirP(l.DataDir),
			shell.Join("chown", owner, l.DataDir),
			shell.Join("chmod", "700", l.DataDir),
			shell.Join("touch", l.LogFile),
			shell.Join("chown", owner, l.LogFile),
		)),
		// initdb refuses a populated directory, so a rerun skips it.
		esc.AsUser(l.User, shell.Or(
			"test -f "+shell.Quote(l.DataDir+"/PG_VERSION"),
			shell.Join(shell.Quote(l.Bin("initdb")), "-D", l.DataDir),
		)),
	}
}

func (d *Descriptor) ConfigLines(l driver.Layout) []confwriter.Line {
	conf := l.DataDir + "/postgresql.conf"
	return []confwriter.Line{
		{File: conf, Producer: confwriter.Echo(fmt.Sprintf("listen_addresses = '%s'", d.listenAddresses))},
		{File: conf, Producer: confwriter.Echo(fmt.Sprintf("port = %d", l.Port))},
		{File: l.DataDir + "/pg_hba.conf", Producer: confwriter.Echo(d.hbaRule)},
	}
}

func (d *Descriptor) InitScriptCommand(l driver.Layout, esc shell.Escalator) string {
	return esc.AsUser(l.User, shell.Join(shell.Quote(l.Bin("psql")),
		"-p", strconv.Itoa(l.Port),
		"-v", "ON_ERROR_STOP=1",
		"--file", l.CreationScript,
	))
}

func (d *Descriptor) Control(l driver.Layout, esc shell.Escalator, action driver.Action, wait bool) string {
	args := []string{"-D", l.DataDir, "-l", l.LogFile}
	if wait {
		args = append(args, "-w")
	}
	args = append(args, string(action))
	return esc.AsUser(l.User, shell.Join(shell.Quote(l.Bin("pg_ctl")), args...))
}

// PidFile is the postmaster.pid written by the server.
func (d *Descriptor) PidFile(l driver.Layout) string {
	return l.DataDir + "/postmaster.pid"
}

func (d *Descriptor) ManagesPidFile() bool { return true }

// CheckReady connects to the server and pings it. A server that answers with
// an error, such as failed authentication, is accepting clients and counts
// as ready.
func (d *Descriptor) CheckReady(ctx context.Context, host string, l driver.Layout) error {
	conn, err := pgx.Connect(ctx, d.connString(host, l))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return nil
		}
		return fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	defer conn.Close(ctx)

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", host, err)
	}
	return nil
}

func (d *Descriptor) connString(host string, l driver.Layout) string {
	user := d.checkUser
	if user == "" {
		user = l.User
	}
	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(l.Port)),
		Path:     "/" + d.checkDatabase,
		RawQuery: "sslmode=disable&connect_timeout=5",
	}
	if d.checkPassword != "" {
		u.User = url.UserPassword(user, d.checkPassword)
	} else {
		u.User = url.User(user)
	}
	return u.String()
}
