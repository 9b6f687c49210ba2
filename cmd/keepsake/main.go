package main

import (
	"github.com/jessevdk/go-flags"
	"github.com/keepsakebot/keepsake/remotelog/dial"
	mbp "github.com/keepsakebot/keepsake/mainboilerplate"
)

const iniFilename = "keepsake.ini"

// Config is the top-level configuration object of keepsake.
var Config = new(struct {
	Service mbp.ServiceConfig `group:"Service" namespace:"service" env-namespace:"SERVICE"`
	Remote  dial.Config       `group:"Remote Log" namespace:"remote" env-namespace:"REMOTE"`
	Persist persistConfig     `group:"Persistence" namespace:"persist" env-namespace:"PERSIST"`
	Admin   struct {
		Keys string `long:"keys" env:"KEYS" description:"Whitespace or comma separated, base64-encoded keys of admin API tokens. The first key signs tokens. The admin API is disabled if unset"`
	} `group:"Admin" namespace:"admin" env-namespace:"ADMIN"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	parser.EnvNamespace = "KEEPSAKE"
	parser.LongDescription = `keepsake holds the game records of users in memory, and persists
them as whole-store snapshots posted to a remote append log.

Optionally configure keepsake with a '` + iniFilename + `' file in the current working directory,
or with '~/.config/keepsake/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
the current configuration.
`

	_, _ = parser.AddCommand("serve", "Serve the record store", `
Hydrate the record store from the newest readable snapshot of the remote log,
and serve the admin API and diagnostics until signaled to exit (via SIGTERM or
SIGINT). Snapshots are flushed periodically, and a final snapshot is flushed
before exiting.
`, &cmdServe{})

	var snapshots, err = parser.AddCommand("snapshots", "Interact with snapshots of the remote log", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	mustAddCmd(snapshots, "list", "List snapshots of the remote log", `
List snapshots of the remote log, newest first. Staged blobs left by
interrupted writers are listed as well.

Examples:

# List snapshots in a formatted table, with signed URLs valid for ten minutes:
keepsake snapshots list --remote.url s3://my-bucket/keepsake/ --url-ttl 10m

# List snapshots as JSON, one per line:
keepsake snapshots list --format json
`, &cmdSnapshotsList{})

	mustAddCmd(snapshots, "prune", "Delete snapshots superseded by the newest readable one", `
Find the newest snapshot of the remote log which reads and verifies, and delete
all older snapshots beyond the --persist.retain newest backups. Staged blobs are
deleted as well. Use --dry-run to report deletions without performing them.

Pruning while a keepsake server writes the log is safe, as snapshots newer than
the retained one are never deleted.
`, &cmdSnapshotsPrune{})

	mustAddCmd(snapshots, "inspect", "Decode a snapshot and report on its records", `
Decode the newest readable snapshot of the remote log, or the snapshot of --id,
and report its fingerprint and counts of records which would be migrated,
repaired, or quarantined upon hydration.
`, &cmdSnapshotsInspect{})

	_, _ = parser.AddCommand("token", "Sign an admin API token", `
Sign a bearer token of the admin API using the first of --admin.keys.
`, &cmdToken{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func mustAddCmd(cmd *flags.Command, name, short, long string, cfg interface{}) *flags.Command {
	cmd, err := cmd.AddCommand(name, short, long, cfg)
	mbp.Must(err, "failed to add command")
	return cmd
}
