package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/keepsakebot/keepsake/codecs"
	mbp "github.com/keepsakebot/keepsake/mainboilerplate"
	"github.com/keepsakebot/keepsake/migrate"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/sanitize"
	"github.com/keepsakebot/keepsake/snapshot"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type cmdSnapshotsList struct {
	Format string        `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
	SigTTL time.Duration `long:"url-ttl" default:"0s" description:"Provide a signed GET URL with the given TTL"`
}

type cmdSnapshotsPrune struct {
	DryRun bool `long:"dry-run" description:"Report snapshots which would be deleted, without deleting them"`
}

type cmdSnapshotsInspect struct {
	ID     string `long:"id" description:"Entry ID of the snapshot to inspect. The newest readable snapshot if not set"`
	Format string `long:"format" short:"o" choice:"table" choice:"json" default:"table" description:"Output format"`
}

// listing is a snapshot or staged blob of the remote log.
type listing struct {
	remotelog.Entry
	Staged      bool         `json:"staged,omitempty"`
	SavedAt     time.Time    `json:"savedAt,omitempty"`
	Codec       codecs.Codec `json:"codec,omitempty"`
	Fingerprint string       `json:"sha256,omitempty"`
	Users       int          `json:"users"`
	Quarantined int          `json:"quarantined"`
	Writer      string       `json:"writer,omitempty"`
	URL         string       `json:"url,omitempty"`
}

func (cmd *cmdSnapshotsList) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ctx = context.Background()
	var p, err = openPersistence(ctx, Config.Persist, Config.Remote)
	mbp.Must(err, "opening remote log")
	defer p.close()

	listings, err := listSnapshots(ctx, p.log, Config.Persist.PageSize, cmd.SigTTL)
	mbp.Must(err, "listing snapshots")

	switch cmd.Format {
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		for _, l := range listings {
			mbp.Must(enc.Encode(l), "failed to encode to json")
		}
	default:
		mbp.Must(writeListings(os.Stdout, listings, cmd.SigTTL != 0), "failed to write table")
	}
	return nil
}

// listSnapshots walks Log |l| and returns its snapshots and staged blobs,
// newest first. If |ttl| is non-zero, each carries a signed URL.
func listSnapshots(ctx context.Context, l remotelog.Log, pageSize int, ttl time.Duration) ([]listing, error) {
	var signer remotelog.Signer
	if ttl != 0 {
		var ok bool
		if signer, ok = remotelog.AsSigner(l); !ok {
			return nil, fmt.Errorf("remote log doesn't support signed URLs")
		}
	}
	var out []listing

	var err = remotelog.Walk(ctx, l, pageSize, func(e remotelog.Entry) error {
		var item = listing{Entry: e}

		if snapshot.IsStagingName(e.Name) {
			item.Staged = true
		} else if savedAt, codec, ok := snapshot.ParseName(e.Name); ok {
			var ref = snapshot.ParseCaption(e.Caption)
			item.SavedAt, item.Codec = savedAt, codec
			item.Fingerprint, item.Users, item.Quarantined, item.Writer =
				ref.Fingerprint, ref.Users, ref.Quarantined, ref.Writer
		} else {
			return nil
		}

		if signer != nil {
			var err error
			if item.URL, err = signer.SignURL(e, ttl); err != nil {
				return errors.WithMessagef(err, "signing URL of %s", e.ID)
			}
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

func writeListings(w io.Writer, listings []listing, withURL bool) error {
	var table = tablewriter.NewWriter(w)

	var headers = []any{"ID", "Name", "Saved", "Size", "Users", "Quarantined", "SHA256", "Writer"}
	if withURL {
		headers = append(headers, "URL")
	}
	table.Header(headers...)

	for _, l := range listings {
		var saved, users, quarantined, sum = "staged", "", "", ""

		if !l.Staged {
			saved = humanize.Time(l.SavedAt)
		}
		// Counts are carried by captions, which snapshots of older writers lack.
		if l.Fingerprint != "" {
			users = strconv.Itoa(l.Users)
			quarantined = strconv.Itoa(l.Quarantined)
			sum = l.Fingerprint[:min(12, len(l.Fingerprint))] + "..."
		}
		var row = []string{
			l.ID,
			l.Name,
			saved,
			humanize.IBytes(uint64(l.Size)),
			users,
			quarantined,
			sum,
			l.Writer,
		}
		if withURL {
			row = append(row, l.URL)
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

func (cmd *cmdSnapshotsPrune) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ctx = context.Background()
	var p, err = openPersistence(ctx, Config.Persist, Config.Remote)
	mbp.Must(err, "opening remote log")
	defer p.close()

	stats, ok, err := prune(ctx, p.loader, p.pruner, cmd.DryRun)
	mbp.Must(err, "pruning snapshots")

	if !ok {
		log.Info("remote log has no readable snapshot (nothing to prune)")
		return nil
	}
	log.WithFields(log.Fields{
		"scanned": stats.Scanned,
		"kept":    stats.Kept,
		"newer":   stats.Newer,
		"deleted": stats.Deleted,
		"failed":  stats.Failed,
		"dryRun":  cmd.DryRun,
	}).Info("pruned snapshots")

	return nil
}

// prune the Log of |pruner|, retaining the newest snapshot of |loader|.
// It returns false if the Log has no readable snapshot.
func prune(ctx context.Context, loader *snapshot.Loader, pruner *snapshot.Pruner, dryRun bool) (snapshot.Stats, bool, error) {
	var loaded, ok, err = loader.Head(ctx)
	if err != nil || !ok {
		return snapshot.Stats{}, false, err
	}
	var p = *pruner
	p.DryRun = dryRun

	stats, err := p.Prune(ctx, loaded.Ref)
	return stats, true, err
}

// inspection reports on the records of a snapshot as they'd hydrate.
type inspection struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Fingerprint string         `json:"sha256"`
	SavedAt     time.Time      `json:"savedAt"`
	Writer      string         `json:"writer,omitempty"`
	Users       int            `json:"users"`
	Shapes      map[string]int `json:"shapes"`
	Migrated    int            `json:"migrated"`
	Repaired    int            `json:"repaired"`
	Issues      []string       `json:"issues,omitempty"`
	// Unrecognized records of the users section, which would be quarantined.
	Unrecognized []string `json:"unrecognized,omitempty"`
	// Quarantined records, and those of them which now normalize.
	Quarantined int      `json:"quarantined"`
	Recoverable []string `json:"recoverable,omitempty"`
}

func (cmd *cmdSnapshotsInspect) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ctx = context.Background()
	var p, err = openPersistence(ctx, Config.Persist, Config.Remote)
	mbp.Must(err, "opening remote log")
	defer p.close()

	report, err := inspect(ctx, p.loader, p.catalog, cmd.ID)
	mbp.Must(err, "inspecting snapshot", "id", cmd.ID)

	switch cmd.Format {
	case "json":
		var enc = json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		mbp.Must(enc.Encode(report), "failed to encode to json")
	default:
		mbp.Must(writeInspection(os.Stdout, report), "failed to write table")
	}
	return nil
}

// inspect the snapshot of Entry |id|, or the newest readable snapshot if
// |id| is empty.
func inspect(ctx context.Context, loader *snapshot.Loader, catalog *record.Catalog, id string) (inspection, error) {
	var ref snapshot.Ref
	var env snapshot.Envelope

	if id == "" {
		var loaded, ok, err = loader.Head(ctx)
		if err != nil {
			return inspection{}, err
		} else if !ok {
			return inspection{}, fmt.Errorf("remote log has no readable snapshot")
		}
		ref, env = loaded.Ref, loaded.Envelope
	} else {
		var entry, err = findEntry(ctx, loader.Log, loader.PageSize, id)
		if err != nil {
			return inspection{}, err
		}
		if ref, env, err = loader.Read(ctx, entry); err != nil {
			return inspection{}, err
		}
	}

	var out = inspection{
		ID:          ref.Entry.ID,
		Name:        ref.Entry.Name,
		Fingerprint: ref.Fingerprint,
		SavedAt:     env.Meta.SavedAt,
		Writer:      ref.Writer,
		Users:       len(env.Users),
		Shapes:      make(map[string]int),
		Quarantined: len(env.Quarantine),
	}

	for _, uid := range sortedIDs(env.Users) {
		var raw = env.Users[uid]

		var shape, err = migrate.Detect(raw)
		if err != nil {
			out.Unrecognized = append(out.Unrecognized, fmt.Sprintf("%s: %s", uid, err))
			continue
		}
		out.Shapes[shape.String()]++

		rec, applied, err := migrate.Normalize(raw)
		if err != nil {
			out.Unrecognized = append(out.Unrecognized, fmt.Sprintf("%s: %s", uid, err))
			continue
		}
		if applied != 0 {
			out.Migrated++
		}
		if _, issues := sanitize.Repair(catalog, rec); len(issues) != 0 {
			out.Repaired++
			for _, issue := range issues {
				out.Issues = append(out.Issues, fmt.Sprintf("%s: %s", uid, issue))
			}
		}
	}
	for _, uid := range sortedIDs(env.Quarantine) {
		if _, _, err := migrate.Normalize(env.Quarantine[uid]); err == nil {
			out.Recoverable = append(out.Recoverable, uid)
		}
	}
	return out, nil
}

func findEntry(ctx context.Context, l remotelog.Log, pageSize int, id string) (remotelog.Entry, error) {
	var out remotelog.Entry

	var err = remotelog.Walk(ctx, l, pageSize, func(e remotelog.Entry) error {
		if e.ID == id {
			out = e
			return remotelog.Stop
		}
		return nil
	})
	if err == nil && out.ID == "" {
		err = errors.WithMessagef(remotelog.ErrNotFound, "snapshot %s", id)
	}
	return out, err
}

func writeInspection(w io.Writer, r inspection) error {
	var table = tablewriter.NewWriter(w)
	table.Header("Property", "Value")

	var rows = [][]string{
		{"ID", r.ID},
		{"Name", r.Name},
		{"SHA256", r.Fingerprint},
		{"Saved", r.SavedAt.Format(time.RFC3339) + " (" + humanize.Time(r.SavedAt) + ")"},
		{"Writer", r.Writer},
		{"Users", strconv.Itoa(r.Users)},
	}
	var shapes = make([]string, 0, len(r.Shapes))
	for shape := range r.Shapes {
		shapes = append(shapes, shape)
	}
	sort.Strings(shapes)
	for _, shape := range shapes {
		rows = append(rows, []string{"Shape " + shape, strconv.Itoa(r.Shapes[shape])})
	}
	rows = append(rows,
		[]string{"Migrated", strconv.Itoa(r.Migrated)},
		[]string{"Repaired", strconv.Itoa(r.Repaired)},
		[]string{"Unrecognized", strconv.Itoa(len(r.Unrecognized))},
		[]string{"Quarantined", strconv.Itoa(r.Quarantined)},
		[]string{"Recoverable", strconv.Itoa(len(r.Recoverable))},
	)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	for _, section := range []struct {
		title string
		items []string
	}{
		{"Repairs", r.Issues},
		{"Unrecognized", r.Unrecognized},
		{"Recoverable", r.Recoverable},
	} {
		if len(section.items) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s:\n", section.title)
		for _, item := range section.items {
			fmt.Fprintf(w, "  %s\n", item)
		}
	}
	return nil
}

func sortedIDs(m map[string]json.RawMessage) []string {
	var out = make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
