// Package snapshot publishes, prunes, and loads snapshots of the complete
// record store to and from a remotelog.Log.
//
// A snapshot is a single JSON envelope, compressed by a codecs.Codec and
// posted as one attachment:
//
//	{"version": 2, "users": {"<id>": {...}}, "quarantine": {"<id>": ...}, "meta": {...}}
//
// Attachments are named "snapshot-<unix-nanos>.json" plus the suffix of the
// codec. Blobs are staged under ".staging-<uuid>" names, which never match
// the snapshot convention.
//
// Snapshots are written by exactly one process at a time. Two writers
// publishing to, and pruning, the same Log would delete each other's
// snapshots. See package lease.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/pkg/errors"
)

// Envelope is the decoded form of a snapshot.
type Envelope struct {
	// Version of the Records within Users.
	Version int `json:"version"`
	// Users maps user IDs to their encoded Records. Records are held
	// encoded, as they may be of any prior schema version.
	Users map[string]json.RawMessage `json:"users"`
	// Quarantine maps user IDs to records which couldn't be migrated
	// when loaded. They're carried forward verbatim.
	Quarantine map[string]json.RawMessage `json:"quarantine,omitempty"`
	Meta       Meta                       `json:"meta"`
}

// Meta describes the writing of a snapshot.
type Meta struct {
	SavedAt time.Time `json:"savedAt"`
	Writer  string    `json:"writer,omitempty"`
	Count   int       `json:"count"`
}

// State is the complete content of a snapshot.
type State struct {
	Records     map[string]record.Record
	Quarantined map[string]json.RawMessage
}

// Encode |st| into the JSON envelope of a snapshot.
func Encode(st State, meta Meta) ([]byte, error) {
	var env = Envelope{
		Version: record.CurrentVersion,
		Users:   make(map[string]json.RawMessage, len(st.Records)),
		Meta:    meta,
	}
	env.Meta.Count = len(st.Records)

	for id, r := range st.Records {
		var b, err = json.Marshal(r)
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding record %q", id)
		}
		env.Users[id] = b
	}
	for id, raw := range st.Quarantined {
		if env.Quarantine == nil {
			env.Quarantine = make(map[string]json.RawMessage, len(st.Quarantined))
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, errors.WithMessagef(err, "compacting quarantined record %q", id)
		}
		env.Quarantine[id] = buf.Bytes()
	}
	return json.Marshal(env)
}

// Decode a snapshot envelope. A bare JSON object without "users" is read as
// a mapping of user IDs to records, which is the form of snapshots written
// before the envelope was introduced. Each value of a bare mapping must be
// a JSON object.
func Decode(b []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return Envelope{}, errors.WithMessage(err, "decoding snapshot")
	} else if probe == nil {
		return Envelope{}, fmt.Errorf("snapshot is null")
	}
	if _, ok := probe["users"]; !ok {
		for id, raw := range probe {
			if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
				return Envelope{}, fmt.Errorf("snapshot without users has non-object value at %q", id)
			}
		}
		return Envelope{Users: probe}, nil
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, errors.WithMessage(err, "decoding snapshot envelope")
	} else if env.Users == nil {
		return Envelope{}, fmt.Errorf("snapshot envelope has null users")
	}
	return env, nil
}

// Fingerprint is the hex SHA-256 of a blob.
func Fingerprint(blob []byte) string {
	var sum = sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Ref references a published snapshot.
type Ref struct {
	Entry       remotelog.Entry
	Fingerprint string
	Codec       codecs.Codec
	Users       int
	Quarantined int
	Writer      string
}

// Caption of the snapshot's log Entry.
func (r Ref) Caption() string {
	return fmt.Sprintf("keepsake snapshot sha256:%s users:%d quarantined:%d writer:%s",
		r.Fingerprint, r.Users, r.Quarantined, r.Writer)
}

// ParseCaption populates Ref fields from an Entry caption. Unknown or
// malformed fields are ignored, and a caption having none yields a zero Ref.
func ParseCaption(caption string) Ref {
	var out Ref
	for _, field := range strings.Fields(caption) {
		var kv = strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "sha256":
			out.Fingerprint = kv[1]
		case "users":
			out.Users, _ = strconv.Atoi(kv[1])
		case "quarantined":
			out.Quarantined, _ = strconv.Atoi(kv[1])
		case "writer":
			out.Writer = kv[1]
		}
	}
	return out
}

// StagingPrefix prefixes the names of staged blobs.
const StagingPrefix = ".staging-"

var nameRe = regexp.MustCompile(`^snapshot-([0-9]{1,19})\.json(\.gz|\.sz|\.zst)?$`)

// Name returns the attachment name of a snapshot saved at |savedAt|.
func Name(savedAt time.Time, codec codecs.Codec) string {
	return fmt.Sprintf("snapshot-%d.json%s", savedAt.UnixNano(), codec.Suffix())
}

// ParseName returns the save time and Codec of snapshot attachment |name|,
// or false if |name| doesn't follow the snapshot naming convention.
func ParseName(name string) (time.Time, codecs.Codec, bool) {
	var m = nameRe.FindStringSubmatch(name)
	if m == nil {
		return time.Time{}, "", false
	}
	var nanos, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	var codec, _ = codecs.FromName(name)
	return time.Unix(0, nanos).UTC(), codec, true
}

// IsStagingName returns true if |name| is that of a staged blob.
func IsStagingName(name string) bool { return strings.HasPrefix(name, StagingPrefix) }
