package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keepsakebot/keepsake/metrics"
	"github.com/keepsakebot/keepsake/migrate"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/sanitize"
	"github.com/keepsakebot/keepsake/snapshot"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Hydrate the Store from the newest readable snapshot of the remote log.
// Each record is migrated to the current schema and repaired. Records which
// can't be migrated are quarantined: they're excluded from the Store, and
// carried forward by each flush.
//
// If the log holds no snapshot, the Store starts empty. If the log can't be
// read, Hydrate fails unless AllowColdStartOnError, and the Store remains
// Uninitialized.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		var st = s.state
		s.mu.Unlock()
		return fmt.Errorf("can't hydrate a store which is %s", st)
	}
	s.setStateLocked(Hydrating)
	s.mu.Unlock()

	if s.cfg.HydrationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.HydrationTimeout)
		defer cancel()
	}

	var loaded, ok, err = s.loader.Newest(ctx)
	var h = hydration{
		records:     make(map[string]record.Record),
		quarantined: make(map[string]json.RawMessage),
	}

	switch {
	case err != nil && !s.cfg.AllowColdStartOnError:
		s.mu.Lock()
		if s.state == Hydrating {
			s.setStateLocked(Uninitialized)
		}
		s.mu.Unlock()
		return pkgerrors.WithMessage(err, "hydrating store")
	case err != nil:
		log.WithField("err", err).Warn("failed to read remote log (starting cold)")
	case !ok:
		log.Info("remote log has no snapshot (starting cold)")
	default:
		s.restore(&h, loaded.Envelope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Hydrating {
		return fmt.Errorf("store became %s during hydration", s.state)
	}
	s.records, s.quarantined, s.hydrated = h.records, h.quarantined, loaded.Ref
	s.setStateLocked(Ready)
	s.updateGaugesLocked()

	log.WithFields(log.Fields{
		"snapshot":    loaded.Ref.Entry.Name,
		"savedAt":     loaded.Envelope.Meta.SavedAt,
		"users":       len(h.records),
		"quarantined": len(h.quarantined),
		"migrated":    h.migrated,
		"repaired":    h.repaired,
		"skipped":     len(loaded.Skipped),
		"backups":     loaded.Backups,
	}).Info("hydrated store")

	return nil
}

// Reload user |id| from the newest snapshot of the remote log, replacing its
// in-memory Record. Callers should hold the user's lock. A record which
// can't be migrated fails with migrate.ErrUnrecognizedSchema, and the Store
// is unchanged.
func (s *Store) Reload(ctx context.Context, id string) (record.Record, error) {
	if st := s.State(); !st.serving() {
		return record.Record{}, ErrNotReady
	}

	var loaded, ok, err = s.loader.Head(ctx)
	if err != nil {
		return record.Record{}, pkgerrors.WithMessage(err, "reading remote log")
	} else if !ok {
		return record.Record{}, pkgerrors.WithMessage(ErrUnknownUser, "remote log has no snapshot")
	}

	var raw, found = loaded.Envelope.Users[id]
	if !found {
		raw, found = loaded.Envelope.Quarantine[id]
	}
	if !found {
		return record.Record{}, pkgerrors.WithMessagef(ErrUnknownUser, "user %q in snapshot %s", id, loaded.Ref.Entry.Name)
	}

	r, _, _, err := s.normalize(id, raw)
	if err != nil {
		return record.Record{}, pkgerrors.WithMessagef(err, "user %q", id)
	}

	s.mu.Lock()
	s.records[id] = r
	delete(s.quarantined, id)
	s.updateGaugesLocked()
	s.mu.Unlock()

	log.WithFields(log.Fields{"user": id, "snapshot": loaded.Ref.Entry.Name}).Info("reloaded user record")
	return r.Clone(), nil
}

type hydration struct {
	records     map[string]record.Record
	quarantined map[string]json.RawMessage
	migrated    int
	repaired    int
}

func (s *Store) restore(h *hydration, env snapshot.Envelope) {
	for id, raw := range env.Users {
		var r, migrated, repaired, err = s.normalize(id, raw)
		if err != nil {
			log.WithFields(log.Fields{"user": id, "err": err}).Warn("quarantining record")
			h.quarantined[id] = raw
			continue
		}
		h.add(id, r, migrated, repaired)
	}

	// Records quarantined by an earlier process may be understood now.
	for id, raw := range env.Quarantine {
		if _, ok := h.records[id]; ok {
			h.quarantined[id] = raw
			continue
		}
		var r, migrated, repaired, err = s.normalize(id, raw)
		if err != nil {
			h.quarantined[id] = raw
			continue
		}
		log.WithField("user", id).Info("recovered quarantined record")
		h.add(id, r, migrated, repaired)
	}
}

func (h *hydration) add(id string, r record.Record, migrated int, repaired bool) {
	h.records[id] = r
	if migrated != 0 {
		h.migrated++
	}
	if repaired {
		h.repaired++
	}
}

// normalize migrates and repairs the encoded record of user |id|, returning
// the number of migrations applied and whether it was repaired.
func (s *Store) normalize(id string, raw json.RawMessage) (record.Record, int, bool, error) {
	var r, migrated, err = migrate.Normalize(raw)
	if err != nil {
		return record.Record{}, 0, false, err
	}

	var issues []sanitize.Issue
	if r, issues = sanitize.Repair(s.catalog, r); len(issues) != 0 {
		metrics.StoreRepairedRecordsTotal.Inc()

		var repairs = make([]string, len(issues))
		for i, issue := range issues {
			repairs[i] = issue.String()
		}
		log.WithFields(log.Fields{
			"user":    id,
			"repairs": repairs,
		}).Warn("repaired record")
	}
	return r, migrated, len(issues) != 0, nil
}
