// Package admin serves an HTTP API for inspecting and repairing user records
// of a store.Store. Requests carry a bearer JWT verified by package auth.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/gorilla/schema"
	"github.com/keepsakebot/keepsake/auth"
	"github.com/keepsakebot/keepsake/flush"
	"github.com/keepsakebot/keepsake/migrate"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/store"
	log "github.com/sirupsen/logrus"
)

// Store is the subset of *store.Store used by the Handler.
type Store interface {
	Status() store.Status
	All() map[string]record.Record
	Lookup(id string) (record.Record, bool)
	Quarantined() map[string]json.RawMessage
	Reset(id string) error
	Reload(ctx context.Context, id string) (record.Record, error)
	WithUserLock(ctx context.Context, id string, fn func() error) error
	RequestFlush() flush.OpFuture
	Flush(ctx context.Context) error
}

// Handler serves the admin API under /admin/.
type Handler struct {
	store    Store
	verifier auth.Verifier
	decoder  *schema.Decoder
	mux      *http.ServeMux
}

// DefaultListLimit is the page size of record listings which don't specify one.
const DefaultListLimit = 100

// NewHandler returns a Handler of |s|, which verifies requests with |v|.
func NewHandler(s Store, v auth.Verifier) *Handler {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	var h = &Handler{
		store:    s,
		verifier: v,
		decoder:  decoder,
		mux:      http.NewServeMux(),
	}
	h.mux.Handle("GET /admin/status", h.require(auth.READ, h.serveStatus))
	h.mux.Handle("GET /admin/records", h.require(auth.READ, h.serveList))
	h.mux.Handle("GET /admin/records/{id}", h.require(auth.READ, h.serveRecord))
	h.mux.Handle("POST /admin/records/{id}/reset", h.require(auth.ADMIN, h.serveReset))
	h.mux.Handle("POST /admin/records/{id}/reload", h.require(auth.ADMIN, h.serveReload))
	h.mux.Handle("POST /admin/flush", h.require(auth.ADMIN, h.serveFlush))

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.mux.ServeHTTP(w, r) }

func (h *Handler) require(c auth.Capability, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := h.verifier.Verify(r.Header.Get("Authorization"), c); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		fn(w, r)
	})
}

func (h *Handler) serveStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Status())
}

// listRequest is the query of a record listing.
type listRequest struct {
	// Limit of the number of records returned.
	Limit int `schema:"limit"`
	// After returns records of users ordered after this one.
	After string `schema:"after"`
}

type listResponse struct {
	Records map[string]record.Record `json:"records"`
	// Next is the After of the following page, if there is one.
	Next string `json:"next,omitempty"`
}

func (h *Handler) serveList(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := h.decoder.Decode(&req, r.URL.Query()); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else if req.Limit < 0 {
		http.Error(w, fmt.Sprintf("invalid limit %d", req.Limit), http.StatusBadRequest)
		return
	} else if req.Limit == 0 {
		req.Limit = DefaultListLimit
	}

	var all = h.store.All()
	var ids = make([]string, 0, len(all))
	for id := range all {
		if id > req.After {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var resp = listResponse{Records: make(map[string]record.Record)}
	for i, id := range ids {
		if i == req.Limit {
			resp.Next = ids[i-1]
			break
		}
		resp.Records[id] = all[id]
	}
	writeJSON(w, http.StatusOK, resp)
}

type recordResponse struct {
	ID          string          `json:"id"`
	Record      *record.Record  `json:"record,omitempty"`
	Quarantined json.RawMessage `json:"quarantined,omitempty"`
}

func (h *Handler) serveRecord(w http.ResponseWriter, r *http.Request) {
	var id = r.PathValue("id")
	var resp = recordResponse{ID: id}

	if rec, ok := h.store.Lookup(id); ok {
		resp.Record = &rec
	}
	if raw, ok := h.store.Quarantined()[id]; ok {
		resp.Quarantined = raw
	}
	if resp.Record == nil && resp.Quarantined == nil {
		http.Error(w, store.ErrUnknownUser.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) serveReset(w http.ResponseWriter, r *http.Request) {
	var id = r.PathValue("id")

	var err = h.store.WithUserLock(r.Context(), id, func() error { return h.store.Reset(id) })
	if err != nil {
		writeError(w, err)
		return
	}
	h.store.RequestFlush()

	var rec, _ = h.store.Lookup(id)
	writeJSON(w, http.StatusOK, recordResponse{ID: id, Record: &rec})
}

func (h *Handler) serveReload(w http.ResponseWriter, r *http.Request) {
	var id = r.PathValue("id")
	var rec record.Record

	var err = h.store.WithUserLock(r.Context(), id, func() (err error) {
		rec, err = h.store.Reload(r.Context(), id)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{ID: id, Record: &rec})
}

func (h *Handler) serveFlush(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Flush(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Status())
}

func writeError(w http.ResponseWriter, err error) {
	var status = http.StatusInternalServerError

	switch {
	case errors.Is(err, store.ErrUnknownUser):
		status = http.StatusNotFound
	case errors.Is(err, migrate.ErrUnrecognizedSchema):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotReady), errors.Is(err, flush.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	default:
		log.WithField("err", err).Warn("admin request failed")
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var enc = json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.WithField("err", err).Warn("failed to write admin response")
	}
}
