package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keepsakebot/keepsake/auth"
	"github.com/keepsakebot/keepsake/codecs"
	"github.com/keepsakebot/keepsake/record"
	"github.com/keepsakebot/keepsake/remotelog"
	"github.com/keepsakebot/keepsake/retry"
	"github.com/keepsakebot/keepsake/snapshot"
	"github.com/keepsakebot/keepsake/store"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestAuthorization(t *testing.T) {
	var f = newFixture(t)

	var resp = f.do(t, "GET", "/admin/status", "")
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Contains(t, resp.Body.String(), "missing or empty Authorization token")

	resp = f.do(t, "GET", "/admin/status", f.read)
	require.Equal(t, http.StatusOK, resp.Code)

	// READ tokens can't mutate.
	resp = f.do(t, "POST", "/admin/flush", f.read)
	require.Equal(t, http.StatusUnauthorized, resp.Code)
	require.Contains(t, resp.Body.String(), "missing required ADMIN capability")

	resp = f.do(t, "DELETE", "/admin/records/alice", f.admin)
	require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
}

func TestStatus(t *testing.T) {
	var f = newFixture(t)

	var resp = f.do(t, "GET", "/admin/status", f.read)
	require.Equal(t, http.StatusOK, resp.Code)

	var status struct {
		State       string `json:"state"`
		Records     int    `json:"records"`
		Quarantined int    `json:"quarantined"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	require.Equal(t, "READY", status.State)
	require.Equal(t, 3, status.Records)
	require.Equal(t, 1, status.Quarantined)
}

func TestListRecords(t *testing.T) {
	var f = newFixture(t)

	var page listResponse
	var resp = f.do(t, "GET", "/admin/records?limit=2", f.read)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	require.Len(t, page.Records, 2)
	require.Contains(t, page.Records, "alice")
	require.Equal(t, "bob", page.Next)

	resp = f.do(t, "GET", "/admin/records?limit=2&after=bob", f.read)
	page = listResponse{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &page))
	require.Len(t, page.Records, 1)
	require.Equal(t, int64(7), page.Records["carol"].Coins)
	require.Empty(t, page.Next)

	for _, query := range []string{"limit=-1", "limit=many", "sort=asc"} {
		resp = f.do(t, "GET", "/admin/records?"+query, f.read)
		require.Equal(t, http.StatusBadRequest, resp.Code, query)
	}
}

func TestGetRecord(t *testing.T) {
	var f = newFixture(t)

	var rr recordResponse
	var resp = f.do(t, "GET", "/admin/records/alice", f.read)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rr))
	require.Equal(t, int64(40), rr.Record.Coins)
	require.Nil(t, rr.Quarantined)

	rr = recordResponse{}
	resp = f.do(t, "GET", "/admin/records/zed", f.read)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rr))
	require.Nil(t, rr.Record)
	require.JSONEq(t, `{"version": 99}`, string(rr.Quarantined))

	resp = f.do(t, "GET", "/admin/records/nobody", f.read)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestReloadResetAndFlush(t *testing.T) {
	var f = newFixture(t)

	var rr recordResponse
	var resp = f.do(t, "POST", "/admin/records/alice/reload", f.admin)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rr))
	require.Equal(t, []string{"c001"}, rr.Record.CollectibleIDs())

	resp = f.do(t, "POST", "/admin/records/zed/reload", f.admin)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	require.Contains(t, resp.Body.String(), "unrecognized record schema")

	rr = recordResponse{}
	resp = f.do(t, "POST", "/admin/records/alice/reset", f.admin)
	require.Equal(t, http.StatusOK, resp.Code)
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rr))
	require.Equal(t, int64(40), rr.Record.Coins)
	require.Empty(t, rr.Record.Collectibles)

	resp = f.do(t, "POST", "/admin/records/nobody/reset", f.admin)
	require.Equal(t, http.StatusNotFound, resp.Code)

	resp = f.do(t, "POST", "/admin/flush", f.admin)
	require.Equal(t, http.StatusOK, resp.Code)
	require.GreaterOrEqual(t, f.log.Len(), 2)
}

type fixture struct {
	log         *remotelog.MemoryLog
	handler     *Handler
	read, admin string
}

func newFixture(t *testing.T) *fixture {
	var l = remotelog.NewMemoryLog()
	var _, err = l.Post(context.Background(), snapshot.Name(time.Unix(1, 0), codecs.None), []byte(`{
		"users": {
			"alice": {"inventory": ["c001"], "balance": 40},
			"bob":   {"coins": 5},
			"carol": {"version": 2, "coins": 7}
		},
		"quarantine": {"zed": {"version": 99}},
		"meta": {}
	}`), "")
	require.NoError(t, err)

	var fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/staging", 0700))
	var w = &snapshot.Writer{Log: l, Fs: fs, Dir: "/staging", Codec: codecs.Snappy, Identity: "test"}

	var s = store.New(store.Config{Retry: retry.Policy{MaxAttempts: 1}}, record.DefaultCatalog(),
		&snapshot.Loader{Log: l, PageSize: 10}, w, nil)
	require.NoError(t, s.Hydrate(context.Background()))

	ka, err := auth.NewKeyedAuth("c2VjcmV0")
	require.NoError(t, err)

	var f = &fixture{log: l, handler: NewHandler(s, ka)}
	f.read = sign(t, ka, auth.READ)
	f.admin = sign(t, ka, auth.READ|auth.ADMIN)
	return f
}

func sign(t *testing.T, ka *auth.KeyedAuth, c auth.Capability) string {
	var token, err = ka.Sign(auth.Claims{Capability: c}, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func (f *fixture) do(t *testing.T, method, target, authorization string) *httptest.ResponseRecorder {
	var req = httptest.NewRequest(method, target, strings.NewReader(""))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	var rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}
