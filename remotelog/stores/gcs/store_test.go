package gcs

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestIsAuthError(t *testing.T) {
	var s = &store{}

	for _, tc := range []struct {
		err    error
		expect bool
	}{
		{storage.ErrBucketNotExist, true},
		{fmt.Errorf("listing: %w", storage.ErrBucketNotExist), true},
		{&googleapi.Error{Code: http.StatusForbidden, Message: "Permission denied"}, true},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "bucket does not exist"}, true},
		{&googleapi.Error{Code: http.StatusNotFound, Message: "object not found"}, false},
		{&googleapi.Error{Code: http.StatusUnauthorized, Message: "Invalid credentials"}, false},
		{&googleapi.Error{Code: http.StatusTooManyRequests, Message: "rate limited"}, false},
		{storage.ErrObjectNotExist, false},
		{errors.New("network error"), false},
		{nil, false},
	} {
		require.Equal(t, tc.expect, s.IsAuthError(tc.err), "%v", tc.err)
	}
}

func TestUnknownArgumentsAreRejected(t *testing.T) {
	var ep, _ = url.Parse("gs://bucket/prefix/?Unknown=1")
	var _, err = New(ep)
	require.EqualError(t, err, "parsing store URL arguments: schema: invalid path \"Unknown\"")
}
