package s3

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	var store = &store{}

	var tests = []struct {
		name     string
		err      error
		auth     bool
		notFound bool
	}{
		{
			name: "NoSuchBucket is an auth error",
			err:  awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist", nil),
			auth: true,
		},
		{
			name: "AccessDenied is an auth error",
			err:  awserr.New(s3ErrCodeAccessDenied, "Access Denied", nil),
			auth: true,
		},
		{
			name: "403 Forbidden via RequestFailure is an auth error",
			err:  awserr.NewRequestFailure(awserr.New("Forbidden", "Forbidden", nil), http.StatusForbidden, "request-id"),
			auth: true,
		},
		{
			name: "InvalidAccessKeyId is an AuthN failure, which may be retried",
			err:  awserr.New("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist", nil),
		},
		{
			name:     "NoSuchKey is not found",
			err:      awserr.New(s3.ErrCodeNoSuchKey, "The specified key does not exist.", nil),
			notFound: true,
		},
		{
			name:     "404 of an object is not found",
			err:      awserr.NewRequestFailure(awserr.New("NotFound", "Not Found", nil), http.StatusNotFound, "request-id"),
			notFound: true,
		},
		{
			name: "404 of a bucket is not not-found",
			err:  awserr.NewRequestFailure(awserr.New(s3.ErrCodeNoSuchBucket, "no bucket", nil), http.StatusNotFound, "request-id"),
			auth: true,
		},
		{
			name: "Generic error",
			err:  errors.New("connection timeout"),
		},
		{
			name: "Nil error",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.auth, store.IsAuthError(test.err))
			require.Equal(t, test.notFound, isNotFound(test.err))
		})
	}
}

func TestPutInput(t *testing.T) {
	var s = &store{bucket: "bucket", prefix: "keepsake/", args: StoreQueryArgs{
		StorageClass: s3.ObjectStorageClassStandardIa,
		SSE:          "AES256",
	}}
	var in = s.putInput("snapshot-1.json.gz", strings.NewReader("blob"), "")

	require.Equal(t, "bucket", aws.StringValue(in.Bucket))
	require.Equal(t, "keepsake/snapshot-1.json.gz", aws.StringValue(in.Key))
	require.Equal(t, s3.ObjectStorageClassStandardIa, aws.StringValue(in.StorageClass))
	require.Equal(t, "AES256", aws.StringValue(in.ServerSideEncryption))
	require.Nil(t, in.ACL)
	require.Nil(t, in.SSEKMSKeyId)
	require.Nil(t, in.ContentEncoding)
}

func TestClientConfig(t *testing.T) {
	var cfg = clientConfig(StoreQueryArgs{Endpoint: "http://minio:9000", Region: "us-east-1"})
	require.Equal(t, "http://minio:9000", aws.StringValue(cfg.Endpoint))
	require.Equal(t, "us-east-1", aws.StringValue(cfg.Region))
	require.True(t, aws.BoolValue(cfg.S3ForcePathStyle))

	cfg = clientConfig(StoreQueryArgs{})
	require.Nil(t, cfg.Endpoint)
	require.NotNil(t, cfg.HTTPClient)
}
