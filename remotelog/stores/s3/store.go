package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an s3:// store URL.
type StoreQueryArgs struct {
	// AWS Profile to extract credentials from the shared credentials file.
	// If empty, the default credentials are used.
	Profile string
	// Endpoint to connect to S3. If empty, the default S3 service is used.
	Endpoint string
	// ACL applied when persisting new objects.
	ACL string
	// Storage class applied when persisting new objects. By default,
	// this is s3.ObjectStorageClassStandard.
	StorageClass string
	// SSE is the server-side encryption type to be applied (eg, "AES256").
	// By default, encryption is not used.
	SSE string
	// SSEKMSKeyId specifies the ID for the AWS KMS symmetric customer managed key
	// By default, not used.
	SSEKMSKeyId string
	// Region is the region for the bucket. If empty, the region is determined
	// from `Profile` or the default credentials.
	Region string
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *s3.S3
}

// New returns a Store of an s3://bucket/prefix/ URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}

	var awsSession, err = session.NewSessionWithOptions(session.Options{Profile: args.Profile})
	if err != nil {
		return nil, fmt.Errorf("constructing S3 session: %w", err)
	}
	creds, err := awsSession.Config.Credentials.Get()
	if err != nil {
		return nil, fmt.Errorf("fetching AWS credentials for profile %q: %w", args.Profile, err)
	}
	// Requests fail without a region, even to an explicit Endpoint.
	var region = args.Region
	if region == "" {
		region = aws.StringValue(awsSession.Config.Region)
	}
	if region == "" {
		return nil, fmt.Errorf("missing AWS region configuration for profile %q", args.Profile)
	}

	log.WithFields(log.Fields{
		"bucket":       ep.Host,
		"endpoint":     args.Endpoint,
		"profile":      args.Profile,
		"region":       region,
		"keyID":        creds.AccessKeyID,
		"providerName": creds.ProviderName,
	}).Info("constructed S3 client")

	return &store{
		bucket: ep.Host,
		prefix: strings.TrimPrefix(ep.Path, "/"),
		args:   args,
		client: s3.New(awsSession, clientConfig(args)),
	}, nil
}

// clientConfig returns the aws.Config of a client of |args|.
func clientConfig(args StoreQueryArgs) *aws.Config {
	var cfg = aws.NewConfig().WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		cfg = cfg.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		// Bucket-named virtual hosts don't work with explicit endpoints.
		cfg = cfg.WithEndpoint(args.Endpoint).WithS3ForcePathStyle(true)
	} else {
		// Blobs are read as posted: the transport mustn't decompress them.
		cfg = cfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}
	return cfg
}

func (s *store) Provider() string { return "s3" }

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	var req, _ = s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
	})
	return req.Presign(d)
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var resp, err = s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", path, stores.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var _, err = s.client.PutObjectWithContext(ctx,
		s.putInput(path, io.NewSectionReader(content, 0, contentLength), contentEncoding))
	return err
}

// putInput returns the PutObjectInput of |path|, applying the object
// options of the store's arguments.
func (s *store) putInput(path string, body io.ReadSeeker, contentEncoding string) *s3.PutObjectInput {
	var in = &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
		Body:   body,
	}
	var optional = func(v string) *string {
		if v == "" {
			return nil
		}
		return aws.String(v)
	}
	in.ACL = optional(s.args.ACL)
	in.StorageClass = optional(s.args.StorageClass)
	in.ServerSideEncryption = optional(s.args.SSE)
	in.SSEKMSKeyId = optional(s.args.SSEKMSKeyId)
	in.ContentEncoding = optional(contentEncoding)

	return in
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var q = s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	var cbErr error
	var err = s.client.ListObjectsV2PagesWithContext(ctx, &q, func(objs *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range objs.Contents {
			if strings.HasSuffix(*obj.Key, "/") {
				continue // Ignore directory-like objects.
			}
			var relPath = strings.TrimPrefix(*obj.Key, prefix)
			if cbErr = callback(relPath, aws.Int64Value(obj.Size), aws.TimeValue(obj.LastModified)); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

// Remove is idempotent, as DeleteObject of a missing key succeeds.
func (s *store) Remove(ctx context.Context, path string) error {
	var _, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + path),
	})
	return err
}

func (s *store) IsAuthError(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		switch awsErr.Code() {
		case s3.ErrCodeNoSuchBucket, s3ErrCodeAccessDenied:
			return true
		}
	}
	if awsErr, ok := err.(awserr.RequestFailure); ok && awsErr.StatusCode() == http.StatusForbidden {
		return true
	}
	return false
}

func isNotFound(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == s3.ErrCodeNoSuchKey {
		return true
	}
	if awsErr, ok := err.(awserr.RequestFailure); ok && awsErr.StatusCode() == http.StatusNotFound {
		return awsErr.Code() != s3.ErrCodeNoSuchBucket
	}
	return false
}

// AWS S3 error codes not defined as constants in the SDK.
const s3ErrCodeAccessDenied = "AccessDenied"
