package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of a gs:// store URL.
type StoreQueryArgs struct {
	// StorageClass of written objects. If empty, the bucket default is used.
	StorageClass string
}

type store struct {
	bucket           string
	prefix           string
	args             StoreQueryArgs
	client           *storage.Client
	signedURLOptions storage.SignedURLOptions
}

// credentialsFile identifies whether JSON credentials are an external
// account used by workload identity.
type credentialsFile struct {
	Type string `json:"type"`
}

// New creates a new GCS Store from the provided URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var bucket, prefix = ep.Host, strings.TrimPrefix(ep.Path, "/")
	var ctx = context.Background()

	creds, err := google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
	if err != nil {
		return nil, err
	}
	var externalAccount bool
	if creds.JSON != nil {
		var f credentialsFile
		if err := json.Unmarshal(creds.JSON, &f); err == nil {
			externalAccount = f.Type == "external_account"
		}
	}

	var s = &store{bucket: bucket, prefix: prefix, args: args}

	if creds.JSON != nil && !externalAccount {
		var conf, err = google.JWTConfigFromJSON(creds.JSON, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		if s.client, err = storage.NewClient(ctx, option.WithTokenSource(conf.TokenSource(ctx))); err != nil {
			return nil, err
		}
		s.signedURLOptions = storage.SignedURLOptions{
			GoogleAccessID: conf.Email,
			PrivateKey:     conf.PrivateKey,
		}

		log.WithFields(log.Fields{
			"ProjectID":      creds.ProjectID,
			"GoogleAccessID": conf.Email,
			"PrivateKeyID":   conf.PrivateKeyID,
		}).Info("constructed new GCS client")
	} else {
		// Without a service account key (e.g. GCE workload identity), signing
		// requires "iam.serviceAccounts.signBlob" on the service account.
		if s.client, err = storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource)); err != nil {
			return nil, err
		}
		log.WithField("ProjectID", creds.ProjectID).Info("constructed new GCS client without JWT")
	}
	return s, nil
}

func (s *store) Provider() string { return "gcs" }

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	var opts = s.signedURLOptions
	opts.Method = "GET"
	opts.Expires = time.Now().Add(d)

	return s.client.Bucket(s.bucket).SignedURL(s.prefix+path, &opts)
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var r, err = s.client.Bucket(s.bucket).Object(s.prefix + path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", path, stores.ErrNotFound)
	}
	return r, err
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	// Cancellation aborts the upload, rather than committing a partial object.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wc = s.client.Bucket(s.bucket).Object(s.prefix + path).NewWriter(ctx)
	wc.ContentEncoding = contentEncoding
	wc.StorageClass = s.args.StorageClass

	if _, err := io.Copy(wc, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return err
	}
	return wc.Close()
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	prefix = s.prefix + prefix
	var it = s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	for {
		var obj, err = it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		} else if strings.HasSuffix(obj.Name, "/") {
			continue // Ignore directory-like objects.
		}
		if err = callback(strings.TrimPrefix(obj.Name, prefix), obj.Size, obj.Updated); err != nil {
			return err
		}
	}
}

func (s *store) Remove(ctx context.Context, path string) error {
	var err = s.client.Bucket(s.bucket).Object(s.prefix + path).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	} else if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusForbidden:
			return true
		case http.StatusNotFound:
			// Only bucket-level 404s are AuthZ failures, not object-level ones.
			return strings.Contains(gErr.Message, "bucket")
		}
	}
	return false
}
