package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/keepsakebot/keepsake/remotelog/stores"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// or azure-ad:// store URL.
type StoreQueryArgs struct {
	// AccessTier of uploaded blobs (e.g. "Hot", "Cool"). If empty, the
	// account default is used.
	AccessTier string
}

// storeBase provides common Azure storage operations.
type storeBase struct {
	args           StoreQueryArgs
	storageAccount string // Storage accounts in Azure are the equivalent to a "bucket" in S3.
	blobDomain     string // Domain of the blob storage account (e.g. blob.core.windows.net).
	container      string // Blobs are stored inside of containers, which live inside accounts.
	prefix         string // Path prefix of blobs inside the container.
	pipeline       pipeline.Pipeline
}

func (a *storeBase) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, err
	}
	download, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if isBlobNotFound(err) {
		return nil, fmt.Errorf("%s: %w", path, stores.ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	return download.Body(azblob.RetryReaderOptions{}), nil
}

func (a *storeBase) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	var headers = azblob.BlobHTTPHeaders{ContentEncoding: contentEncoding}
	var tier = azblob.DefaultAccessTier
	if a.args.AccessTier != "" {
		tier = azblob.AccessTierType(a.args.AccessTier)
	}

	// The SDK requires an io.ReadSeeker, which a SectionReader provides.
	_, err = blobURL.Upload(ctx, io.NewSectionReader(content, 0, contentLength), headers,
		azblob.Metadata{}, azblob.BlobAccessConditions{}, tier, azblob.BlobTagsMap{},
		azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	return err
}

func (a *storeBase) List(ctx context.Context, prefix string, callback func(path string, size int64, modTime time.Time) error) error {
	prefix = a.prefix + prefix

	var u, err = url.Parse(a.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, a.pipeline)
	var options = azblob.ListBlobsSegmentOptions{Prefix: prefix}

	for marker := (azblob.Marker{}); marker.NotDone(); {
		var segment, err = containerURL.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return err
		}
		for _, blob := range segment.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Ignore directory-like objects.
			}
			var size int64
			if blob.Properties.ContentLength != nil {
				size = *blob.Properties.ContentLength
			}
			if err := callback(strings.TrimPrefix(blob.Name, prefix), size, blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = segment.NextMarker
	}
	return nil
}

func (a *storeBase) Remove(ctx context.Context, path string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	if isBlobNotFound(err) {
		return nil
	}
	return err
}

func (a *storeBase) IsAuthError(err error) bool {
	var storageErr, ok = err.(azblob.StorageError)
	if !ok {
		return false
	}
	switch storageErr.ServiceCode() {
	case azblob.ServiceCodeContainerNotFound,
		azblob.ServiceCodeContainerDisabled,
		azblob.ServiceCodeAccountIsDisabled:
		return true
	}
	return storageErr.Response() != nil && storageErr.Response().StatusCode == http.StatusForbidden
}

func isBlobNotFound(err error) bool {
	var storageErr, ok = err.(azblob.StorageError)
	return ok && storageErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
}

func (a *storeBase) buildBlobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(fmt.Sprint(a.containerURL(), "/", a.prefix+path))
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, a.pipeline)
	return &blobURL, nil
}

func (a *storeBase) containerURL() string {
	return fmt.Sprintf("%s/%s", azureStorageURL(a.storageAccount, a.blobDomain), a.container)
}

func azureStorageURL(storageAccount string, blobDomain string) string {
	return fmt.Sprintf("https://%s.%s", storageAccount, blobDomain)
}

// blobDomain returns the configured blob storage domain, which differs in
// sovereign clouds.
func blobDomain() string {
	if d := os.Getenv("AZURE_BLOB_DOMAIN"); d != "" {
		return d
	}
	return "blob.core.windows.net"
}
