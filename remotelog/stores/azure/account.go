package azure

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
)

// accountStore is a Store authenticated by a storage account Shared Key
// (azure://container/prefix/ URLs).
type accountStore struct {
	storeBase
	sasKey *service.SharedKeyCredential
}

// NewAccount creates a new Azure Shared Key authenticated Store from the provided URL.
// The account is named by the AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY environment variables.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var storageAccount = os.Getenv("AZURE_ACCOUNT_NAME")
	var accountKey = os.Getenv("AZURE_ACCOUNT_KEY")

	if storageAccount == "" || accountKey == "" {
		return nil, fmt.Errorf("AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY must be set for azure:// URLs")
	}
	credentials, err := azblob.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}
	// SAS signing uses the credential type of the newer SDK.
	sasKey, err := service.NewSharedKeyCredential(storageAccount, accountKey)
	if err != nil {
		return nil, err
	}

	var store = &accountStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: storageAccount,
			blobDomain:     blobDomain(),
			container:      ep.Host,
			prefix:         strings.TrimPrefix(ep.Path, "/"),
			pipeline:       azblob.NewPipeline(credentials, azblob.PipelineOptions{}),
		},
		sasKey: sasKey,
	}

	log.WithFields(log.Fields{
		"storageAccount": storageAccount,
		"blobDomain":     store.blobDomain,
		"container":      store.container,
		"prefix":         store.prefix,
	}).Info("constructed new Azure Shared Key storage client")

	return store, nil
}

func (a *accountStore) Provider() string { return "azure" }

// SignGet returns a URL signed with the account Shared Key.
func (a *accountStore) SignGet(path string, d time.Duration) (string, error) {
	var blob = a.prefix + path

	var params, err = sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithSharedKey(a.sasKey)

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s?%s", a.containerURL(), blob, params.Encode()), nil
}
