package azure

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/keepsakebot/keepsake/remotelog/stores"
	log "github.com/sirupsen/logrus"
)

// adStore is a Store authenticated as an Azure AD application, of
// azure-ad://tenant-id/storage-account/container/prefix/ URLs.
type adStore struct {
	storeBase
	tenantID   string
	delegation *delegation
}

// adLocation is the parsed location of an azure-ad:// URL.
type adLocation struct {
	tenantID, account, container, prefix string
}

func parseADLocation(ep *url.URL) (adLocation, error) {
	var parts = strings.Split(strings.TrimPrefix(ep.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return adLocation{}, fmt.Errorf("azure-ad:// URL must include storage account and container: azure-ad://tenant-id/storage-account/container/prefix/")
	}
	return adLocation{
		tenantID:  ep.Host,
		account:   parts[0],
		container: parts[1],
		prefix:    strings.Join(parts[2:], "/"),
	}, nil
}

// NewAD returns a Store of an azure-ad:// URL. The application is named by
// the AZURE_CLIENT_ID and AZURE_CLIENT_SECRET environment variables.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := stores.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var loc, err = parseADLocation(ep)
	if err != nil {
		return nil, err
	}

	var clientID, secret = os.Getenv("AZURE_CLIENT_ID"), os.Getenv("AZURE_CLIENT_SECRET")
	if clientID == "" || secret == "" {
		return nil, fmt.Errorf("AZURE_CLIENT_ID and AZURE_CLIENT_SECRET must be set for azure-ad:// URLs")
	}
	creds, err := azidentity.NewClientSecretCredential(loc.tenantID, clientID, secret,
		&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	if err != nil {
		return nil, err
	}

	var domain = blobDomain()
	client, err := service.NewClient(azureStorageURL(loc.account, domain), creds, &service.ClientOptions{})
	if err != nil {
		return nil, err
	}
	var tokens = azblob.NewTokenCredential("", tokenRefresher(creds, loc.tenantID))

	log.WithFields(log.Fields{
		"tenant":         loc.tenantID,
		"storageAccount": loc.account,
		"blobDomain":     domain,
		"container":      loc.container,
		"prefix":         loc.prefix,
	}).Info("constructed Azure AD storage client")

	return &adStore{
		storeBase: storeBase{
			args:           args,
			storageAccount: loc.account,
			blobDomain:     domain,
			container:      loc.container,
			prefix:         loc.prefix,
			pipeline:       azblob.NewPipeline(tokens, azblob.PipelineOptions{}),
		},
		tenantID:   loc.tenantID,
		delegation: &delegation{client: client, account: loc.account, lifetime: 2 * time.Hour},
	}, nil
}

// tokenRefresher returns a refresh function of an azblob.TokenCredential,
// which fetches storage tokens of the application. It returns the delay
// until the next refresh.
func tokenRefresher(creds *azidentity.ClientSecretCredential, tenantID string) azblob.TokenRefresher {
	return func(credential azblob.TokenCredential) time.Duration {
		var token, err = creds.GetToken(context.Background(), policy.TokenRequestOptions{
			TenantID: tenantID,
			Scopes:   []string{"https://storage.azure.com/.default"},
		})
		if err != nil {
			log.WithFields(log.Fields{
				"err":    err,
				"tenant": tenantID,
			}).Error("failed to refresh Azure credential (will retry)")
			return time.Minute
		}
		credential.SetToken(token.Token)
		return time.Until(token.ExpiresOn) - time.Minute
	}
}

func (a *adStore) Provider() string { return "azure-ad" }

// SignGet returns a URL signed with a User Delegation Key.
func (a *adStore) SignGet(path string, d time.Duration) (string, error) {
	var udc, err = a.delegation.credential(time.Now())
	if err != nil {
		return "", err
	}
	var blob = a.prefix + path

	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	}.SignWithUserDelegation(udc)
	if err != nil {
		return "", err
	}
	return a.containerURL() + "/" + blob + "?" + params.Encode(), nil
}

// delegation caches a User Delegation Credential, which is fetched anew
// once less than half of its lifetime remains.
type delegation struct {
	client   *service.Client
	account  string
	lifetime time.Duration

	mu    sync.Mutex
	exp   time.Time
	inner *service.UserDelegationCredential
}

func (d *delegation) credential(now time.Time) (*service.UserDelegationCredential, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inner != nil && d.exp.After(now.Add(d.lifetime/2)) {
		return d.inner, nil
	}
	var exp = now.Add(d.lifetime)

	var udc, err = d.client.GetUserDelegationCredential(context.Background(), service.KeyInfo{
		Start:  to.Ptr(now.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(exp.UTC().Format(sas.TimeFormat)),
	}, nil)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"storageAccount": d.account,
		"expiry":         exp,
	}).Info("refreshed Azure Storage User Delegation Credential")

	d.exp, d.inner = exp, udc
	return udc, nil
}
