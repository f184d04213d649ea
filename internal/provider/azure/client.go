package azure

import (
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Prajjwal74/expense-tracker/internal/config"
	"github.com/Prajjwal74/expense-tracker/internal/provider"
)

// endpointFor returns the blob service URL with a trailing slash.
func endpointFor(c config.AzureConfig) string {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return endpoint
}

// Build client from config and capture endpoint/SAS for HEAD validation.
// Priority: 1) SAS  2) Service Principal  3) DefaultAzureCredential.
func newClient(c config.AzureConfig) (client *azblob.Client, endpoint, sas string, viaSAS bool, err error) {
	endpoint = endpointFor(c)

	if sasRaw := strings.TrimSpace(c.SASToken); sasRaw != "" {
		sas = strings.TrimPrefix(sasRaw, "?")
		client, err = azblob.NewClientWithNoCredential(endpoint+"?"+sas, nil)
		return client, endpoint, sas, true, err
	}

	if c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "" {
		cred, err := azidentity.NewClientSecretCredential(c.TenantID, c.ClientID, c.ClientSecret, nil)
		if err != nil {
			return nil, "", "", false, err
		}
		client, err = azblob.NewClient(endpoint, cred, nil)
		return client, endpoint, "", false, err
	}

	// Managed identity, az CLI login, or environment credentials.
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, "", "", false, err
	}
	client, err = azblob.NewClient(endpoint, cred, nil)
	return client, endpoint, "", false, err
}

// New builds the mirror from the operator config.
func New(c config.Config) (*AzureProvider, error) {
	if c.Azure.Account == "" || c.Azure.Container == "" {
		return nil, fmt.Errorf("azure: account and container are required")
	}
	client, endpoint, sas, viaSAS, err := newClient(c.Azure)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &AzureProvider{
		client:     client,
		account:    c.Azure.Account,
		container:  c.Azure.Container,
		endpoint:   endpoint,
		sas:        sas,
		authViaSAS: viaSAS,
		ro:         c.RetryOptions(),
	}, nil
}

func init() {
	provider.Register("azure", func(cfg any) (provider.Provider, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("azure: invalid config type")
		}
		return New(c)
	})
}
