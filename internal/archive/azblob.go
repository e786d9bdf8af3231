package archive

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/Derrickeee/Data-Jedi/internal/config"
)

// Azure writes objects as block blobs into a container.
type Azure struct {
	client    *azblob.Client
	container string
}

// NewAzure builds a client from options, preferring a connection string:
//
//	connection_string  full storage connection string
//	account_name       with account_key, shared-key auth
//	account_key
//	service_url        default https://<account_name>.blob.core.windows.net
func NewAzure(container string, opts config.Options) (*Azure, error) {
	if cs := opts.String("connection_string", ""); cs != "" {
		client, err := azblob.NewClientFromConnectionString(cs, nil)
		if err != nil {
			return nil, fmt.Errorf("archive: azure client from connection string: %w", err)
		}
		return &Azure{client: client, container: container}, nil
	}

	name := opts.String("account_name", "")
	key := opts.String("account_key", "")
	if name == "" || key == "" {
		return nil, fmt.Errorf("archive: azblob needs connection_string or account_name and account_key")
	}
	cred, err := azblob.NewSharedKeyCredential(name, key)
	if err != nil {
		return nil, fmt.Errorf("archive: azure shared key credential: %w", err)
	}
	serviceURL := opts.String("service_url", fmt.Sprintf("https://%s.blob.core.windows.net", name))
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("archive: azure blob client: %w", err)
	}
	return &Azure{client: client, container: container}, nil
}

func (a *Azure) Put(ctx context.Context, key string, body []byte) error {
	if _, err := a.client.UploadBuffer(ctx, a.container, key, body, nil); err != nil {
		return fmt.Errorf("azblob upload %s/%s: %w", a.container, key, err)
	}
	return nil
}

func (a *Azure) Close() error { return nil }
