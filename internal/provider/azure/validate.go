package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Prajjwal74/expense-tracker/internal/retry"
)

// ensureContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (p *AzureProvider) ensureContainer(ctx context.Context) error {
	return p.attempt(ctx, "azure_container_check", "", func(ctx context.Context) error {
		pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		if err == nil {
			return nil
		}
		switch {
		case bloberror.HasCode(err, bloberror.ContainerNotFound):
			return retry.Permanent(fmt.Errorf("container %q not found: create it first (container SAS cannot create containers)", p.container))
		case bloberror.HasCode(err,
			bloberror.AuthorizationFailure,
			bloberror.AuthorizationPermissionMismatch,
			bloberror.AuthenticationFailed):
			return retry.Permanent(fmt.Errorf("not authorized for container %q; ensure a container SAS with at least rwl", p.container))
		}
		return err
	})
}

// validateSizeByList finds the exact blob and returns (found, size).
func (p *AzureProvider) validateSizeByList(ctx context.Context, exactKey string) (bool, int64, error) {
	pager := p.client.NewListBlobsFlatPager(p.container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(exactKey),
		MaxResults: to.Ptr(int32(1)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, 0, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name == nil || *it.Name != exactKey {
				continue
			}
			if it.Properties != nil && it.Properties.ContentLength != nil {
				return true, *it.Properties.ContentLength, nil
			}
			return true, 0, nil
		}
	}
	return false, 0, nil
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func (p *AzureProvider) isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch {
		case re.StatusCode == http.StatusTooManyRequests, re.StatusCode == http.StatusRequestTimeout:
			return true
		case re.StatusCode >= 500 && re.StatusCode <= 599:
			return true
		case re.ErrorCode == string(bloberror.ServerBusy):
			return true
		}
	}
	return false
}
