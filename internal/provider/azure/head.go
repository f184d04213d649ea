package azure

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var headClient = &http.Client{Timeout: 15 * time.Second}

// headSizeAndSHA does a direct HEAD (SAS) to read Content-Length and x-ms-meta-sha256.
// The SAS never appears in returned errors.
func (p *AzureProvider) headSizeAndSHA(ctx context.Context, key string) (int64, string, error) {
	blobURL := p.endpoint + p.container + "/" + (&url.URL{Path: normalizeKey(key)}).EscapedPath()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, blobURL+"?"+p.sas, http.NoBody)
	if err != nil {
		return 0, "", fmt.Errorf("HEAD %s: build request", blobURL)
	}
	resp, err := headClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("HEAD %s: %w", blobURL, redact(err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("HEAD %s: %s", blobURL, resp.Status)
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return 0, "", fmt.Errorf("missing Content-Length")
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("parse Content-Length: %w", err)
	}
	return n, resp.Header.Get("x-ms-meta-sha256"), nil
}

// redact drops the request URL (which carries the SAS) from transport errors.
func redact(err error) error {
	if ue, ok := err.(*url.Error); ok {
		return ue.Err
	}
	return err
}
