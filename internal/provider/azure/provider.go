package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Prajjwal74/expense-tracker/internal/provider"
	"github.com/Prajjwal74/expense-tracker/internal/retry"
	"github.com/Prajjwal74/expense-tracker/internal/util"
)

// AzureProvider mirrors database snapshots into a blob container.
type AzureProvider struct {
	client     *azblob.Client
	account    string
	container  string
	endpoint   string // e.g. https://<account>.blob.core.windows.net/
	sas        string // raw SAS without leading "?"
	authViaSAS bool
	ro         retry.Options
}

func (p *AzureProvider) Name() string { return "azure" }

// attempt wraps one retried blob operation with the per-attempt debug logs
// and a final info line.
func (p *AzureProvider) attempt(ctx context.Context, action, key string, fn func(context.Context) error) error {
	start := time.Now()
	n := 0
	err := retry.Do(ctx, p.ro, p.isAzRetryable, func(ctx context.Context) error {
		n++
		log.Debug().Str("action", action).Str("container", p.container).Str("key", key).
			Int("attempt", n).Msg("starting attempt")
		if err := fn(ctx); err != nil {
			log.Debug().Err(err).Str("action", action).Str("container", p.container).Str("key", key).
				Int("attempt", n).Msg("attempt failed")
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("action", action).Str("container", p.container).Str("key", key).
		Int("attempts", n).Dur("elapsed_ms", time.Since(start)).Msg(action + " OK")
	return nil
}

// Backup uploads a snapshot with its sha256 as metadata, then checks the
// stored copy (HEAD with SAS, list otherwise).
func (p *AzureProvider) Backup(ctx context.Context, source, target string) error {
	if err := p.ensureContainer(ctx); err != nil {
		return fmt.Errorf("ensure container: %w", err)
	}

	key := normalizeKey(target)
	sum, size, err := util.SHA256File(source)
	if err != nil {
		return fmt.Errorf("checksum: %w", err)
	}

	err = p.attempt(ctx, "azure_upload", key, func(ctx context.Context) error {
		f, err := os.Open(source)
		if err != nil {
			return retry.Permanent(err)
		}
		defer func() { _ = f.Close() }()
		_, err = p.client.UploadFile(ctx, p.container, key, f, &azblob.UploadFileOptions{
			Metadata: map[string]*string{"sha256": to.Ptr(sum)},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if p.authViaSAS {
		err = p.attempt(ctx, "azure_head", key, func(ctx context.Context) error {
			remoteSize, remoteSHA, err := p.headSizeAndSHA(ctx, key)
			if err != nil {
				return err
			}
			return checkRemote(size, remoteSize, sum, remoteSHA, true)
		})
		if err != nil {
			return fmt.Errorf("validate (head): %w", err)
		}
		return nil
	}

	err = p.attempt(ctx, "azure_list_validate", key, func(ctx context.Context) error {
		found, remoteSize, err := p.validateSizeByList(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("uploaded blob not found at %q", key)
		}
		return checkRemote(size, remoteSize, "", "", false)
	})
	if err != nil {
		return fmt.Errorf("validate (list): %w", err)
	}
	return nil
}

func checkRemote(size, remoteSize int64, sum, remoteSHA string, withSHA bool) error {
	if remoteSize != size {
		return fmt.Errorf("size mismatch: local=%d, remote=%d", size, remoteSize)
	}
	if !withSHA {
		return nil
	}
	if remoteSHA == "" {
		return fmt.Errorf("missing metadata: sha256")
	}
	if remoteSHA != sum {
		return fmt.Errorf("sha256 mismatch: local=%s, remote=%s", sum, remoteSHA)
	}
	return nil
}

// Restore downloads a blob next to target and renames it into place, so a
// failed download never leaves a truncated file at target.
func (p *AzureProvider) Restore(ctx context.Context, source, target string) error {
	key := normalizeKey(source)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp := target + ".download"
	err := p.attempt(ctx, "azure_download", key, func(ctx context.Context) error {
		out, err := os.Create(tmp)
		if err != nil {
			return retry.Permanent(err)
		}
		defer func() {
			if cerr := out.Close(); cerr != nil {
				log.Warn().Err(cerr).Str("file", tmp).Msg("failed to close local file after download")
			}
		}()
		_, err = p.client.DownloadFile(ctx, p.container, key, out, nil)
		if isNotFound(err) {
			return retry.Permanent(fmt.Errorf("%s: %w", key, provider.ErrNotFound))
		}
		return err
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return true
	}
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
