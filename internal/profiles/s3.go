package profiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/leonardtan13/aistudio-coordinator/internal/coordtypes"
)

// ObjectStoreProvider hydrates auth material from an S3 (or
// S3-compatible) bucket, mirroring the "object-store" backend
// contract: every "*.json" object under "<prefix>/active/" is
// downloaded into "<cache_dir>/active/", after first wiping that
// directory; "<prefix>/key.txt" is downloaded too, non-fatally absent.
type ObjectStoreProvider struct {
	Bucket   string
	Prefix   string
	Region   string
	CacheDir string

	// NewClient is overridable in tests; defaults to a real S3 client
	// built from the default AWS config chain.
	NewClient func(ctx context.Context, region string) (s3Client, error)
}

type s3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func defaultS3Client(ctx context.Context, region string) (s3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func (p *ObjectStoreProvider) BackendName() string { return "object-store" }

func (p *ObjectStoreProvider) prefix() string {
	return strings.Trim(p.Prefix, "/")
}

func (p *ObjectStoreProvider) Hydrate(ctx context.Context) (coordtypes.HydrationResult, error) {
	newClient := p.NewClient
	if newClient == nil {
		newClient = defaultS3Client
	}
	client, err := newClient(ctx, p.Region)
	if err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}

	activeDir := filepath.Join(p.CacheDir, "active")
	if err := cleanDirectory(activeDir); err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}

	activePrefix := p.prefix() + "/active/"
	count, err := p.downloadActive(ctx, client, activePrefix, activeDir)
	if err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}
	if count == 0 {
		return coordtypes.HydrationResult{}, &HydrationError{
			Backend: p.BackendName(),
			Cause:   fmt.Errorf("no profile objects found under s3://%s/%s", p.Bucket, activePrefix),
		}
	}

	result := coordtypes.HydrationResult{ProfilesDir: activeDir}

	keyObjectKey := p.prefix() + "/key.txt"
	keyPath := filepath.Join(p.CacheDir, "key.txt")
	ok, err := p.downloadObject(ctx, client, keyObjectKey, keyPath)
	if err != nil {
		return coordtypes.HydrationResult{}, &HydrationError{Backend: p.BackendName(), Cause: err}
	}
	if ok {
		result.KeyFile = keyPath
	}
	return result, nil
}

func (p *ObjectStoreProvider) downloadActive(ctx context.Context, client s3Client, prefix, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return 0, fmt.Errorf("create cache directory: %w", err)
	}

	count := 0
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &p.Bucket,
			Prefix:            &prefix,
			ContinuationToken: token,
		})
		if err != nil {
			return count, fmt.Errorf("list s3://%s/%s: %w", p.Bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, ".json") {
				continue
			}
			dest := filepath.Join(destDir, filepath.Base(*obj.Key))
			if err := p.getObjectTo(ctx, client, *obj.Key, dest); err != nil {
				return count, err
			}
			count++
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return count, nil
}

// downloadObject fetches key to dest, returning ok=false (no error)
// when the object does not exist.
func (p *ObjectStoreProvider) downloadObject(ctx context.Context, client s3Client, key, dest string) (bool, error) {
	var nsk *types.NoSuchKey
	out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &p.Bucket, Key: &key})
	if err != nil {
		if errors.As(err, &nsk) {
			return false, nil
		}
		return false, fmt.Errorf("get s3://%s/%s: %w", p.Bucket, key, err)
	}
	defer out.Body.Close()

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return false, fmt.Errorf("create %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return false, fmt.Errorf("write %s: %w", dest, err)
	}
	return true, nil
}

func (p *ObjectStoreProvider) getObjectTo(ctx context.Context, client s3Client, key, dest string) error {
	ok, err := p.downloadObject(ctx, client, key, dest)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("get s3://%s/%s: object disappeared mid-listing", p.Bucket, key)
	}
	return nil
}

func cleanDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean %s: %w", dir, err)
	}
	return os.MkdirAll(dir, 0o700)
}
