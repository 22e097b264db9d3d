package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

// S3Config configures the object-storage backend. Endpoint is optional and
// supports S3-compatible stores (MinIO, localstack).
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// s3Store keeps artifacts in an S3 bucket. Writes are staged on the local
// filesystem and uploaded on finalize.
type s3Store struct {
	bucket   string
	client   *s3.Client
	uploader *manager.Uploader
	staging  string
}

// NewS3Store builds the object-storage backend and its local staging area.
func NewS3Store(ctx context.Context, cfg S3Config) (Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load AWS config: %v", apperrors.ErrStorage, err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	staging, err := os.MkdirTemp("", "rivetdb-staging-")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %v", apperrors.ErrStorage, err)
	}

	return &s3Store{
		bucket:   cfg.Bucket,
		client:   client,
		uploader: manager.NewUploader(client),
		staging:  staging,
	}, nil
}

func (s *s3Store) TablePrefix(connectionID int64, schema, table string) string {
	return tablePrefix(connectionID, schema, table)
}

func (s *s3Store) ConnectionPrefix(connectionID int64) string {
	return connectionPrefix(connectionID)
}

func (s *s3Store) prepare(key string) (*Handle, error) {
	token, err := versionToken()
	if err != nil {
		return nil, err
	}
	return &Handle{Key: key, StagingPath: filepath.Join(s.staging, "stage_"+token+artifactExt)}, nil
}

func (s *s3Store) PrepareWrite(_ context.Context, connectionID int64, schema, table string) (*Handle, error) {
	return s.prepare(artifactKey(connectionID, schema, table, ""))
}

func (s *s3Store) PrepareVersionedWrite(_ context.Context, connectionID int64, schema, table string) (*Handle, error) {
	version, err := versionToken()
	if err != nil {
		return nil, err
	}
	return s.prepare(artifactKey(connectionID, schema, table, version))
}

func (s *s3Store) Finalize(ctx context.Context, h *Handle) (string, error) {
	f, err := os.Open(h.StagingPath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to open staged artifact: %v", apperrors.ErrStorage, err)
	}
	defer f.Close()

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(h.Key),
		Body:   f,
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload artifact: %v", apperrors.ErrStorage, err)
	}

	// The staged copy is no longer needed once the upload is durable.
	_ = os.Remove(h.StagingPath)

	return "s3://" + s.bucket + "/" + h.Key, nil
}

func (s *s3Store) Discard(h *Handle) error {
	err := os.Remove(h.StagingPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to discard staged artifact: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// keyFor validates that url names an object in this store's bucket.
func (s *s3Store) keyFor(url string) (string, error) {
	scheme, rest, err := splitURL(url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}
	if scheme != "s3" {
		return "", fmt.Errorf("%w: s3 store cannot handle %s URL", apperrors.ErrStorage, scheme)
	}
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket != s.bucket {
		return "", fmt.Errorf("%w: %q is outside bucket %q", apperrors.ErrStorage, url, s.bucket)
	}
	return key, nil
}

func (s *s3Store) Delete(ctx context.Context, url string) error {
	key, err := s.keyFor(url)
	if err != nil {
		return err
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete artifact: %v", apperrors.ErrStorage, err)
	}
	return nil
}

func (s *s3Store) DeletePrefix(ctx context.Context, prefix string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: failed to list prefix %q: %v", apperrors.ErrStorage, prefix, err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("%w: failed to delete prefix %q: %v", apperrors.ErrStorage, prefix, err)
		}
	}
	return nil
}

func (s *s3Store) List(ctx context.Context, prefix string) ([]string, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var urls []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list prefix %q: %v", apperrors.ErrStorage, prefix, err)
		}
		for _, obj := range page.Contents {
			urls = append(urls, "s3://"+s.bucket+"/"+aws.ToString(obj.Key))
		}
	}
	return urls, nil
}

func (s *s3Store) Exists(ctx context.Context, url string) (bool, error) {
	key, err := s.keyFor(url)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to stat artifact: %v", apperrors.ErrStorage, err)
	}
	return true, nil
}
