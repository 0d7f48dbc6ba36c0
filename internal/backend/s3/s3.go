// Package s3 is the object-storage backend built on aws-sdk-go-v2.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/openmined/csync/internal/backend"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/manifest"
	"github.com/openmined/csync/internal/utils"
	"github.com/openmined/csync/internal/version"
)

const defaultRegion = "us-east-1"

var ErrMissingCredentials = errors.New("s3 target requires an access key and a secret key")

type Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func (c *Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 target requires a bucket")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return ErrMissingCredentials
	}
	if c.Region == "" {
		c.Region = defaultRegion
	}
	if c.Prefix == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("s3 prefix from hostname: %w", err)
		}
		c.Prefix = host
	}
	c.Prefix = strings.Trim(c.Prefix, "/")
	return nil
}

type Backend struct {
	client     *awss3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	config     *Config
	now        func() time.Time
}

func NewBackend(client *awss3.Client, cfg *Config) *Backend {
	return &Backend{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		config:     cfg,
		now:        time.Now,
	}
}

// New validates cfg and builds a client with static credentials.
func New(ctx context.Context, cfg *Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          64,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		config.WithAppID(version.AppID()),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewBackend(client, cfg), nil
}

func (b *Backend) Initialize(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &awss3.HeadBucketInput{
		Bucket: aws.String(b.config.Bucket),
	})
	if err == nil {
		slog.Info("s3 target",
			"bucket", b.config.Bucket,
			"prefix", b.config.Prefix,
			"endpoint", b.config.Endpoint,
			"accessKey", utils.MaskSecret(b.config.AccessKey),
		)
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", b.config.Bucket, err)
	}

	input := &awss3.CreateBucketInput{Bucket: aws.String(b.config.Bucket)}
	if b.config.Region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}
	if _, err := b.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("create bucket %s: %w", b.config.Bucket, err)
	}
	slog.Info("s3 bucket created", "bucket", b.config.Bucket, "region", b.config.Region)
	return nil
}

func (b *Backend) Store(ctx context.Context, localPath, remoteRel string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := b.dataKey(remoteRel)
	slog.Debug("s3 store", "src", localPath, "key", key)

	_, err = b.uploader.Upload(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", b.DisplayName(remoteRel), err)
	}
	return nil
}

func (b *Backend) Retrieve(ctx context.Context, remoteRel, localPath string) error {
	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}

	tmp := localPath + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	_, err = b.downloader.Download(ctx, f, &awss3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.dataKey(remoteRel)),
	})
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return b.wrap(err, remoteRel)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, localPath)
}

func (b *Backend) List(ctx context.Context, f filter.Filter) ([]backend.ObjectInfo, error) {
	prefix := b.dataKey("") + "/"
	var objects []backend.ObjectInfo

	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if key == "" || !backend.Match(f, key) {
				continue
			}
			objects = append(objects, backend.ObjectInfo{Key: key, Size: aws.ToInt64(obj.Size)})
		}
	}
	return objects, nil
}

func (b *Backend) ReadFileStream(ctx context.Context, remoteRel string) (io.ReadCloser, error) {
	resp, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.dataKey(remoteRel)),
	})
	if err != nil {
		return nil, b.wrap(err, remoteRel)
	}
	return resp.Body, nil
}

func (b *Backend) DisplayName(remoteRel string) string {
	return "s3://" + b.config.Bucket + "/" + b.dataKey(remoteRel)
}

func (b *Backend) Stat(ctx context.Context, remoteRel string) (backend.ObjectInfo, error) {
	resp, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(b.dataKey(remoteRel)),
	})
	if err != nil {
		return backend.ObjectInfo{}, b.wrap(err, remoteRel)
	}
	return backend.ObjectInfo{Key: remoteRel, Size: aws.ToInt64(resp.ContentLength)}, nil
}

func (b *Backend) ReadManifest(ctx context.Context) (*manifest.Manifest, error) {
	prefix := b.key(backend.ManifestDir) + "/"
	var names []string

	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list manifests: %w", err)
		}
		for _, obj := range page.Contents {
			names = append(names, strings.TrimPrefix(aws.ToString(obj.Key), prefix))
		}
	}

	latest, ok := manifest.Latest(names)
	if !ok {
		return manifest.New(), nil
	}

	resp, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(prefix + latest),
	})
	if err != nil {
		if isNotFound(err) {
			return manifest.New(), nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", latest, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", latest, err)
	}
	m, err := manifest.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", latest, err)
	}
	return m, nil
}

func (b *Backend) WriteManifest(ctx context.Context, m *manifest.Manifest) (string, error) {
	data, err := m.Serialize()
	if err != nil {
		return "", err
	}

	name := manifest.Filename(b.now())
	slog.Info("writing manifest", "name", name, "files", m.Len())
	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(path.Join(b.key(backend.ManifestDir), name)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("write manifest %s: %w", name, err)
	}
	return name, nil
}

func (b *Backend) key(parts ...string) string {
	return path.Join(append([]string{b.config.Prefix}, parts...)...)
}

func (b *Backend) dataKey(remoteRel string) string {
	return b.key(backend.DataDir, remoteRel)
}

func (b *Backend) wrap(err error, remoteRel string) error {
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", b.DisplayName(remoteRel), backend.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", b.DisplayName(remoteRel), err)
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsb) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return true
		}
	}
	return false
}

var _ backend.Backend = (*Backend)(nil)
