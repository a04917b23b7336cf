package vfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sframecore/engine/pkg/objerrors"
)

// S3Config configures the s3:// backend's client and buffer sizing.
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
	BufferSize     int
}

// DefaultS3Config returns the engine's default S3 client configuration.
func DefaultS3Config() S3Config {
	return S3Config{Region: "us-east-1", BufferSize: 8 * 1024 * 1024}
}

// s3Backend serves s3://bucket/key URLs, routing object GETs through the
// shared DownloadCache since seeking within a compressed or remote stream
// is unreliable over the network.
type s3Backend struct {
	client *s3.Client
	cache  *DownloadCache
	cfg    S3Config
}

func newS3Backend(ctx context.Context, cfg S3Config, cache *DownloadCache) (*s3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, objerrors.ConfigError("failed to load AWS configuration").WithCause(err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &s3Backend{client: client, cache: cache, cfg: cfg}, nil
}

func (b *s3Backend) Schemes() []string { return []string{"s3"} }

func parseS3URL(url string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(url, "s3://")
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return "", "", objerrors.OpenError(url, fmt.Errorf("s3 URL missing object key"))
	}
	return trimmed[:idx], trimmed[idx+1:], nil
}

// s3Fetcher adapts one (bucket,key) GetObject call to the RemoteFetcher
// interface consumed by DownloadCache.
type s3Fetcher struct {
	client *s3.Client
}

func (f *s3Fetcher) Fetch(url, localPath string) (time.Time, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return time.Time{}, err
	}
	out, err := f.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return time.Time{}, objerrors.New(objerrors.CodeIoError, "s3 GetObject failed").
			WithURL(url).WithCause(err).WithDetail("retryable", true)
	}
	defer out.Body.Close()

	file, err := os.Create(localPath)
	if err != nil {
		return time.Time{}, objerrors.IoError("create", localPath, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, out.Body); err != nil {
		return time.Time{}, objerrors.IoError("copy", url, err).WithDetail("retryable", true)
	}

	lastModified := time.Time{}
	if out.LastModified != nil {
		lastModified = *out.LastModified
	}
	return lastModified, nil
}

func (b *s3Backend) OpenRead(url string, opts OpenOptions) (ReadStream, error) {
	localPath, err := b.cache.Fetch(url, &s3Fetcher{client: b.client})
	if err != nil {
		return nil, err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, objerrors.OpenError(url, err)
	}
	raw := ReadStream(&localReadStream{f: f})
	if WantsCompression(url, opts) {
		return newGzipReadStream(raw)
	}
	return raw, nil
}

// s3WriteStream buffers writes locally and uploads the whole object on
// Close. The write surface is strictly sequential, so there are no
// partial-object PUTs.
type s3WriteStream struct {
	client  *s3.Client
	bucket  string
	key     string
	tmp     *os.File
	written int64
}

func (s *s3WriteStream) Write(p []byte) (int, error) {
	n, err := s.tmp.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *s3WriteStream) TellWritten() int64 { return s.written }

func (s *s3WriteStream) Close() error {
	defer os.Remove(s.tmp.Name())
	if _, err := s.tmp.Seek(0, io.SeekStart); err != nil {
		return objerrors.IoError("seek", s.tmp.Name(), err)
	}
	_, err := s.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   s.tmp,
	})
	closeErr := s.tmp.Close()
	if err != nil {
		return objerrors.New(objerrors.CodeIoError, "s3 PutObject failed").
			WithURL("s3://"+s.bucket+"/"+s.key).WithCause(err)
	}
	return closeErr
}

func (b *s3Backend) OpenWrite(url string, opts OpenOptions) (WriteStream, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp("", "s3-upload-*")
	if err != nil {
		return nil, objerrors.IoError("create-temp", url, err)
	}
	raw := WriteStream(&s3WriteStream{client: b.client, bucket: bucket, key: key, tmp: tmp})
	if WantsCompression(url, opts) {
		return newGzipWriteStream(raw), nil
	}
	return raw, nil
}

func (b *s3Backend) FileSize(url string) (int64, error) {
	bucket, key, err := parseS3URL(url)
	if err != nil {
		return 0, err
	}
	out, err := b.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, objerrors.OpenError(url, err)
	}
	if out.ContentLength == nil {
		return 0, objerrors.Internal("s3 HeadObject returned no content length").WithURL(url)
	}
	return *out.ContentLength, nil
}
