package packages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jward/lectern/internal/logging"
)

// S3API is the subset of the S3 client used by S3Provider.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds connection settings for a package mirror bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Provider serves packages mirrored into a bucket as
// prefix/namespace/name/version/<file>.
type S3Provider struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Provider creates a provider with a client built from cfg. Static
// credentials are used when an access key is given, the default chain
// otherwise.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ProviderWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ProviderWithClient creates a provider over an existing client.
func NewS3ProviderWithClient(client S3API, bucket, prefix string) *S3Provider {
	return &S3Provider{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (*S3Provider) Name() string { return "s3" }

func (p *S3Provider) key(parts ...string) string {
	if p.prefix != "" {
		parts = append([]string{p.prefix}, parts...)
	}
	return path.Join(parts...)
}

// keys lists every object key under prefix.
func (p *S3Provider) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return keys, nil
		}
		token = out.NextContinuationToken
	}
}

// Fetch downloads every object of the package.
func (p *S3Provider) Fetch(ctx context.Context, spec Spec) (*Package, error) {
	start := time.Now()
	root := p.key(spec.Namespace, spec.Name, spec.Version) + "/"
	keys, err := p.keys(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("packages: %s: %w", spec, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("packages: %s: %w", spec, ErrNotFound)
	}

	pkg := &Package{Spec: spec, Source: p.Name(), Path: "s3://" + p.bucket + "/" + root, Files: make(map[string][]byte)}
	for _, key := range keys {
		out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				continue
			}
			return nil, fmt.Errorf("packages: get object %s: %w", key, err)
		}
		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("packages: read object %s: %w", key, err)
		}
		pkg.Files[strings.TrimPrefix(key, root)] = data
	}
	pkg.Entry = DefaultEntry
	if manifest, ok := pkg.Files["typst.toml"]; ok {
		pkg.Entry = manifestEntry(manifest)
	}
	logging.Named("packages").Debug("fetched package from s3",
		logging.String("spec", spec.String()),
		logging.Int("files", len(pkg.Files)),
		logging.Duration("elapsed", time.Since(start)))
	return pkg, nil
}

// List enumerates the package versions mirrored for namespace.
func (p *S3Provider) List(ctx context.Context, namespace string) ([]Spec, error) {
	root := p.key(namespace) + "/"
	keys, err := p.keys(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("packages: %w", err)
	}
	seen := make(map[Spec]bool)
	var specs []Spec
	for _, key := range keys {
		parts := strings.SplitN(strings.TrimPrefix(key, root), "/", 3)
		if len(parts) < 3 || !ValidVersion(parts[1]) {
			continue
		}
		s := Spec{Namespace: namespace, Name: parts[0], Version: parts[1]}
		if !seen[s] {
			seen[s] = true
			specs = append(specs, s)
		}
	}
	return specs, nil
}
