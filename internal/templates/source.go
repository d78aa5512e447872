package templates

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func isTemplateFile(name string) bool {
	extension := strings.ToLower(filepath.Ext(name))
	return extension == ".yaml" || extension == ".yml"
}

// DirectorySource reads every YAML file in a directory.
type DirectorySource struct {
	Dir string
}

func (source DirectorySource) Describe() string {
	return "dir:" + source.Dir
}

func (source DirectorySource) Load(ctx context.Context) ([]Template, error) {
	entries, err := os.ReadDir(source.Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	loaded := make([]Template, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parsed, err := ParseFile(filepath.Join(source.Dir, name))
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, parsed...)
	}
	return loaded, nil
}

// ParseFile reads and parses a single template file.
func ParseFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return parsed, nil
}

// S3API is the subset of the S3 client used to fetch template objects.
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads every YAML object under a bucket prefix.
type S3Source struct {
	Client S3API
	Bucket string
	Prefix string
}

func (source S3Source) Describe() string {
	return fmt.Sprintf("s3://%s/%s", source.Bucket, source.Prefix)
}

func (source S3Source) Load(ctx context.Context) ([]Template, error) {
	paginator := s3.NewListObjectsV2Paginator(source.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(source.Bucket),
		Prefix: aws.String(source.Prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if isTemplateFile(key) {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)

	loaded := make([]Template, 0, len(keys))
	for _, key := range keys {
		output, err := source.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(source.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", key, err)
		}
		data, err := io.ReadAll(output.Body)
		output.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", key, err)
		}
		parsed, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		loaded = append(loaded, parsed...)
	}
	return loaded, nil
}

// S3Config configures the client for an S3-compatible template bucket.
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client. Static credentials are used when both keys
// are set; otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	options := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}
