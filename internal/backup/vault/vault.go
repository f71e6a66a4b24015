// Package vault stores encrypted backup files in S3-compatible object
// storage (AWS S3, MinIO, Cloudflare R2). Objects are already encrypted by
// the backup service; the vault never sees plaintext.
package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/kimhsiao/crmorbit/backend/internal/backup"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Config holds vault connection settings.
type Config struct {
	Provider     Provider `yaml:"provider" json:"provider"`
	Bucket       string   `yaml:"bucket" json:"bucket"`
	Region       string   `yaml:"region" json:"region"`
	Endpoint     string   `yaml:"endpoint" json:"endpoint"`
	AccountID    string   `yaml:"account_id" json:"accountId"`
	AccessKey    string   `yaml:"access_key" json:"accessKey"`
	SecretKey    string   `yaml:"-" json:"-"`
	Prefix       string   `yaml:"prefix" json:"prefix"`
	UsePathStyle bool     `yaml:"use_path_style" json:"usePathStyle"`
	UseSSL       bool     `yaml:"use_ssl" json:"useSSL"`
}

// objectAPI is the subset of the S3 client the vault uses.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Vault is a backup.Remote backed by an S3 bucket.
type Vault struct {
	client objectAPI
	config Config
}

var _ backup.Remote = (*Vault)(nil)

// New creates a vault client. Static credentials are used when an access
// key is configured; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Vault, error) {
	cfg, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Vault{client: s3.NewFromConfig(awsCfg, s3Opts...), config: cfg}, nil
}

func newWithClient(client objectAPI, cfg Config) *Vault {
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Vault{client: client, config: cfg}
}

func (v *Vault) key(name string) string {
	if v.config.Prefix == "" {
		return name
	}
	return path.Join(v.config.Prefix, name)
}

// Put uploads body under name.
func (v *Vault) Put(ctx context.Context, name string, body []byte) error {
	_, err := v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.config.Bucket),
		Key:           aws.String(v.key(name)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}

// Get downloads the object stored under name.
func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	resp, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.config.Bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the object stored under name.
func (v *Vault) Delete(ctx context.Context, name string) error {
	_, err := v.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(v.config.Bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// List returns the names of backup files in the vault.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	prefix := ""
	if v.config.Prefix != "" {
		prefix = v.config.Prefix + "/"
	}
	paginator := s3.NewListObjectsV2Paginator(v.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(v.config.Bucket),
		Prefix: aws.String(prefix + backup.FilePrefix),
	})

	var names []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if _, ok := backup.ParseFileName(name); ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// Prune keeps the newest keep backups in the vault. File names sort by
// creation time.
func (v *Vault) Prune(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		return nil, nil
	}
	names, err := v.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) <= keep {
		return nil, nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	var removed []string
	for _, name := range names[keep:] {
		if err := v.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
