package collaborator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactStore 报表等产物的对象存储
type ArtifactStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// S3Config S3 连接配置
type S3Config struct {
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
}

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3ArtifactStore 写入 S3 兼容存储
type S3ArtifactStore struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	breaker *Breaker
}

// NewS3ArtifactStore 按配置创建 S3 客户端；设置 Endpoint 时使用 path-style（MinIO 等）
func NewS3ArtifactStore(ctx context.Context, cfg S3Config, breaker *Breaker) (*S3ArtifactStore, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3ArtifactStore(client, cfg, breaker), nil
}

func newS3ArtifactStore(client putObjectAPI, cfg S3Config, breaker *Breaker) *S3ArtifactStore {
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig("artifact-store"), nil)
	}
	return &S3ArtifactStore{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/"), breaker: breaker}
}

func (s *S3ArtifactStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3ArtifactStore) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if key == "" {
		return errors.New("object key is required")
	}
	return s.breaker.Do(ctx, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          bytes.NewReader(body),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(int64(len(body))),
		})
		return err
	})
}

// Object 内存存储中的对象
type Object struct {
	Body        []byte
	ContentType string
}

// MemoryArtifactStore 进程内实现，用于开发与测试
type MemoryArtifactStore struct {
	mu      sync.Mutex
	objects map[string]Object
}

func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{objects: make(map[string]Object)}
}

func (m *MemoryArtifactStore) Put(_ context.Context, key string, body []byte, contentType string) error {
	if key == "" {
		return errors.New("object key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Body: append([]byte(nil), body...), ContentType: contentType}
	return nil
}

// Get 读取对象
func (m *MemoryArtifactStore) Get(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

var (
	_ ArtifactStore = (*S3ArtifactStore)(nil)
	_ ArtifactStore = (*MemoryArtifactStore)(nil)
)
