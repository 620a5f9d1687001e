// Package storage publishes build artifacts to S3-compatible object storage.
package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/policy"
	"github.com/minio/minio-go/v7/pkg/set"
	"github.com/minio/minio-go/v7/pkg/signer"
)

// ErrWebsiteUnsupported is returned when the backend has no static website
// hosting API. MinIO is one such backend.
var ErrWebsiteUnsupported = errors.New("bucket website configuration not supported")

// S3Config holds connection settings for the artifact bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectInfo is a stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// S3Store is a thin wrapper over the MinIO client scoped to one bucket.
type S3Store struct {
	client     *minio.Client
	http       *http.Client
	bucketName string
	region     string
	accessKey  string
	secretKey  string

	// bucketMu guards bucketReady, which is only set once the bucket is
	// known to exist. Failures are retried on the next call.
	bucketMu    sync.Mutex
	bucketReady bool
}

// NewS3Store validates cfg and constructs a client. No request is made.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Store{
		client:     client,
		http:       &http.Client{Timeout: 30 * time.Second},
		bucketName: bucket,
		region:     region,
		accessKey:  access,
		secretKey:  secret,
	}, nil
}

// Bucket returns the bucket name.
func (s *S3Store) Bucket() string { return s.bucketName }

// EndpointURL returns the base URL objects are served from.
func (s *S3Store) EndpointURL() string {
	return strings.TrimSuffix(s.client.EndpointURL().String(), "/")
}

// EnsureBucket creates the bucket on first use.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("store is nil")
	}
	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucketName)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucketName, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucketName, err)
		}
	}
	s.bucketReady = true
	return nil
}

// Ping checks the bucket is reachable.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucketName)
	return err
}

// PutObject uploads body under key.
func (s *S3Store) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType, cacheControl string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, body, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: cacheControl,
	})
	return err
}

// ListObjects returns every object below prefix.
func (s *S3Store) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// DeleteObjects removes keys in bulk and returns how many were deleted.
func (s *S3Store) DeleteObjects(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	objects := make(chan minio.ObjectInfo, len(keys))
	for _, key := range keys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	var errs []error
	for result := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.ObjectName, result.Err))
		}
	}
	return len(keys) - len(errs), errors.Join(errs...)
}

// SetPublicRead grants anonymous GetObject on everything below prefix.
func (s *S3Store) SetPublicRead(ctx context.Context, prefix string) error {
	doc := policy.BucketAccessPolicy{
		Version: "2012-10-17",
		Statements: []policy.Statement{{
			Sid:       "PublicReadProjects",
			Effect:    "Allow",
			Actions:   set.CreateStringSet("s3:GetObject"),
			Principal: policy.User{AWS: set.CreateStringSet("*")},
			Resources: set.CreateStringSet(fmt.Sprintf("arn:aws:s3:::%s/%s*", s.bucketName, prefix)),
		}},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode bucket policy: %w", err)
	}
	return s.client.SetBucketPolicy(ctx, s.bucketName, string(data))
}

type websiteConfiguration struct {
	XMLName       xml.Name      `xml:"WebsiteConfiguration"`
	Xmlns         string        `xml:"xmlns,attr"`
	IndexDocument indexDocument `xml:"IndexDocument"`
	ErrorDocument errorDocument `xml:"ErrorDocument"`
}

type indexDocument struct {
	Suffix string `xml:"Suffix"`
}

type errorDocument struct {
	Key string `xml:"Key"`
}

// ConfigureWebsite enables static website hosting with the given index and
// error documents. Repeating the call with the same arguments is harmless.
func (s *S3Store) ConfigureWebsite(ctx context.Context, index, errorDoc string) error {
	body, err := xml.Marshal(websiteConfiguration{
		Xmlns:         "http://s3.amazonaws.com/doc/2006-03-01/",
		IndexDocument: indexDocument{Suffix: index},
		ErrorDocument: errorDocument{Key: errorDoc},
	})
	if err != nil {
		return fmt.Errorf("encode website configuration: %w", err)
	}

	endpoint := s.EndpointURL() + "/" + s.bucketName + "?website"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build website request: %w", err)
	}
	sum := sha256.Sum256(body)
	md := md5.Sum(body)
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md[:]))
	req.Header.Set("X-Amz-Content-Sha256", hex.EncodeToString(sum[:]))
	signed := signer.SignV4(*req, s.accessKey, s.secretKey, "", s.region)

	resp, err := s.http.Do(signed)
	if err != nil {
		return fmt.Errorf("put bucket website: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotImplemented || bytes.Contains(payload, []byte("NotImplemented")) {
		return ErrWebsiteUnsupported
	}
	return fmt.Errorf("put bucket website: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
}
