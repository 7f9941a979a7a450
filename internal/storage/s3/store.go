// Package s3 implements storage.Backend on S3-compatible object storage
// (MinIO, AWS, anything speaking the S3 API with conditional writes).
// CAS maps directly onto If-Match / If-None-Match preconditions.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"syscall"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"pkt.systems/pslog"

	"pkt.systems/leased/internal/storage"
)

const metaContentType = "application/json"

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
	Logger         pslog.Logger
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
	logger pslog.Logger
}

// New connects to the configured endpoint and returns a ready store.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3: endpoint required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("s3: bucket required")
	}
	options := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	if cfg.Transport != nil {
		options.Transport = cfg.Transport
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: new client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Store{client: client, cfg: cfg, logger: logger}, nil
}

// Client exposes the underlying minio client for readiness probes.
func (s *Store) Client() *minio.Client {
	return s.client
}

// Bucket returns the configured bucket name.
func (s *Store) Bucket() string {
	return s.cfg.Bucket
}

func (s *Store) metaObject(key string) string {
	object := path.Join("meta", url.PathEscape(key)+".json")
	if s.cfg.Prefix != "" {
		return path.Join(s.cfg.Prefix, object)
	}
	return object
}

func (s *Store) LoadMeta(ctx context.Context, key string) (storage.LoadMetaResult, error) {
	object := s.metaObject(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return storage.LoadMetaResult{}, s.wrapError(err, "s3: get meta")
	}
	defer obj.Close()
	payload, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return storage.LoadMetaResult{}, storage.ErrNotFound
		}
		return storage.LoadMetaResult{}, s.wrapError(err, "s3: read meta")
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadMetaResult{}, storage.ErrNotFound
		}
		return storage.LoadMetaResult{}, s.wrapError(err, "s3: stat meta")
	}
	var meta storage.Meta
	if err := json.Unmarshal(payload, &meta); err != nil {
		return storage.LoadMetaResult{}, fmt.Errorf("s3: decode meta %s: %w", key, err)
	}
	etag := stripETag(info.ETag)
	s.logger.Trace("s3.load_meta", "key", key, "object", object, "etag", etag)
	return storage.LoadMetaResult{Meta: &meta, ETag: etag}, nil
}

func (s *Store) StoreMeta(ctx context.Context, key string, meta *storage.Meta, expectedETag string) (string, error) {
	object := s.metaObject(key)
	payload, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("s3: encode meta: %w", err)
	}
	options := minio.PutObjectOptions{ContentType: metaContentType}
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			return "", storage.ErrCASMismatch
		}
		return "", s.wrapError(err, "s3: put meta")
	}
	newETag := stripETag(info.ETag)
	s.logger.Trace("s3.store_meta", "key", key, "object", object, "etag", newETag)
	return newETag, nil
}

func (s *Store) DeleteMeta(ctx context.Context, key string, expectedETag string) error {
	object := s.metaObject(key)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return s.wrapError(err, "s3: stat meta")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapError(err, "s3: remove meta")
	}
	return nil
}

func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	prefix := "meta/"
	if s.cfg.Prefix != "" {
		prefix = path.Join(s.cfg.Prefix, "meta") + "/"
	}
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	var keys []string
	for object := range s.client.ListObjects(ctx, s.cfg.Bucket, opts) {
		if object.Err != nil {
			return nil, s.wrapError(object.Err, "s3: list meta")
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error { return nil }

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		if errResp.StatusCode == http.StatusPreconditionFailed {
			return true
		}
		if errResp.StatusCode == http.StatusConflict {
			switch errResp.Code {
			case "ConditionalRequestConflict", "OperationAborted":
				return true
			}
		}
	}
	return false
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	resp := minio.ToErrorResponse(err)
	switch resp.StatusCode {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	}
	switch resp.Code {
	case "SlowDown", "InternalError", "RequestTimeout":
		return true
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}
