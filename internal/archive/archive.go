// Package archive keeps a copy of every live GA4 response in object storage
// so reports can be replayed without calling the API again.
package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/stanstork/ga4-ingest/internal/report"
)

// Key identifies what a raw response was fetched for.
type Key struct {
	Mode       string
	Scope      string
	Dimensions []string
	StartDate  string
	EndDate    string
	JobID      string
}

type Archiver interface {
	Archive(ctx context.Context, key Key, rep *report.Report) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Archive(context.Context, Key, *report.Report) error { return nil }

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Minio writes gzipped JSON objects under raw/<mode>/<scope>/.
type Minio struct {
	client objectPutter
	bucket string
	now    func() time.Time
	newID  func() string
}

func NewMinio(ctx context.Context, cfg Config) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create minio client")
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrapf(err, "failed to create bucket %s", cfg.Bucket)
		}
	}
	return newMinio(client, cfg.Bucket), nil
}

func newMinio(client objectPutter, bucket string) *Minio {
	return &Minio{client: client, bucket: bucket, now: time.Now, newID: uuid.NewString}
}

func (m *Minio) Archive(ctx context.Context, key Key, rep *report.Report) error {
	if rep == nil {
		return nil
	}
	raw, err := json.Marshal(rep)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	body, err := gzipBytes(raw)
	if err != nil {
		return err
	}

	objectKey := ObjectKey(key, m.newID())
	_, err = m.client.PutObject(ctx, m.bucket, objectKey, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		UserMetadata: map[string]string{
			"mode":        key.Mode,
			"scope":       key.Scope,
			"dimensions":  strings.Join(key.Dimensions, ","),
			"start-date":  key.StartDate,
			"end-date":    key.EndDate,
			"job-id":      key.JobID,
			"rows":        fmt.Sprint(len(rep.Rows)),
			"archived-at": m.now().UTC().Format(time.RFC3339),
		},
	})
	return errors.Wrapf(err, "failed to archive %s", objectKey)
}

func ObjectKey(key Key, id string) string {
	scope := key.Scope
	if scope == "" {
		scope = "all"
	}
	return fmt.Sprintf("raw/%s/%s/%s.json.gz", key.Mode, scope, id)
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, errors.Wrap(err, "gzip write")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.Wrap(err, "gzip close")
	}
	return buf.Bytes(), nil
}
