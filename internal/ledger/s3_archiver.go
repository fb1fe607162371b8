package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/civicmesh/coordinator/internal/canonical"
)

// Archiver uploads canonical ledger entry JSON to object storage.
type Archiver interface {
	ArchiveEntry(ctx context.Context, e *Entry) error
}

// S3Archiver writes canonicalized ledger entries to S3 paths like:
//
//	s3://<bucket>/<prefix>/cases/YYYY/MM/DD/<caseID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// standard AWS environment (AWS_REGION, AWS_PROFILE, key pairs).
func NewS3Archiver(ctx context.Context, bucket string, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveEntry canonicalizes the full entry envelope and uploads it.
func (s *S3Archiver) ArchiveEntry(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("nil entry")
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	var envelope interface{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode entry envelope: %w", err)
	}
	canonBytes, err := canonical.MarshalCanonical(envelope)
	if err != nil {
		return fmt.Errorf("canonicalize entry: %w", err)
	}

	ts := time.Now().UTC()
	if !e.ResolvedAt.IsZero() {
		ts = e.ResolvedAt
	}
	year, month, day := ts.Date()
	objectKey := path.Join(s.prefix, "cases",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.json", e.CaseID),
	)

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(objectKey),
		Body:                 bytes.NewReader(canonBytes),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
