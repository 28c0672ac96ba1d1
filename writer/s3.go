package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "datacollector/config"
	"datacollector/logger"
	"datacollector/models"
)

// objectPutter is the part of the S3 client the sink uses.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads one parquet object per partition.
type S3Sink struct {
	client        objectPutter
	bucket        string
	prefix        string
	partitionCols []string
	compression   string
	log           *logger.Entry
}

// NewS3Sink loads AWS configuration, preferring the static keys from cfg, and
// builds the S3 client.
func NewS3Sink(ctx context.Context, cfg appconfig.S3WriterConfig, partitionCols []string, compression string) (*S3Sink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Sink(client, cfg.Bucket, cfg.Prefix, partitionCols, compression), nil
}

func newS3Sink(client objectPutter, bucket, prefix string, partitionCols []string, compression string) *S3Sink {
	s := &S3Sink{
		client:        client,
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		partitionCols: partitionCols,
		compression:   compression,
	}
	s.log = logger.GetLogger().WithComponent("s3_sink").WithFields(logger.Fields{"bucket": bucket, "prefix": s.prefix})
	return s
}

func (s *S3Sink) Name() string { return "parquet_s3" }

func (s *S3Sink) Write(ctx context.Context, et models.EventType, records []models.Record) error {
	for _, part := range SplitPartitions(et, records, s.partitionCols) {
		rows, skipped, err := Rows(et, part.Records)
		if err != nil {
			return err
		}
		if skipped > 0 {
			s.log.WithFields(logger.Fields{"event_type": string(et), "skipped": skipped}).Warn("skipped malformed records")
		}
		if len(rows) == 0 {
			continue
		}
		data, err := EncodeParquet(et, rows, s.compression)
		if err != nil {
			return err
		}

		key := path.Join(s.prefix, part.Path, partFileName())
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				"content-type": "parquet",
				"compression":  s.compression,
				"event-type":   string(et),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.bucket, err)
		}
		s.log.WithFields(logger.Fields{"key": key, "bytes": len(data), "rows": len(rows)}).Debug("uploaded object")
	}
	return nil
}

func (s *S3Sink) Close() error { return nil }
