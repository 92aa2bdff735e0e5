package vigil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3API is the subset of the S3 client the archiver uses. It exists so
// tests can substitute a fake client.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ReportArchiver uploads generated reports as JSON objects to S3 or an
// S3-compatible service such as MinIO.
type ReportArchiver struct {
	client  s3API
	cfg     ArchiveConfig
	retryer *Retryer
}

// NewReportArchiver creates an archiver for the configured bucket.
func NewReportArchiver(cfg ArchiveConfig) (*ReportArchiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &ReportArchiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       cfg.MaxRetries,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
			RetryIf:           IsRetryable,
		}),
	}, nil
}

// reportKey builds the object key for a report: one object per
// generation timestamp, partitioned by date.
func (a *ReportArchiver) reportKey(r Report) string {
	return fmt.Sprintf("%sreports/%s/%s-%s.json",
		a.cfg.Prefix,
		r.GeneratedAt.UTC().Format("2006/01/02"),
		r.GeneratedAt.UTC().Format("150405"),
		r.Period)
}

// Archive uploads the report and returns its object key.
func (a *ReportArchiver) Archive(ctx context.Context, report Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	key := a.reportKey(report)
	result := a.retryer.Do(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return "", result.LastErr
	}
	return key, nil
}

// Fetch downloads a previously archived report by object key.
func (a *ReportArchiver) Fetch(ctx context.Context, key string) (Report, error) {
	var report Report

	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return report, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return report, fmt.Errorf("S3 read body failed: %w", err)
	}
	if err := json.Unmarshal(data, &report); err != nil {
		return report, fmt.Errorf("corrupt archived report: %w", err)
	}
	return report, nil
}
