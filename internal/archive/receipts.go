package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"ledger-opqueue/internal/config"
	"ledger-opqueue/internal/models"
	"ledger-opqueue/internal/opqueue"
)

// Uploader stores a receipt body under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Receipt is the archived record of a confirmed ledger write.
type Receipt struct {
	JobID       string         `json:"job_id"`
	Kind        models.Kind    `json:"kind"`
	TxHash      string         `json:"tx_hash"`
	Attempts    int            `json:"attempts"`
	Payload     map[string]any `json:"payload"`
	SubmittedAt time.Time      `json:"submitted_at"`
	ConfirmedAt time.Time      `json:"confirmed_at"`
}

// Archiver writes a receipt for every completed job.
type Archiver struct {
	uploader Uploader
	log      *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// New picks the S3 uploader when a bucket is configured, otherwise the
// local directory uploader.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*Archiver, error) {
	if cfg.ReceiptS3Bucket == "" {
		dir := cfg.ReceiptOutputDir
		if dir == "" {
			dir = "./receipts"
		}
		return NewArchiver(&LocalUploader{BaseDir: dir}, log), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewArchiver(&S3Uploader{Client: client, Bucket: cfg.ReceiptS3Bucket}, log), nil
}

// NewArchiver wraps an uploader.
func NewArchiver(u Uploader, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{uploader: u, log: log.Named("archive"), timeout: 30 * time.Second}
}

// OnEvent implements opqueue.Listener. Uploads run in the background.
func (a *Archiver) OnEvent(evt opqueue.Event) {
	if evt.Type != opqueue.EventJobCompleted {
		return
	}
	job := evt.Job
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		loc, err := a.Store(ctx, job, evt.At)
		if err != nil {
			a.log.Error("archive receipt failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		a.log.Debug("receipt archived", zap.String("job_id", job.ID), zap.String("location", loc))
	}()
}

// Store uploads the receipt for a completed job.
func (a *Archiver) Store(ctx context.Context, job models.Job, confirmedAt time.Time) (string, error) {
	body, err := json.MarshalIndent(Receipt{
		JobID:       job.ID,
		Kind:        job.Kind,
		TxHash:      job.ResultReference,
		Attempts:    job.Attempts,
		Payload:     job.Payload,
		SubmittedAt: job.CreatedAt,
		ConfirmedAt: confirmedAt,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal receipt: %w", err)
	}
	return a.uploader.Upload(ctx, ReceiptKey(job), body, "application/json")
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (a *Archiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiptKey is the object key for a job's receipt.
func ReceiptKey(job models.Job) string {
	kind := strings.ToLower(string(job.Kind))
	return sanitizeKey(fmt.Sprintf("receipts/%s/%s.json", kind, job.ID))
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	return key
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReceiptS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReceiptS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReceiptS3Endpoint)
		}
		o.UsePathStyle = cfg.ReceiptS3PathStyle
	}), nil
}

// LocalUploader writes receipts below BaseDir.
type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Uploader puts receipts into a bucket.
type S3Uploader struct {
	Client *s3.Client
	Bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key), nil
}
