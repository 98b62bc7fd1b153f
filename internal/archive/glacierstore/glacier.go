// Package glacierstore implements archive.Store on Amazon Glacier.
package glacierstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
)

// API is the subset of the Glacier client the store uses.
type API interface {
	InitiateMultipartUpload(ctx context.Context, in *glacier.InitiateMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error)
	UploadMultipartPart(ctx context.Context, in *glacier.UploadMultipartPartInput, optFns ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *glacier.CompleteMultipartUploadInput, optFns ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error)
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, optFns ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newGlacierClient = func(cfg aws.Config, optFns ...func(*glacier.Options)) API {
		return glacier.NewFromConfig(cfg, optFns...)
	}
)

// Options describe how to reach the service.
type Options struct {
	// Endpoint such as "glacier.eu-central-1.amazonaws.com". A missing
	// scheme means https. Empty uses the SDK's resolver.
	Endpoint string
	// Region used for request signing.
	Region string
	// Static credentials; empty means the default credential chain.
	AccessKeyID     string
	SecretAccessKey string
	// PollInterval is how often a retrieval job is polled on Download.
	PollInterval time.Duration
	Logger       logging.Logger
}

// Store is one Glacier client handle with its own connection pool.
type Store struct {
	api    API
	http   *http.Client
	poll   time.Duration
	logger logging.Logger
}

// New wraps an existing API. hc may be nil.
func New(api API, hc *http.Client, poll time.Duration, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	if poll <= 0 {
		poll = 15 * time.Minute
	}
	return &Store{api: api, http: hc, poll: poll, logger: logger}
}

// NewFactory loads the AWS configuration once and returns a function that
// builds a fresh Store, with its own HTTP transport, on every call.
func NewFactory(ctx context.Context, opts Options) (func(context.Context) (archive.Client, error), error) {
	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}

	cfg, err := loadDefaultAWSConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := normalizeEndpoint(opts.Endpoint)

	return func(context.Context) (archive.Client, error) {
		hc := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		api := newGlacierClient(cfg, func(o *glacier.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.HTTPClient = hc
			// Retries are owned by the part uploader.
			o.RetryMaxAttempts = 1
		})
		return New(api, hc, opts.PollInterval, opts.Logger), nil
	}, nil
}

func normalizeEndpoint(e string) string {
	if e == "" || strings.Contains(e, "://") {
		return e
	}
	return "https://" + e
}

// permanentCodes are rejections that retrying cannot fix.
var permanentCodes = map[string]bool{
	"InvalidParameterValueException":      true,
	"MissingParameterValueException":      true,
	"ResourceNotFoundException":           true,
	"AccessDeniedException":               true,
	"UnrecognizedClientException":         true,
	"InvalidSignatureException":           true,
	"IncompleteSignatureException":        true,
	"MissingAuthenticationTokenException": true,
	"PolicyEnforcedException":             true,
}

func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && permanentCodes[ae.ErrorCode()] {
		return common.Permanent(op, err)
	}
	return common.Transient(op, err)
}

// Initiate implements archive.Store.
func (s *Store) Initiate(ctx context.Context, vault, description string, partSize uint32) (string, error) {
	out, err := s.api.InitiateMultipartUpload(ctx, &glacier.InitiateMultipartUploadInput{
		AccountId:          aws.String(common.AnyAccount),
		VaultName:          aws.String(vault),
		ArchiveDescription: aws.String(description),
		PartSize:           aws.String(strconv.FormatUint(uint64(partSize), 10)),
	})
	if err != nil {
		return "", classify("initiate multipart upload", err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart implements archive.Store.
func (s *Store) UploadPart(ctx context.Context, vault, uploadID string, r archive.ByteRange, checksum string, body []byte) (string, error) {
	out, err := s.api.UploadMultipartPart(ctx, &glacier.UploadMultipartPartInput{
		AccountId: aws.String(common.AnyAccount),
		VaultName: aws.String(vault),
		UploadId:  aws.String(uploadID),
		Range:     aws.String(r.String()),
		Checksum:  aws.String(checksum),
		Body:      bytes.NewReader(body),
	})
	if err != nil {
		return "", classify("upload multipart part", err)
	}
	return aws.ToString(out.Checksum), nil
}

// Complete implements archive.Store.
func (s *Store) Complete(ctx context.Context, vault, uploadID, checksum string, size uint64) (archive.Confirmation, error) {
	out, err := s.api.CompleteMultipartUpload(ctx, &glacier.CompleteMultipartUploadInput{
		AccountId:   aws.String(common.AnyAccount),
		VaultName:   aws.String(vault),
		UploadId:    aws.String(uploadID),
		Checksum:    aws.String(checksum),
		ArchiveSize: aws.String(strconv.FormatUint(size, 10)),
	})
	if err != nil {
		return archive.Confirmation{}, classify("complete multipart upload", err)
	}
	return archive.Confirmation{
		ArchiveID: aws.ToString(out.ArchiveId),
		Location:  aws.ToString(out.Location),
		Checksum:  aws.ToString(out.Checksum),
	}, nil
}

// Download starts an archive-retrieval job, waits for it and streams the
// output to dest, checking the tree hash reported by the service.
func (s *Store) Download(ctx context.Context, vault, archiveID, dest string) error {
	job, err := s.api.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId: aws.String(common.AnyAccount),
		VaultName: aws.String(vault),
		JobParameters: &types.JobParameters{
			Type:      aws.String("archive-retrieval"),
			ArchiveId: aws.String(archiveID),
		},
	})
	if err != nil {
		return classify("initiate retrieval job", err)
	}
	jobID := aws.ToString(job.JobId)
	s.logger.Info(ctx, "retrieval job started", "job_id", jobID, "archive_id", archiveID)

	if err := s.waitJob(ctx, vault, jobID); err != nil {
		return err
	}

	out, err := s.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(common.AnyAccount),
		VaultName: aws.String(vault),
		JobId:     aws.String(jobID),
	})
	if err != nil {
		return classify("get job output", err)
	}
	defer out.Body.Close()

	return writeVerified(dest, out.Body, aws.ToString(out.Checksum))
}

func (s *Store) waitJob(ctx context.Context, vault, jobID string) error {
	for {
		d, err := s.api.DescribeJob(ctx, &glacier.DescribeJobInput{
			AccountId: aws.String(common.AnyAccount),
			VaultName: aws.String(vault),
			JobId:     aws.String(jobID),
		})
		if err != nil {
			return classify("describe job", err)
		}

		switch d.StatusCode {
		case types.StatusCodeSucceeded:
			return nil
		case types.StatusCodeFailed:
			return common.Permanent("retrieval job", fmt.Errorf("job %s failed: %s", jobID, aws.ToString(d.StatusMessage)))
		}

		s.logger.Debug(ctx, "retrieval job pending", "job_id", jobID, "status", string(d.StatusCode))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// writeVerified copies r into dest through a temporary file and renames it
// into place only when the tree hash matches want (if want is set).
func writeVerified(dest string, r io.Reader, want string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return common.Local("create download file", err)
	}
	defer os.Remove(tmp.Name())

	th := treehash.NewWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, th), r); err != nil {
		tmp.Close()
		return common.Transient("read job output", err)
	}
	if err := tmp.Close(); err != nil {
		return common.Local("write download file", err)
	}

	if want != "" && th.Sum().String() != want {
		return fmt.Errorf("%w: downloaded %s, service reported %s", common.ErrChecksumMismatch, th.Sum(), want)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return common.Local("rename download file", err)
	}
	return nil
}

// Close drops idle connections; requests in flight complete normally.
func (s *Store) Close() error {
	if s.http != nil {
		s.http.CloseIdleConnections()
	}
	return nil
}
