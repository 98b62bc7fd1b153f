package glacierstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
)

type fakeAPI struct {
	API

	initiateIn *glacier.InitiateMultipartUploadInput
	uploadIn   *glacier.UploadMultipartPartInput
	uploadBody []byte
	completeIn *glacier.CompleteMultipartUploadInput
	uploadErr  error

	jobStatuses []types.StatusCode
	describes   int
	output      []byte
	outputSum   string
}

func (f *fakeAPI) InitiateMultipartUpload(ctx context.Context, in *glacier.InitiateMultipartUploadInput, _ ...func(*glacier.Options)) (*glacier.InitiateMultipartUploadOutput, error) {
	f.initiateIn = in
	return &glacier.InitiateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeAPI) UploadMultipartPart(ctx context.Context, in *glacier.UploadMultipartPartInput, _ ...func(*glacier.Options)) (*glacier.UploadMultipartPartOutput, error) {
	f.uploadIn = in
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploadBody = body
	return &glacier.UploadMultipartPartOutput{Checksum: aws.String(treehash.HashOf(body).String())}, nil
}

func (f *fakeAPI) CompleteMultipartUpload(ctx context.Context, in *glacier.CompleteMultipartUploadInput, _ ...func(*glacier.Options)) (*glacier.CompleteMultipartUploadOutput, error) {
	f.completeIn = in
	return &glacier.CompleteMultipartUploadOutput{
		ArchiveId: aws.String("archive-1"),
		Location:  aws.String("/123/vaults/v/archives/archive-1"),
		Checksum:  in.Checksum,
	}, nil
}

func (f *fakeAPI) InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	if aws.ToString(in.JobParameters.Type) != "archive-retrieval" {
		return nil, errors.New("unexpected job type")
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("job-1")}, nil
}

func (f *fakeAPI) DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, _ ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error) {
	i := min(f.describes, len(f.jobStatuses)-1)
	f.describes++
	return &glacier.DescribeJobOutput{StatusCode: f.jobStatuses[i], StatusMessage: aws.String("status")}, nil
}

func (f *fakeAPI) GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	return &glacier.GetJobOutputOutput{
		Body:     io.NopCloser(bytes.NewReader(f.output)),
		Checksum: aws.String(f.outputSum),
	}, nil
}

func TestStore_UploadFlow(t *testing.T) {
	api := &fakeAPI{}
	s := New(api, nil, 0, nil)
	ctx := context.Background()

	id, err := s.Initiate(ctx, "vault", "backup", common.PartSize)
	require.NoError(t, err)
	assert.Equal(t, "upload-1", id)
	assert.Equal(t, "-", aws.ToString(api.initiateIn.AccountId))
	assert.Equal(t, "1048576", aws.ToString(api.initiateIn.PartSize))
	assert.Equal(t, "backup", aws.ToString(api.initiateIn.ArchiveDescription))

	body := []byte("part body")
	sum := treehash.HashOf(body).String()
	got, err := s.UploadPart(ctx, "vault", id, archive.RangeOf(common.PartSize, len(body)), sum, body)
	require.NoError(t, err)
	assert.Equal(t, sum, got)
	assert.Equal(t, "bytes 1048576-1048584/*", aws.ToString(api.uploadIn.Range))
	assert.Equal(t, body, api.uploadBody)

	conf, err := s.Complete(ctx, "vault", id, sum, 1048585)
	require.NoError(t, err)
	assert.Equal(t, "1048585", aws.ToString(api.completeIn.ArchiveSize))
	assert.Equal(t, archive.Confirmation{
		ArchiveID: "archive-1",
		Location:  "/123/vaults/v/archives/archive-1",
		Checksum:  sum,
	}, conf)

	assert.NoError(t, s.Close())
}

func TestStore_ClassifiesServiceErrors(t *testing.T) {
	s := New(&fakeAPI{uploadErr: &smithy.GenericAPIError{Code: "InvalidParameterValueException", Message: "bad checksum"}}, nil, 0, nil)
	_, err := s.UploadPart(context.Background(), "v", "u", archive.RangeOf(0, 1), "x", []byte("x"))
	assert.Equal(t, common.KindPermanent, common.KindOf(err))
	assert.False(t, common.IsTransient(err))

	s = New(&fakeAPI{uploadErr: &smithy.GenericAPIError{Code: "RequestTimeoutException"}}, nil, 0, nil)
	_, err = s.UploadPart(context.Background(), "v", "u", archive.RangeOf(0, 1), "x", []byte("x"))
	assert.Equal(t, common.KindTransient, common.KindOf(err))

	s = New(&fakeAPI{uploadErr: errors.New("connection reset")}, nil, 0, nil)
	_, err = s.UploadPart(context.Background(), "v", "u", archive.RangeOf(0, 1), "x", []byte("x"))
	assert.True(t, common.IsTransient(err))
}

func TestStore_DownloadWaitsForJob(t *testing.T) {
	data := bytes.Repeat([]byte("abc"), 1<<19)
	api := &fakeAPI{
		jobStatuses: []types.StatusCode{types.StatusCodeInProgress, types.StatusCodeInProgress, types.StatusCodeSucceeded},
		output:      data,
		outputSum:   treehash.HashOf(data).String(),
	}
	s := New(api, nil, time.Millisecond, nil)

	dest := filepath.Join(t.TempDir(), "restored.bin")
	require.NoError(t, s.Download(context.Background(), "vault", "archive-1", dest))

	assert.Equal(t, 3, api.describes)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_DownloadRejectsCorruptOutput(t *testing.T) {
	api := &fakeAPI{
		jobStatuses: []types.StatusCode{types.StatusCodeSucceeded},
		output:      []byte("corrupted"),
		outputSum:   treehash.HashOf([]byte("original")).String(),
	}
	s := New(api, nil, time.Millisecond, nil)

	dest := filepath.Join(t.TempDir(), "restored.bin")
	err := s.Download(context.Background(), "vault", "archive-1", dest)
	assert.ErrorIs(t, err, common.ErrChecksumMismatch)
	assert.NoFileExists(t, dest)
}

func TestStore_DownloadFailedJob(t *testing.T) {
	api := &fakeAPI{jobStatuses: []types.StatusCode{types.StatusCodeFailed}}
	s := New(api, nil, time.Millisecond, nil)

	err := s.Download(context.Background(), "vault", "archive-1", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
	assert.Equal(t, common.KindPermanent, common.KindOf(err))
}

func TestStore_DownloadCancelled(t *testing.T) {
	api := &fakeAPI{jobStatuses: []types.StatusCode{types.StatusCodeInProgress}}
	s := New(api, nil, time.Hour, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Download(ctx, "vault", "archive-1", filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewFactory(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newGlacierClient
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newGlacierClient = origNew
	})

	loads := 0
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		loads++
		var lo awsconfig.LoadOptions
		for _, fn := range optFns {
			require.NoError(t, fn(&lo))
		}
		assert.Equal(t, "eu-central-1", lo.Region)
		require.NotNil(t, lo.Credentials)
		creds, err := lo.Credentials.Retrieve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "AKID", creds.AccessKeyID)
		return aws.Config{}, nil
	}

	var captured []glacier.Options
	newGlacierClient = func(cfg aws.Config, optFns ...func(*glacier.Options)) API {
		var o glacier.Options
		for _, fn := range optFns {
			fn(&o)
		}
		captured = append(captured, o)
		return &fakeAPI{}
	}

	factory, err := NewFactory(context.Background(), Options{
		Endpoint:        "glacier.eu-central-1.amazonaws.com",
		Region:          "eu-central-1",
		AccessKeyID:     "AKID",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)

	a, err := factory(context.Background())
	require.NoError(t, err)
	b, err := factory(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	assert.Equal(t, 1, loads, "configuration is loaded once per run")
	require.Len(t, captured, 2)
	assert.Equal(t, "https://glacier.eu-central-1.amazonaws.com", aws.ToString(captured[0].BaseEndpoint))
	assert.NotSame(t, captured[0].HTTPClient, captured[1].HTTPClient, "each handle owns its connections")
	assert.Equal(t, 1, captured[0].RetryMaxAttempts)

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}
	_, err = NewFactory(context.Background(), Options{})
	assert.ErrorContains(t, err, "no credentials")
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "", normalizeEndpoint(""))
	assert.Equal(t, "https://host", normalizeEndpoint("host"))
	assert.Equal(t, "http://localhost:4566", normalizeEndpoint("http://localhost:4566"))
}
