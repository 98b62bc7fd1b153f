// Package s3store implements archive.Store on an S3-compatible bucket.
//
// The vault name is the bucket. Each part is stored as its own object under
// uploads/<upload id>/<offset> with an SHA-256 checksum the server verifies,
// so parts keep the 1 MiB tree-hash leaf size. Complete checks the server
// checksums of every part against the declared tree hash and writes a
// manifest to archives/<archive id>.json.
package s3store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/glaciermpu/internal/archive"
	"github.com/dmitrijs2005/glaciermpu/internal/common"
	"github.com/dmitrijs2005/glaciermpu/internal/logging"
	"github.com/dmitrijs2005/glaciermpu/internal/treehash"
)

// API is the subset of the S3 client the store uses.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	s3.ListObjectsV2APIClient
}

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) API {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// Errors returned by the store.
var (
	ErrPartSize = errors.New("s3store: part size exceeds one tree-hash leaf")
	ErrBadSize  = errors.New("s3store: archive size mismatch")
	ErrBadTree  = errors.New("s3store: tree hash mismatch")
)

// Options describe how to reach the bucket.
type Options struct {
	// Endpoint such as "http://127.0.0.1:9000". Empty uses AWS.
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// PathStyle addresses buckets as endpoint/bucket, as MinIO expects.
	PathStyle bool
	Logger    logging.Logger
}

// session is stored at uploads/<id>.json while the upload is open.
type session struct {
	Description string `json:"description"`
	PartSize    uint32 `json:"part_size"`
}

// Manifest describes a completed archive.
type Manifest struct {
	UploadID    string   `json:"upload_id"`
	Description string   `json:"description"`
	Size        uint64   `json:"size"`
	TreeHash    string   `json:"tree_hash"`
	Parts       []string `json:"parts"`
}

// Store is one S3 client handle with its own connection pool.
type Store struct {
	api    API
	http   *http.Client
	logger logging.Logger
}

// New wraps an existing API. hc may be nil.
func New(api API, hc *http.Client, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{api: api, http: hc, logger: logger}
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

	endpoint := opts.Endpoint
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}

	return func(context.Context) (archive.Client, error) {
		hc := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
		api := newS3ClientFromConfig(cfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
			o.UsePathStyle = opts.PathStyle
			o.HTTPClient = hc
			o.RetryMaxAttempts = 1
		})
		return New(api, hc, opts.Logger), nil
	}, nil
}

func uploadKey(uploadID string) string {
	return "uploads/" + uploadID + ".json"
}

func partPrefix(uploadID string) string {
	return "uploads/" + uploadID + "/"
}

func partKey(uploadID string, offset uint64) string {
	return fmt.Sprintf("%s%020d", partPrefix(uploadID), offset)
}

func manifestKey(archiveID string) string {
	return "archives/" + archiveID + ".json"
}

func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound", "AccessDenied", "InvalidArgument",
			"InvalidRequest", "BadDigest", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return common.Permanent(op, err)
		}
	}
	return common.Transient(op, err)
}

// toHex converts a base64 SHA-256 checksum as returned by S3 to hex.
func toHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// toBase64 converts a hex tree hash to the base64 form S3 expects.
func toBase64(hexSum string) (string, error) {
	h, err := treehash.Parse(hexSum)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h[:]), nil
}

func (s *Store) putJSON(ctx context.Context, bucket, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *Store) getJSON(ctx context.Context, bucket, key string, v any) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return err
	}
	defer out.Body.Close()
	return json.NewDecoder(out.Body).Decode(v)
}

// Initiate implements archive.Store.
func (s *Store) Initiate(ctx context.Context, vault, description string, partSize uint32) (string, error) {
	if partSize == 0 || partSize > treehash.LeafSize {
		return "", common.Permanent("initiate upload", fmt.Errorf("%w: %d", ErrPartSize, partSize))
	}
	if _, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(vault)}); err != nil {
		return "", classify("head bucket", err)
	}

	id := uuid.NewString()
	if err := s.putJSON(ctx, vault, uploadKey(id), session{Description: description, PartSize: partSize}); err != nil {
		return "", classify("initiate upload", err)
	}
	return id, nil
}

// UploadPart implements archive.Store.
func (s *Store) UploadPart(ctx context.Context, vault, uploadID string, r archive.ByteRange, checksum string, body []byte) (string, error) {
	if r.Len() != uint64(len(body)) || len(body) > treehash.LeafSize {
		return "", common.Permanent("upload part", fmt.Errorf("invalid range %s for %d bytes", r, len(body)))
	}
	b64, err := toBase64(checksum)
	if err != nil {
		return "", common.Permanent("upload part", err)
	}

	out, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(vault),
		Key:               aws.String(partKey(uploadID, r.Start)),
		Body:              bytes.NewReader(body),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(b64),
	})
	if err != nil {
		return "", classify("upload part", err)
	}
	if out.ChecksumSHA256 == nil {
		return "", nil
	}
	return toHex(aws.ToString(out.ChecksumSHA256))
}

type storedPart struct {
	key    string
	offset uint64
	size   int64
	hash   treehash.Hash
}

func (s *Store) listParts(ctx context.Context, vault, uploadID string) ([]storedPart, error) {
	var parts []storedPart
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(vault),
		Prefix: aws.String(partPrefix(uploadID)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list parts", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			off, err := strconv.ParseUint(strings.TrimPrefix(key, partPrefix(uploadID)), 10, 64)
			if err != nil {
				continue
			}
			parts = append(parts, storedPart{key: key, offset: off, size: aws.ToInt64(obj.Size)})
		}
	}
	return parts, nil
}

// Complete implements archive.Store.
func (s *Store) Complete(ctx context.Context, vault, uploadID, checksum string, size uint64) (archive.Confirmation, error) {
	var sess session
	if err := s.getJSON(ctx, vault, uploadKey(uploadID), &sess); err != nil {
		return archive.Confirmation{}, classify("read upload session", err)
	}

	parts, err := s.listParts(ctx, vault, uploadID)
	if err != nil {
		return archive.Confirmation{}, err
	}

	// Keys are zero-padded offsets, so listing order is file order.
	var (
		next   uint64
		hashes = make([]treehash.Hash, 0, len(parts))
		keys   = make([]string, 0, len(parts))
	)
	for i := range parts {
		p := &parts[i]
		if p.offset != next {
			return archive.Confirmation{}, common.Permanent("complete upload",
				fmt.Errorf("%w: expected part at offset %d, found %d", ErrBadSize, next, p.offset))
		}
		head, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket:       aws.String(vault),
			Key:          aws.String(p.key),
			ChecksumMode: types.ChecksumModeEnabled,
		})
		if err != nil {
			return archive.Confirmation{}, classify("head part", err)
		}
		sum, err := toHex(aws.ToString(head.ChecksumSHA256))
		if err != nil {
			return archive.Confirmation{}, common.Permanent("head part", err)
		}
		if p.hash, err = treehash.Parse(sum); err != nil {
			return archive.Confirmation{}, common.Permanent("head part", fmt.Errorf("part %s has no sha256 checksum", p.key))
		}
		next += uint64(p.size)
		hashes = append(hashes, p.hash)
		keys = append(keys, p.key)
	}

	if next != size {
		return archive.Confirmation{}, common.Permanent("complete upload",
			fmt.Errorf("%w: stored %d, declared %d", ErrBadSize, next, size))
	}
	total := treehash.HashOf(nil)
	if len(hashes) > 0 {
		total = treehash.CombineAggregate(hashes)
	}
	if total.String() != checksum {
		return archive.Confirmation{}, common.Permanent("complete upload",
			fmt.Errorf("%w: computed %s, declared %s", ErrBadTree, total, checksum))
	}

	archiveID := uuid.NewString()
	m := Manifest{
		UploadID:    uploadID,
		Description: sess.Description,
		Size:        size,
		TreeHash:    total.String(),
		Parts:       keys,
	}
	if err := s.putJSON(ctx, vault, manifestKey(archiveID), m); err != nil {
		return archive.Confirmation{}, classify("write manifest", err)
	}
	s.logger.Debug(ctx, "manifest written", "archive_id", archiveID, "parts", len(keys))

	return archive.Confirmation{
		ArchiveID: archiveID,
		Location:  fmt.Sprintf("s3://%s/%s", vault, manifestKey(archiveID)),
		Checksum:  total.String(),
	}, nil
}

// Download reassembles an archive from its manifest and checks the tree
// hash before moving the file into place.
func (s *Store) Download(ctx context.Context, vault, archiveID, dest string) error {
	var m Manifest
	if err := s.getJSON(ctx, vault, manifestKey(archiveID), &m); err != nil {
		return classify("read manifest", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return common.Local("create download file", err)
	}
	defer os.Remove(tmp.Name())

	th := treehash.NewWriter()
	w := io.MultiWriter(tmp, th)
	for _, key := range m.Parts {
		if err := s.copyObject(ctx, vault, key, w); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return common.Local("write download file", err)
	}

	if uint64(th.Len()) != m.Size || th.Sum().String() != m.TreeHash {
		return fmt.Errorf("%w: downloaded %s (%d bytes), manifest has %s (%d bytes)",
			common.ErrChecksumMismatch, th.Sum(), th.Len(), m.TreeHash, m.Size)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return common.Local("rename download file", err)
	}
	return nil
}

func (s *Store) copyObject(ctx context.Context, bucket, key string, w io.Writer) error {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return classify("get part", err)
	}
	defer out.Body.Close()
	if _, err := io.Copy(w, out.Body); err != nil {
		return common.Transient("read part", err)
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
