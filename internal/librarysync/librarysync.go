// Package librarysync installs the course library onto a machine before the
// server starts.
//
// The current bundle hash comes from an SSM parameter. The bundle itself is
// s3://{bucket}/{prefix}/{hash}.tar.gz; it is checked against that hash,
// optionally against a KMS signature, unpacked beside the content root and
// then swapped in with renames. A root whose marker already names the
// current hash is left alone.
package librarysync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/edutoolbox/internal/log"
	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

// Stages reported to Observer.IncLibrarySyncError.
const (
	StageParam     = "param"
	StageDownload  = "download"
	StageChecksum  = "checksum"
	StageSignature = "signature"
	StageExtract   = "extract"
	StageInstall   = "install"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

type paramGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Result describes one Sync call.
type Result struct {
	Marker
	Changed bool
}

type Syncer struct {
	opts     Options
	ssm      paramGetter
	s3       objectGetter
	verifier *kmsVerifier

	mu      sync.RWMutex
	current *Marker
}

func New(ctx context.Context, opts Options) (*Syncer, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		c, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
		awsCfg = c
	}
	var keys keyFetcher
	if opts.SigningKeyID != "" {
		keys = kms.NewFromConfig(awsCfg)
	}
	return newSyncer(opts, ssm.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), keys), nil
}

func newSyncer(opts Options, p paramGetter, o objectGetter, keys keyFetcher) *Syncer {
	s := &Syncer{opts: opts, ssm: p, s3: o}
	if opts.SigningKeyID != "" {
		s.verifier = &kmsVerifier{client: keys, keyID: opts.SigningKeyID, allowPKCS1v15: opts.AllowPKCS1v15}
	}
	return s
}

func (s *Syncer) LibraryVersion() string { return s.Current().LibraryVersion() }
func (s *Syncer) LibraryHash() string    { return s.Current().LibraryHash() }

// Current is the marker of the installed bundle, or nil before any sync.
func (s *Syncer) Current() *Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Sync installs the bundle SSM currently points at. On failure the existing
// content root is untouched.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	start := time.Now()
	L := log.FromContextOr(ctx, s.opts.Logger).With("component", "librarysync")

	res, stage, err := s.sync(ctx, L)
	if err != nil {
		s.opts.Metrics.IncLibrarySyncError(stage)
		return res, xerrors.Wrapf(err, "library sync (%s)", stage)
	}

	s.mu.Lock()
	m := res.Marker
	s.current = &m
	s.mu.Unlock()

	s.opts.Metrics.SetLibraryBundle(res.SHA256)
	s.opts.Metrics.SetLibrarySynced(res.SyncedAt)
	s.opts.Metrics.ObserveLibrarySync(time.Since(start).Seconds())
	L.Info(ctx, "library ready",
		"sha256", res.SHA256,
		"version", res.Version,
		"files", res.Files,
		"changed", res.Changed,
		"duration", time.Since(start),
	)
	return res, nil
}

func (s *Syncer) sync(ctx context.Context, L log.Logger) (Result, string, error) {
	hash, err := s.currentHash(ctx)
	if err != nil {
		return Result{}, StageParam, err
	}

	if m, err := ReadMarker(s.opts.ContentRoot); err != nil {
		L.Warn(ctx, "ignoring unreadable library marker", "err", err)
	} else if m != nil && hashEqual(m.SHA256, hash) {
		return Result{Marker: *m}, "", nil
	}

	bundle, stage, err := s.download(ctx, hash)
	if err != nil {
		return Result{}, stage, err
	}
	defer os.Remove(bundle)

	if s.verifier != nil {
		sig, err := s.fetch(ctx, s.key(hash)+".sig", 64<<10)
		if err != nil {
			return Result{}, StageSignature, err
		}
		if err := s.verifier.verify(ctx, []byte(hash), sig); err != nil {
			return Result{}, StageSignature, err
		}
		L.Info(ctx, "library signature verified", "key_id", s.opts.SigningKeyID)
	}

	m, stage, err := s.install(bundle, hash)
	if err != nil {
		return Result{}, stage, err
	}
	return Result{Marker: m, Changed: true}, "", nil
}

func (s *Syncer) currentHash(ctx context.Context) (string, error) {
	out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", s.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", s.opts.SSMParam)
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !hashPattern.MatchString(hash) {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", s.opts.SSMParam)
	}
	return hash, nil
}

func (s *Syncer) key(hash string) string {
	if p := strings.Trim(s.opts.S3Prefix, "/"); p != "" {
		return p + "/" + hash + ".tar.gz"
	}
	return hash + ".tar.gz"
}

// download writes the bundle to a temp file beside the content root and
// returns its name once the checksum matches.
func (s *Syncer) download(ctx context.Context, hash string) (string, string, error) {
	key := s.key(hash)
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", StageDownload, xerrors.Wrapf(err, "get s3://%s/%s", s.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	parent := filepath.Dir(filepath.Clean(s.opts.ContentRoot))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", StageDownload, xerrors.Wrap(err, "create content parent dir")
	}
	tmp, err := os.CreateTemp(parent, ".library-*.tar.gz")
	if err != nil {
		return "", StageDownload, xerrors.Wrap(err, "create temp file")
	}
	name := tmp.Name()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(out.Body, s.opts.MaxBundleBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	switch {
	case err != nil:
		os.Remove(name)
		return "", StageDownload, xerrors.Wrap(err, "download bundle")
	case n > s.opts.MaxBundleBytes:
		os.Remove(name)
		return "", StageDownload, xerrors.Newf("bundle exceeds %d bytes", s.opts.MaxBundleBytes)
	}

	if got := hex.EncodeToString(h.Sum(nil)); !hashEqual(got, hash) {
		os.Remove(name)
		return "", StageChecksum, xerrors.Newf("checksum mismatch: expected %s, got %s", hash, got)
	}
	return name, "", nil
}

func (s *Syncer) fetch(ctx context.Context, key string, max int64) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", s.opts.S3Bucket, key)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(io.LimitReader(out.Body, max+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", key)
	}
	if int64(len(data)) > max {
		return nil, xerrors.Newf("%s exceeds %d bytes", key, max)
	}
	return data, nil
}

// install unpacks into {root}.incoming and renames it over root, keeping
// the old tree as {root}.previous until the swap succeeds.
func (s *Syncer) install(bundle, hash string) (Marker, string, error) {
	root := filepath.Clean(s.opts.ContentRoot)
	incoming, previous := root+".incoming", root+".previous"

	if err := os.RemoveAll(incoming); err != nil {
		return Marker{}, StageExtract, xerrors.Wrap(err, "clear staging dir")
	}
	if err := os.Mkdir(incoming, 0o755); err != nil {
		return Marker{}, StageExtract, xerrors.Wrap(err, "create staging dir")
	}

	f, err := os.Open(bundle)
	if err != nil {
		return Marker{}, StageExtract, err
	}
	ex, err := extractTarGz(f, incoming, limits{file: s.opts.MaxFileBytes, total: s.opts.MaxTotalBytes, files: s.opts.MaxFiles})
	f.Close()
	if err != nil {
		os.RemoveAll(incoming)
		return Marker{}, StageExtract, err
	}

	m := Marker{SHA256: hash, Version: ex.version, Files: ex.files, Bytes: ex.bytes, SyncedAt: time.Now().UTC()}
	if err := writeMarker(incoming, m); err != nil {
		os.RemoveAll(incoming)
		return Marker{}, StageInstall, xerrors.Wrap(err, "write library marker")
	}

	if err := os.RemoveAll(previous); err != nil {
		os.RemoveAll(incoming)
		return Marker{}, StageInstall, xerrors.Wrap(err, "clear previous dir")
	}
	hadRoot := true
	if err := os.Rename(root, previous); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			os.RemoveAll(incoming)
			return Marker{}, StageInstall, xerrors.Wrap(err, "move current library aside")
		}
		hadRoot = false
	}
	if err := os.Rename(incoming, root); err != nil {
		if hadRoot {
			_ = os.Rename(previous, root)
		}
		os.RemoveAll(incoming)
		return Marker{}, StageInstall, xerrors.Wrap(err, "install library")
	}
	_ = os.RemoveAll(previous)
	return m, "", nil
}
