package librarysync

import (
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/keithlinneman/edutoolbox/internal/log"
)

var ErrInvalidOptions = errors.New("invalid library sync options")

const (
	DefaultMaxBundleBytes int64 = 512 << 20
	DefaultMaxFileBytes   int64 = 256 << 20
	DefaultMaxTotalBytes  int64 = 2 << 30
	DefaultMaxFiles             = 10000
)

// Observer receives sync outcomes. *metrics.ServerMetrics satisfies it.
type Observer interface {
	SetLibraryBundle(sha256 string)
	SetLibrarySynced(t time.Time)
	ObserveLibrarySync(seconds float64)
	IncLibrarySyncError(stage string)
}

type Options struct {
	Logger log.Logger

	// SSMParam names the parameter holding the current bundle's SHA-256.
	SSMParam string

	// Bundles live at s3://{S3Bucket}/{S3Prefix}/{hash}.tar.gz.
	S3Bucket string
	S3Prefix string

	// ContentRoot is replaced wholesale by each new bundle.
	ContentRoot string

	// SigningKeyID enables signature checks: {hash}.tar.gz.sig must hold a
	// signature by this KMS key over the hex hash.
	SigningKeyID  string
	AllowPKCS1v15 bool

	MaxBundleBytes int64
	MaxFileBytes   int64
	MaxTotalBytes  int64
	MaxFiles       int

	// AWSConfig defaults to config.LoadDefaultConfig.
	AWSConfig *aws.Config

	Metrics Observer
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.MaxBundleBytes <= 0 {
		o.MaxBundleBytes = DefaultMaxBundleBytes
	}
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.MaxTotalBytes <= 0 {
		o.MaxTotalBytes = DefaultMaxTotalBytes
	}
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.Metrics == nil {
		o.Metrics = nopObserver{}
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.SSMParam == "" {
		errs = append(errs, fmt.Errorf("%w: SSMParam is required", ErrInvalidOptions))
	}
	if o.S3Bucket == "" {
		errs = append(errs, fmt.Errorf("%w: S3Bucket is required", ErrInvalidOptions))
	}
	if o.ContentRoot == "" {
		errs = append(errs, fmt.Errorf("%w: ContentRoot is required", ErrInvalidOptions))
	}
	return errors.Join(errs...)
}

type nopObserver struct{}

func (nopObserver) SetLibraryBundle(string)    {}
func (nopObserver) SetLibrarySynced(time.Time) {}
func (nopObserver) ObserveLibrarySync(float64) {}
func (nopObserver) IncLibrarySyncError(string) {}
