package librarysync

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/edutoolbox/internal/xerrors"
)

type keyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// kmsVerifier checks signatures locally against a KMS public key, fetched
// once and cached.
type kmsVerifier struct {
	client        keyFetcher
	keyID         string
	allowPKCS1v15 bool

	mu     sync.Mutex
	pubKey crypto.PublicKey
}

func (v *kmsVerifier) publicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pubKey = pub
	return pub, nil
}

// verify supports ECDSA P-256/P-384 and RSA-PSS with SHA-256, with PKCS#1
// v1.5 accepted only when allowed.
func (v *kmsVerifier) verify(ctx context.Context, message, sig []byte) error {
	pub, err := v.publicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		var digest []byte
		switch key.Curve {
		case elliptic.P256():
			d := sha256.Sum256(message)
			digest = d[:]
		case elliptic.P384():
			d := sha512.Sum384(message)
			digest = d[:]
		default:
			return xerrors.Newf("unsupported ECDSA curve %s", key.Curve.Params().Name)
		}
		if !ecdsa.VerifyASN1(key, digest, sig) {
			return xerrors.New("ECDSA signature verification failed")
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], sig, nil)
		if pssErr == nil {
			return nil
		}
		if !v.allowPKCS1v15 {
			return xerrors.Wrap(pssErr, "RSA-PSS verification failed")
		}
		return xerrors.Wrap(rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig), "RSA PKCS1v15 verification failed")
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
