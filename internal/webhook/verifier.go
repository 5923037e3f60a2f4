package webhook

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SignatureVersion 1 is SHA1 by protocol
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	ErrVerification      = errors.New("message verification failed")
	ErrTopicNotAllowed   = fmt.Errorf("%w: topic not allowed", ErrVerification)
	ErrInvalidCertURL    = fmt.Errorf("%w: invalid signing certificate url", ErrVerification)
	ErrInvalidSignature  = fmt.Errorf("%w: invalid signature", ErrVerification)
	ErrMalformedEnvelope = fmt.Errorf("%w: malformed envelope", ErrVerification)
)

// CertificateFetcher downloads a PEM signing certificate.
type CertificateFetcher interface {
	Fetch(ctx context.Context, certURL string) ([]byte, error)
}

// Verifier authenticates SNS messages. Certificates are cached by URL.
type Verifier struct {
	topics      map[string]struct{}
	hostPattern *regexp.Regexp
	fetcher     CertificateFetcher
	certs       *expirable.LRU[string, *x509.Certificate]
	validate    *validator.Validate
}

func NewVerifier(
	topics []string,
	hostPattern string,
	fetcher CertificateFetcher,
	cacheSize int,
	cacheTTL time.Duration,
) (*Verifier, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("certificate fetcher is required")
	}
	pattern, err := regexp.Compile(hostPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate host pattern: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 16
	}
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}

	allowed := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			allowed[topic] = struct{}{}
		}
	}

	return &Verifier{
		topics:      allowed,
		hostPattern: pattern,
		fetcher:     fetcher,
		certs:       expirable.NewLRU[string, *x509.Certificate](cacheSize, nil, cacheTTL),
		validate:    validator.New(),
	}, nil
}

// Verify checks the envelope fields, the topic allow-list, the certificate
// origin and the signature. Every failure wraps ErrVerification.
func (v *Verifier) Verify(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrMalformedEnvelope
	}
	if err := v.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, ok := v.topics[msg.TopicArn]; !ok {
		return ErrTopicNotAllowed
	}
	if err := v.CheckURL(msg.SigningCertURL); err != nil {
		return ErrInvalidCertURL
	}

	cert, err := v.certificate(ctx, msg.SigningCertURL)
	if err != nil {
		return err
	}

	return verifySignature(cert, msg)
}

// CheckURL accepts only https URLs on an SNS host.
func (v *Verifier) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url scheme must be https")
	}
	if !v.hostPattern.MatchString(u.Hostname()) {
		return fmt.Errorf("url host %q is not trusted", u.Hostname())
	}
	return nil
}

func (v *Verifier) certificate(ctx context.Context, certURL string) (*x509.Certificate, error) {
	if cert, ok := v.certs.Get(certURL); ok {
		return cert, nil
	}

	body, err := v.fetcher.Fetch(ctx, certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch signing certificate: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, fmt.Errorf("%w: certificate is not PEM", ErrInvalidSignature)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %v", ErrInvalidSignature, err)
	}

	v.certs.Add(certURL, cert)
	return cert, nil
}

func verifySignature(cert *x509.Certificate, msg *Message) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrInvalidSignature)
	}

	signature, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}

	payload := []byte(msg.StringToSign())
	var hash crypto.Hash
	var digest []byte
	switch msg.SignatureVersion {
	case "1":
		sum := sha1.Sum(payload) //nolint:gosec // protocol defined
		hash, digest = crypto.SHA1, sum[:]
	default:
		sum := sha256.Sum256(payload)
		hash, digest = crypto.SHA256, sum[:]
	}

	if err := rsa.VerifyPKCS1v15(pub, hash, digest, signature); err != nil {
		return ErrInvalidSignature
	}
	return nil
}
