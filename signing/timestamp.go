package signing

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TimestampAuthority issues and checks RFC 3161 trusted timestamps over record hashes
type TimestampAuthority interface {
	/*
		Stamp obtain a timestamp token over a record hash

		The token's message imprint is SHA-256 over the hex hash text, the same bytes the
		record signature covers.

			@param ctx context.Context - execution context
			@param hash string - the record hash
			@returns the timestamp
	*/
	Stamp(ctx context.Context, hash string) (models.TrustedTimestamp, error)

	/*
		Verify check a timestamp token was issued over a record hash

			@param ctx context.Context - execution context
			@param stamp models.TrustedTimestamp - the timestamp
			@param hash string - the record hash
			@returns the generation time attested by the token
	*/
	Verify(ctx context.Context, stamp models.TrustedTimestamp, hash string) (time.Time, error)
}

// RFC3161Params RFC 3161 timestamp authority client settings
type RFC3161Params struct {
	// URL timestamp authority endpoint
	URL string `validate:"required,url"`
	// Timeout request timeout. Zero means no timeout beyond the request context.
	Timeout time.Duration `validate:"gte=0"`
	// TrustedRoots roots the authority certificate must chain to. If nil, only the token
	// signature and message imprint are checked.
	TrustedRoots *x509.CertPool `validate:"-"`
}

// rfc3161Authority implements TimestampAuthority against an RFC 3161 HTTP endpoint
type rfc3161Authority struct {
	goutils.Component
	url    string
	client *resty.Client
	roots  *x509.CertPool
}

/*
NewRFC3161Authority define new RFC 3161 timestamp authority client

	@param params RFC3161Params - client settings
	@returns client
*/
func NewRFC3161Authority(params RFC3161Params) (TimestampAuthority, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, fmt.Errorf("%w: timestamp authority settings are invalid [%w]", models.ErrValidation, err)
	}

	client := resty.New()
	if params.Timeout > 0 {
		client.SetTimeout(params.Timeout)
	}

	return &rfc3161Authority{
		Component: goutils.Component{
			LogTags: log.Fields{
				"package": "sigchain", "module": "signing", "component": "rfc3161-authority",
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		url:    params.URL,
		client: client,
		roots:  params.TrustedRoots,
	}, nil
}

func (a *rfc3161Authority) Stamp(ctx context.Context, hash string) (models.TrustedTimestamp, error) {
	ctx, span := tracer.Start(ctx, "sigchain.timestamp_hash",
		trace.WithAttributes(attribute.String("tsa.url", a.url)),
	)
	defer span.End()

	stamp, err := a.stamp(ctx, hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "timestamp request failed")
		return models.TrustedTimestamp{}, err
	}
	return stamp, nil
}

func (a *rfc3161Authority) stamp(ctx context.Context, hash string) (models.TrustedTimestamp, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return models.TrustedTimestamp{}, fmt.Errorf("failed to generate request nonce [%w]", err)
	}

	request, err := timestamp.CreateRequest(
		bytes.NewReader([]byte(hash)),
		&timestamp.RequestOptions{Hash: crypto.SHA256, Certificates: true, Nonce: nonce},
	)
	if err != nil {
		return models.TrustedTimestamp{}, fmt.Errorf("failed to build timestamp request [%w]", err)
	}

	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/timestamp-query").
		SetHeader("Accept", "application/timestamp-reply").
		SetBody(request).
		Post(a.url)
	if err != nil {
		return models.TrustedTimestamp{}, fmt.Errorf(
			"%w: timestamp request to %s failed [%w]", models.ErrTimestampInvalid, a.url, err,
		)
	}
	if resp.IsError() {
		return models.TrustedTimestamp{}, fmt.Errorf(
			"%w: timestamp authority %s replied %d", models.ErrTimestampInvalid, a.url, resp.StatusCode(),
		)
	}

	token, err := timestamp.ParseResponse(resp.Body())
	if err != nil {
		return models.TrustedTimestamp{}, fmt.Errorf(
			"%w: timestamp authority %s reply is unusable [%w]", models.ErrTimestampInvalid, a.url, err,
		)
	}
	if token.Nonce == nil || token.Nonce.Cmp(nonce) != 0 {
		return models.TrustedTimestamp{}, fmt.Errorf(
			"%w: timestamp authority %s reply nonce does not match", models.ErrTimestampInvalid, a.url,
		)
	}

	stamp := models.TrustedTimestamp{
		Token:     base64.StdEncoding.EncodeToString(token.RawToken),
		Time:      token.Time,
		Authority: a.url,
	}
	// A reply over some other imprint, or from an untrusted authority, is rejected up front
	if _, err := VerifyTimestampToken(stamp, hash, a.roots); err != nil {
		return models.TrustedTimestamp{}, err
	}

	log.WithFields(a.LogTags).
		WithField("tsa", a.url).
		WithField("gen-time", token.Time.Format(time.RFC3339)).
		Debug("Obtained trusted timestamp")

	return stamp, nil
}

func (a *rfc3161Authority) Verify(
	_ context.Context, stamp models.TrustedTimestamp, hash string,
) (time.Time, error) {
	return VerifyTimestampToken(stamp, hash, a.roots)
}

/*
VerifyTimestampToken check an RFC 3161 token offline

The token signature must verify, its imprint must be SHA-256 over the hex hash text, and its
generation time must match the time recorded next to it.

	@param stamp models.TrustedTimestamp - the timestamp
	@param hash string - the record hash
	@param roots *x509.CertPool - roots the authority must chain to. If nil, the chain is
		not checked.
	@returns the generation time attested by the token
*/
func VerifyTimestampToken(
	stamp models.TrustedTimestamp, hash string, roots *x509.CertPool,
) (time.Time, error) {
	raw, err := base64.StdEncoding.DecodeString(stamp.Token)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp token is not base64 [%w]", models.ErrEncoding, err)
	}

	token, err := timestamp.Parse(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp token does not verify [%w]", models.ErrTimestampInvalid, err)
	}

	if token.HashAlgorithm != crypto.SHA256 {
		return time.Time{}, fmt.Errorf(
			"%w: timestamp token imprint uses %s, not SHA-256", models.ErrTimestampInvalid, token.HashAlgorithm,
		)
	}
	imprint := sha256.Sum256([]byte(hash))
	if !bytes.Equal(token.HashedMessage, imprint[:]) {
		return time.Time{}, fmt.Errorf(
			"%w: timestamp token was issued over a different hash", models.ErrTimestampInvalid,
		)
	}
	if !stamp.Time.IsZero() && !stamp.Time.Equal(token.Time) {
		return time.Time{}, fmt.Errorf(
			"%w: recorded time %s differs from token time %s",
			models.ErrTimestampInvalid,
			stamp.Time.Format(time.RFC3339Nano),
			token.Time.Format(time.RFC3339Nano),
		)
	}

	if roots != nil {
		if err := verifyAuthorityChain(raw, roots, token.Time); err != nil {
			return time.Time{}, err
		}
	}

	return token.Time, nil
}

// verifyAuthorityChain require the token signer to be a time stamping certificate chaining to roots
func verifyAuthorityChain(raw []byte, roots *x509.CertPool, at time.Time) error {
	signed, err := pkcs7.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: timestamp token is not PKCS #7 signed data [%w]", models.ErrTimestampInvalid, err)
	}
	signer := signed.GetOnlySigner()
	if signer == nil {
		return fmt.Errorf("%w: timestamp token must carry exactly one signer", models.ErrTimestampInvalid)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range signed.Certificates {
		intermediates.AddCert(cert)
	}
	if _, err := signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   at,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}); err != nil {
		return fmt.Errorf(
			"%w: timestamp authority certificate does not chain to a trusted root [%w]",
			models.ErrTimestampInvalid,
			err,
		)
	}
	return nil
}
