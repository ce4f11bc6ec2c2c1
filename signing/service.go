// Package signing - record signing and verification
package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/hashing"
	"github.com/alwitt/sigchain/keys"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/alwitt/sigchain/signing")

// SignatureService signs single records, and verifies a single record's hash and signature
type SignatureService interface {
	/*
		SignRecord hash and sign one record

			@param ctx context.Context - execution context
			@param record models.Record - the record
			@param previousHash string - hash of the preceding record. Empty for a genesis record.
			@returns the signed record
	*/
	SignRecord(
		ctx context.Context, record models.Record, previousHash string,
	) (models.SignedRecord, error)

	/*
		VerifyRecord verify the hash and signature of one signed record

		Tamper outcomes are reported in the result, never as errors. The hash and signature
		are checked independently of each other. A trusted timestamp, when present, must also
		verify for the record to be valid.

			@param ctx context.Context - execution context
			@param signed models.SignedRecord - the signed record
			@param expectedPreviousHash string - the previous hash the record should link to.
				If empty, the record's stored previous hash is used.
			@returns verification result
	*/
	VerifyRecord(
		ctx context.Context, signed models.SignedRecord, expectedPreviousHash string,
	) models.VerificationResult

	/*
		GetPublicKey fetch the PEM public key of a signing key

			@param ctx context.Context - execution context
			@param version *uint - key version. If nil, the ACTIVE key is used
			@returns the PEM public key
	*/
	GetPublicKey(ctx context.Context, version *uint) (string, error)
}

// signatureServiceImpl implements SignatureService
type signatureServiceImpl struct {
	goutils.Component
	keys      keys.KeyManager
	authority TimestampAuthority
	validator *validator.Validate
}

/*
NewSignatureService define new signature service

	@param keyManager keys.KeyManager - the signing key manager
	@param authority TimestampAuthority - optional trusted timestamp authority. If set, every
		signed record is timestamped on a best effort basis.
	@returns service instance
*/
func NewSignatureService(
	keyManager keys.KeyManager, authority TimestampAuthority,
) (SignatureService, error) {
	logTags := log.Fields{
		"package": "sigchain", "module": "signing", "component": "signature-service",
	}

	instance := &signatureServiceImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		keys:      keyManager,
		authority: authority,
		validator: validator.New(),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}

// resolvePreviousHash default an empty previous hash to the genesis value
func resolvePreviousHash(previousHash string) (string, error) {
	if previousHash == "" {
		return models.ZeroHash, nil
	}
	if !hashing.IsDigest(previousHash) {
		return "", fmt.Errorf(
			"%w: previous hash '%s' is not a lowercase hex SHA-256 digest",
			models.ErrValidation,
			previousHash,
		)
	}
	return previousHash, nil
}

func (s *signatureServiceImpl) SignRecord(
	ctx context.Context, record models.Record, previousHash string,
) (models.SignedRecord, error) {
	ctx, span := tracer.Start(ctx, "sigchain.sign_record",
		trace.WithAttributes(
			attribute.String("record.id", record.ID),
			attribute.String("record.type", record.Type),
		),
	)
	defer span.End()

	signed, err := s.signRecord(ctx, record, previousHash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "signing failed")
		return models.SignedRecord{}, err
	}

	span.SetAttributes(attribute.Int64("key.version", int64(signed.KeyVersion)))
	return signed, nil
}

// signRecord core signing logic
func (s *signatureServiceImpl) signRecord(
	ctx context.Context, record models.Record, previousHash string,
) (models.SignedRecord, error) {
	previousHash, err := resolvePreviousHash(previousHash)
	if err != nil {
		return models.SignedRecord{}, err
	}

	if err := s.validator.Struct(&record); err != nil {
		return models.SignedRecord{}, fmt.Errorf(
			"%w: record '%s' is not valid [%w]", models.ErrValidation, record.ID, err,
		)
	}

	hash, err := hashing.HashRecord(record, previousHash)
	if err != nil {
		return models.SignedRecord{}, fmt.Errorf("failed to hash record '%s' [%w]", record.ID, err)
	}

	// The signed message is the hex hash text
	signature, key, err := s.keys.SignWithActiveKey(ctx, []byte(hash))
	if err != nil {
		return models.SignedRecord{}, fmt.Errorf("failed to sign record '%s' [%w]", record.ID, err)
	}

	log.WithFields(s.LogTags).
		WithField("record-id", record.ID).
		WithField("key-version", key.Version).
		Debug("Signed record")

	signed := models.SignedRecord{
		Record:       record,
		Hash:         hash,
		Signature:    hex.EncodeToString(signature),
		PreviousHash: previousHash,
		KeyVersion:   key.Version,
	}

	if s.authority != nil {
		// The record stays usable without a timestamp
		stamp, err := s.authority.Stamp(ctx, hash)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).
				WithField("record-id", record.ID).
				Warn("Trusted timestamp failed, continuing without it")
		} else {
			signed.TrustedTimestamp = &stamp
		}
	}

	return signed, nil
}

func (s *signatureServiceImpl) VerifyRecord(
	ctx context.Context, signed models.SignedRecord, expectedPreviousHash string,
) models.VerificationResult {
	ctx, span := tracer.Start(ctx, "sigchain.verify_record",
		trace.WithAttributes(
			attribute.String("record.id", signed.ID),
			attribute.Int64("key.version", int64(signed.KeyVersion)),
		),
	)
	defer span.End()

	result := models.VerificationResult{
		Hash:      s.checkHash(signed, expectedPreviousHash),
		Signature: s.checkSignature(ctx, signed),
	}
	result.Valid = result.Hash.Valid && result.Signature.Valid
	if signed.TrustedTimestamp != nil {
		result.Timestamp = s.checkTimestamp(ctx, signed)
		result.Valid = result.Valid && result.Timestamp.Valid
		span.SetAttributes(attribute.Bool("timestamp.valid", result.Timestamp.Valid))
	}

	span.SetAttributes(
		attribute.Bool("hash.valid", result.Hash.Valid),
		attribute.Bool("signature.valid", result.Signature.Valid),
	)
	if !result.Valid {
		log.WithFields(s.LogTags).
			WithField("record-id", signed.ID).
			WithField("hash-valid", result.Hash.Valid).
			WithField("signature-valid", result.Signature.Valid).
			Warn("Record failed verification")
	}

	return result
}

// checkHash recompute the record hash and compare against the stored hash
func (s *signatureServiceImpl) checkHash(
	signed models.SignedRecord, expectedPreviousHash string,
) models.HashCheck {
	check := models.HashCheck{Expected: signed.Hash}

	previousHash := expectedPreviousHash
	if previousHash == "" {
		previousHash = signed.PreviousHash
	}

	actual, err := hashing.HashRecord(signed.Record, previousHash)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).
			WithField("record-id", signed.ID).
			Error("Unable to recompute record hash")
		return check
	}

	check.Actual = actual
	check.Valid = actual == signed.Hash
	return check
}

// checkSignature verify the stored signature over the stored hash
func (s *signatureServiceImpl) checkSignature(
	ctx context.Context, signed models.SignedRecord,
) models.SignatureCheck {
	check := models.SignatureCheck{
		Algorithm: models.SigningAlgorithmRSASHA256, KeyVersion: signed.KeyVersion,
	}

	signature, err := hex.DecodeString(signed.Signature)
	if err != nil {
		check.Error = fmt.Sprintf("signature is not hex encoded: %s", err.Error())
		return check
	}

	key, err := s.keys.VerifyWithKey(ctx, signed.KeyVersion, []byte(signed.Hash), signature)
	check.KeyState = key.State
	switch {
	case err == nil:
		check.Valid = true
	case errors.Is(err, models.ErrSignatureMismatch):
		check.Error = "signature does not match"
	default:
		check.Error = err.Error()
	}
	return check
}

// checkTimestamp verify the trusted timestamp covers the stored hash
func (s *signatureServiceImpl) checkTimestamp(
	ctx context.Context, signed models.SignedRecord,
) *models.TimestampCheck {
	check := &models.TimestampCheck{Authority: signed.TrustedTimestamp.Authority}

	var genTime time.Time
	var err error
	if s.authority != nil {
		genTime, err = s.authority.Verify(ctx, *signed.TrustedTimestamp, signed.Hash)
	} else {
		genTime, err = VerifyTimestampToken(*signed.TrustedTimestamp, signed.Hash, nil)
	}
	if err != nil {
		check.Error = err.Error()
		return check
	}

	check.Valid = true
	check.Time = &genTime
	return check
}

func (s *signatureServiceImpl) GetPublicKey(ctx context.Context, version *uint) (string, error) {
	return s.keys.GetPublicKey(ctx, version)
}
