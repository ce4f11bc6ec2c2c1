package models

import "errors"

// Error taxonomy. Tamper outcomes (hash, signature or link mismatch) are never errors, they
// are reported through VerificationResult and ChainReport.
var (
	// ErrValidation malformed or missing input fields
	ErrValidation = errors.New("validation error")
	// ErrEncoding payload can not be canonically serialized
	ErrEncoding = errors.New("encoding error")
	// ErrKeyUnavailable no usable ACTIVE signing key
	ErrKeyUnavailable = errors.New("signing key unavailable")
	// ErrVersionConflict new signing key version is not greater than every existing version
	ErrVersionConflict = errors.New("signing key version conflict")
	// ErrKeyNotFound no signing key with the requested version
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrSignatureMismatch signature does not verify
	ErrSignatureMismatch = errors.New("signature mismatch")
	// ErrTimestampInvalid trusted timestamp could not be obtained, or does not cover the record hash
	ErrTimestampInvalid = errors.New("trusted timestamp invalid")
	// ErrEvidenceCorrupted exported evidence does not match its recorded checksum
	ErrEvidenceCorrupted = errors.New("evidence checksum mismatch")
)
