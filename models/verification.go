package models

import "time"

// HashCheck outcome of recomputing a record hash
type HashCheck struct {
	// Valid whether the recomputed hash matches the stored hash
	Valid bool `json:"valid"`
	// Expected the hash stored on the record
	Expected string `json:"expected"`
	// Actual the hash recomputed from the record's current fields
	Actual string `json:"actual"`
}

// SignatureCheck outcome of verifying a record signature
type SignatureCheck struct {
	// Valid whether the signature verifies against the stored hash
	Valid bool `json:"valid"`
	// Algorithm signature algorithm
	Algorithm string `json:"algorithm"`
	// KeyVersion the key version used for verification
	KeyVersion uint `json:"keyVersion"`
	// KeyState state of that key at verification time. Callers decide whether a
	// revoked key invalidates an otherwise good signature.
	KeyState SigningKeyStateENUMType `json:"keyState,omitempty"`
	// Error why the signature could not be checked, if it could not
	Error string `json:"error,omitempty"`
}

// TimestampCheck outcome of verifying a record's trusted timestamp
type TimestampCheck struct {
	// Valid whether the token is intact and covers the stored hash
	Valid bool `json:"valid"`
	// Time generation time attested by the token
	Time *time.Time `json:"time,omitempty"`
	// Authority the issuing authority
	Authority string `json:"authority,omitempty"`
	// Error why the token failed verification
	Error string `json:"error,omitempty"`
}

// VerificationResult outcome of verifying one signed record
type VerificationResult struct {
	// Valid hash and signature are both valid, as is the trusted timestamp when present
	Valid bool `json:"valid"`
	// Hash hash check
	Hash HashCheck `json:"hash"`
	// Signature signature check
	Signature SignatureCheck `json:"signature"`
	// Timestamp trusted timestamp check. Nil when the record carries no timestamp.
	Timestamp *TimestampCheck `json:"timestamp,omitempty"`
}

// ChainRecordResult per record outcome within a chain verification
type ChainRecordResult struct {
	VerificationResult

	// Index position within the verified sequence
	Index int `json:"index"`
	// RecordID the record ID
	RecordID string `json:"recordId"`
	// LinkValid whether the stored previous hash matches the predecessor's hash
	LinkValid bool `json:"linkValid"`
}

// ChainReport outcome of verifying an ordered sequence of signed records
type ChainReport struct {
	// Valid every record is valid and every link matches
	Valid bool `json:"valid"`
	// TotalRecords number of records checked
	TotalRecords int `json:"totalRecords"`
	// ValidRecords number of records whose hash and signature are valid
	ValidRecords int `json:"validRecords"`
	// InvalidRecords number of records whose hash or signature is invalid
	InvalidRecords int `json:"invalidRecords"`
	// ChainIntegrity every previous hash matches its predecessor's hash
	ChainIntegrity bool `json:"chainIntegrity"`
	// FirstBreakIndex first index with an invalid record or broken link
	FirstBreakIndex *int `json:"firstBreakIndex"`
	// Details per record results
	Details []ChainRecordResult `json:"details"`
}
