package models

import (
	"time"

	"gorm.io/datatypes"
)

// ZeroHash previous hash of the first record of every chain
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record one discrete event, before it is signed
type Record struct {
	// ID record ID assigned by the producer
	ID string `json:"id" validate:"required"`
	// Type record type
	Type string `json:"type" validate:"required"`
	// Data record payload
	Data map[string]interface{} `json:"data" validate:"required"`
	// Timestamp ISO-8601 event timestamp
	Timestamp string `json:"timestamp" validate:"required,iso8601"`
	// UserID user who produced the record
	UserID string `json:"userId" validate:"required"`
}

// SignedRecord a record after it was hashed, linked and signed. It is never mutated.
type SignedRecord struct {
	Record

	// Hash SHA-256 over the canonical form of the record and PreviousHash
	Hash string `json:"hash" validate:"required,len=64,hexadecimal,lowercase"`
	// Signature hex encoded signature over Hash
	Signature string `json:"signature" validate:"required,hexadecimal"`
	// PreviousHash hash of the preceding record in the chain, or ZeroHash
	PreviousHash string `json:"previousHash" validate:"required,len=64,hexadecimal,lowercase"`
	// KeyVersion version of the signing key which produced Signature
	KeyVersion uint `json:"keyVersion" validate:"required,gt=0"`
	// TrustedTimestamp RFC 3161 timestamp over Hash. Not part of the hash.
	TrustedTimestamp *TrustedTimestamp `json:"trustedTimestamp,omitempty"`
}

// TrustedTimestamp RFC 3161 timestamp token issued over a record hash
type TrustedTimestamp struct {
	// Token base64 DER encoded timestamp token
	Token string `json:"token" validate:"required,base64"`
	// Time generation time attested by the token
	Time time.Time `json:"time"`
	// Authority endpoint of the issuing timestamp authority
	Authority string `json:"authority,omitempty"`
}

// Chain a logical chain of signed records, e.g. all activity records of one farm
type Chain struct {
	// ID chain ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,uuid_rfc4122"`

	// Name chain name. This is the chain scope key supplied by callers.
	Name string `json:"name" gorm:"column:name;not null;unique" validate:"required"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ChainRecord one persisted signed record within a chain
type ChainRecord struct {
	// ID entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`

	// ChainID the parent chain
	ChainID string `json:"chain_id" gorm:"column:chain_id;not null;uniqueIndex:chain_sequence" validate:"required,uuid_rfc4122"`
	// Sequence position within the chain, starting at 0
	Sequence int64 `json:"sequence" gorm:"column:sequence;not null;uniqueIndex:chain_sequence" validate:"gte=0"`

	// RecordID producer assigned record ID
	RecordID string `json:"record_id" gorm:"column:record_id;not null" validate:"required"`
	// RecordType record type
	RecordType string `json:"record_type" gorm:"column:record_type;not null" validate:"required"`
	// Data record payload
	Data datatypes.JSON `json:"data" gorm:"column:data;not null" validate:"required"`
	// Timestamp record ISO-8601 timestamp, kept verbatim as it is part of the hash
	Timestamp string `json:"timestamp" gorm:"column:timestamp;not null" validate:"required,iso8601"`
	// UserID user who produced the record
	UserID string `json:"user_id" gorm:"column:user_id;not null" validate:"required"`

	// Hash record hash
	Hash string `json:"hash" gorm:"column:hash;not null;index" validate:"required,len=64,hexadecimal,lowercase"`
	// PreviousHash hash of the preceding record
	PreviousHash string `json:"previous_hash" gorm:"column:previous_hash;not null" validate:"required,len=64,hexadecimal,lowercase"`
	// Signature hex encoded signature over Hash
	Signature string `json:"signature" gorm:"column:signature;not null" validate:"required,hexadecimal"`
	// KeyVersion signing key version
	KeyVersion uint `json:"key_version" gorm:"column:key_version;not null;index" validate:"required,gt=0"`

	// TimestampToken base64 RFC 3161 token over Hash. Empty if the record was not timestamped.
	TimestampToken string `json:"timestamp_token,omitempty" gorm:"column:timestamp_token" validate:"omitempty,base64"`
	// TimestampTime generation time attested by TimestampToken
	TimestampTime *time.Time `json:"timestamp_time,omitempty" gorm:"column:timestamp_time"`
	// TimestampAuthority authority which issued TimestampToken
	TimestampAuthority string `json:"timestamp_authority,omitempty" gorm:"column:timestamp_authority"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}
