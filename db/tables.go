package db

import "github.com/alwitt/sigchain/models"

// Tables every table entry, in foreign key dependency order
func Tables() []interface{} {
	return []interface{}{
		&SystemEventAuditDBEntry{},
		&SystemParamsDBEntry{},
		&SigningKeyDBEntry{},
		&ChainDBEntry{},
		&ChainRecordDBEntry{},
	}
}

// --------------------------------------------------------------------------------------
// System audit events

// SystemEventAuditDBEntry system audit event DB entry
type SystemEventAuditDBEntry struct {
	models.SystemEventAudit
}

// TableName hard code table name
func (SystemEventAuditDBEntry) TableName() string {
	return "system_audit_events"
}

// --------------------------------------------------------------------------------------
// System parameters

// SystemParamsDBEntry system parameter DB entry
type SystemParamsDBEntry struct {
	models.SystemParams
}

// TableName hard code table name
func (SystemParamsDBEntry) TableName() string {
	return "system_params"
}

// --------------------------------------------------------------------------------------
// Signing keys

// SigningKeyDBEntry signing key DB entry
type SigningKeyDBEntry struct {
	models.SigningKey
	// SealedKey AEAD encrypted private key. NULL for keys held remotely.
	SealedKey []byte `gorm:"column:sealed_key;default:null"`
	// WrappedDataKey RSA wrapped AEAD data key
	WrappedDataKey []byte `gorm:"column:wrapped_data_key;default:null"`
	// SealNonce AEAD nonce
	SealNonce []byte `gorm:"column:seal_nonce;default:null"`
}

// TableName hard code table name
func (SigningKeyDBEntry) TableName() string {
	return "signing_keys"
}

// --------------------------------------------------------------------------------------
// Chains

// ChainDBEntry record chain DB entry
type ChainDBEntry struct {
	models.Chain
}

// TableName hard code table name
func (ChainDBEntry) TableName() string {
	return "chains"
}

// ChainRecordDBEntry signed chain record DB entry
type ChainRecordDBEntry struct {
	models.ChainRecord
	Chain ChainDBEntry      `gorm:"constraint:OnDelete:RESTRICT;foreignKey:ChainID" validate:"-"`
	Key   SigningKeyDBEntry `gorm:"constraint:OnDelete:RESTRICT;foreignKey:KeyVersion;references:Version" validate:"-"`
}

// TableName hard code table name
func (ChainRecordDBEntry) TableName() string {
	return "chain_records"
}
