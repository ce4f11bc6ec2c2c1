// Package models - system data models
package models

import (
	"fmt"
	"time"
)

// SigningKeyStateENUMType signing key state enum type
type SigningKeyStateENUMType string

const (
	// SigningKeyStateActive the signing key is the one used for new signatures
	SigningKeyStateActive SigningKeyStateENUMType = "ACTIVE"
	// SigningKeyStateRotated the signing key was replaced by a newer key
	SigningKeyStateRotated SigningKeyStateENUMType = "ROTATED"
	// SigningKeyStateRevoked the signing key was explicitly revoked. This is terminal.
	SigningKeyStateRevoked SigningKeyStateENUMType = "REVOKED"
)

// KeySourceENUMType where the private half of a signing key lives
type KeySourceENUMType string

const (
	// KeySourceLocal private key is held by this process
	KeySourceLocal KeySourceENUMType = "local"
	// KeySourceKMS private key is held by a remote key management service
	KeySourceKMS KeySourceENUMType = "kms"
)

const (
	// SigningAlgorithmRSASHA256 RSA PKCS#1 v1.5 signature over a SHA-256 digest
	SigningAlgorithmRSASHA256 = "RSA-SHA256"
	// SigningKeySizeBits required RSA modulus size
	SigningKeySizeBits = 2048
)

// SigningKey one version of the asymmetric key pair used to sign records
//
// Keys are never deleted. Rotated and revoked keys are kept so historical signatures stay
// verifiable.
type SigningKey struct {
	// Version key version. Unique and strictly increasing.
	Version uint `json:"version" gorm:"column:version;primaryKey;autoIncrement:false" validate:"required,gt=0"`

	// PublicKey PEM encoded SubjectPublicKeyInfo
	PublicKey string `json:"public_key" gorm:"column:public_key;not null" validate:"required,startswith=-----BEGIN PUBLIC KEY-----"`

	// PrivateKeyRef opaque handle to the private key. Never leaves the key manager.
	PrivateKeyRef string `json:"-" gorm:"column:private_key_ref;not null" validate:"required"`

	// Algorithm signature algorithm
	Algorithm string `json:"algorithm" gorm:"column:algorithm;not null" validate:"required,eq=RSA-SHA256"`

	// KeySize RSA modulus size in bits
	KeySize int `json:"key_size" gorm:"column:key_size;not null" validate:"required,eq=2048"`

	// Source where the private key lives
	Source KeySourceENUMType `json:"source" gorm:"column:source;not null" validate:"required,key_source"`

	// State the signing key state
	State SigningKeyStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,signing_key_state"`

	// RevocationReason why the key was revoked
	RevocationReason string `json:"revocation_reason,omitempty" gorm:"column:revocation_reason"`

	// ValidFrom start of the key validity window
	ValidFrom time.Time `json:"valid_from" gorm:"column:valid_from;not null" validate:"required"`
	// ValidUntil end of the key validity window. NULL while the key is open ended.
	ValidUntil *time.Time `json:"valid_until,omitempty" gorm:"column:valid_until;default:null"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateNextState verify can transition to new state
func (k *SigningKey) ValidateNextState(newState SigningKeyStateENUMType) error {
	statesWithTransitions := map[SigningKeyStateENUMType]map[SigningKeyStateENUMType]bool{
		SigningKeyStateActive: {
			SigningKeyStateActive:  true,
			SigningKeyStateRotated: true,
			SigningKeyStateRevoked: true,
		},
		SigningKeyStateRotated: {
			SigningKeyStateRotated: true,
			SigningKeyStateRevoked: true,
		},
		SigningKeyStateRevoked: {
			SigningKeyStateRevoked: true,
		},
	}

	availableNextStates, ok := statesWithTransitions[k.State]
	if !ok {
		return fmt.Errorf("signing key can't transition out of state '%s'", k.State)
	}

	if _, ok := availableNextStates[newState]; !ok {
		return fmt.Errorf("signing key can't transition from '%s' to '%s'", k.State, newState)
	}

	return nil
}

// UsableAt whether the key validity window covers the given time
func (k *SigningKey) UsableAt(t time.Time) bool {
	if t.Before(k.ValidFrom) {
		return false
	}
	if k.ValidUntil != nil && !t.Before(*k.ValidUntil) {
		return false
	}
	return true
}
