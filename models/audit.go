package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
)

// SystemEventTypeENUMType system event type ENUM value type
type SystemEventTypeENUMType string

const (
	// SystemEventTypeInitializing system is being initialized
	SystemEventTypeInitializing SystemEventTypeENUMType = "SYSTEM_INITIALIZING"

	// SystemEventTypeInitialized system is initialized
	SystemEventTypeInitialized SystemEventTypeENUMType = "SYSTEM_INITIALIZED"

	// SystemEventTypeAddSigningKey new signing key installed
	SystemEventTypeAddSigningKey SystemEventTypeENUMType = "ADD_SIGNING_KEY"

	// SystemEventTypeRotateSigningKey signing key replaced by a newer key
	SystemEventTypeRotateSigningKey SystemEventTypeENUMType = "ROTATE_SIGNING_KEY"

	// SystemEventTypeRevokeSigningKey signing key revoked
	SystemEventTypeRevokeSigningKey SystemEventTypeENUMType = "REVOKE_SIGNING_KEY"

	// SystemEventTypeAddChain new record chain defined
	SystemEventTypeAddChain SystemEventTypeENUMType = "ADD_CHAIN"
)

// SystemEventAudit recording of events occurring at the system level
type SystemEventAudit struct {
	// ID audit entry ID
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required"`
	// EventType system event type
	EventType SystemEventTypeENUMType `json:"type" gorm:"column:type;not null" validate:"required,system_event_type"`
	// Metadata a metadata relating to the event
	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"column:metadata;default:null"`
	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseMetadata parse the metadata based on the event type
func (a SystemEventAudit) ParseMetadata(validator *validator.Validate) (interface{}, error) {
	switch a.EventType {
	// Signing key related system audit events
	case SystemEventTypeAddSigningKey:
		fallthrough
	case SystemEventTypeRotateSigningKey:
		fallthrough
	case SystemEventTypeRevokeSigningKey:
		var parsed SystemEventSigningKeyRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)

	// Chain related system audit events
	case SystemEventTypeAddChain:
		var parsed SystemEventChainRelated
		if err := json.Unmarshal(a.Metadata, &parsed); err != nil {
			return nil, fmt.Errorf("system event '%s' metadata parse failed [%w]", a.EventType, err)
		}
		return parsed, validator.Struct(&parsed)
	}
	return nil, nil
}

// SystemEventSigningKeyRelated system event metadata related to a signing key
type SystemEventSigningKeyRelated struct {
	// KeyVersion the signing key version
	KeyVersion uint `json:"key_version" validate:"required,gt=0"`
	// Reason operator supplied reason, for revocations
	Reason string `json:"reason,omitempty"`
}

// SystemEventChainRelated system event metadata related to a record chain
type SystemEventChainRelated struct {
	// ChainID the chain ID
	ChainID string `json:"chain_id" validate:"required,uuid_rfc4122"`
	// ChainName the chain name
	ChainName string `json:"chain_name" validate:"required"`
}
