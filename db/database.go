package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// CommonListEntryQueryFilter common query filter when listing data entries
type CommonListEntryQueryFilter struct {
	Limit  *int
	Offset *int
}

// SystemEventQueryFilter audit event query filter conditions
type SystemEventQueryFilter struct {
	CommonListEntryQueryFilter
	// EventTypes the specific event types to query for
	EventTypes []models.SystemEventTypeENUMType
	// EventsAfter filter for events after this timestamp
	EventsAfter *time.Time
	// EventsBefore filter for events before this timestamp
	EventsBefore *time.Time
	// TargetKeyVersion fetch only events about this signing key version
	TargetKeyVersion *uint
	// TargetChainName fetch only events about this chain
	TargetChainName *string
}

// SigningKeyQueryFilter signing key query filter conditions
type SigningKeyQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetStates the specific states to query for
	TargetStates []models.SigningKeyStateENUMType
}

// ChainQueryFilter chain query filter conditions
type ChainQueryFilter struct {
	CommonListEntryQueryFilter
}

// ChainRecordQueryFilter chain record query filter conditions
type ChainRecordQueryFilter struct {
	CommonListEntryQueryFilter
	// TargetChainID fetch only records of this chain
	TargetChainID *string
	// TargetKeyVersion fetch only records signed with this key version
	TargetKeyVersion *uint
	// FromSequence fetch only records at or after this sequence
	FromSequence *int64
}

// SealedKeyMaterial a private signing key encrypted for storage
type SealedKeyMaterial struct {
	// SealedKey AEAD encrypted private key
	SealedKey []byte
	// WrappedDataKey the AEAD data key, encrypted with the wrapping RSA key
	WrappedDataKey []byte
	// Nonce AEAD nonce
	Nonce []byte
}

// Database the database handle to interacting with the data base
type Database interface {
	// ------------------------------------------------------------------------------------
	// System audit events

	/*
		ListSystemEvents list captured system events

			@param ctx context.Context - execution context
			@param filters SystemEventQueryFilter - entry listing filter
			@return list of system events
	*/
	ListSystemEvents(
		ctx context.Context, filters SystemEventQueryFilter,
	) ([]models.SystemEventAudit, error)

	// ------------------------------------------------------------------------------------
	// System parameters

	/*
		GetSystemParamEntry fetch the global singleton system parameter entry

			@param ctx context.Context - execution context
			@returns the entry
	*/
	GetSystemParamEntry(ctx context.Context) (models.SystemParams, error)

	/*
		MarkSystemInitializing mark system is initializing

			@param ctx context.Context - execution context
	*/
	MarkSystemInitializing(ctx context.Context) error

	/*
		MarkSystemInitialized mark system fully initialized

			@param ctx context.Context - execution context
	*/
	MarkSystemInitialized(ctx context.Context) error

	// ------------------------------------------------------------------------------------
	// Signing keys

	/*
		RecordSigningKey record a new signing key

			@param ctx context.Context - execution context
			@param key models.SigningKey - the key metadata
			@param sealed *SealedKeyMaterial - sealed private key, nil for keys held remotely
			@returns the key entry
	*/
	RecordSigningKey(
		ctx context.Context, key models.SigningKey, sealed *SealedKeyMaterial,
	) (models.SigningKey, error)

	/*
		GetSigningKey fetch one signing key

			@param ctx context.Context - execution context
			@param version uint - the signing key version
			@return key entry
	*/
	GetSigningKey(ctx context.Context, version uint) (models.SigningKey, error)

	/*
		GetSealedSigningKey fetch the sealed private key of a signing key

			@param ctx context.Context - execution context
			@param version uint - the signing key version
			@return sealed key material, nil for keys held remotely
	*/
	GetSealedSigningKey(ctx context.Context, version uint) (*SealedKeyMaterial, error)

	/*
		ListSigningKeys list signing keys, ordered by version

			@param ctx context.Context - execution context
			@param filters SigningKeyQueryFilter - entry listing filter
			@return list of keys
	*/
	ListSigningKeys(
		ctx context.Context, filters SigningKeyQueryFilter,
	) ([]models.SigningKey, error)

	/*
		MarkSigningKeyRotated mark signing key as replaced by a newer key

			@param ctx context.Context - execution context
			@param version uint - the signing key version
			@param rotatedAt time.Time - end of the key validity window
	*/
	MarkSigningKeyRotated(ctx context.Context, version uint, rotatedAt time.Time) error

	/*
		MarkSigningKeyRevoked mark signing key as revoked

			@param ctx context.Context - execution context
			@param version uint - the signing key version
			@param reason string - why the key is revoked
			@param revokedAt time.Time - revocation time
	*/
	MarkSigningKeyRevoked(
		ctx context.Context, version uint, reason string, revokedAt time.Time,
	) error

	// ------------------------------------------------------------------------------------
	// Chains

	/*
		DefineNewChain define new record chain

			@param ctx context.Context - execution context
			@param name string - chain name
			@returns chain entry
	*/
	DefineNewChain(ctx context.Context, name string) (models.Chain, error)

	/*
		GetChain fetch a chain by ID

			@param ctx context.Context - execution context
			@param chainID string - chain ID
			@returns chain entry
	*/
	GetChain(ctx context.Context, chainID string) (models.Chain, error)

	/*
		GetChainByName fetch a chain by name

			@param ctx context.Context - execution context
			@param name string - chain name
			@returns chain entry
	*/
	GetChainByName(ctx context.Context, name string) (models.Chain, error)

	/*
		ListChains list chains

			@param ctx context.Context - execution context
			@param filters ChainQueryFilter - entry listing filter
			@return list of chains
	*/
	ListChains(ctx context.Context, filters ChainQueryFilter) ([]models.Chain, error)

	// ------------------------------------------------------------------------------------
	// Chain records

	/*
		AppendChainRecord append a signed record to the end of a chain

			@param ctx context.Context - execution context
			@param chain models.Chain - the parent chain
			@param sequence int64 - position of the record within the chain
			@param record models.SignedRecord - the signed record
			@returns chain record entry
	*/
	AppendChainRecord(
		ctx context.Context, chain models.Chain, sequence int64, record models.SignedRecord,
	) (models.ChainRecord, error)

	/*
		GetChainTail fetch the last record of a chain

			@param ctx context.Context - execution context
			@param chain models.Chain - the chain
			@returns the last record, or nil if the chain is empty
	*/
	GetChainTail(ctx context.Context, chain models.Chain) (*models.ChainRecord, error)

	/*
		ListChainRecords list chain records, ordered by chain and sequence

			@param ctx context.Context - execution context
			@param filters ChainRecordQueryFilter - entry listing filter
			@return list of chain records
	*/
	ListChainRecords(
		ctx context.Context, filters ChainRecordQueryFilter,
	) ([]models.ChainRecord, error)

	/*
		ListRecordsSignedByKey list chain records signed with a specific key version

			@param ctx context.Context - execution context
			@param version uint - signing key version
			@param filters ChainRecordQueryFilter - entry listing filter
			@return list of chain records
	*/
	ListRecordsSignedByKey(
		ctx context.Context, version uint, filters ChainRecordQueryFilter,
	) ([]models.ChainRecord, error)
}

// databaseImpl implements Database
type databaseImpl struct {
	goutils.Component
	db        *gorm.DB
	validator *validator.Validate
}

// newDatabase define a new database client
func newDatabase(_ context.Context, sqlClient *gorm.DB) (Database, error) {
	logTags := log.Fields{"package": "sigchain", "module": "db", "component": "db-client"}

	instance := &databaseImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		db:        sqlClient,
		validator: validator.New(),
	}

	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	return instance, nil
}

// applyPaging apply the common limit and offset conditions
func applyPaging(query *gorm.DB, paging CommonListEntryQueryFilter) *gorm.DB {
	if paging.Limit != nil {
		query = query.Limit(*paging.Limit)
	}
	if paging.Offset != nil {
		query = query.Offset(*paging.Offset)
	}
	return query
}
