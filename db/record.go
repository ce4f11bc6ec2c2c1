package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/sigchain/models"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ======================================================================================
// Chains

/*
DefineNewChain define new record chain

	@param ctx context.Context - execution context
	@param name string - chain name
	@returns chain entry
*/
func (d *databaseImpl) DefineNewChain(_ context.Context, name string) (models.Chain, error) {
	newEntry := ChainDBEntry{
		Chain: models.Chain{
			ID:   uuid.NewString(),
			Name: name,
		},
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.Chain{}, fmt.Errorf("new chain '%s' is not valid [%w]", name, err)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.Chain{}, fmt.Errorf("new chain '%s' failed insert [%w]", name, tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeAddChain,
		models.SystemEventChainRelated{ChainID: newEntry.ID, ChainName: name},
	); err != nil {
		return models.Chain{}, fmt.Errorf(
			"failed to log add new chain '%s' audit event [%w]", name, err,
		)
	}

	return newEntry.Chain, nil
}

/*
GetChain fetch a chain by ID

	@param ctx context.Context - execution context
	@param chainID string - chain ID
	@returns chain entry
*/
func (d *databaseImpl) GetChain(_ context.Context, chainID string) (models.Chain, error) {
	var entry ChainDBEntry
	if tmp := d.db.Where("id = ?", chainID).First(&entry); tmp.Error != nil {
		return models.Chain{}, fmt.Errorf("failed to fetch chain %s [%w]", chainID, tmp.Error)
	}
	return entry.Chain, nil
}

/*
GetChainByName fetch a chain by name

	@param ctx context.Context - execution context
	@param name string - chain name
	@returns chain entry
*/
func (d *databaseImpl) GetChainByName(_ context.Context, name string) (models.Chain, error) {
	var entry ChainDBEntry
	if tmp := d.db.Where("name = ?", name).First(&entry); tmp.Error != nil {
		return models.Chain{}, fmt.Errorf("failed to fetch chain '%s' [%w]", name, tmp.Error)
	}
	return entry.Chain, nil
}

/*
ListChains list chains

	@param ctx context.Context - execution context
	@param filters ChainQueryFilter - entry listing filter
	@return list of chains
*/
func (d *databaseImpl) ListChains(
	_ context.Context, filters ChainQueryFilter,
) ([]models.Chain, error) {
	query := applyPaging(d.db.Model(&ChainDBEntry{}), filters.CommonListEntryQueryFilter)

	query = query.Order("name")

	var entries []ChainDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list chains [%w]", tmp.Error)
	}

	result := []models.Chain{}
	for _, entry := range entries {
		result = append(result, entry.Chain)
	}

	return result, nil
}

// ======================================================================================
// Chain records

/*
AppendChainRecord append a signed record to the end of a chain

	@param ctx context.Context - execution context
	@param chain models.Chain - the parent chain
	@param sequence int64 - position of the record within the chain
	@param record models.SignedRecord - the signed record
	@returns chain record entry
*/
func (d *databaseImpl) AppendChainRecord(
	_ context.Context, chain models.Chain, sequence int64, record models.SignedRecord,
) (models.ChainRecord, error) {
	data, err := json.Marshal(record.Data)
	if err != nil {
		return models.ChainRecord{}, fmt.Errorf(
			"record %s payload serialization failed [%w]", record.ID, err,
		)
	}

	newEntry := ChainRecordDBEntry{
		ChainRecord: models.ChainRecord{
			ID:           ulid.Make().String(),
			ChainID:      chain.ID,
			Sequence:     sequence,
			RecordID:     record.ID,
			RecordType:   record.Type,
			Data:         datatypes.JSON(data),
			Timestamp:    record.Timestamp,
			UserID:       record.UserID,
			Hash:         record.Hash,
			PreviousHash: record.PreviousHash,
			Signature:    record.Signature,
			KeyVersion:   record.KeyVersion,
		},
	}
	if stamp := record.TrustedTimestamp; stamp != nil {
		stampTime := stamp.Time
		newEntry.TimestampToken = stamp.Token
		newEntry.TimestampTime = &stampTime
		newEntry.TimestampAuthority = stamp.Authority
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.ChainRecord{}, fmt.Errorf(
			"new record %s for chain %s is invalid [%w]", record.ID, chain.ID, err,
		)
	}

	if tmp := d.db.Omit("Chain", "Key").Create(&newEntry); tmp.Error != nil {
		return models.ChainRecord{}, fmt.Errorf(
			"new record %s for chain %s insert failed [%w]", record.ID, chain.ID, tmp.Error,
		)
	}

	return newEntry.ChainRecord, nil
}

/*
GetChainTail fetch the last record of a chain

	@param ctx context.Context - execution context
	@param chain models.Chain - the chain
	@returns the last record, or nil if the chain is empty
*/
func (d *databaseImpl) GetChainTail(
	_ context.Context, chain models.Chain,
) (*models.ChainRecord, error) {
	var entry ChainRecordDBEntry
	tmp := d.db.Where("chain_id = ?", chain.ID).Order("sequence desc").First(&entry)
	if tmp.Error != nil {
		if errors.Is(tmp.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tail of chain %s [%w]", chain.ID, tmp.Error)
	}
	return &entry.ChainRecord, nil
}

/*
ListChainRecords list chain records, ordered by chain and sequence

	@param ctx context.Context - execution context
	@param filters ChainRecordQueryFilter - entry listing filter
	@return list of chain records
*/
func (d *databaseImpl) ListChainRecords(
	_ context.Context, filters ChainRecordQueryFilter,
) ([]models.ChainRecord, error) {
	query := d.db.Model(&ChainRecordDBEntry{})

	if filters.TargetChainID != nil {
		query = query.Where("chain_id = ?", *filters.TargetChainID)
	}

	if filters.TargetKeyVersion != nil {
		query = query.Where("key_version = ?", *filters.TargetKeyVersion)
	}

	if filters.FromSequence != nil {
		query = query.Where("sequence >= ?", *filters.FromSequence)
	}

	query = applyPaging(query, filters.CommonListEntryQueryFilter)

	query = query.Order("chain_id").Order("sequence")

	var entries []ChainRecordDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list chain records [%w]", tmp.Error)
	}

	result := []models.ChainRecord{}
	for _, entry := range entries {
		result = append(result, entry.ChainRecord)
	}

	return result, nil
}

/*
ListRecordsSignedByKey list chain records signed with a specific key version

	@param ctx context.Context - execution context
	@param version uint - signing key version
	@param filters ChainRecordQueryFilter - entry listing filter
	@return list of chain records
*/
func (d *databaseImpl) ListRecordsSignedByKey(
	ctx context.Context, version uint, filters ChainRecordQueryFilter,
) ([]models.ChainRecord, error) {
	filters.TargetKeyVersion = &version
	return d.ListChainRecords(ctx, filters)
}
