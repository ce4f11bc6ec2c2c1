// Package store - signed record chain storage controllers
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/models"
	"github.com/alwitt/sigchain/signing"
	"github.com/apex/log"
	"gorm.io/gorm"
)

// RecordChainStore signs new records onto named chains, and persists them
type RecordChainStore interface {
	/*
		AppendRecord sign one record onto the end of a chain

		The chain is created on first use.

			@param ctx context.Context - execution context
			@param chainName string - chain name
			@param record models.Record - the new record
			@param activeDBClient Database - existing database transaction
			@returns the signed record
	*/
	AppendRecord(
		ctx context.Context, chainName string, record models.Record, activeDBClient db.Database,
	) (models.SignedRecord, error)

	/*
		AppendRecords sign records in order onto the end of a chain

		Either all records are stored, or none are.

			@param ctx context.Context - execution context
			@param chainName string - chain name
			@param records []models.Record - the new records in chain order
			@param activeDBClient Database - existing database transaction
			@returns the signed records
	*/
	AppendRecords(
		ctx context.Context, chainName string, records []models.Record, activeDBClient db.Database,
	) ([]models.SignedRecord, error)

	/*
		ListChainRecords list the signed records of a chain, oldest first

			@param ctx context.Context - execution context
			@param chainName string - chain name
			@param activeDBClient Database - existing database transaction
			@returns the chain and its records
	*/
	ListChainRecords(
		ctx context.Context, chainName string, activeDBClient db.Database,
	) (models.Chain, []models.SignedRecord, error)

	/*
		VerifyChain verify every stored record of a chain, and the links between them

			@param ctx context.Context - execution context
			@param chainName string - chain name
			@param activeDBClient Database - existing database transaction
			@returns chain report
	*/
	VerifyChain(
		ctx context.Context, chainName string, activeDBClient db.Database,
	) (models.ChainReport, error)

	/*
		ListRecordsSignedByKey list stored records signed by one key version, across all chains

			@param ctx context.Context - execution context
			@param version uint - signing key version
			@param activeDBClient Database - existing database transaction
			@returns the records
	*/
	ListRecordsSignedByKey(
		ctx context.Context, version uint, activeDBClient db.Database,
	) ([]models.ChainRecord, error)
}

// recordChainStore implements RecordChainStore
type recordChainStore struct {
	goutils.Component

	persistence db.Client
	batchSigner signing.BatchSigner
	verifier    signing.ChainVerifier

	chainLocksLock sync.Mutex
	chainLocks     map[string]*chainLock
}

// chainLock writer lock of one chain, dropped once no writer holds or waits on it
type chainLock struct {
	sync.Mutex
	refs int
}

/*
NewRecordChainStore define new record chain store

	@param persistence db.Client - persistence layer client
	@param signer signing.SignatureService - record signature service
	@returns store instance
*/
func NewRecordChainStore(
	persistence db.Client, signer signing.SignatureService,
) (RecordChainStore, error) {
	if persistence == nil || signer == nil {
		return nil, fmt.Errorf("%w: record chain store needs persistence and signer", models.ErrValidation)
	}

	logTags := log.Fields{"package": "sigchain", "module": "store", "component": "record-chain-store"}

	return &recordChainStore{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: persistence,
		batchSigner: signing.NewBatchSigner(signer),
		verifier:    signing.NewChainVerifier(signer),
		chainLocks:  make(map[string]*chainLock),
	}, nil
}

// lockChain serialize writers of one chain. Call the returned function exactly once.
func (s *recordChainStore) lockChain(chainName string) func() {
	s.chainLocksLock.Lock()
	entry, ok := s.chainLocks[chainName]
	if !ok {
		entry = &chainLock{}
		s.chainLocks[chainName] = entry
	}
	entry.refs++
	s.chainLocksLock.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		s.chainLocksLock.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(s.chainLocks, chainName)
		}
		s.chainLocksLock.Unlock()
	}
}

func (s *recordChainStore) AppendRecord(
	ctx context.Context, chainName string, record models.Record, activeDBClient db.Database,
) (models.SignedRecord, error) {
	signed, err := s.AppendRecords(ctx, chainName, []models.Record{record}, activeDBClient)
	if err != nil {
		return models.SignedRecord{}, err
	}
	return signed[0], nil
}

func (s *recordChainStore) AppendRecords(
	ctx context.Context, chainName string, records []models.Record, activeDBClient db.Database,
) ([]models.SignedRecord, error) {
	if chainName == "" {
		return nil, fmt.Errorf("%w: chain name is required", models.ErrValidation)
	}
	if len(records) == 0 {
		return []models.SignedRecord{}, nil
	}

	release := s.lockChain(chainName)
	defer release()

	var signed []models.SignedRecord
	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			chain, err := dbClient.GetChainByName(dbCtx, chainName)
			if err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("failed to read chain '%s' [%w]", chainName, err)
				}
				// Make a new chain
				chain, err = dbClient.DefineNewChain(dbCtx, chainName)
				if err != nil {
					return fmt.Errorf("failed to define new chain '%s' [%w]", chainName, err)
				}
			}

			tail, err := dbClient.GetChainTail(dbCtx, chain)
			if err != nil {
				return err
			}

			isGenesis := tail == nil
			chainTail := ""
			nextSequence := int64(0)
			if !isGenesis {
				chainTail = tail.Hash
				nextSequence = tail.Sequence + 1
			}

			signed, err = s.batchSigner.SignRecordsBatch(dbCtx, records, isGenesis, chainTail)
			if err != nil {
				return err
			}

			for idx, oneRecord := range signed {
				if _, err := dbClient.AppendChainRecord(
					dbCtx, chain, nextSequence+int64(idx), oneRecord,
				); err != nil {
					return fmt.Errorf("failed to store record %s [%w]", oneRecord.ID, err)
				}
			}

			return nil
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to append records to chain '%s' [%w]", chainName, dbErr)
	}

	log.WithFields(s.LogTags).
		WithField("chain", chainName).
		WithField("records", len(signed)).
		Debug("Appended records to chain")

	return signed, nil
}

func (s *recordChainStore) ListChainRecords(
	ctx context.Context, chainName string, activeDBClient db.Database,
) (models.Chain, []models.SignedRecord, error) {
	var chain models.Chain
	var entries []models.ChainRecord

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			chain, err = dbClient.GetChainByName(dbCtx, chainName)
			if err != nil {
				return fmt.Errorf("failed to find chain '%s' [%w]", chainName, err)
			}

			entries, err = dbClient.ListChainRecords(
				dbCtx, db.ChainRecordQueryFilter{TargetChainID: &chain.ID},
			)
			if err != nil {
				return fmt.Errorf("failed to list chain %s records [%w]", chain.ID, err)
			}

			return nil
		},
	); dbErr != nil {
		return models.Chain{}, nil, fmt.Errorf("failed to list chain '%s' [%w]", chainName, dbErr)
	}

	records := make([]models.SignedRecord, 0, len(entries))
	for _, entry := range entries {
		oneRecord, err := ToSignedRecord(entry)
		if err != nil {
			return models.Chain{}, nil, err
		}
		records = append(records, oneRecord)
	}

	return chain, records, nil
}

func (s *recordChainStore) VerifyChain(
	ctx context.Context, chainName string, activeDBClient db.Database,
) (models.ChainReport, error) {
	_, records, err := s.ListChainRecords(ctx, chainName, activeDBClient)
	if err != nil {
		return models.ChainReport{}, err
	}
	return s.verifier.VerifyRecordChain(ctx, records), nil
}

func (s *recordChainStore) ListRecordsSignedByKey(
	ctx context.Context, version uint, activeDBClient db.Database,
) ([]models.ChainRecord, error) {
	var entries []models.ChainRecord

	if dbErr := db.ActiveSessionWrapper(
		ctx, activeDBClient, s.persistence, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			entries, err = dbClient.ListRecordsSignedByKey(dbCtx, version, db.ChainRecordQueryFilter{})
			return err
		},
	); dbErr != nil {
		return nil, fmt.Errorf("failed to list records signed by key v%d [%w]", version, dbErr)
	}

	return entries, nil
}

/*
ToSignedRecord convert a stored chain record back into the signed record it was built from

Numbers in the payload keep their stored textual form, so the record hash is reproducible.

	@param entry models.ChainRecord - the stored record
	@returns the signed record
*/
func ToSignedRecord(entry models.ChainRecord) (models.SignedRecord, error) {
	decoder := json.NewDecoder(bytes.NewReader(entry.Data))
	decoder.UseNumber()
	var data map[string]interface{}
	if err := decoder.Decode(&data); err != nil {
		return models.SignedRecord{}, fmt.Errorf(
			"%w: stored record %s payload is not a JSON object [%w]", models.ErrEncoding, entry.ID, err,
		)
	}

	signed := models.SignedRecord{
		Record: models.Record{
			ID:        entry.RecordID,
			Type:      entry.RecordType,
			Data:      data,
			Timestamp: entry.Timestamp,
			UserID:    entry.UserID,
		},
		Hash:         entry.Hash,
		Signature:    entry.Signature,
		PreviousHash: entry.PreviousHash,
		KeyVersion:   entry.KeyVersion,
	}
	if entry.TimestampToken != "" {
		signed.TrustedTimestamp = &models.TrustedTimestamp{
			Token: entry.TimestampToken, Authority: entry.TimestampAuthority,
		}
		if entry.TimestampTime != nil {
			signed.TrustedTimestamp.Time = *entry.TimestampTime
		}
	}
	return signed, nil
}
