// Package sigchain - tamper evident signed record chains
package sigchain

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/export"
	"github.com/alwitt/sigchain/keys"
	"github.com/alwitt/sigchain/models"
	"github.com/alwitt/sigchain/signing"
	"github.com/alwitt/sigchain/store"
	"github.com/apex/log"
)

// RecordChainService the assembled record chain service
type RecordChainService struct {
	// Persistence persistence layer client
	Persistence db.Client
	// Keys signing key manager
	Keys keys.KeyManager
	// Signer record signature service
	Signer signing.SignatureService
	// Verifier record chain verifier
	Verifier signing.ChainVerifier
	// Batch batch record signer
	Batch signing.BatchSigner
	// Chains persisted record chains
	Chains store.RecordChainStore
	// Evidence evidence exporter. Nil when export is not configured.
	Evidence export.EvidenceExporter
}

/*
NewRecordChainService initialize a record chain service instance.

Each instance is backed by a SQL database; two instances using the same database share the
same chains and signing keys. On first start, signing key version 1 is generated when
cfg.AutoGenerateKey is set.

	@param ctx context.Context - execution context
	@param cfg Config - service settings
	@returns new service instance
*/
func NewRecordChainService(ctx context.Context, cfg Config) (*RecordChainService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logTags := log.Fields{"package": "sigchain", "module": "root", "component": "bootstrap"}

	// Prepare persistence
	persistence, err := db.NewConnection(db.GetSqliteDialector(cfg.DBFile), cfg.GORMLogLevel())
	if err != nil {
		return nil, fmt.Errorf("failed to initialized persistence client [%w]", err)
	}
	if err := persistence.MigrateSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare tables [%w]", err)
	}

	// Mark start of first time initialization
	var systemState models.SystemStateENUMType
	if err := persistence.UseDatabaseInTransaction(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			params, err := dbClient.GetSystemParamEntry(dbCtx)
			if err != nil {
				return err
			}
			systemState = params.State
			if systemState == models.SystemStatePreInit {
				return dbClient.MarkSystemInitializing(dbCtx)
			}
			return nil
		},
	); err != nil {
		return nil, fmt.Errorf("failed to read system state [%w]", err)
	}

	// Prepare key manager
	keyManager, err := keys.NewKeyManager(ctx, keys.KeyManagerParams{
		Persistence:         persistence,
		WrappingRSACertFile: cfg.WrappingCertFile,
		WrappingRSAKeyFile:  cfg.WrappingKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialized key manager [%w]", err)
	}

	if systemState != models.SystemStateRunning {
		allKeys, err := keyManager.ListKeys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list signing keys [%w]", err)
		}
		if len(allKeys) == 0 {
			if !cfg.AutoGenerateKey {
				return nil, fmt.Errorf(
					"%w: no signing key exists and key generation is disabled", models.ErrKeyUnavailable,
				)
			}
			newKey, err := keyManager.RotateToNewKey(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to generate first signing key [%w]", err)
			}
			log.WithFields(logTags).WithField("version", newKey.Version).Info("Generated first signing key")
		}
		if err := persistence.UseDatabaseInTransaction(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				return dbClient.MarkSystemInitialized(dbCtx)
			},
		); err != nil {
			return nil, fmt.Errorf("failed to mark system initialized [%w]", err)
		}
	}

	authority, err := newTimestampAuthority(cfg.Timestamp)
	if err != nil {
		return nil, err
	}

	signer, err := signing.NewSignatureService(keyManager, authority)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized signature service [%w]", err)
	}

	chains, err := store.NewRecordChainStore(persistence, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized record chain store [%w]", err)
	}

	instance := &RecordChainService{
		Persistence: persistence,
		Keys:        keyManager,
		Signer:      signer,
		Verifier:    signing.NewChainVerifier(signer),
		Batch:       signing.NewBatchSigner(signer),
		Chains:      chains,
	}

	if cfg.Export.Enabled {
		objectStore, err := export.NewMinioObjectStore(ctx, cfg.Export.MinioConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to initialized evidence object store [%w]", err)
		}
		instance.Evidence, err = export.NewEvidenceExporter(objectStore)
		if err != nil {
			return nil, fmt.Errorf("failed to initialized evidence exporter [%w]", err)
		}
	}

	return instance, nil
}

// newTimestampAuthority build the trusted timestamp client, or nil when none is configured
func newTimestampAuthority(cfg TimestampConfig) (signing.TimestampAuthority, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	params := signing.RFC3161Params{URL: cfg.URL, Timeout: cfg.Timeout}
	if cfg.TrustedRootsFile != "" {
		content, err := os.ReadFile(cfg.TrustedRootsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read timestamp trusted roots '%s' [%w]", cfg.TrustedRootsFile, err)
		}
		params.TrustedRoots = x509.NewCertPool()
		if !params.TrustedRoots.AppendCertsFromPEM(content) {
			return nil, fmt.Errorf(
				"%w: '%s' holds no PEM certificates", models.ErrValidation, cfg.TrustedRootsFile,
			)
		}
	}

	authority, err := signing.NewRFC3161Authority(params)
	if err != nil {
		return nil, fmt.Errorf("failed to initialized timestamp authority client [%w]", err)
	}
	return authority, nil
}

/*
ExportChainEvidence verify a stored chain, and export it together with its report

	@param ctx context.Context - execution context
	@param chainName string - chain name
	@returns reference to the stored evidence
*/
func (s *RecordChainService) ExportChainEvidence(
	ctx context.Context, chainName string,
) (export.Ref, error) {
	if s.Evidence == nil {
		return export.Ref{}, fmt.Errorf("%w: evidence export is not configured", models.ErrValidation)
	}

	_, records, err := s.Chains.ListChainRecords(ctx, chainName, nil)
	if err != nil {
		return export.Ref{}, err
	}
	report := s.Verifier.VerifyRecordChain(ctx, records)

	signingKeys, err := s.Keys.ListKeys(ctx)
	if err != nil {
		return export.Ref{}, fmt.Errorf("failed to list signing keys [%w]", err)
	}

	return s.Evidence.Export(ctx, chainName, report, records, signingKeys)
}

// Close release the persistence connection
func (s *RecordChainService) Close() error {
	return s.Persistence.Close()
}
