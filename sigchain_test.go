package sigchain_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/sigchain"
	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/export"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
)

// memObjectStore in memory evidence object store
type memObjectStore struct {
	objects map[string][]byte
}

func (m *memObjectStore) PutObject(
	_ context.Context, key string, data []byte, _ string,
) (int64, error) {
	m.objects[key] = data
	return int64(len(data)), nil
}

func (m *memObjectStore) GetObject(_ context.Context, key string) ([]byte, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no object %s", key)
	}
	return data, nil
}

func (m *memObjectStore) Location(key string) string {
	return "mem://" + key
}

// countEvents count recorded audit events of one type
func countEvents(
	t *testing.T, svc *sigchain.RecordChainService, eventType models.SystemEventTypeENUMType,
) int {
	var events []models.SystemEventAudit
	assert.Nil(t, svc.Persistence.UseDatabase(
		context.Background(), func(ctx context.Context, dbClient db.Database) error {
			var err error
			events, err = dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{
				EventTypes: []models.SystemEventTypeENUMType{eventType},
			})
			return err
		},
	))
	return len(events)
}

// TestRecordChainServiceEndToEnd performs a full end-to-end run of the record chain service.
// A temporary SQLite database is created, the service bootstraps its first signing key,
// records are appended across a key rotation, and the service is restarted on the same
// database to confirm the chain and keys survive.
func TestRecordChainServiceEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// ------------------------------------------------------------------
	// 1. Prepare settings with a temporary SQLite database
	// ------------------------------------------------------------------
	ctx := context.Background()

	certFile, keyFile := wrappingKeyFiles(t)
	cfg := sigchain.DefaultConfig()
	cfg.DBFile = fmt.Sprintf("/tmp/sigchain_ut_%s.db", ulid.Make().String())
	cfg.WrappingCertFile = certFile
	cfg.WrappingKeyFile = keyFile

	// ------------------------------------------------------------------
	// 2. First start generates signing key v1
	// ------------------------------------------------------------------
	svc, err := sigchain.NewRecordChainService(ctx, cfg)
	assert.Nil(err)

	activeKey, err := svc.Keys.GetActiveKey(ctx)
	assert.Nil(err)
	assert.Equal(uint(1), activeKey.Version)
	assert.Equal(1, countEvents(t, svc, models.SystemEventTypeInitializing))
	assert.Equal(1, countEvents(t, svc, models.SystemEventTypeInitialized))
	assert.Equal(1, countEvents(t, svc, models.SystemEventTypeAddSigningKey))

	// ------------------------------------------------------------------
	// 3. Append records, rotate, append more
	// ------------------------------------------------------------------
	record := func(idx int) models.Record {
		return models.Record{
			ID:        fmt.Sprintf("irrigation-%d", idx),
			Type:      "IRRIGATION",
			Data:      map[string]interface{}{"litres": 250 * (idx + 1), "zone": "east"},
			Timestamp: "2025-08-01T06:00:00+02:00",
			UserID:    "user-11",
		}
	}

	first, err := svc.Chains.AppendRecords(
		ctx, "farm-1", []models.Record{record(0), record(1)}, nil,
	)
	assert.Nil(err)
	assert.Equal(models.ZeroHash, first[0].PreviousHash)

	_, err = svc.Keys.RotateToNewKey(ctx)
	assert.Nil(err)

	third, err := svc.Chains.AppendRecord(ctx, "farm-1", record(2), nil)
	assert.Nil(err)
	assert.Equal(uint(2), third.KeyVersion)
	assert.Equal(first[1].Hash, third.PreviousHash)

	report, err := svc.Chains.VerifyChain(ctx, "farm-1", nil)
	assert.Nil(err)
	assert.True(report.Valid)
	assert.Equal(3, report.TotalRecords)

	// ------------------------------------------------------------------
	// 4. Export needs an object store
	// ------------------------------------------------------------------
	_, err = svc.ExportChainEvidence(ctx, "farm-1")
	assert.ErrorIs(err, models.ErrValidation)

	objects := &memObjectStore{objects: map[string][]byte{}}
	svc.Evidence, err = export.NewEvidenceExporter(objects)
	assert.Nil(err)

	ref, err := svc.ExportChainEvidence(ctx, "farm-1")
	assert.Nil(err)
	evidence, err := svc.Evidence.Fetch(ctx, ref)
	assert.Nil(err)
	assert.True(evidence.Report.Valid)
	assert.Len(evidence.Records, 3)
	assert.Len(evidence.PublicKeys, 2)
	assert.True(svc.Verifier.VerifyRecordChain(ctx, evidence.Records).Valid)

	assert.Nil(svc.Close())

	// ------------------------------------------------------------------
	// 5. Restart on the same database
	// ------------------------------------------------------------------
	restarted, err := sigchain.NewRecordChainService(ctx, cfg)
	assert.Nil(err)
	defer func() { _ = restarted.Close() }()

	activeKey, err = restarted.Keys.GetActiveKey(ctx)
	assert.Nil(err)
	assert.Equal(uint(2), activeKey.Version)
	assert.Equal(1, countEvents(t, restarted, models.SystemEventTypeInitialized))
	assert.Equal(2, countEvents(t, restarted, models.SystemEventTypeAddSigningKey))

	fourth, err := restarted.Chains.AppendRecord(ctx, "farm-1", record(3), nil)
	assert.Nil(err)
	assert.Equal(third.Hash, fourth.PreviousHash)

	report, err = restarted.Chains.VerifyChain(ctx, "farm-1", nil)
	assert.Nil(err)
	assert.True(report.Valid)
	assert.Equal(4, report.TotalRecords)

	// Revoke v1, then re-audit what it signed
	_, err = restarted.Keys.Revoke(ctx, 1, "key custodian left")
	assert.Nil(err)
	signedByV1, err := restarted.Chains.ListRecordsSignedByKey(ctx, 1, nil)
	assert.Nil(err)
	assert.Len(signedByV1, 2)
	report, err = restarted.Chains.VerifyChain(ctx, "farm-1", nil)
	assert.Nil(err)
	assert.True(report.Valid)
	assert.Equal(models.SigningKeyStateRevoked, report.Details[0].Signature.KeyState)
}

func TestRecordChainServiceWithoutKeyGeneration(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctx := context.Background()

	certFile, keyFile := wrappingKeyFiles(t)
	cfg := sigchain.DefaultConfig()
	cfg.DBFile = fmt.Sprintf("/tmp/sigchain_ut_%s.db", ulid.Make().String())
	cfg.WrappingCertFile = certFile
	cfg.WrappingKeyFile = keyFile
	cfg.AutoGenerateKey = false

	_, err := sigchain.NewRecordChainService(ctx, cfg)
	assert.ErrorIs(err, models.ErrKeyUnavailable)

	// Invalid settings
	cfg.DBFile = ""
	_, err = sigchain.NewRecordChainService(ctx, cfg)
	assert.ErrorIs(err, models.ErrValidation)
}

func TestRecordChainServiceTimestampSettings(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	ctx := context.Background()

	certFile, keyFile := wrappingKeyFiles(t)
	cfg := sigchain.DefaultConfig()
	cfg.DBFile = fmt.Sprintf("/tmp/sigchain_ut_%s.db", ulid.Make().String())
	cfg.WrappingCertFile = certFile
	cfg.WrappingKeyFile = keyFile
	cfg.Timestamp.URL = "http://127.0.0.1:1/tsr"
	cfg.Timestamp.Timeout = time.Second

	// Case 0: trusted roots file without any certificate
	{
		withBadRoots := cfg
		withBadRoots.Timestamp.TrustedRootsFile = keyFile
		_, err := sigchain.NewRecordChainService(ctx, withBadRoots)
		assert.ErrorIs(err, models.ErrValidation)
	}

	// Case 1: an unreachable authority does not block appends
	{
		cfg.Timestamp.TrustedRootsFile = certFile
		svc, err := sigchain.NewRecordChainService(ctx, cfg)
		assert.Nil(err)
		defer func() { _ = svc.Close() }()

		signed, err := svc.Chains.AppendRecord(ctx, "farm-1", models.Record{
			ID:        "irrigation-0",
			Type:      "IRRIGATION",
			Data:      map[string]interface{}{"litres": 250},
			Timestamp: "2025-08-01T06:00:00",
			UserID:    "user-11",
		}, nil)
		assert.Nil(err)
		assert.Nil(signed.TrustedTimestamp)

		report, err := svc.Chains.VerifyChain(ctx, "farm-1", nil)
		assert.Nil(err)
		assert.True(report.Valid)
	}
}
