package db_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// newTestDB prepare a fresh sqlite DB with tables defined
func newTestDB(t *testing.T) db.Client {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	testDB := fmt.Sprintf("/tmp/sigchain_ut_%s.db", ulid.Make().String())
	log.WithField("db", testDB).Debug("Test database")

	uut, err := db.NewConnection(db.GetSqliteDialector(testDB), logger.Error)
	assert.Nil(err)

	assert.Nil(uut.RunSQLInTransaction(context.Background(), db.DefineTables))

	t.Cleanup(func() { _ = uut.Close() })

	return uut
}

// testSigningKey build signing key metadata. The public key is not parsed by the DB layer.
func testSigningKey(version uint, validFrom time.Time) models.SigningKey {
	return models.SigningKey{
		Version:       version,
		PublicKey:     fmt.Sprintf("-----BEGIN PUBLIC KEY-----\nv%d\n-----END PUBLIC KEY-----\n", version),
		PrivateKeyRef: fmt.Sprintf("local:v%d", version),
		Algorithm:     models.SigningAlgorithmRSASHA256,
		KeySize:       models.SigningKeySizeBits,
		Source:        models.KeySourceLocal,
		State:         models.SigningKeyStateActive,
		ValidFrom:     validFrom,
	}
}

// listEvents fetch all recorded audit events
func listEvents(t *testing.T, uut db.Client) []models.SystemEventAudit {
	var events []models.SystemEventAudit
	assert.Nil(t, uut.UseDatabase(
		context.Background(), func(ctx context.Context, dbClient db.Database) error {
			var err error
			events, err = dbClient.ListSystemEvents(ctx, db.SystemEventQueryFilter{})
			return err
		},
	))
	return events
}

func newValidator(t *testing.T) *validator.Validate {
	validate := validator.New()
	assert.Nil(t, models.RegisterWithValidator(validate))
	return validate
}
