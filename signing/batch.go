package signing

import (
	"context"
	"fmt"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// BatchSigner signs an ordered sequence of new records as one contiguous chain segment
type BatchSigner interface {
	/*
		SignRecordsBatch sign records in order, linking each record to the one before it

		Signing of one chain is strictly sequential. Callers must not sign batches of the
		same chain concurrently.

			@param ctx context.Context - execution context
			@param records []models.Record - the records in chain order
			@param isGenesisBatch bool - whether the first record starts a new chain
			@param chainTail string - hash of the current last record of the chain. Required
				when isGenesisBatch is false.
			@returns the signed records. Nothing is returned if any record fails.
	*/
	SignRecordsBatch(
		ctx context.Context, records []models.Record, isGenesisBatch bool, chainTail string,
	) ([]models.SignedRecord, error)
}

// batchSignerImpl implements BatchSigner
type batchSignerImpl struct {
	goutils.Component
	signer SignatureService
}

/*
NewBatchSigner define new batch signer

	@param signer SignatureService - service used to sign each record
	@returns signer instance
*/
func NewBatchSigner(signer SignatureService) BatchSigner {
	logTags := log.Fields{"package": "sigchain", "module": "signing", "component": "batch-signer"}
	return &batchSignerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		signer: signer,
	}
}

func (b *batchSignerImpl) SignRecordsBatch(
	ctx context.Context, records []models.Record, isGenesisBatch bool, chainTail string,
) ([]models.SignedRecord, error) {
	ctx, span := tracer.Start(ctx, "sigchain.sign_records_batch",
		trace.WithAttributes(
			attribute.Int("batch.size", len(records)),
			attribute.Bool("batch.genesis", isGenesisBatch),
		),
	)
	defer span.End()

	previousHash := models.ZeroHash
	if !isGenesisBatch {
		if chainTail == "" {
			err := fmt.Errorf("%w: non-genesis batch requires the chain tail hash", models.ErrValidation)
			span.RecordError(err)
			span.SetStatus(codes.Error, "missing chain tail")
			return nil, err
		}
		previousHash = chainTail
	}

	signed := make([]models.SignedRecord, 0, len(records))
	for idx, record := range records {
		oneSigned, err := b.signer.SignRecord(ctx, record, previousHash)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "batch signing failed")
			return nil, fmt.Errorf("batch aborted at record %d ('%s') [%w]", idx, record.ID, err)
		}
		signed = append(signed, oneSigned)
		previousHash = oneSigned.Hash
	}

	log.WithFields(b.LogTags).
		WithField("records", len(signed)).
		WithField("genesis", isGenesisBatch).
		Debug("Signed record batch")

	return signed, nil
}
