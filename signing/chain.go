package signing

import (
	"context"

	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChainVerifier verifies an ordered sequence of signed records, checking both each record
// and the links between them
type ChainVerifier interface {
	/*
		VerifyRecordChain verify an ordered sequence of signed records, oldest first

		The first record must link to the genesis hash. Every other record must link to
		the stored hash of its predecessor.

			@param ctx context.Context - execution context
			@param records []models.SignedRecord - the records in chain order
			@returns chain report
	*/
	VerifyRecordChain(ctx context.Context, records []models.SignedRecord) models.ChainReport
}

// chainVerifierImpl implements ChainVerifier
type chainVerifierImpl struct {
	goutils.Component
	signer SignatureService
}

/*
NewChainVerifier define new chain verifier

	@param signer SignatureService - service used to verify each record
	@returns verifier instance
*/
func NewChainVerifier(signer SignatureService) ChainVerifier {
	logTags := log.Fields{"package": "sigchain", "module": "signing", "component": "chain-verifier"}
	return &chainVerifierImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		signer: signer,
	}
}

func (v *chainVerifierImpl) VerifyRecordChain(
	ctx context.Context, records []models.SignedRecord,
) models.ChainReport {
	ctx, span := tracer.Start(ctx, "sigchain.verify_record_chain",
		trace.WithAttributes(attribute.Int("chain.length", len(records))),
	)
	defer span.End()

	report := models.ChainReport{
		Valid:          true,
		TotalRecords:   len(records),
		ChainIntegrity: true,
		Details:        make([]models.ChainRecordResult, 0, len(records)),
	}

	expectedPreviousHash := models.ZeroHash
	for idx, record := range records {
		result := models.ChainRecordResult{
			VerificationResult: v.signer.VerifyRecord(ctx, record, expectedPreviousHash),
			Index:              idx,
			RecordID:           record.ID,
			LinkValid:          record.PreviousHash == expectedPreviousHash,
		}

		if result.Valid {
			report.ValidRecords++
		} else {
			report.InvalidRecords++
		}
		if !result.LinkValid {
			report.ChainIntegrity = false
		}
		if (!result.Valid || !result.LinkValid) && report.FirstBreakIndex == nil {
			breakIdx := idx
			report.FirstBreakIndex = &breakIdx
		}

		report.Details = append(report.Details, result)
		expectedPreviousHash = record.Hash
	}

	report.Valid = report.InvalidRecords == 0 && report.ChainIntegrity

	span.SetAttributes(
		attribute.Bool("chain.valid", report.Valid),
		attribute.Int("chain.invalid_records", report.InvalidRecords),
	)
	if report.FirstBreakIndex != nil {
		span.SetAttributes(attribute.Int("chain.first_break", *report.FirstBreakIndex))
		log.WithFields(v.LogTags).
			WithField("first-break", *report.FirstBreakIndex).
			WithField("invalid-records", report.InvalidRecords).
			WithField("chain-integrity", report.ChainIntegrity).
			Warn("Record chain failed verification")
	}

	return report
}
