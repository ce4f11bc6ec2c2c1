package signing_test

import (
	"context"
	"testing"

	"github.com/alwitt/sigchain/models"
	"github.com/alwitt/sigchain/signing"
	"github.com/stretchr/testify/assert"
)

// signChain sign count records as one chain
func signChain(t *testing.T, uut signing.SignatureService, count int) []models.SignedRecord {
	result := []models.SignedRecord{}
	previousHash := ""
	for idx := 0; idx < count; idx++ {
		signed, err := uut.SignRecord(context.Background(), farmRecord(idx), previousHash)
		assert.Nil(t, err)
		result = append(result, signed)
		previousHash = signed.Hash
	}
	return result
}

func TestVerifyRecordChainValid(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, signer := newTestSigner(t)
	uut := signing.NewChainVerifier(signer)

	records := signChain(t, signer, 2)

	report := uut.VerifyRecordChain(utCtx, records)
	assert.True(report.Valid)
	assert.Equal(2, report.TotalRecords)
	assert.Equal(2, report.ValidRecords)
	assert.Equal(0, report.InvalidRecords)
	assert.True(report.ChainIntegrity)
	assert.Nil(report.FirstBreakIndex)
	assert.Len(report.Details, 2)
	for idx, detail := range report.Details {
		assert.Equal(idx, detail.Index)
		assert.Equal(records[idx].ID, detail.RecordID)
		assert.True(detail.LinkValid)
		assert.True(detail.Valid)
	}

	// Empty chain
	report = uut.VerifyRecordChain(utCtx, nil)
	assert.True(report.Valid)
	assert.True(report.ChainIntegrity)
	assert.Equal(0, report.TotalRecords)
	assert.Nil(report.FirstBreakIndex)
}

func TestVerifyRecordChainAlteredRecord(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, signer := newTestSigner(t)
	uut := signing.NewChainVerifier(signer)

	records := signChain(t, signer, 2)
	records[1].Data["amount"] = 5000

	report := uut.VerifyRecordChain(utCtx, records)
	assert.False(report.Valid)
	assert.Equal(1, report.InvalidRecords)
	assert.Equal(1, report.ValidRecords)
	// The stored hashes still link
	assert.True(report.ChainIntegrity)
	assert.NotNil(report.FirstBreakIndex)
	assert.Equal(1, *report.FirstBreakIndex)
	assert.False(report.Details[1].Hash.Valid)
	assert.True(report.Details[1].LinkValid)
	assert.True(report.Details[0].Valid)
}

func TestVerifyRecordChainReorderAndDeletion(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, signer := newTestSigner(t)
	uut := signing.NewChainVerifier(signer)

	records := signChain(t, signer, 4)

	// Deleting a record in the middle breaks the link, without altering any record
	{
		deleted := []models.SignedRecord{records[0], records[1], records[3]}
		report := uut.VerifyRecordChain(utCtx, deleted)
		assert.False(report.Valid)
		assert.False(report.ChainIntegrity)
		assert.NotNil(report.FirstBreakIndex)
		assert.Equal(2, *report.FirstBreakIndex)
		assert.False(report.Details[2].LinkValid)
		assert.True(report.Details[0].LinkValid)
		assert.True(report.Details[1].LinkValid)
		// Each record still verifies against its own stored link
		assert.True(signer.VerifyRecord(utCtx, records[3], "").Valid)
	}

	// Swapping two records
	{
		swapped := []models.SignedRecord{records[0], records[2], records[1], records[3]}
		report := uut.VerifyRecordChain(utCtx, swapped)
		assert.False(report.Valid)
		assert.False(report.ChainIntegrity)
		assert.Equal(1, *report.FirstBreakIndex)
	}

	// Dropping the genesis record
	{
		report := uut.VerifyRecordChain(utCtx, records[1:])
		assert.False(report.Valid)
		assert.False(report.ChainIntegrity)
		assert.Equal(0, *report.FirstBreakIndex)
	}

	// A later signature failure is reported after an earlier link break
	{
		broken := []models.SignedRecord{records[0], records[2], records[3]}
		broken[2].Signature = broken[1].Signature
		report := uut.VerifyRecordChain(utCtx, broken)
		assert.Equal(1, *report.FirstBreakIndex)
		assert.False(report.Details[2].Signature.Valid)
	}
}
