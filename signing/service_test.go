package signing_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/alwitt/sigchain/keys"
	"github.com/alwitt/sigchain/models"
	"github.com/alwitt/sigchain/signing"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// farmRecord build a test record
func farmRecord(idx int) models.Record {
	return models.Record{
		ID:   fmt.Sprintf("rec-%03d", idx),
		Type: "PLANTING",
		Data: map[string]interface{}{
			"plot": "A1", "amount": 100 + idx, "notes": map[string]interface{}{"crop": "maize"},
		},
		Timestamp: "2025-05-21T10:00:00.000Z",
		UserID:    "user-42",
	}
}

// newTestSigner prepare an in memory key manager with key v1, and a signature service
func newTestSigner(t *testing.T) (keys.KeyManager, signing.SignatureService) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	keyManager, err := keys.NewKeyManager(context.Background(), keys.KeyManagerParams{})
	assert.Nil(err)
	_, err = keyManager.RotateToNewKey(context.Background())
	assert.Nil(err)

	uut, err := signing.NewSignatureService(keyManager, nil)
	assert.Nil(err)
	return keyManager, uut
}

func TestSignAndVerifyGenesisRecord(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, uut := newTestSigner(t)

	signed, err := uut.SignRecord(utCtx, farmRecord(0), "")
	assert.Nil(err)
	assert.Equal(models.ZeroHash, signed.PreviousHash)
	assert.Len(signed.Hash, 64)
	assert.Len(signed.Signature, 512)
	assert.Equal(uint(1), signed.KeyVersion)

	result := uut.VerifyRecord(utCtx, signed, "")
	assert.True(result.Valid)
	assert.True(result.Hash.Valid)
	assert.Equal(signed.Hash, result.Hash.Expected)
	assert.Equal(signed.Hash, result.Hash.Actual)
	assert.True(result.Signature.Valid)
	assert.Equal(models.SigningAlgorithmRSASHA256, result.Signature.Algorithm)
	assert.Equal(uint(1), result.Signature.KeyVersion)
	assert.Equal(models.SigningKeyStateActive, result.Signature.KeyState)

	// Explicit genesis expectation gives the same outcome
	assert.True(uut.VerifyRecord(utCtx, signed, models.ZeroHash).Valid)
}

func TestSignRecordInputValidation(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, uut := newTestSigner(t)

	type testCase struct {
		mutate       func(r *models.Record)
		previousHash string
	}
	for idx, oneTest := range []testCase{
		{mutate: func(r *models.Record) { r.ID = "" }},
		{mutate: func(r *models.Record) { r.Type = "" }},
		{mutate: func(r *models.Record) { r.UserID = "" }},
		{mutate: func(r *models.Record) { r.Data = nil }},
		{mutate: func(r *models.Record) { r.Timestamp = "" }},
		{mutate: func(r *models.Record) { r.Timestamp = "yesterday" }},
		{mutate: func(r *models.Record) {}, previousHash: "abc"},
		{mutate: func(r *models.Record) {}, previousHash: fmt.Sprintf("%064X", 0xabc)},
	} {
		record := farmRecord(idx)
		oneTest.mutate(&record)
		_, err := uut.SignRecord(utCtx, record, oneTest.previousHash)
		assert.ErrorIsf(err, models.ErrValidation, "case %d", idx)
	}

	// Payload which can not be encoded
	record := farmRecord(0)
	record.Data["bad"] = make(chan int)
	_, err := uut.SignRecord(utCtx, record, "")
	assert.ErrorIs(err, models.ErrEncoding)
}

func TestSignRecordWithoutActiveKey(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	keyManager, uut := newTestSigner(t)
	_, err := keyManager.Revoke(utCtx, 1, "compromised")
	assert.Nil(err)

	_, err = uut.SignRecord(utCtx, farmRecord(0), "")
	assert.ErrorIs(err, models.ErrKeyUnavailable)
}

func TestVerifyRecordTamperDetection(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	_, uut := newTestSigner(t)

	signed, err := uut.SignRecord(utCtx, farmRecord(0), "")
	assert.Nil(err)

	// Altered payload: hash mismatch, signature over the stored hash still verifies
	{
		tampered := signed
		tampered.Data = map[string]interface{}{"plot": "A1", "amount": 999}
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Valid)
		assert.False(result.Hash.Valid)
		assert.Equal(signed.Hash, result.Hash.Expected)
		assert.NotEqual(signed.Hash, result.Hash.Actual)
		assert.True(result.Signature.Valid)
	}

	// Altered top level field
	{
		tampered := signed
		tampered.UserID = "user-43"
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Valid)
		assert.False(result.Hash.Valid)
	}

	// Altered signature bytes: hash still valid
	{
		tampered := signed
		flipped := []byte(tampered.Signature)
		if flipped[10] == 'a' {
			flipped[10] = 'b'
		} else {
			flipped[10] = 'a'
		}
		tampered.Signature = string(flipped)
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Valid)
		assert.True(result.Hash.Valid)
		assert.False(result.Signature.Valid)
		assert.NotEmpty(result.Signature.Error)
	}

	// Signature not hex
	{
		tampered := signed
		tampered.Signature = "zz"
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Signature.Valid)
		assert.True(result.Hash.Valid)
	}

	// Unknown key version
	{
		tampered := signed
		tampered.KeyVersion = 9
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Valid)
		assert.True(result.Hash.Valid)
		assert.False(result.Signature.Valid)
		assert.Contains(result.Signature.Error, models.ErrKeyNotFound.Error())
	}

	// Replaced hash: recomputation no longer matches, and the signature was not over it
	{
		tampered := signed
		tampered.Hash = fmt.Sprintf("%064x", 7)
		result := uut.VerifyRecord(utCtx, tampered, "")
		assert.False(result.Hash.Valid)
		assert.False(result.Signature.Valid)
	}

	// Wrong expected previous hash
	{
		result := uut.VerifyRecord(utCtx, signed, fmt.Sprintf("%064x", 1))
		assert.False(result.Valid)
		assert.False(result.Hash.Valid)
		assert.True(result.Signature.Valid)
	}
}

func TestVerifyAfterRotationAndRevocation(t *testing.T) {
	assert := assert.New(t)
	utCtx := context.Background()

	keyManager, uut := newTestSigner(t)

	signedV1, err := uut.SignRecord(utCtx, farmRecord(0), "")
	assert.Nil(err)
	assert.Equal(uint(1), signedV1.KeyVersion)

	// Rotate to v2
	_, err = keyManager.RotateToNewKey(utCtx)
	assert.Nil(err)

	result := uut.VerifyRecord(utCtx, signedV1, "")
	assert.True(result.Valid)
	assert.Equal(uint(1), result.Signature.KeyVersion)
	assert.Equal(models.SigningKeyStateRotated, result.Signature.KeyState)

	signedV2, err := uut.SignRecord(utCtx, farmRecord(1), signedV1.Hash)
	assert.Nil(err)
	assert.Equal(uint(2), signedV2.KeyVersion)
	assert.Equal(signedV1.Hash, signedV2.PreviousHash)

	// Revoke v1: the historical result does not change, the key state is reported
	_, err = keyManager.Revoke(utCtx, 1, "compromised")
	assert.Nil(err)
	revokedResult := uut.VerifyRecord(utCtx, signedV1, "")
	assert.True(revokedResult.Valid)
	assert.Equal(result.Hash, revokedResult.Hash)
	assert.Equal(models.SigningKeyStateRevoked, revokedResult.Signature.KeyState)

	// Public keys
	version := uint(1)
	v1PEM, err := uut.GetPublicKey(utCtx, &version)
	assert.Nil(err)
	activePEM, err := uut.GetPublicKey(utCtx, nil)
	assert.Nil(err)
	assert.NotEqual(v1PEM, activePEM)
	assert.Contains(activePEM, "-----BEGIN PUBLIC KEY-----")
}
