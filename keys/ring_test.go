package keys_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/sigchain/keys"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestKeyManagerRotation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := keys.NewKeyManager(utCtx, keys.KeyManagerParams{})
	assert.Nil(err)

	message := []byte("695ca3728c966d483633e23400ba850b5b7f16912ad29040549c22670cb49cde")

	// No key yet
	{
		_, err := uut.GetActiveKey(utCtx)
		assert.ErrorIs(err, models.ErrKeyUnavailable)
		_, _, err = uut.SignWithActiveKey(utCtx, message)
		assert.ErrorIs(err, models.ErrKeyUnavailable)
		_, err = uut.GetPublicKey(utCtx, nil)
		assert.ErrorIs(err, models.ErrKeyUnavailable)
	}

	// Install v1
	key1, err := uut.RotateToNewKey(utCtx)
	assert.Nil(err)
	assert.Equal(uint(1), key1.Version)
	assert.Equal(models.SigningKeyStateActive, key1.State)
	assert.Equal(models.KeySourceLocal, key1.Source)
	assert.Equal(models.SigningAlgorithmRSASHA256, key1.Algorithm)
	assert.Equal(2048, key1.KeySize)

	sig1, signer, err := uut.SignWithActiveKey(utCtx, message)
	assert.Nil(err)
	assert.Equal(uint(1), signer.Version)
	assert.Len(sig1, 256)

	// PKCS#1 v1.5 is deterministic
	sig1Again, _, err := uut.SignWithActiveKey(utCtx, message)
	assert.Nil(err)
	assert.Equal(sig1, sig1Again)

	// Install v3 from explicit material
	material, err := uut.GenerateKeyMaterial(utCtx, 3)
	assert.Nil(err)
	key3, err := uut.Rotate(utCtx, material)
	assert.Nil(err)
	assert.Equal(uint(3), key3.Version)

	// Version conflict, both equal and lower
	for _, version := range []uint{3, 2} {
		material.Version = version
		_, err = uut.Rotate(utCtx, material)
		assert.ErrorIs(err, models.ErrVersionConflict)
	}

	// v1 is ROTATED, but still verifies
	{
		old, err := uut.GetKeyByVersion(utCtx, 1)
		assert.Nil(err)
		assert.Equal(models.SigningKeyStateRotated, old.State)
		assert.NotNil(old.ValidUntil)

		verifiedBy, err := uut.VerifyWithKey(utCtx, 1, message, sig1)
		assert.Nil(err)
		assert.Equal(models.SigningKeyStateRotated, verifiedBy.State)

		// v3 does not verify a v1 signature
		_, err = uut.VerifyWithKey(utCtx, 3, message, sig1)
		assert.ErrorIs(err, models.ErrSignatureMismatch)

		_, err = uut.VerifyWithKey(utCtx, 2, message, sig1)
		assert.ErrorIs(err, models.ErrKeyNotFound)
	}

	// New signatures come from v3
	sig3, signer, err := uut.SignWithActiveKey(utCtx, message)
	assert.Nil(err)
	assert.Equal(uint(3), signer.Version)
	assert.NotEqual(sig1, sig3)

	// Public keys
	{
		active, err := uut.GetPublicKey(utCtx, nil)
		assert.Nil(err)
		assert.Equal(key3.PublicKey, active)
		version := uint(1)
		old, err := uut.GetPublicKey(utCtx, &version)
		assert.Nil(err)
		assert.Equal(key1.PublicKey, old)
		version = 7
		_, err = uut.GetPublicKey(utCtx, &version)
		assert.ErrorIs(err, models.ErrKeyNotFound)
	}

	// Exactly one ACTIVE key
	allKeys, err := uut.ListKeys(utCtx)
	assert.Nil(err)
	assert.Len(allKeys, 2)
	assert.Equal(uint(1), allKeys[0].Version)
	assert.Equal(uint(3), allKeys[1].Version)
	activeCount := 0
	for _, key := range allKeys {
		if key.State == models.SigningKeyStateActive {
			activeCount++
		}
	}
	assert.Equal(1, activeCount)
}

func TestKeyManagerRevocation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := keys.NewKeyManager(utCtx, keys.KeyManagerParams{})
	assert.Nil(err)

	message := []byte("message")

	_, err = uut.RotateToNewKey(utCtx)
	assert.Nil(err)
	sig1, _, err := uut.SignWithActiveKey(utCtx, message)
	assert.Nil(err)
	_, err = uut.RotateToNewKey(utCtx)
	assert.Nil(err)

	// Reason is required
	_, err = uut.Revoke(utCtx, 1, "")
	assert.ErrorIs(err, models.ErrValidation)

	// Unknown key
	_, err = uut.Revoke(utCtx, 9, "compromised")
	assert.ErrorIs(err, models.ErrKeyNotFound)

	// Revoke the ROTATED key
	revoked, err := uut.Revoke(utCtx, 1, "compromised")
	assert.Nil(err)
	assert.Equal(models.SigningKeyStateRevoked, revoked.State)
	assert.Equal("compromised", revoked.RevocationReason)

	// Revoking again keeps the first reason
	revoked, err = uut.Revoke(utCtx, 1, "again")
	assert.Nil(err)
	assert.Equal("compromised", revoked.RevocationReason)

	// Historical signature still verifies, and the key state is reported
	verifiedBy, err := uut.VerifyWithKey(utCtx, 1, message, sig1)
	assert.Nil(err)
	assert.Equal(models.SigningKeyStateRevoked, verifiedBy.State)

	// Revoke the ACTIVE key, which leaves no ACTIVE key
	_, err = uut.Revoke(utCtx, 2, "retired")
	assert.Nil(err)
	_, _, err = uut.SignWithActiveKey(utCtx, message)
	assert.ErrorIs(err, models.ErrKeyUnavailable)

	// Rotation restores signing
	key3, err := uut.RotateToNewKey(utCtx)
	assert.Nil(err)
	assert.Equal(uint(3), key3.Version)
	_, signer, err := uut.SignWithActiveKey(utCtx, message)
	assert.Nil(err)
	assert.Equal(uint(3), signer.Version)
}

func TestKeyManagerMaterialValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := keys.NewKeyManager(utCtx, keys.KeyManagerParams{})
	assert.Nil(err)

	// Missing private key
	_, err = uut.Rotate(utCtx, keys.NewKeyMaterial{Version: 1, Source: models.KeySourceLocal})
	assert.ErrorIs(err, models.ErrValidation)

	// Unknown source
	_, err = uut.Rotate(utCtx, keys.NewKeyMaterial{Version: 1, Source: "hsm", KMSKeyID: "a"})
	assert.ErrorIs(err, models.ErrValidation)

	// Not PEM
	_, err = uut.Rotate(utCtx, keys.NewKeyMaterial{
		Version: 1, Source: models.KeySourceLocal, PrivateKeyPEM: "not a key",
	})
	assert.ErrorIs(err, models.ErrValidation)

	// Wrong key size, as PKCS#1
	smallKey, err := rsa.GenerateKey(rand.Reader, 1024)
	assert.Nil(err)
	smallPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(smallKey),
	})
	_, err = uut.Rotate(utCtx, keys.NewKeyMaterial{
		Version: 1, Source: models.KeySourceLocal, PrivateKeyPEM: string(smallPEM),
	})
	assert.ErrorIs(err, models.ErrValidation)

	// KMS key without a KMS client
	_, err = uut.Rotate(utCtx, keys.NewKeyMaterial{
		Version: 1, Source: models.KeySourceKMS, KMSKeyID: "arn:test",
	})
	assert.ErrorIs(err, models.ErrValidation)

	// Nothing was installed
	allKeys, err := uut.ListKeys(utCtx)
	assert.Nil(err)
	assert.Empty(allKeys)

	// PKCS#1 2048 bit key is accepted
	goodKey, err := rsa.GenerateKey(rand.Reader, 2048)
	assert.Nil(err)
	goodPEM := pem.EncodeToMemory(&pem.Block{
		Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(goodKey),
	})
	installed, err := uut.Rotate(utCtx, keys.NewKeyMaterial{
		Version: 5, Source: models.KeySourceLocal, PrivateKeyPEM: string(goodPEM),
	})
	assert.Nil(err)
	assert.Equal(uint(5), installed.Version)
}

func TestKeyManagerValidityWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtx := context.Background()

	uut, err := keys.NewKeyManager(utCtx, keys.KeyManagerParams{})
	assert.Nil(err)

	// Key only becomes valid in the future
	material, err := uut.GenerateKeyMaterial(utCtx, 1)
	assert.Nil(err)
	future := time.Now().Add(time.Hour)
	material.ValidFrom = &future
	_, err = uut.Rotate(utCtx, material)
	assert.Nil(err)

	_, err = uut.GetActiveKey(utCtx)
	assert.ErrorIs(err, models.ErrKeyUnavailable)
	_, _, err = uut.SignWithActiveKey(utCtx, []byte("message"))
	assert.ErrorIs(err, models.ErrKeyUnavailable)

	// Key already expired
	material, err = uut.GenerateKeyMaterial(utCtx, 2)
	assert.Nil(err)
	past := time.Now().Add(-time.Hour)
	material.ValidUntil = &past
	_, err = uut.Rotate(utCtx, material)
	assert.Nil(err)
	_, err = uut.GetActiveKey(utCtx)
	assert.ErrorIs(err, models.ErrKeyUnavailable)

	// Open ended key
	_, err = uut.RotateToNewKey(utCtx)
	assert.Nil(err)
	active, err := uut.GetActiveKey(utCtx)
	assert.Nil(err)
	assert.Equal(uint(3), active.Version)
}

// TestKeyManagerConcurrentRotation signers racing a rotation observe either the old or
// the new key, and the signature always verifies against the key reported.
func TestKeyManagerConcurrentRotation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	utCtx := context.Background()

	uut, err := keys.NewKeyManager(utCtx, keys.KeyManagerParams{})
	assert.Nil(err)
	_, err = uut.RotateToNewKey(utCtx)
	assert.Nil(err)

	message := []byte("message")

	wg := sync.WaitGroup{}
	type signResult struct {
		signature []byte
		version   uint
		err       error
	}
	results := make([]signResult, 16)
	for idx := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, key, err := uut.SignWithActiveKey(utCtx, message)
			results[idx] = signResult{signature: sig, version: key.Version, err: err}
		}()
	}
	_, err = uut.RotateToNewKey(utCtx)
	assert.Nil(err)
	wg.Wait()

	for _, result := range results {
		assert.Nil(result.err)
		assert.Contains([]uint{1, 2}, result.version)
		_, err := uut.VerifyWithKey(utCtx, result.version, message, result.signature)
		assert.Nil(err)
	}
}
