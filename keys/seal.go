package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/sigchain/db"
)

// setupAEAD prepare AEAD. A random nonce is generated when none is given.
func (m *keyManagerImpl) setupAEAD(
	ctx context.Context, key []byte, nonce []byte,
) (cgoCrypto.AEAD, error) {
	aead, err := m.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return nil, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	// Set the AEAD data key
	keyBuffer, err := m.crypto.AllocateSecureCSlice(aead.ExpectedKeyLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD key buffer [%w]", err)
	}
	keyBufferCore, err := keyBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD key buffer core [%w]", err)
	}
	if copied := copy(keyBufferCore, key); copied != aead.ExpectedKeyLen() {
		return nil, fmt.Errorf(
			"failed to fill AEAD key buffer core %d =/= %d", copied, aead.ExpectedKeyLen(),
		)
	}
	if err := aead.SetKey(keyBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD key [%w]", err)
	}

	if len(nonce) == 0 {
		nonceBuffer, err := m.crypto.GetRandomBuf(ctx, aead.ExpectedNonceLen())
		if err != nil {
			return nil, fmt.Errorf("failed to init AEAD nonce [%w]", err)
		}
		if err := aead.SetNonce(nonceBuffer); err != nil {
			return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
		}
		return aead, nil
	}

	// Reuse the recorded nonce
	nonceBuffer, err := m.crypto.AllocateSecureCSlice(aead.ExpectedNonceLen())
	if err != nil {
		return nil, fmt.Errorf("failed to init AEAD nonce buffer [%w]", err)
	}
	nonceBufferCore, err := nonceBuffer.GetSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to access AEAD nonce buffer core [%w]", err)
	}
	if copied := copy(nonceBufferCore, nonce); copied != aead.ExpectedNonceLen() {
		return nil, fmt.Errorf(
			"recorded nonce length mismatch %d =/= %d", copied, aead.ExpectedNonceLen(),
		)
	}
	if err := aead.SetNonce(nonceBuffer); err != nil {
		return nil, fmt.Errorf("failed to install AEAD nonce [%w]", err)
	}

	return aead, nil
}

/*
sealPrivateKey encrypt a signing private key for storage

A fresh data key seals the PKCS#8 DER of the private key. The data key itself is encrypted
with the wrapping RSA public key.

	@param ctx context.Context - execution context
	@param privKey *rsa.PrivateKey - the private key
	@returns the sealed key material
*/
func (m *keyManagerImpl) sealPrivateKey(
	ctx context.Context, privKey *rsa.PrivateKey,
) (db.SealedKeyMaterial, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to serialize private key [%w]", err)
	}

	aead, err := m.crypto.GetAEAD(ctx, cgoCrypto.AEADTypeXChaCha20Poly1305)
	if err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("unable to define AEAD client [%w]", err)
	}

	// Generate the data key
	keyLen := aead.ExpectedKeyLen()
	dataKey := make([]byte, keyLen)
	if n, err := m.crypto.GetRNGReader().Read(dataKey); err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to read %d bytes from RNG [%w]", keyLen, err)
	} else if n != keyLen {
		return db.SealedKeyMaterial{}, fmt.Errorf("did not get %d bytes from RNG, only %d", keyLen, n)
	}

	aead, err = m.setupAEAD(ctx, dataKey, nil)
	if err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	// Grab the nonce
	nonce, err := aead.Nonce().GetSlice()
	if err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to get nonce [%w]", err)
	}
	nonceCopy := make([]byte, len(nonce))
	copy(nonceCopy, nonce)

	sealedKey := make([]byte, aead.ExpectedCipherLen(int64(len(der))))
	if err := aead.Seal(ctx, 0, der, nil, sealedKey); err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to seal private key [%w]", err)
	}

	wrappedDataKey, err := m.crypto.RSAEncrypt(ctx, dataKey, m.wrapPubKey, nil)
	if err != nil {
		return db.SealedKeyMaterial{}, fmt.Errorf("failed to wrap data key [%w]", err)
	}

	return db.SealedKeyMaterial{
		SealedKey: sealedKey, WrappedDataKey: wrappedDataKey, Nonce: nonceCopy,
	}, nil
}

/*
unsealPrivateKey decrypt a sealed signing private key

	@param ctx context.Context - execution context
	@param sealed db.SealedKeyMaterial - the sealed key material
	@returns the private key
*/
func (m *keyManagerImpl) unsealPrivateKey(
	ctx context.Context, sealed db.SealedKeyMaterial,
) (*rsa.PrivateKey, error) {
	dataKey, err := m.crypto.RSADecrypt(ctx, sealed.WrappedDataKey, m.wrapKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap data key [%w]", err)
	}

	aead, err := m.setupAEAD(ctx, dataKey, sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to setup AEAD client [%w]", err)
	}

	der := make([]byte, aead.ExpectedPlainTextLen(int64(len(sealed.SealedKey))))
	if err := aead.Unseal(ctx, 0, sealed.SealedKey, nil, der); err != nil {
		return nil, fmt.Errorf("failed to unseal private key [%w]", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unsealed private key unreadable [%w]", err)
	}
	privKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsealed private key is not RSA")
	}
	return privKey, nil
}
