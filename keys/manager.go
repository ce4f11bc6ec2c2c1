// Package keys - record signing key management
package keys

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	cgoCrypto "github.com/alwitt/cgoutils/crypto"
	"github.com/alwitt/goutils"
	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

/*
KeyManager owns the set of signing key versions. It is solely responsible for all signing
key material in the system.

Aside from the key lifecycle, it also provides the wrapper interface around the signing key
APIs in the persistence layer. (i.e. the rest of the system must not directly interact with
the signing key APIs of the persistence layer.)

The private half of a key never leaves the manager. Callers sign through SignWithActiveKey.
*/
type KeyManager interface {
	/*
		GetActiveKey fetch the currently ACTIVE signing key

			@param ctx context.Context - execution context
			@returns the active key
	*/
	GetActiveKey(ctx context.Context) (models.SigningKey, error)

	/*
		GetKeyByVersion fetch one signing key regardless of its state

			@param ctx context.Context - execution context
			@param version uint - key version
			@returns the key
	*/
	GetKeyByVersion(ctx context.Context, version uint) (models.SigningKey, error)

	/*
		ListKeys list all known signing keys, ordered by version

			@param ctx context.Context - execution context
			@returns all keys
	*/
	ListKeys(ctx context.Context) ([]models.SigningKey, error)

	/*
		Rotate install a new ACTIVE signing key, and mark the previous ACTIVE key as ROTATED

			@param ctx context.Context - execution context
			@param material NewKeyMaterial - the new key
			@returns the new key
	*/
	Rotate(ctx context.Context, material NewKeyMaterial) (models.SigningKey, error)

	/*
		RotateToNewKey generate a new local key with the next version, and rotate to it

			@param ctx context.Context - execution context
			@returns the new key
	*/
	RotateToNewKey(ctx context.Context) (models.SigningKey, error)

	/*
		GenerateKeyMaterial generate a new local RSA key pair

			@param ctx context.Context - execution context
			@param version uint - version to assign the new key
			@returns the key material
	*/
	GenerateKeyMaterial(ctx context.Context, version uint) (NewKeyMaterial, error)

	/*
		Revoke revoke a signing key. The key stays available for verification.

			@param ctx context.Context - execution context
			@param version uint - key version
			@param reason string - why the key is revoked
			@returns the revoked key
	*/
	Revoke(ctx context.Context, version uint, reason string) (models.SigningKey, error)

	/*
		GetPublicKey fetch the PEM public key of a signing key

			@param ctx context.Context - execution context
			@param version *uint - key version. If nil, the ACTIVE key is used
			@returns the PEM public key
	*/
	GetPublicKey(ctx context.Context, version *uint) (string, error)

	/*
		SignWithActiveKey sign a message with the ACTIVE key

		The message is hashed with SHA-256, and signed with RSA PKCS#1 v1.5.

			@param ctx context.Context - execution context
			@param message []byte - message to sign
			@returns the signature, and the key which produced it
	*/
	SignWithActiveKey(ctx context.Context, message []byte) ([]byte, models.SigningKey, error)

	/*
		VerifyWithKey verify a signature against a specific key version

			@param ctx context.Context - execution context
			@param version uint - key version
			@param message []byte - the signed message
			@param signature []byte - the signature
			@returns the key used. A nil error means the signature is valid.
	*/
	VerifyWithKey(
		ctx context.Context, version uint, message []byte, signature []byte,
	) (models.SigningKey, error)
}

// keyRingEntry one signing key held by the manager
type keyRingEntry struct {
	models.SigningKey
	publicKey *rsa.PublicKey
	// privateKey only set for the ACTIVE local key
	privateKey *rsa.PrivateKey
}

// keyManagerImpl implements KeyManager
type keyManagerImpl struct {
	goutils.Component

	persistence db.Client
	kms         KMSClient
	validator   *validator.Validate

	crypto cgoCrypto.Engine

	wrapKey    *rsa.PrivateKey
	wrapPubKey *rsa.PublicKey

	// adminLock serialize rotate and revoke
	adminLock sync.Mutex

	ringLock      sync.RWMutex
	ring          map[uint]keyRingEntry
	activeVersion uint
}

// KeyManagerParams key manager init parameters
//
// When persistence is used, local private keys are sealed before storage. The wrapping RSA
// key pair protects the sealing keys.
type KeyManagerParams struct {
	// Persistence persistence layer client. If nil, keys are only held in memory.
	Persistence db.Client `validate:"-"`
	// KMS remote key management client. Required to use keys with source "kms".
	KMS KMSClient `validate:"-"`
	// WrappingRSACertFile file path to the wrapping RSA certificate PEM
	WrappingRSACertFile string `validate:"omitempty,file"`
	// WrappingRSAKeyFile file path to the wrapping RSA certificate private key PEM
	WrappingRSAKeyFile string `validate:"omitempty,file"`
}

/*
NewKeyManager define new signing key manager

If persistence is provided, all recorded keys are loaded, and the ACTIVE key is unsealed.

	@param ctx context.Context - execution context
	@param params KeyManagerParams - manager parameters
	@returns manager instance
*/
func NewKeyManager(ctx context.Context, params KeyManagerParams) (KeyManager, error) {
	// Prepare core crypto engine
	engine, err := cgoCrypto.NewEngine(log.Fields{
		"package": "cgoutils", "module": "crypto", "component": "crypto-engine",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare core cryptography [%w]", err)
	}

	logTags := log.Fields{"package": "sigchain", "module": "keys", "component": "key-manager"}

	instance := &keyManagerImpl{
		Component: goutils.Component{
			LogTags: logTags,
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		persistence: params.Persistence,
		kms:         params.KMS,
		validator:   validator.New(),
		crypto:      engine,
		ring:        make(map[uint]keyRingEntry),
	}
	if err := models.RegisterWithValidator(instance.validator); err != nil {
		return nil, fmt.Errorf("failed to install custom validation macros [%w]", err)
	}

	if err := instance.validator.Struct(&params); err != nil {
		return nil, fmt.Errorf("invalid key manager init parameters [%w]", err)
	}

	if params.Persistence == nil {
		return instance, nil
	}

	// Load the wrapping RSA certificate and private key
	if params.WrappingRSACertFile == "" || params.WrappingRSAKeyFile == "" {
		return nil, fmt.Errorf("persisted signing keys require a wrapping RSA key pair")
	}
	if err := instance.loadRSAKeyPair(
		ctx, params.WrappingRSACertFile, params.WrappingRSAKeyFile,
	); err != nil {
		return nil, fmt.Errorf("failed to load wrapping RSA key pair [%w]", err)
	}

	if err := instance.loadKeyRing(ctx); err != nil {
		return nil, fmt.Errorf("failed to load signing keys [%w]", err)
	}

	return instance, nil
}
