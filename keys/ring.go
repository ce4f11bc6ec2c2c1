package keys

import (
	"cmp"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"slices"
	"time"

	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
)

// getRingEntry fetch one key ring entry
func (m *keyManagerImpl) getRingEntry(version uint) (keyRingEntry, error) {
	m.ringLock.RLock()
	defer m.ringLock.RUnlock()
	entry, ok := m.ring[version]
	if !ok {
		return keyRingEntry{}, fmt.Errorf("%w: version %d", models.ErrKeyNotFound, version)
	}
	return entry, nil
}

// getActiveEntry fetch the ACTIVE key ring entry if it is usable now
func (m *keyManagerImpl) getActiveEntry() (keyRingEntry, error) {
	m.ringLock.RLock()
	defer m.ringLock.RUnlock()
	if m.activeVersion == 0 {
		return keyRingEntry{}, fmt.Errorf("%w: no ACTIVE signing key", models.ErrKeyUnavailable)
	}
	entry := m.ring[m.activeVersion]
	if !entry.UsableAt(time.Now().UTC()) {
		return keyRingEntry{}, fmt.Errorf(
			"%w: signing key v%d outside its validity window", models.ErrKeyUnavailable, entry.Version,
		)
	}
	return entry, nil
}

// maxVersion highest known key version. Caller must hold ringLock.
func (m *keyManagerImpl) maxVersion() uint {
	highest := uint(0)
	for version := range m.ring {
		highest = max(highest, version)
	}
	return highest
}

func (m *keyManagerImpl) GetActiveKey(_ context.Context) (models.SigningKey, error) {
	entry, err := m.getActiveEntry()
	return entry.SigningKey, err
}

func (m *keyManagerImpl) GetKeyByVersion(_ context.Context, version uint) (models.SigningKey, error) {
	entry, err := m.getRingEntry(version)
	return entry.SigningKey, err
}

func (m *keyManagerImpl) ListKeys(_ context.Context) ([]models.SigningKey, error) {
	m.ringLock.RLock()
	defer m.ringLock.RUnlock()
	result := make([]models.SigningKey, 0, len(m.ring))
	for _, entry := range m.ring {
		result = append(result, entry.SigningKey)
	}
	slices.SortFunc(result, func(a, b models.SigningKey) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return result, nil
}

func (m *keyManagerImpl) GetPublicKey(ctx context.Context, version *uint) (string, error) {
	if version == nil {
		entry, err := m.GetActiveKey(ctx)
		return entry.PublicKey, err
	}
	entry, err := m.GetKeyByVersion(ctx, *version)
	return entry.PublicKey, err
}

/*
Rotate install a new ACTIVE signing key, and mark the previous ACTIVE key as ROTATED

	@param ctx context.Context - execution context
	@param material NewKeyMaterial - the new key
	@returns the new key
*/
func (m *keyManagerImpl) Rotate(
	ctx context.Context, material NewKeyMaterial,
) (models.SigningKey, error) {
	m.adminLock.Lock()
	defer m.adminLock.Unlock()
	return m.rotate(ctx, material)
}

/*
RotateToNewKey generate a new local key with the next version, and rotate to it

	@param ctx context.Context - execution context
	@returns the new key
*/
func (m *keyManagerImpl) RotateToNewKey(ctx context.Context) (models.SigningKey, error) {
	m.adminLock.Lock()
	defer m.adminLock.Unlock()

	m.ringLock.RLock()
	nextVersion := m.maxVersion() + 1
	m.ringLock.RUnlock()

	material, err := m.GenerateKeyMaterial(ctx, nextVersion)
	if err != nil {
		return models.SigningKey{}, err
	}
	return m.rotate(ctx, material)
}

// rotate core rotation logic. Caller must hold adminLock.
func (m *keyManagerImpl) rotate(
	ctx context.Context, material NewKeyMaterial,
) (models.SigningKey, error) {
	parsed, err := m.parseKeyMaterial(ctx, material)
	if err != nil {
		return models.SigningKey{}, err
	}

	m.ringLock.RLock()
	highest := m.maxVersion()
	previousActive := m.activeVersion
	m.ringLock.RUnlock()

	if material.Version <= highest {
		return models.SigningKey{}, fmt.Errorf(
			"%w: version %d is not greater than %d", models.ErrVersionConflict, material.Version, highest,
		)
	}

	rotatedAt := time.Now().UTC()
	newKey := models.SigningKey{
		Version:       material.Version,
		PublicKey:     parsed.publicKeyPEM,
		PrivateKeyRef: parsed.ref,
		Algorithm:     models.SigningAlgorithmRSASHA256,
		KeySize:       models.SigningKeySizeBits,
		Source:        material.Source,
		State:         models.SigningKeyStateActive,
		ValidFrom:     rotatedAt,
		ValidUntil:    material.ValidUntil,
	}
	if material.ValidFrom != nil {
		newKey.ValidFrom = material.ValidFrom.UTC()
	}

	// Record the change before it becomes visible
	if m.persistence != nil {
		var sealed *db.SealedKeyMaterial
		if parsed.privateKey != nil {
			sealedMaterial, err := m.sealPrivateKey(ctx, parsed.privateKey)
			if err != nil {
				return models.SigningKey{}, fmt.Errorf("failed to seal new signing key [%w]", err)
			}
			sealed = &sealedMaterial
		}
		if dbErr := m.persistence.UseDatabaseInTransaction(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				if previousActive != 0 {
					if err := dbClient.MarkSigningKeyRotated(dbCtx, previousActive, rotatedAt); err != nil {
						return err
					}
				}
				recorded, err := dbClient.RecordSigningKey(dbCtx, newKey, sealed)
				newKey = recorded
				return err
			},
		); dbErr != nil {
			return models.SigningKey{}, fmt.Errorf(
				"failed to record signing key v%d [%w]", material.Version, dbErr,
			)
		}
	}

	// Swap the key ring
	m.ringLock.Lock()
	defer m.ringLock.Unlock()
	if previousActive != 0 {
		old := m.ring[previousActive]
		old.State = models.SigningKeyStateRotated
		old.ValidUntil = &rotatedAt
		old.privateKey = nil
		m.ring[previousActive] = old
	}
	m.ring[newKey.Version] = keyRingEntry{
		SigningKey: newKey, publicKey: parsed.publicKey, privateKey: parsed.privateKey,
	}
	m.activeVersion = newKey.Version

	log.WithFields(m.LogTags).
		WithField("new-version", newKey.Version).
		WithField("old-version", previousActive).
		WithField("source", newKey.Source).
		Info("Rotated signing key")

	return newKey, nil
}

/*
Revoke revoke a signing key. The key stays available for verification.

Revoking the ACTIVE key leaves the system without an ACTIVE key until the next rotation.

	@param ctx context.Context - execution context
	@param version uint - key version
	@param reason string - why the key is revoked
	@returns the revoked key
*/
func (m *keyManagerImpl) Revoke(
	ctx context.Context, version uint, reason string,
) (models.SigningKey, error) {
	if reason == "" {
		return models.SigningKey{}, fmt.Errorf("%w: revocation reason is required", models.ErrValidation)
	}

	m.adminLock.Lock()
	defer m.adminLock.Unlock()

	entry, err := m.getRingEntry(version)
	if err != nil {
		return models.SigningKey{}, err
	}
	if entry.State == models.SigningKeyStateRevoked {
		return entry.SigningKey, nil
	}

	revokedAt := time.Now().UTC()
	if m.persistence != nil {
		if dbErr := m.persistence.UseDatabaseInTransaction(
			ctx, func(dbCtx context.Context, dbClient db.Database) error {
				return dbClient.MarkSigningKeyRevoked(dbCtx, version, reason, revokedAt)
			},
		); dbErr != nil {
			return models.SigningKey{}, fmt.Errorf("failed to revoke signing key v%d [%w]", version, dbErr)
		}
	}

	m.ringLock.Lock()
	defer m.ringLock.Unlock()
	entry.State = models.SigningKeyStateRevoked
	entry.RevocationReason = reason
	if entry.ValidUntil == nil || entry.ValidUntil.After(revokedAt) {
		entry.ValidUntil = &revokedAt
	}
	entry.privateKey = nil
	m.ring[version] = entry
	if m.activeVersion == version {
		m.activeVersion = 0
	}

	log.WithFields(m.LogTags).
		WithField("version", version).
		WithField("reason", reason).
		Warn("Revoked signing key")

	return entry.SigningKey, nil
}

/*
SignWithActiveKey sign a message with the ACTIVE key

	@param ctx context.Context - execution context
	@param message []byte - message to sign
	@returns the signature, and the key which produced it
*/
func (m *keyManagerImpl) SignWithActiveKey(
	ctx context.Context, message []byte,
) ([]byte, models.SigningKey, error) {
	// One snapshot of the key is used for the entire operation
	entry, err := m.getActiveEntry()
	if err != nil {
		return nil, models.SigningKey{}, err
	}

	digest := sha256.Sum256(message)

	var signature []byte
	switch entry.Source {
	case models.KeySourceKMS:
		if m.kms == nil {
			return nil, models.SigningKey{}, fmt.Errorf(
				"%w: no KMS client for signing key v%d", models.ErrKeyUnavailable, entry.Version,
			)
		}
		signature, err = m.kms.Sign(ctx, entry.PrivateKeyRef, digest[:])
		if err != nil {
			return nil, models.SigningKey{}, fmt.Errorf(
				"KMS signing with key v%d failed [%w]", entry.Version, err,
			)
		}
	default:
		if entry.privateKey == nil {
			return nil, models.SigningKey{}, fmt.Errorf(
				"%w: private key of v%d not loaded", models.ErrKeyUnavailable, entry.Version,
			)
		}
		signature, err = rsa.SignPKCS1v15(
			m.crypto.GetRNGReader(), entry.privateKey, crypto.SHA256, digest[:],
		)
		if err != nil {
			return nil, models.SigningKey{}, fmt.Errorf(
				"signing with key v%d failed [%w]", entry.Version, err,
			)
		}
	}

	return signature, entry.SigningKey, nil
}

/*
VerifyWithKey verify a signature against a specific key version

The key state is not considered. Rotated and revoked keys still verify their historical
signatures.

	@param ctx context.Context - execution context
	@param version uint - key version
	@param message []byte - the signed message
	@param signature []byte - the signature
	@returns the key used. A nil error means the signature is valid.
*/
func (m *keyManagerImpl) VerifyWithKey(
	_ context.Context, version uint, message []byte, signature []byte,
) (models.SigningKey, error) {
	entry, err := m.getRingEntry(version)
	if err != nil {
		return models.SigningKey{}, err
	}

	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(entry.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return entry.SigningKey, fmt.Errorf("%w: key v%d [%w]", models.ErrSignatureMismatch, version, err)
	}
	return entry.SigningKey, nil
}
