package keys

import (
	"context"
	"fmt"
	"os"

	"github.com/alwitt/sigchain/db"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
)

// loadRSAKeyPair load the wrapping RSA key pair for sealing and unsealing signing keys
func (m *keyManagerImpl) loadRSAKeyPair(
	ctx context.Context, certFilePath string, keyFilePath string,
) error {
	certContent, err := os.ReadFile(certFilePath)
	if err != nil {
		return fmt.Errorf("%s read error [%w]", certFilePath, err)
	}

	keyContent, err := os.ReadFile(keyFilePath)
	if err != nil {
		return fmt.Errorf("%s read error [%w]", keyFilePath, err)
	}

	parsedCert, err := m.crypto.ParseCertificateFromPEM(ctx, string(certContent))
	if err != nil {
		return fmt.Errorf("failed to parse x509 certificate in %s [%w]", certFilePath, err)
	}

	parsedKey, err := m.crypto.ParseRSAPrivateKeyFromPEM(ctx, string(keyContent))
	if err != nil {
		return fmt.Errorf("failed to parse RSA private key in %s [%w]", keyFilePath, err)
	}

	parsedPubKey, err := m.crypto.ReadRSAPublicKeyFromCert(ctx, parsedCert)
	if err != nil {
		return fmt.Errorf(
			"failed to pull RSA public key from x509 certificate in %s [%w]", certFilePath, err,
		)
	}

	m.wrapKey = parsedKey
	m.wrapPubKey = parsedPubKey

	return nil
}

// loadKeyRing read all recorded signing keys into the key ring
func (m *keyManagerImpl) loadKeyRing(ctx context.Context) error {
	var recorded []models.SigningKey
	sealed := map[uint]*db.SealedKeyMaterial{}
	if err := m.persistence.UseDatabase(
		ctx, func(dbCtx context.Context, dbClient db.Database) error {
			var err error
			recorded, err = dbClient.ListSigningKeys(dbCtx, db.SigningKeyQueryFilter{})
			if err != nil {
				return err
			}
			for _, key := range recorded {
				if key.State != models.SigningKeyStateActive || key.Source != models.KeySourceLocal {
					continue
				}
				if sealed[key.Version], err = dbClient.GetSealedSigningKey(
					dbCtx, key.Version,
				); err != nil {
					return err
				}
			}
			return nil
		},
	); err != nil {
		return fmt.Errorf("failed to read recorded signing keys [%w]", err)
	}

	ring := make(map[uint]keyRingEntry, len(recorded))
	activeVersion := uint(0)
	for _, key := range recorded {
		pubKey, err := parsePublicKeyPEM(key.PublicKey)
		if err != nil {
			return fmt.Errorf("signing key v%d public key unreadable [%w]", key.Version, err)
		}
		entry := keyRingEntry{SigningKey: key, publicKey: pubKey}

		if key.State == models.SigningKeyStateActive {
			if activeVersion != 0 {
				return fmt.Errorf(
					"multiple ACTIVE signing keys: v%d and v%d", activeVersion, key.Version,
				)
			}
			activeVersion = key.Version

			switch key.Source {
			case models.KeySourceLocal:
				material, ok := sealed[key.Version]
				if !ok || material == nil {
					return fmt.Errorf("ACTIVE signing key v%d has no sealed private key", key.Version)
				}
				privKey, err := m.unsealPrivateKey(ctx, *material)
				if err != nil {
					return fmt.Errorf("failed to unseal signing key v%d [%w]", key.Version, err)
				}
				entry.privateKey = privKey
			case models.KeySourceKMS:
				if m.kms == nil {
					return fmt.Errorf("ACTIVE signing key v%d requires a KMS client", key.Version)
				}
			}
		}

		ring[key.Version] = entry
	}

	m.ringLock.Lock()
	defer m.ringLock.Unlock()
	m.ring = ring
	m.activeVersion = activeVersion

	log.WithFields(m.LogTags).
		WithField("keys", len(ring)).
		WithField("active-version", activeVersion).
		Info("Loaded signing keys")

	return nil
}
