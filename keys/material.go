package keys

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/alwitt/sigchain/models"
)

// NewKeyMaterial a new signing key to install through Rotate
type NewKeyMaterial struct {
	// Version key version. Must be greater than every known version.
	Version uint `validate:"required,gt=0"`
	// Source where the private key lives
	Source models.KeySourceENUMType `validate:"required,key_source"`
	// PrivateKeyPEM PKCS#8 or PKCS#1 PEM private key, for local keys
	PrivateKeyPEM string `validate:"required_if=Source local"`
	// KMSKeyID remote key ID, for KMS keys
	KMSKeyID string `validate:"required_if=Source kms"`
	// ValidFrom start of the validity window. Defaults to the rotation time.
	ValidFrom *time.Time `validate:"-"`
	// ValidUntil optional end of the validity window
	ValidUntil *time.Time `validate:"-"`
}

// parsedKeyMaterial key pair after parsing NewKeyMaterial
type parsedKeyMaterial struct {
	publicKey    *rsa.PublicKey
	publicKeyPEM string
	privateKey   *rsa.PrivateKey
	ref          string
}

// parsePrivateKeyPEM parse an RSA private key from either PKCS#8 or PKCS#1 PEM
func parsePrivateKeyPEM(content string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(content))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("PKCS#8 parse failed [%w]", err)
		}
		privKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
		return privKey, nil
	case "RSA PRIVATE KEY":
		privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("PKCS#1 parse failed [%w]", err)
		}
		return privKey, nil
	}
	return nil, fmt.Errorf("unsupported PEM block type '%s'", block.Type)
}

// parsePublicKeyPEM parse an RSA SubjectPublicKeyInfo PEM
func parsePublicKeyPEM(content string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(content))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no PUBLIC KEY PEM block found")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("PKIX parse failed [%w]", err)
	}
	pubKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return pubKey, nil
}

// encodePublicKeyPEM encode an RSA public key as SubjectPublicKeyInfo PEM
func encodePublicKeyPEM(pubKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pubKey)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// parseKeyMaterial validate and parse new key material
func (m *keyManagerImpl) parseKeyMaterial(
	ctx context.Context, material NewKeyMaterial,
) (parsedKeyMaterial, error) {
	if err := m.validator.Struct(&material); err != nil {
		return parsedKeyMaterial{}, fmt.Errorf("%w: invalid key material [%w]", models.ErrValidation, err)
	}

	result := parsedKeyMaterial{}
	switch material.Source {
	case models.KeySourceLocal:
		privKey, err := parsePrivateKeyPEM(material.PrivateKeyPEM)
		if err != nil {
			return parsedKeyMaterial{}, fmt.Errorf(
				"%w: private key unreadable [%w]", models.ErrValidation, err,
			)
		}
		result.privateKey = privKey
		result.publicKey = &privKey.PublicKey
		result.ref = fmt.Sprintf("local:v%d", material.Version)

	case models.KeySourceKMS:
		if m.kms == nil {
			return parsedKeyMaterial{}, fmt.Errorf(
				"%w: no KMS client configured for key %s", models.ErrValidation, material.KMSKeyID,
			)
		}
		pubKeyPEM, err := m.kms.GetPublicKey(ctx, material.KMSKeyID)
		if err != nil {
			return parsedKeyMaterial{}, fmt.Errorf(
				"failed to fetch public key of KMS key %s [%w]", material.KMSKeyID, err,
			)
		}
		pubKey, err := parsePublicKeyPEM(pubKeyPEM)
		if err != nil {
			return parsedKeyMaterial{}, fmt.Errorf(
				"%w: KMS public key unreadable [%w]", models.ErrValidation, err,
			)
		}
		result.publicKey = pubKey
		result.ref = material.KMSKeyID
	}

	if bits := result.publicKey.N.BitLen(); bits != models.SigningKeySizeBits {
		return parsedKeyMaterial{}, fmt.Errorf(
			"%w: RSA key is %d bits, %d required", models.ErrValidation, bits, models.SigningKeySizeBits,
		)
	}

	pubKeyPEM, err := encodePublicKeyPEM(result.publicKey)
	if err != nil {
		return parsedKeyMaterial{}, fmt.Errorf("failed to encode public key [%w]", err)
	}
	result.publicKeyPEM = pubKeyPEM

	return result, nil
}

/*
GenerateKeyMaterial generate a new local RSA key pair

	@param ctx context.Context - execution context
	@param version uint - version to assign the new key
	@returns the key material
*/
func (m *keyManagerImpl) GenerateKeyMaterial(
	_ context.Context, version uint,
) (NewKeyMaterial, error) {
	privKey, err := rsa.GenerateKey(m.crypto.GetRNGReader(), models.SigningKeySizeBits)
	if err != nil {
		return NewKeyMaterial{}, fmt.Errorf("failed to generate RSA key [%w]", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return NewKeyMaterial{}, fmt.Errorf("failed to serialize private key [%w]", err)
	}

	return NewKeyMaterial{
		Version:       version,
		Source:        models.KeySourceLocal,
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	}, nil
}
