package keys

import "context"

// KMSClient remote key management service holding the private half of "kms" signing keys
type KMSClient interface {
	/*
		Sign produce an RSA PKCS#1 v1.5 signature over a SHA-256 digest

			@param ctx context.Context - execution context
			@param keyID string - remote key ID
			@param digest []byte - SHA-256 digest of the message
			@returns the signature
	*/
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)

	/*
		GetPublicKey fetch the PEM SubjectPublicKeyInfo of a remote key

			@param ctx context.Context - execution context
			@param keyID string - remote key ID
			@returns the PEM public key
	*/
	GetPublicKey(ctx context.Context, keyID string) (string, error)
}
