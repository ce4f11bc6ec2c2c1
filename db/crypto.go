package db

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
)

/*
RecordSigningKey record a new signing key

	@param ctx context.Context - execution context
	@param key models.SigningKey - the key metadata
	@param sealed *SealedKeyMaterial - sealed private key, nil for keys held remotely
	@returns the key entry
*/
func (d *databaseImpl) RecordSigningKey(
	_ context.Context, key models.SigningKey, sealed *SealedKeyMaterial,
) (models.SigningKey, error) {
	newEntry := SigningKeyDBEntry{SigningKey: key}
	if sealed != nil {
		newEntry.SealedKey = sealed.SealedKey
		newEntry.WrappedDataKey = sealed.WrappedDataKey
		newEntry.SealNonce = sealed.Nonce
	}

	if err := d.validator.Struct(&newEntry); err != nil {
		return models.SigningKey{}, fmt.Errorf(
			"new signing key v%d entry is invalid [%w]", key.Version, err,
		)
	}

	if tmp := d.db.Create(&newEntry); tmp.Error != nil {
		return models.SigningKey{}, fmt.Errorf(
			"new signing key v%d entry insert failed [%w]", key.Version, tmp.Error,
		)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		models.SystemEventTypeAddSigningKey,
		models.SystemEventSigningKeyRelated{KeyVersion: key.Version},
	); err != nil {
		return models.SigningKey{}, fmt.Errorf(
			"failed to log add new signing key audit event [%w]", err,
		)
	}

	return newEntry.SigningKey, nil
}

// getSigningKey fetch one signing key
func (d *databaseImpl) getSigningKey(version uint) (SigningKeyDBEntry, error) {
	var entry SigningKeyDBEntry
	err := d.db.Where("version = ?", version).First(&entry).Error
	return entry, err
}

/*
GetSigningKey fetch one signing key

	@param ctx context.Context - execution context
	@param version uint - the signing key version
	@return key entry
*/
func (d *databaseImpl) GetSigningKey(_ context.Context, version uint) (models.SigningKey, error) {
	entry, err := d.getSigningKey(version)
	if err != nil {
		return models.SigningKey{}, fmt.Errorf("failed to fetch signing key v%d [%w]", version, err)
	}
	return entry.SigningKey, nil
}

/*
GetSealedSigningKey fetch the sealed private key of a signing key

	@param ctx context.Context - execution context
	@param version uint - the signing key version
	@return sealed key material, nil for keys held remotely
*/
func (d *databaseImpl) GetSealedSigningKey(
	_ context.Context, version uint,
) (*SealedKeyMaterial, error) {
	entry, err := d.getSigningKey(version)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing key v%d [%w]", version, err)
	}
	if len(entry.SealedKey) == 0 {
		return nil, nil
	}
	return &SealedKeyMaterial{
		SealedKey: entry.SealedKey, WrappedDataKey: entry.WrappedDataKey, Nonce: entry.SealNonce,
	}, nil
}

/*
ListSigningKeys list signing keys, ordered by version

	@param ctx context.Context - execution context
	@param filters SigningKeyQueryFilter - entry listing filter
	@return list of keys
*/
func (d *databaseImpl) ListSigningKeys(
	_ context.Context, filters SigningKeyQueryFilter,
) ([]models.SigningKey, error) {
	query := d.db.Model(&SigningKeyDBEntry{})

	if len(filters.TargetStates) > 0 {
		query = query.Where("state in ?", filters.TargetStates)
	}

	query = applyPaging(query, filters.CommonListEntryQueryFilter)

	query = query.Order("version")

	var entries []SigningKeyDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list signing keys [%w]", tmp.Error)
	}

	result := []models.SigningKey{}
	for _, entry := range entries {
		result = append(result, entry.SigningKey)
	}

	return result, nil
}

// updateSigningKeyState update the signing key entry state
func (d *databaseImpl) updateSigningKeyState(
	version uint, newState models.SigningKeyStateENUMType, reason string, at time.Time,
) error {
	entry, err := d.getSigningKey(version)
	if err != nil {
		return fmt.Errorf("failed to fetch signing key v%d [%w]", version, err)
	}

	if entry.State == newState {
		// NOOP
		return nil
	}

	if err := entry.ValidateNextState(newState); err != nil {
		return fmt.Errorf("signing key state change to %s not allowed [%w]", newState, err)
	}

	updates := map[string]interface{}{"state": newState}
	var eventType models.SystemEventTypeENUMType
	switch newState {
	case models.SigningKeyStateRotated:
		eventType = models.SystemEventTypeRotateSigningKey
		updates["valid_until"] = at
	case models.SigningKeyStateRevoked:
		eventType = models.SystemEventTypeRevokeSigningKey
		updates["revocation_reason"] = reason
		if entry.ValidUntil == nil || entry.ValidUntil.After(at) {
			updates["valid_until"] = at
		}
	default:
		return fmt.Errorf("signing key can't be moved back to state %s", newState)
	}

	if tmp := d.db.Model(&entry).Updates(updates); tmp.Error != nil {
		return fmt.Errorf("signing key v%d state change update failed [%w]", version, tmp.Error)
	}

	// Record this event
	if _, err := d.defineNewSystemEvent(
		eventType, models.SystemEventSigningKeyRelated{KeyVersion: version, Reason: reason},
	); err != nil {
		return fmt.Errorf("failed to log signing key state change audit event [%w]", err)
	}

	log.WithFields(d.LogTags).
		WithField("key-version", version).
		WithField("new-state", newState).
		Info("Signing key state changed")

	return nil
}

/*
MarkSigningKeyRotated mark signing key as replaced by a newer key

	@param ctx context.Context - execution context
	@param version uint - the signing key version
	@param rotatedAt time.Time - end of the key validity window
*/
func (d *databaseImpl) MarkSigningKeyRotated(
	_ context.Context, version uint, rotatedAt time.Time,
) error {
	return d.updateSigningKeyState(version, models.SigningKeyStateRotated, "", rotatedAt)
}

/*
MarkSigningKeyRevoked mark signing key as revoked

	@param ctx context.Context - execution context
	@param version uint - the signing key version
	@param reason string - why the key is revoked
	@param revokedAt time.Time - revocation time
*/
func (d *databaseImpl) MarkSigningKeyRevoked(
	_ context.Context, version uint, reason string, revokedAt time.Time,
) error {
	return d.updateSigningKeyState(version, models.SigningKeyStateRevoked, reason, revokedAt)
}
