// Package db - persistence layer
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

// encodeEventMetadata validate and serialize audit event metadata. nil metadata is allowed.
func (d *databaseImpl) encodeEventMetadata(metadata interface{}) (datatypes.JSON, error) {
	if metadata == nil {
		return nil, nil
	}
	if err := d.validator.Struct(metadata); err != nil {
		return nil, fmt.Errorf("metadata is not valid [%w]", err)
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("metadata serialization failed [%w]", err)
	}
	return datatypes.JSON(encoded), nil
}

// defineNewSystemEvent append one entry to the audit trail. Audit entries are written in the
// same transaction as the change they describe.
func (d *databaseImpl) defineNewSystemEvent(
	eventType models.SystemEventTypeENUMType, metadata interface{},
) (models.SystemEventAudit, error) {
	encoded, err := d.encodeEventMetadata(metadata)
	if err != nil {
		return models.SystemEventAudit{}, fmt.Errorf("system event '%s' [%w]", eventType, err)
	}

	event := SystemEventAuditDBEntry{
		SystemEventAudit: models.SystemEventAudit{
			ID: ulid.Make().String(), EventType: eventType, Metadata: encoded,
		},
	}
	if err := d.validator.Struct(&event); err != nil {
		return models.SystemEventAudit{}, fmt.Errorf(
			"system event '%s' entry is not valid [%w]", eventType, err,
		)
	}
	if tmp := d.db.Create(&event); tmp.Error != nil {
		return models.SystemEventAudit{}, fmt.Errorf(
			"system event '%s' insert failed [%w]", eventType, tmp.Error,
		)
	}

	log.WithFields(d.LogTags).
		WithField("event-type", eventType).
		WithField("event-id", event.ID).
		Debug("Recorded system event")

	return event.SystemEventAudit, nil
}

/*
ListSystemEvents list captured system events, oldest first

	@param ctx context.Context - execution context
	@param filters SystemEventQueryFilter - entry listing filter
	@return list of system events
*/
func (d *databaseImpl) ListSystemEvents(
	_ context.Context, filters SystemEventQueryFilter,
) ([]models.SystemEventAudit, error) {
	query := d.db.Model(&SystemEventAuditDBEntry{})

	if len(filters.EventTypes) > 0 {
		query = query.Where("type in ?", filters.EventTypes)
	}
	if filters.EventsAfter != nil {
		query = query.Where("created_at >= ?", *filters.EventsAfter)
	}
	if filters.EventsBefore != nil {
		query = query.Where("created_at <= ?", *filters.EventsBefore)
	}

	// Metadata conditions
	if filters.TargetKeyVersion != nil {
		query = query.Where(
			datatypes.JSONQuery("metadata").Equals(*filters.TargetKeyVersion, "key_version"),
		)
	}
	if filters.TargetChainName != nil {
		query = query.Where(
			datatypes.JSONQuery("metadata").Equals(*filters.TargetChainName, "chain_name"),
		)
	}

	// ULIDs sort in creation order
	query = applyPaging(query, filters.CommonListEntryQueryFilter).Order("id")

	var entries []SystemEventAuditDBEntry
	if tmp := query.Find(&entries); tmp.Error != nil {
		return nil, fmt.Errorf("failed to list captured system events [%w]", tmp.Error)
	}

	events := make([]models.SystemEventAudit, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.SystemEventAudit)
	}
	return events, nil
}
