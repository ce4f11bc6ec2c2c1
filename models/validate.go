package models

import (
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
)

/*
RegisterWithValidator register with the validator this custom validation support

	@param v *validator.Validate - the validator to register against
	@return whether successful
*/
func RegisterWithValidator(v *validator.Validate) error {
	customs := map[string]validator.Func{
		"signing_key_state": validateSigningKeyState,
		"key_source":        validateKeySource,
		"system_state":      validateSystemStateType,
		"system_event_type": validateSystemEventType,
		"iso8601":           validateISO8601,
	}
	for tag, fn := range customs {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func validateSigningKeyState(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SigningKeyStateENUMType(fl.Field().String()) {
	case SigningKeyStateActive, SigningKeyStateRotated, SigningKeyStateRevoked:
		return true
	}
	return false
}

func validateKeySource(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch KeySourceENUMType(fl.Field().String()) {
	case KeySourceLocal, KeySourceKMS:
		return true
	}
	return false
}

func validateSystemStateType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemStateENUMType(fl.Field().String()) {
	case SystemStatePreInit:
		fallthrough
	case SystemStateInit:
		fallthrough
	case SystemStateRunning:
		return true
	}
	return false
}

func validateSystemEventType(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	switch SystemEventTypeENUMType(fl.Field().String()) {
	case SystemEventTypeInitializing:
		fallthrough
	case SystemEventTypeInitialized:
		fallthrough
	case SystemEventTypeAddSigningKey:
		fallthrough
	case SystemEventTypeRotateSigningKey:
		fallthrough
	case SystemEventTypeRevokeSigningKey:
		fallthrough
	case SystemEventTypeAddChain:
		return true
	}
	return false
}

// iso8601Layouts are the accepted extended and basic ISO 8601 forms. Fractional seconds are
// accepted after any seconds field.
var iso8601Layouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102T150405Z0700",
	"20060102T150405",
	"20060102",
}

// validateISO8601 accepts calendar dates and date-times, with or without offset
func validateISO8601(fl validator.FieldLevel) bool {
	if fl.Field().Kind() != reflect.String {
		return false
	}
	return IsISO8601(fl.Field().String())
}

// IsISO8601 whether s parses under one of the accepted ISO 8601 layouts
func IsISO8601(s string) bool {
	for _, layout := range iso8601Layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
