package models

import (
	"fmt"
	"time"
)

// SystemStateENUMType system operating state ENUM
type SystemStateENUMType string

const (
	// SystemStatePreInit first time system start, no signing key exists yet
	SystemStatePreInit SystemStateENUMType = "PRE_INITIALIZATION"
	// SystemStateInit system is installing its first signing key
	SystemStateInit SystemStateENUMType = "INITIALIZING"
	// SystemStateRunning system running normally
	SystemStateRunning SystemStateENUMType = "RUNNING"
)

// SystemParams system operating parameters
type SystemParams struct {
	// ID param entry ID. It must always be system-parameters
	ID string `json:"id" gorm:"column:id;primaryKey;unique" validate:"required,oneof=system-parameters"`

	// State system operating state
	State SystemStateENUMType `json:"state" gorm:"column:state;not null" validate:"required,system_state"`

	// CreatedAt entry creation timestamp
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt entry update timestamp
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateNextState verify can transition to new state
//
// A system which failed part way through initialization may re-enter INITIALIZING.
func (p *SystemParams) ValidateNextState(newState SystemStateENUMType) error {
	allowed := map[SystemStateENUMType][]SystemStateENUMType{
		SystemStatePreInit: {SystemStatePreInit, SystemStateInit},
		SystemStateInit:    {SystemStateInit, SystemStateRunning},
		SystemStateRunning: {SystemStateRunning},
	}

	nextStates, ok := allowed[p.State]
	if !ok {
		return fmt.Errorf("system can't transition out of state '%s'", p.State)
	}
	for _, state := range nextStates {
		if state == newState {
			return nil
		}
	}
	return fmt.Errorf("system can't transition from '%s' to '%s'", p.State, newState)
}
