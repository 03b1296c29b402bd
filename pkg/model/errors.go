package model

import "errors"

var (
	// ErrInvalidDirection is returned for a mirror direction other than FORWARD or REVERSE.
	ErrInvalidDirection = errors.New("invalid mirror point direction")

	// ErrPathNotFound is returned when a flow has no path with the requested id.
	ErrPathNotFound = errors.New("flow path not found")

	// ErrFlowNotFound is returned by repositories for an unknown flow id.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrSwitchNotFound is returned by repositories for a switch missing from the inventory.
	ErrSwitchNotFound = errors.New("switch not found")
)
