// Package model holds the domain entities of a flow: paths, segments and
// mirror points. Entities link to each other by identifier only, so a copy
// of a flow never aliases another flow's data.
package model

import (
	"fmt"
	"strings"
)

// SwitchID identifies a switch (datapath id).
type SwitchID string

func (s SwitchID) String() string {
	return string(s)
}

// PathID identifies a flow path or a flow mirror path.
type PathID string

func (p PathID) String() string {
	return string(p)
}

// GroupID identifies an OpenFlow group on a switch.
type GroupID uint32

// MinMirrorGroupID is the first group id handed out for mirror groups;
// lower ids are reserved for service rules.
const MinMirrorGroupID GroupID = 2

// MeterID identifies an OpenFlow meter on a switch.
type MeterID uint32

// Cookie is a flow segment cookie. The upper bits encode the path
// direction and whether the rule belongs to a mirror.
type Cookie uint64

const (
	cookieForwardFlag Cookie = 0x4000000000000000
	cookieReverseFlag Cookie = 0x2000000000000000
	cookieMirrorFlag  Cookie = 0x0800000000000000
	cookieFlagsMask   Cookie = 0xFF00000000000000
)

// NewCookie builds a cookie for the given direction and flow effective id.
func NewCookie(direction MirrorDirection, effectiveID uint64) Cookie {
	value := Cookie(effectiveID) &^ cookieFlagsMask
	if direction == DirectionReverse {
		return value | cookieReverseFlag
	}
	return value | cookieForwardFlag
}

// Direction returns the path direction encoded into the cookie.
func (c Cookie) Direction() MirrorDirection {
	switch {
	case c&cookieForwardFlag != 0:
		return DirectionForward
	case c&cookieReverseFlag != 0:
		return DirectionReverse
	default:
		return ""
	}
}

// WithMirror returns the cookie with the mirror flag set.
func (c Cookie) WithMirror() Cookie {
	return c | cookieMirrorFlag
}

// IsMirror reports whether the mirror flag is set.
func (c Cookie) IsMirror() bool {
	return c&cookieMirrorFlag != 0
}

func (c Cookie) String() string {
	return fmt.Sprintf("0x%016X", uint64(c))
}

// MirrorDirection selects which of the flow's two paths is mirrored.
type MirrorDirection string

const (
	DirectionForward MirrorDirection = "FORWARD"
	DirectionReverse MirrorDirection = "REVERSE"
)

// ParseMirrorDirection parses a direction case-insensitively.
func ParseMirrorDirection(value string) (MirrorDirection, error) {
	switch MirrorDirection(strings.ToUpper(strings.TrimSpace(value))) {
	case DirectionForward:
		return DirectionForward, nil
	case DirectionReverse:
		return DirectionReverse, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDirection, value)
	}
}

// Valid reports whether d is one of the known directions.
func (d MirrorDirection) Valid() bool {
	return d == DirectionForward || d == DirectionReverse
}

func (d MirrorDirection) String() string {
	return string(d)
}
