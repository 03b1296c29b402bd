package validation

import (
	"fmt"
	"strconv"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/flowhs/pkg/model"
)

const (
	MinPort = 1
	MaxPort = 65535
	MinVlan = 0
	MaxVlan = 4094
)

// ValidateRequired fails on an empty value.
func ValidateRequired(field, value string) *Result {
	if govalidator.IsNull(value) {
		return NewResult(false, field,
			WithCode(CodeRequired),
			WithMessage(fmt.Sprintf("%s is required", ToUserFriendlyName(field))),
		)
	}
	return valid(field)
}

// ValidatePort checks a switch port number.
func ValidatePort(field string, port int) *Result {
	if !govalidator.InRangeInt(port, MinPort, MaxPort) {
		return NewResult(false, field,
			WithValue(strconv.Itoa(port)),
			WithMessage(fmt.Sprintf("%s %d is out of range [%d, %d]", ToUserFriendlyName(field), port, MinPort, MaxPort)),
		)
	}
	return valid(field)
}

// ValidateVlan checks a vlan id; 0 means untagged.
func ValidateVlan(field string, vlan int) *Result {
	if !govalidator.InRangeInt(vlan, MinVlan, MaxVlan) {
		return NewResult(false, field,
			WithValue(strconv.Itoa(vlan)),
			WithMessage(fmt.Sprintf("%s %d is out of range [%d, %d]", ToUserFriendlyName(field), vlan, MinVlan, MaxVlan)),
		)
	}
	return valid(field)
}

// ValidateDirection checks a mirror direction.
func ValidateDirection(field string, direction model.MirrorDirection) *Result {
	if _, err := model.ParseMirrorDirection(string(direction)); err != nil {
		return NewResult(false, field,
			WithValue(string(direction)),
			WithMessage(fmt.Sprintf("Invalid mirror point direction %q", direction)),
		)
	}
	return valid(field)
}
