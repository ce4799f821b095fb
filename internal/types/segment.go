package types

import "strings"

// Segment enumerations.
var (
	Devices   = []string{"mobile", "tablet", "desktop"}
	Networks  = []string{"slow-2g", "2g", "3g", "4g", "wifi", "unknown"}
	Regions   = []string{"na", "eu", "asia", "other"}
	UserTypes = []string{"new", "returning", "premium"}
)

// Segment is the categorical partition an event falls into.
type Segment struct {
	Device   string `json:"device"`
	Network  string `json:"network"`
	Region   string `json:"region"`
	UserType string `json:"userType"`
}

// DefaultSegment is used before any device or network context is known.
func DefaultSegment() Segment {
	return Segment{Device: "desktop", Network: "unknown", Region: "other", UserType: "new"}
}

// Key is the segment's map key, e.g. "mobile|4g|eu|returning".
func (s Segment) Key() string {
	return strings.Join([]string{s.Device, s.Network, s.Region, s.UserType}, "|")
}

// ParseSegmentKey reverses Key.
func ParseSegmentKey(key string) (Segment, bool) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return Segment{}, false
	}
	return Segment{Device: parts[0], Network: parts[1], Region: parts[2], UserType: parts[3]}, true
}

// Normalize replaces values outside the enumerations with defaults.
func (s Segment) Normalize() Segment {
	def := DefaultSegment()
	if !contains(Devices, s.Device) {
		s.Device = def.Device
	}
	if !contains(Networks, s.Network) {
		s.Network = def.Network
	}
	if !contains(Regions, s.Region) {
		s.Region = def.Region
	}
	if !contains(UserTypes, s.UserType) {
		s.UserType = def.UserType
	}
	return s
}

// Matches reports whether s satisfies every non-empty field of filter.
func (s Segment) Matches(filter Segment) bool {
	return (filter.Device == "" || filter.Device == s.Device) &&
		(filter.Network == "" || filter.Network == s.Network) &&
		(filter.Region == "" || filter.Region == s.Region) &&
		(filter.UserType == "" || filter.UserType == s.UserType)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
