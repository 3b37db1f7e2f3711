package protocol

import "fmt"

// Version is the semantic version of this build. Init and InitAck carry
// it on the wire only as the numeric components of VersionComponents.
const Version = "0.10.8"

// VersionComponents returns the build version as the three 16-bit
// components used on the wire.
func VersionComponents() [3]uint16 {
	return [3]uint16{0, 10, 8}
}

// VersionString formats wire version components for display.
func VersionString(v [3]uint16) string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// VersionCompatible reports whether a peer's version can talk to ours:
// the major component must match and the minor components may differ by
// at most one. The patch component carries no compatibility meaning.
func VersionCompatible(a, b [3]uint16) bool {
	if a[0] != b[0] {
		return false
	}
	diff := int(a[1]) - int(b[1])
	return diff >= -1 && diff <= 1
}
