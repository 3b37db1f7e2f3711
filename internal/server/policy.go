package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/telexfer/teleporter/internal/protocol"
)

// resolution is the outcome of applying the destination policy to one
// requested filename.
type resolution struct {
	// dest is the path the file will finally live at.
	dest string
	// deltaSource names the existing file that is hashed for the delta
	// and, when a delta is sent, seeds the temp file; empty when the
	// destination is new.
	deltaSource string
	// features are echoed back in InitAck.
	features uint32
	status   protocol.Status
}

// resolveDestination applies the collision policy: a fresh path
// proceeds as a new file; an occupied one is refused, renamed aside as a
// backup, diverted to a numeric suffix, or overwritten, depending on the
// sender's feature bits.
func resolveDestination(dest string, features uint32) resolution {
	_, err := os.Lstat(dest)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return resolution{dest: dest, features: protocol.FeatureNewFile, status: protocol.StatusProceed}
	case err != nil:
		return resolution{status: statusFromErr(err)}
	}

	if protocol.HasFeature(features, protocol.FeatureRename) {
		next, err := nextFreeName(dest)
		if err != nil {
			return resolution{status: statusFromErr(err)}
		}
		return resolution{dest: next, features: protocol.FeatureNewFile, status: protocol.StatusProceed}
	}

	if !protocol.HasFeature(features, protocol.FeatureOverwrite) {
		return resolution{status: protocol.StatusNoOverwrite}
	}

	source := dest
	if protocol.HasFeature(features, protocol.FeatureBackup) {
		bak := dest + ".bak"
		if err := os.Rename(dest, bak); err != nil {
			return resolution{status: statusFromErr(err)}
		}
		source = bak
	}

	return resolution{
		dest:        dest,
		deltaSource: source,
		features:    protocol.FeatureOverwrite,
		status:      protocol.StatusProceed,
	}
}

// nextFreeName picks the smallest n >= 1 for which "<name>.<n>" does not
// exist yet.
func nextFreeName(dest string) (string, error) {
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s.%d", dest, n)
		_, err := os.Lstat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// statusFromErr maps a filesystem error to the InitAck status reported
// to the sender.
func statusFromErr(err error) protocol.Status {
	if errors.Is(err, syscall.ENOSPC) {
		return protocol.StatusNoSpace
	}
	return protocol.StatusNoPermission
}
