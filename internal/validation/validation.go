package validation

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidAddr   = errors.New("invalid network address")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrEmptyFilename = errors.New("filename must not be empty")
	ErrDangerousPath = errors.New("filename escapes the destination directory")
)

// ValidateAddr checks that addr resolves as a TCP address.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateStringNonEmpty rejects empty values.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateFilename decides whether a transmitted filename may be written
// under the destination directory. Unless allowDangerous is set, the
// name must be relative and must not contain a ".." segment; names with
// separators are allowed so a sender can recreate directory structure.
func ValidateFilename(name string, allowDangerous bool) error {
	if name == "" {
		return ErrEmptyFilename
	}
	if allowDangerous {
		return nil
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("%w: absolute path %q", ErrDangerousPath, name)
	}
	for _, seg := range strings.Split(filepath.ToSlash(name), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: %q", ErrDangerousPath, name)
		}
	}
	return nil
}
