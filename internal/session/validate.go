package session

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/matheus3301/bizsync/internal/model"
)

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	idRegexp   = regexp.MustCompile(`^[A-Za-z0-9._@-]{1,128}$`)
)

// ErrInvalidName is wrapped by ValidateName and ValidateIdentityKey.
var ErrInvalidName = errors.New("invalid name")

// ValidateName checks that name can be used as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("session %q must match %s: %w", name, nameRegexp, ErrInvalidName)
	}
	return nil
}

// ValidateIdentityKey checks a "<role>:<id>" key as produced by
// model.Identity.Key. The key is written into the session lock file, so it
// must stay on one line.
func ValidateIdentityKey(key string) error {
	role, id, ok := strings.Cut(key, ":")
	if !ok {
		return fmt.Errorf("identity %q is not <role>:<id>: %w", key, ErrInvalidName)
	}
	if !model.Role(role).Valid() {
		return fmt.Errorf("identity %q has unknown role %q: %w", key, role, ErrInvalidName)
	}
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("identity %q must have an id matching %s: %w", key, idRegexp, ErrInvalidName)
	}
	return nil
}
