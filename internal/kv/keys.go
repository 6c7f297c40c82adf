package kv

import (
	"fmt"
	"strings"

	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
)

// KeySeparator joins identifier components in store keys, hash scopes and channel names.
const KeySeparator = ":"

// ValidateKeyPart rejects an identifier that could not be told apart from its neighbours once
// joined into a key.
func ValidateKeyPart(field, value string) error {
	if strings.Contains(value, KeySeparator) {
		return fmt.Errorf("%w: %s must not contain %q", apperrors.ErrInvalid, field, KeySeparator)
	}
	return nil
}
