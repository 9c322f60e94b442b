package pinbox

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmcleod/strongroom/internal/util"
)

const (
	MinPINLength = 4
	MaxPINLength = 12
)

// ErrInvalidPIN is returned for PINs that are not 4 to 12 digits.
var ErrInvalidPIN = errors.New("PIN must be 4 to 12 digits")

// NormalizePIN folds full-width digits to ASCII, trims surrounding space
// and checks the result is 4 to 12 digits.
func NormalizePIN(pin string) (string, error) {
	pin = strings.TrimSpace(util.FoldWidth(pin))
	if len(pin) < MinPINLength || len(pin) > MaxPINLength {
		return "", fmt.Errorf("%w: got %d characters", ErrInvalidPIN, len(pin))
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return "", ErrInvalidPIN
		}
	}
	return pin, nil
}
