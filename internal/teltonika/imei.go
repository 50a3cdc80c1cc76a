package teltonika

import "errors"

// IMEILength is the fixed identifier length devices announce at login.
const IMEILength = 15

// ErrInvalidIMEI marks a login frame whose identifier is not a 15-digit
// ASCII string.
var ErrInvalidIMEI = errors.New("teltonika: invalid imei")

// ParseIMEI validates the login payload a device sends after connecting:
// the announced byte run, of which the first 15 bytes must be ASCII
// digits. Devices occasionally pad the field, so longer runs are accepted
// and truncated.
func ParseIMEI(raw []byte) (string, error) {
	if len(raw) < IMEILength {
		return "", ErrInvalidIMEI
	}
	imei := raw[:IMEILength]
	for _, c := range imei {
		if c < '0' || c > '9' {
			return "", ErrInvalidIMEI
		}
	}
	return string(imei), nil
}
