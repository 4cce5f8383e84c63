package anonymizer

import (
	"crypto/md5" // #nosec G501 -- short stable token, not a security boundary
	"encoding/hex"
	"strings"
	"unicode/utf8"

	"github.com/openredact/clinical/internal/dateshift"
	"github.com/openredact/clinical/internal/models"
)

const (
	redactedToken = "[REDACTED]"
	maskRune      = "*"
	hashHexDigits = 8
)

// apply rewrites text with m and returns the replacement and the mechanism
// that was actually used.
func (e *Engine) apply(ent *models.Entity, m models.Mechanism) (string, models.MechanismType) {
	switch m.Type {
	case models.MechanismRedact:
		return redactedToken, models.MechanismRedact
	case models.MechanismReplace:
		if m.Replacement == "" {
			return redactedToken, models.MechanismRedact
		}
		return m.Replacement, models.MechanismReplace
	case models.MechanismHash:
		return hashToken(ent.Text), models.MechanismHash
	case models.MechanismPartial:
		return partial(ent.Text), models.MechanismPartial
	case models.MechanismMask:
		return mask(ent.Text), models.MechanismMask
	case models.MechanismShift:
		if ent.Label != models.LabelDate {
			return redactedToken, models.MechanismRedact
		}
		return dateshift.New(m.ShiftMonths, m.ShiftDays, e.logger).Shift(ent.Text, ent.Groups), models.MechanismShift
	}
	return redactedToken, models.MechanismRedact
}

// hashToken returns [HASH:xxxxxxxx], the first 8 hex digits of the MD5 of s.
func hashToken(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401
	return "[HASH:" + hex.EncodeToString(sum[:])[:hashHexDigits] + "]"
}

// partial keeps the first and last rune. Strings of up to two runes keep
// only the first rune followed by one mask rune.
func partial(s string) string {
	n := utf8.RuneCountInString(s)
	first, size := utf8.DecodeRuneInString(s)
	if n <= 2 {
		return string(first) + maskRune
	}
	last, _ := utf8.DecodeLastRuneInString(s[size:])
	return string(first) + strings.Repeat(maskRune, n-2) + string(last)
}

// mask replaces every rune with the mask rune.
func mask(s string) string {
	return strings.Repeat(maskRune, utf8.RuneCountInString(s))
}
