package prescription

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	codeSeqDigits = 6
	maxSequence   = 999999
)

// CodePrefix is "RX-YYYYMMDD-" for the UTC calendar day of t.
func CodePrefix(t time.Time) string {
	return "RX-" + t.UTC().Format("20060102") + "-"
}

// FormatCode renders the code for sequence seq on day t.
func FormatCode(t time.Time, seq int) string {
	return fmt.Sprintf("%s%0*d", CodePrefix(t), codeSeqDigits, seq)
}

// ParseSequence extracts the trailing sequence number of a code.
func ParseSequence(code string) (int, error) {
	i := strings.LastIndexByte(code, '-')
	if i < 0 || !strings.HasPrefix(code, "RX-") {
		return 0, fmt.Errorf("malformed prescription code %q", code)
	}
	seq, err := strconv.Atoi(code[i+1:])
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("malformed prescription code %q", code)
	}
	return seq, nil
}

// NextCode returns the code following last on day t. An empty last starts the
// day at sequence 1.
func NextCode(t time.Time, last string) (string, error) {
	if last == "" {
		return FormatCode(t, 1), nil
	}
	if !strings.HasPrefix(last, CodePrefix(t)) {
		return "", fmt.Errorf("code %q does not belong to %s", last, t.UTC().Format(time.DateOnly))
	}
	seq, err := ParseSequence(last)
	if err != nil {
		return "", err
	}
	if seq >= maxSequence {
		return "", fmt.Errorf("daily code sequence exhausted for %s", t.UTC().Format(time.DateOnly))
	}
	return FormatCode(t, seq+1), nil
}
