package trading

import (
	"fmt"
	"strings"
)

// SplitPair splits a "BASE/QUOTE" market pair into its two assets.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid trading pair %q: expected BASE/QUOTE", pair)
	}
	return parts[0], parts[1], nil
}
