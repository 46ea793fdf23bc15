package broker

import "strings"

// maxTagLen is the broker's hard cap on order tag length.
const maxTagLen = 20

// BuildTag derives the deterministic order tag for a trade leg:
// "T" + first 18 chars of the trade id with hyphens stripped + one-letter
// role code. The result never exceeds 20 characters, so the full tag
// survives the broker round trip and can be used for dedup lookups.
func BuildTag(tradeID, roleCode string) string {
	compact := strings.ReplaceAll(tradeID, "-", "")
	if len(compact) > maxTagLen-2 {
		compact = compact[:maxTagLen-2]
	}
	return "T" + compact + roleCode
}

// SplitTag breaks a tag built by BuildTag into its trade-id fragment and
// role code. ok is false for tags this process did not produce.
func SplitTag(tag string) (idFragment, roleCode string, ok bool) {
	if len(tag) < 3 || len(tag) > maxTagLen || tag[0] != 'T' {
		return "", "", false
	}
	return tag[1 : len(tag)-1], tag[len(tag)-1:], true
}

// TagMatchesTrade reports whether a broker tag belongs to the given trade
// id, comparing only the fragment that fits in the tag.
func TagMatchesTrade(tag, tradeID string) bool {
	fragment, _, ok := SplitTag(tag)
	if !ok {
		return false
	}
	compact := strings.ReplaceAll(tradeID, "-", "")
	if len(compact) > len(fragment) {
		compact = compact[:len(fragment)]
	}
	return fragment == compact
}
