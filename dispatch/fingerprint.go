package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/researchmcp/orchestrator/research"
)

// DefaultFingerprintLength is the default number of hex characters retained
// from the SHA-256 digest.
const DefaultFingerprintLength = 16

var sanitizeClientKeyRe = regexp.MustCompile(`[^A-Za-z0-9-]`)

// SanitizeClientKey enforces the client-supplied idempotency key contract
// : alphanumeric + dash, length <= 64. Disallowed characters are
// stripped rather than rejected.
func SanitizeClientKey(key string) string {
	cleaned := sanitizeClientKeyRe.ReplaceAllString(key, "")
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

// multiModalDigest reduces a non-empty multi-modal array to the 16-hex-char
// SHA-256 prefix of its first element's content, plus the array length, so
// large attachments never enter the canonical form directly.
func multiModalDigest(items []research.MultiModalItem) map[string]any {
	if len(items) == 0 {
		return nil
	}
	sum := sha256.Sum256([]byte(items[0].Content))
	return map[string]any{
		"prefix": hex.EncodeToString(sum[:])[:16],
		"count":  len(items),
	}
}

// Fingerprint computes the idempotency/cache fingerprint for submit_research
// params: SHA-256 over the JSON encoding of a canonical map with
// lexicographically sorted keys, truncated to keyLength hex characters.
// Go's encoding/json already sorts map[string]any keys on marshal, which is
// what gives this its canonical form; no manual key ordering is needed.
func Fingerprint(p research.Params, keyLength int) string {
	if keyLength <= 0 {
		keyLength = DefaultFingerprintLength
	}
	canon := map[string]any{
		"query":          strings.TrimSpace(strings.ToLower(p.Query)),
		"costPreference": p.CostPreference,
		"audienceLevel":  p.AudienceLevel,
		"outputFormat":   p.OutputFormat,
		"includeSources": p.IncludeSources,
	}
	if d := multiModalDigest(p.Images); d != nil {
		canon["images"] = d
	}
	if d := multiModalDigest(p.TextDocuments); d != nil {
		canon["textDocuments"] = d
	}
	if d := multiModalDigest(p.StructuredData); d != nil {
		canon["structuredData"] = d
	}

	raw, err := json.Marshal(canon)
	if err != nil {
		// canon is built exclusively from strings, bools, and a plain map of
		// strings/ints; Marshal cannot fail on it.
		panic("dispatch: fingerprint canonicalization: " + err.Error())
	}
	sum := sha256.Sum256(raw)
	hexDigest := hex.EncodeToString(sum[:])
	if keyLength > len(hexDigest) {
		keyLength = len(hexDigest)
	}
	return hexDigest[:keyLength]
}
