package publish

import (
	"net/url"
	"strings"

	"github.com/jatenner/xBOT-sub003/internal/ledger"
)

// minMatchLen guards fuzzy matching: prefixes shorter than this are too
// ambiguous to identify a post.
const minMatchLen = 20

// parseRedirectID extracts a platform item id from a canonical post URL
// (".../status/<id>" or ".../posts/<id>"). Returns "" when the URL does not
// look like a single-item page.
func parseRedirectID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i < len(segs)-1; i++ {
		switch segs[i] {
		case "status", "statuses", "posts":
			if id := segs[i+1]; isItemID(id) {
				return id
			}
		}
	}
	return ""
}

func isItemID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// contentMatches reports whether published evidence content corresponds to
// the payload. Exact match after normalization, or truncation-tolerant: the
// platform may cut long posts, so a sufficiently long shared prefix counts.
func contentMatches(payload, evidence string) bool {
	p := ledger.NormalizeContent(payload)
	e := ledger.NormalizeContent(evidence)
	if p == "" || e == "" {
		return false
	}
	if p == e {
		return true
	}
	short, long := p, e
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) < minMatchLen {
		return false
	}
	// Truncated renderings often end with an ellipsis.
	short = strings.TrimSuffix(strings.TrimSuffix(short, "..."), "…")
	return strings.HasPrefix(long, short)
}
