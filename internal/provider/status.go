package provider

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/mediagen/internal/genjob"
)

// StatusMap translates provider status codes to canonical statuses. Adapters
// declare theirs as data.
type StatusMap map[string]genjob.Status

// Resolve maps code case-insensitively. Unknown codes report PROCESSING with ok
// false so polling continues until the job's max wait.
func (m StatusMap) Resolve(code string) (genjob.Status, bool) {
	if st, ok := m[strings.ToLower(strings.TrimSpace(code))]; ok {
		return st, true
	}
	return genjob.StatusProcessing, false
}

// ParseStatusMap builds a StatusMap from configuration text, rejecting targets
// outside the canonical provider-facing set.
func ParseStatusMap(raw map[string]string) (StatusMap, error) {
	out := make(StatusMap, len(raw))
	for code, target := range raw {
		st := genjob.Status(strings.ToUpper(strings.TrimSpace(target)))
		switch st {
		case genjob.StatusPending, genjob.StatusProcessing, genjob.StatusCompleted,
			genjob.StatusFailed, genjob.StatusFiltered:
		default:
			return nil, fmt.Errorf("%w: status map target %q for code %q", genjob.ErrInvalidParams, target, code)
		}
		out[strings.ToLower(strings.TrimSpace(code))] = st
	}
	return out, nil
}
