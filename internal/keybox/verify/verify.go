// Package verify classifies cabinet events and checks the key against the
// room it was reported in. Everything here is pure.
package verify

import (
	"fmt"
	"strings"

	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
)

// MultiBadgePrefix marks a key field that lists several badges seen at once,
// e.g. "MULTI:U1,U2,U3".
const MultiBadgePrefix = "MULTI:"

const swapPrefix = "SWAP: "

type Lookuper interface {
	Lookup(keyID string) (types.KeyAssignment, bool)
}

func ClassifyAndVerify(dir Lookuper, roomID, keyID, kind string) (types.EventClass, types.VerificationResult) {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	if kind == types.KindAlert {
		if badges, ok := ParseMultiBadge(keyID); ok {
			return types.ClassMultiAlert, types.VerificationResult{
				Valid:   false,
				Message: fmt.Sprintf("multiple badges detected (%d)", len(badges)),
			}
		}
	}

	res := Verify(dir, roomID, keyID)
	if kind == types.KindSwap {
		res.Message = swapPrefix + res.Message
		return types.ClassSwap, res
	}
	return types.ClassNormal, res
}

// Verify checks that keyID is assigned to roomID.
func Verify(dir Lookuper, roomID, keyID string) types.VerificationResult {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" || keyID == types.NoKey {
		return types.VerificationResult{Message: fmt.Sprintf("no key for room %s", roomID)}
	}

	a, ok := dir.Lookup(keyID)
	if !ok {
		return types.VerificationResult{Message: fmt.Sprintf("unknown key %s", keyID)}
	}

	if sameRoom(a.RoomID, roomID) {
		return types.VerificationResult{
			Valid:       true,
			MatchedName: a.DisplayName,
			Message:     fmt.Sprintf("key %s (%s) belongs to room %s", keyID, a.DisplayName, roomID),
		}
	}
	return types.VerificationResult{
		MatchedName: a.DisplayName,
		Message:     fmt.Sprintf("key %s (%s) belongs to room %s, not %s", keyID, a.DisplayName, a.RoomID, roomID),
	}
}

// sameRoom compares room ids the way the directory compares key ids.
func sameRoom(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// ParseMultiBadge returns the badge ids of a multi-badge marker. It reports
// false unless at least two non-empty ids are present.
func ParseMultiBadge(keyID string) ([]string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(keyID), MultiBadgePrefix)
	if !ok {
		return nil, false
	}
	var ids []string
	for _, p := range strings.Split(rest, ",") {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	if len(ids) < 2 {
		return nil, false
	}
	return ids, true
}
