package models

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idNamespace anchors the UUIDv5 chain so anonymized ids stay stable across
// SDK instances for the same account.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://featuregrid.io"))

// AnonymousID derives a deterministic anonymized identity for a user within
// an account. Campaigns with isUserListEnabled target this value instead of
// the raw user id. Rendered as uppercase hex without dashes.
func AnonymousID(accountID int, userID string) string {
	accountNS := uuid.NewSHA1(idNamespace, []byte(strconv.Itoa(accountID)))
	id := uuid.NewSHA1(accountNS, []byte(userID))
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
