package session

import (
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/BeeWell/internal/store"
	"github.com/google/uuid"
)

// IDGenerator produces a new session id for the given time.
type IDGenerator func(now time.Time) string

// NewSessionID returns session_<unixMillis>_<32 hex chars>. The millisecond
// prefix keeps the format the backend already sees; the suffix comes from a
// random UUID so ids created in the same millisecond do not collide.
func NewSessionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return store.SessionIDPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix
}
