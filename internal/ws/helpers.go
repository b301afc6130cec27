package ws

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// newConnID mints an identifier for one websocket connection, carried
// through the event stream so a connect and its disconnect correlate.
func newConnID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// Degraded but still unique enough to correlate events.
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
