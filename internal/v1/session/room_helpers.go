package session

import (
	"fmt"
	"strings"
	"time"
)

// RoomStatus is a read-only snapshot of a room for the diagnostics surface.
type RoomStatus struct {
	RoomID                  string `json:"roomId"`
	LeagueID                string `json:"leagueId"`
	DraftPosition           int    `json:"draftPosition"`
	PlatformUserID          string `json:"platformUserId"`
	ClientsCount            int    `json:"clientsCount"`
	ClientDraftPositions    []int  `json:"clientDraftPositions"`
	YahooConnected          bool   `json:"yahooConnected"`
	HasJoined               bool   `json:"hasJoined"`
	LastHeartbeat           string `json:"lastHeartbeat"`
	ReconnectAttempts       int    `json:"reconnectAttempts"`
	IsIntentionalDisconnect bool   `json:"isIntentionalDisconnect"`
}

// Status returns the room's current snapshot. Draft positions are reported in
// client insertion order.
func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions := make([]int, 0, len(r.clients))
	for _, c := range r.clients {
		positions = append(positions, c.DraftPosition)
	}

	lastHeartbeat := ""
	if !r.lastHeartbeatAt.IsZero() {
		lastHeartbeat = r.lastHeartbeatAt.UTC().Format(time.RFC3339)
	}

	return RoomStatus{
		RoomID:                  string(r.leagueID),
		LeagueID:                string(r.leagueID),
		DraftPosition:           r.primaryDraftPosition,
		PlatformUserID:          r.platformUserID,
		ClientsCount:            len(r.clients),
		ClientDraftPositions:    positions,
		YahooConnected:          r.link != nil && r.link.IsOpen(),
		HasJoined:               r.hasSentJoin,
		LastHeartbeat:           lastHeartbeat,
		ReconnectAttempts:       r.reconnectAttempts,
		IsIntentionalDisconnect: r.intentionalDisconnect,
	}
}

// joinFrameLocked composes the literal first frame Yahoo expects after the
// handshake: 8|<leagueId>|<draftPosition>|<percent-encoded user-agent>|.
// Caller holds r.mu.
func (r *Room) joinFrameLocked() string {
	userAgent := fmt.Sprintf("YahooFantasyProxy/1.0 (%s)", r.platformUserID)
	return fmt.Sprintf("8|%s|%d|%s|", r.leagueID, r.primaryDraftPosition, encodeURIComponent(userAgent))
}

// encodeURIComponent percent-encodes s the way browsers do. The upstream
// parses the user-agent field with that exact alphabet, so url.PathEscape
// (which also escapes parentheses and friends) is not a substitute.
func encodeURIComponent(s string) string {
	const unreserved = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_.!~*'()"

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if strings.IndexByte(unreserved, ch) >= 0 {
			b.WriteByte(ch)
		} else {
			fmt.Fprintf(&b, "%%%02X", ch)
		}
	}
	return b.String()
}
