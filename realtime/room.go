package realtime

import "strings"

// RoomFor returns the conversation room shared by two users. The result does
// not depend on argument order.
func RoomFor(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return strings.Join([]string{a, b}, "-")
}

// InRoom reports whether userID is one of the two participants of roomID.
func InRoom(roomID, userID string) bool {
	if userID == "" {
		return false
	}
	return strings.HasPrefix(roomID, userID+"-") || strings.HasSuffix(roomID, "-"+userID)
}
