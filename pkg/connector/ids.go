// Copyright 2024-2026 Aiku AI

package connector

// isSnowflake reports whether id looks like a Discord snowflake ID.
func isSnowflake(id string) bool {
	if len(id) < 15 || len(id) > 20 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// isObjectID reports whether id looks like a Lightquark ID (a 24 character
// lowercase hex MongoDB ObjectId).
func isObjectID(id string) bool {
	if len(id) != 24 {
		return false
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
