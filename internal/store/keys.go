package store

// Persisted-state keys. All values are JSON-serialized; corrupt content is
// treated as empty, never fatal.
const (
	KeyAcceptedRooms = "rooms.accepted"
	KeyDisplayName   = "profile.name"
	KeyClientID      = "profile.cid"
)

// CacheKey names the per-room message cache.
func CacheKey(room string) string {
	return "chat.cache." + room
}

// OutboxKey names the per-room offline outbox.
func OutboxKey(room string) string {
	return "chat.outbox." + room
}
