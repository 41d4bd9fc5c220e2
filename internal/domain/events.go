package domain

// EventBus topics.
const (
	// EventSessionChanged carries the new *Identity, nil after sign-out.
	EventSessionChanged = "session:changed"
	// EventRemoteUnauthorized fires when the content service rejects the token.
	EventRemoteUnauthorized = "remote:unauthorized"
	// EventCacheChanged carries the changed cache.Key.
	EventCacheChanged = "cache:changed"
)
