package gatt

// Link is the single owned connection context. At most one Link exists
// at any time; every other component sees it only through the central
// and never holds a copy past disconnect.
type Link struct {
	// Handle is the backend's connection identity, issued once and
	// never reused, so a callback tagged with a replaced connection's
	// handle can never alias the live link.
	Handle ConnHandle
	Addr   string
	Params ConnParams
}

// matches reports whether the event's connection identity matches
// the live link. Events for any other handle are stale callbacks from
// a connection that has already been replaced.
func (l *Link) matches(h ConnHandle) bool {
	return l != nil && l.Handle == h
}
