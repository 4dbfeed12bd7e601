package queue

// Stream identifies one of the three delivery streams. Each stream has its
// own queue, storage snapshot, and ingestion endpoint.
type Stream string

const (
	StreamEvents  Stream = "EVENTS"
	StreamProfile Stream = "USER"
	StreamGroups  Stream = "GROUPS"
)

// Streams returns all streams in flush order: events first, then profile
// updates, then group updates.
func Streams() []Stream {
	return []Stream{StreamEvents, StreamProfile, StreamGroups}
}

// Endpoint returns the ingestion API path for the stream.
func (s Stream) Endpoint() string {
	switch s {
	case StreamProfile:
		return "/engage/"
	case StreamGroups:
		return "/groups/"
	default:
		return "/track/"
	}
}

// StorageName returns the stream's segment in storage keys.
func (s Stream) StorageName() string {
	return string(s)
}
