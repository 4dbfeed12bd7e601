package mixpanel

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trackkit/mixpanel/pkg/queue"
)

// sessionMetadata stamps every enqueued record with $mp_metadata: a session
// id shared by all records of one client lifetime, a per-record event id, and
// a per-stream sequence counter. The events stream counts independently from
// the profile and group streams.
type sessionMetadata struct {
	mu            sync.Mutex
	sessionID     string
	startEpoch    int64
	eventsCounter int64
	peopleCounter int64
}

func newSessionMetadata() *sessionMetadata {
	return &sessionMetadata{
		sessionID:  metadataID(),
		startEpoch: time.Now().Unix(),
	}
}

// metadataID is a 16-hex-char random id, short enough to stay cheap on every
// record.
func metadataID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// next returns the $mp_metadata map for one record and advances the stream's
// sequence counter.
func (s *sessionMetadata) next(stream queue.Stream) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq int64
	if stream == queue.StreamEvents {
		seq = s.eventsCounter
		s.eventsCounter++
	} else {
		seq = s.peopleCounter
		s.peopleCounter++
	}

	return map[string]any{
		"$mp_metadata": map[string]any{
			"$mp_event_id":          metadataID(),
			"$mp_session_id":        s.sessionID,
			"$mp_session_seq_id":    seq,
			"$mp_session_start_sec": s.startEpoch,
		},
	}
}
