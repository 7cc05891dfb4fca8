package relay

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a Transfer.
type Status int

const (
	StatusStarted Status = iota
	StatusCreatingArchive
	StatusReceiving
	StatusCompleted
	StatusFailed
	StatusTimedOut
)

var statusNames = map[Status]string{
	StatusStarted:         "started",
	StatusCreatingArchive: "creating_archive",
	StatusReceiving:       "receiving",
	StatusCompleted:       "completed",
	StatusFailed:          "failed",
	StatusTimedOut:        "timed_out",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further lifecycle message is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

type chunk struct {
	data       string
	size       int64
	receivedAt time.Time
}

// Transfer is one backup in flight. It is only touched under the
// Reassembler's lock.
type Transfer struct {
	id             string
	initiator      ConnID
	status         Status
	filename       string
	declaredSize   int64
	declaredChunks int

	chunks        map[int]chunk
	chunkCount    int
	bytesReceived int64

	createdAt  time.Time
	deadline   time.Time
	finishedAt time.Time

	materializing bool
	artifactReady bool
	artifactSize  int64
	failure       string
}

// TransferSummary is the externally visible view of a Transfer.
type TransferSummary struct {
	ID             string     `json:"id"`
	Initiator      ConnID     `json:"initiator"`
	Status         Status     `json:"status"`
	Filename       string     `json:"filename,omitempty"`
	DeclaredSize   int64      `json:"declaredSize,omitempty"`
	DeclaredChunks int        `json:"declaredChunks,omitempty"`
	ChunksReceived int        `json:"chunksReceived"`
	BufferedChunks int        `json:"bufferedChunks"`
	BytesReceived  int64      `json:"bytesReceived"`
	CreatedAt      time.Time  `json:"createdAt"`
	Deadline       time.Time  `json:"deadline"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ArtifactReady  bool       `json:"artifactReady"`
	ArtifactSize   int64      `json:"artifactSize,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (t *Transfer) summary() TransferSummary {
	s := TransferSummary{
		ID:             t.id,
		Initiator:      t.initiator,
		Status:         t.status,
		Filename:       t.filename,
		DeclaredSize:   t.declaredSize,
		DeclaredChunks: t.declaredChunks,
		ChunksReceived: t.chunkCount,
		BufferedChunks: len(t.chunks),
		BytesReceived:  t.bytesReceived,
		CreatedAt:      t.createdAt,
		Deadline:       t.deadline,
		ArtifactReady:  t.artifactReady,
		ArtifactSize:   t.artifactSize,
		Error:          t.failure,
	}
	if !t.finishedAt.IsZero() {
		finished := t.finishedAt
		s.FinishedAt = &finished
	}
	return s
}

// finish moves t into a terminal state and drops its buffered chunks.
func (t *Transfer) finish(status Status, reason string, now time.Time) {
	t.status = status
	t.failure = reason
	t.finishedAt = now
	t.chunks = nil
}

// orderedChunks returns the received chunk indices in ascending order.
func orderedChunks(chunks map[int]chunk) []int {
	indices := make([]int, 0, len(chunks))
	for idx := range chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	return indices
}

// checkContiguous verifies that chunks holds exactly the indices 0..want-1.
// A zero want is inferred from the highest index received.
func checkContiguous(chunks map[int]chunk, want int) (int, error) {
	indices := orderedChunks(chunks)
	if want <= 0 && len(indices) > 0 {
		want = indices[len(indices)-1] + 1
	}

	var missing []string
	for i := 0; i < want; i++ {
		if _, ok := chunks[i]; !ok {
			missing = append(missing, fmt.Sprint(i))
			if len(missing) == 10 {
				missing = append(missing, "...")
				break
			}
		}
	}
	if len(missing) > 0 {
		return want, fmt.Errorf("missing chunks [%s] of %d", strings.Join(missing, " "), want)
	}
	if len(indices) > 0 && indices[len(indices)-1] >= want {
		return want, fmt.Errorf("chunk index %d beyond declared total %d", indices[len(indices)-1], want)
	}
	return want, nil
}

// decodedLen returns the byte length of a padded or unpadded base64 string.
func decodedLen(s string) int64 {
	n := len(s)
	pad := 0
	for pad < 2 && n-pad > 0 && s[n-pad-1] == '=' {
		pad++
	}
	return int64((n - pad) * 6 / 8)
}
