package relay

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Tyrowin/relayhub/internal/metrics"
)

// Default core settings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTransferDeadline  = 30 * time.Minute
	DefaultStateGrace        = 5 * time.Minute
	DefaultArtifactTTL       = 30 * time.Minute
	DefaultMaxChunkSize      = 4 << 20
)

// Options configures a Broker and the components it wires.
type Options struct {
	// HeartbeatInterval is the Supervisor sweep period.
	HeartbeatInterval time.Duration
	// TransferDeadline is the maximum age of a non-terminal transfer.
	TransferDeadline time.Duration
	// StateGrace is how long a terminal transfer stays observable.
	StateGrace time.Duration
	// ArtifactTTL is how long a materialized artifact survives once it is
	// ready or a terminal status report arrives.
	ArtifactTTL time.Duration
	// MaxChunkSize bounds the decoded size of one chunk.
	MaxChunkSize int64
	// ForwardExclude lists roles that never receive pass-through messages.
	ForwardExclude []Role

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultOptions returns the production defaults with a wall clock.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: DefaultHeartbeatInterval,
		TransferDeadline:  DefaultTransferDeadline,
		StateGrace:        DefaultStateGrace,
		ArtifactTTL:       DefaultArtifactTTL,
		MaxChunkSize:      DefaultMaxChunkSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.TransferDeadline <= 0 {
		o.TransferDeadline = d.TransferDeadline
	}
	if o.StateGrace <= 0 {
		o.StateGrace = d.StateGrace
	}
	if o.ArtifactTTL <= 0 {
		o.ArtifactTTL = d.ArtifactTTL
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = d.MaxChunkSize
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
