package link

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Options configures a Manager.
type Options struct {
	ServiceID        string        // service identifier advertised and dialed (default SPPUUID)
	ReadBufferSize   int           // bytes per stream read (default 1024)
	DialTimeout      time.Duration // bound on one dial attempt; 0 waits for the transport
	ListenRetries    int           // extra attempts after a failed listener setup
	ListenBackoffMax time.Duration // cap on the delay between listener setup attempts

	Clock   clock.Clock  // time source for retries and dial timeouts (default wall clock)
	Logger  *slog.Logger // default slog.Default()
	Metrics *Metrics     // optional
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceID:        SPPUUID,
		ReadBufferSize:   1024,
		ListenRetries:    3,
		ListenBackoffMax: 30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	if o.ServiceID == "" {
		o.ServiceID = SPPUUID
	}
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = 1024
	}
	if o.DialTimeout < 0 {
		o.DialTimeout = 0
	}
	if o.ListenRetries < 0 {
		o.ListenRetries = 0
	}
	if o.ListenBackoffMax <= 0 {
		o.ListenBackoffMax = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// maxBackoffShift keeps 1<<attempt seconds inside time.Duration.
const maxBackoffShift = 30

// backoffDelay returns the delay before retry attempt n (0-based): one
// second doubled per attempt, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}
