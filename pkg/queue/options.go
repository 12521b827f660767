package queue

import (
	"math"
	"time"

	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/notify"
	"go.od2.network/nqueue/pkg/tokenreg"
)

// Options are the parameters of a queue.
type Options struct {
	// Lifetimes
	Timeout            time.Duration // lifetime of an untouched job
	RunTimeout         time.Duration // run lease
	ReadTimeout        time.Duration // read lease
	PendingTimeout     time.Duration // max time a job may stay pending
	MaxPendingWait     time.Duration // pending jobs older than this bypass affinity rules
	MaxPendingReadWait time.Duration // readable jobs older than this bypass reader affinity rules
	// Retries
	FailedRetries     uint32
	ReadFailedRetries uint32
	BlacklistTime     time.Duration
	ReadBlacklistTime time.Duration
	// Limits
	MaxInputSize  int
	MaxOutputSize int
	// Clients
	WNodeTimeout  time.Duration // idle workers lose their preferred affinities
	ReaderTimeout time.Duration // idle readers lose their read blacklist
	Clients       clients.Options
	// Notifications
	Notif          notify.Options
	NotifRateLimit float32 // datagrams per second, zero is unlimited
	// Dictionaries
	AffinityGC tokenreg.Options
	GroupGC    tokenreg.Options
	// Engine
	IDBatch        uint32        // job IDs reserved per counter write
	MaxRetries     uint64        // transaction attempts on conflict
	RetryDelay     time.Duration // pause between attempts
	MaxGetAttempts int           // picks per Get/Read before giving up a race
	PurgeBatch     int           // jobs deleted per transaction
}

// DefaultOptions returns the default queue options.
// Only pass by value, not reference, to avoid modifying this globally.
var DefaultOptions = Options{
	Timeout:            time.Hour,
	RunTimeout:         time.Hour,
	ReadTimeout:        10 * time.Second,
	PendingTimeout:     7 * 24 * time.Hour,
	FailedRetries:      0,
	ReadFailedRetries:  0,
	BlacklistTime:      math.MaxInt32 * time.Second,
	ReadBlacklistTime:  math.MaxInt32 * time.Second,
	MaxInputSize:       2048,
	MaxOutputSize:      2048,
	WNodeTimeout:       40 * time.Second,
	ReaderTimeout:      40 * time.Second,
	Clients:            clients.DefaultOptions(),
	Notif:              notify.DefaultOptions(),
	AffinityGC:         tokenreg.DefaultOptions(),
	GroupGC:            tokenreg.DefaultOptions(),
	IDBatch:            10000,
	MaxRetries:         10,
	RetryDelay:         50 * time.Millisecond,
	MaxGetAttempts:     100,
	PurgeBatch:         1000,
}
