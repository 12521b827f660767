// Package topology loads the queue definitions of a server.
//
// Queues and classes are TOML tables:
//
//	[[class]]
//	name = "batch"
//	run_timeout = "2h"
//	failed_retries = 3
//
//	[[queue]]
//	name = "render"
//	class = "batch"
//	max_input_size = 4096
//
// A queue parameter falls back to the queue's class, then to the built-in default.
// Durations are either strings ("1m30s") or numbers of seconds.
package topology

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"go.od2.network/nqueue/pkg/clients"
	"go.od2.network/nqueue/pkg/queue"
)

// Config holds the queue topology of a server.
type Config struct {
	Queues []*Queue
}

// Queue is a resolved queue definition.
type Queue struct {
	Name    string
	Class   string
	Options queue.Options
}

// GetQueue finds a queue by name.
// Returns nil if the queue does not exist.
func (c *Config) GetQueue(name string) *Queue {
	for _, q := range c.Queues {
		if q.Name == name {
			return q
		}
	}
	return nil
}

// LoadFile reads a topology from a TOML file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load reads a topology from TOML.
func Load(r io.Reader) (*Config, error) {
	tree, err := toml.LoadReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return Parse(tree)
}

// Parse resolves the queues of a TOML tree.
func Parse(tree *toml.Tree) (*Config, error) {
	classes := make(map[string]*toml.Tree)
	for _, class := range tables(tree, "class") {
		name, _ := class.Get("name").(string)
		if name == "" {
			return nil, fmt.Errorf("class without name")
		}
		if _, ok := classes[name]; ok {
			return nil, fmt.Errorf("duplicate class %q", name)
		}
		if err := checkKeys(class); err != nil {
			return nil, fmt.Errorf("class %q: %w", name, err)
		}
		classes[name] = class
	}
	config := new(Config)
	seen := make(map[string]bool)
	for _, qt := range tables(tree, "queue") {
		name, _ := qt.Get("name").(string)
		if !validName(name) {
			return nil, fmt.Errorf("invalid queue name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate queue %q", name)
		}
		seen[name] = true
		if err := checkKeys(qt); err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		className, _ := qt.Get("class").(string)
		var class *toml.Tree
		if className != "" {
			class = classes[className]
			if class == nil {
				return nil, fmt.Errorf("queue %q: unknown class %q", name, className)
			}
		}
		opts, err := resolve(qt, class)
		if err != nil {
			return nil, fmt.Errorf("queue %q: %w", name, err)
		}
		config.Queues = append(config.Queues, &Queue{
			Name:    name,
			Class:   className,
			Options: opts,
		})
	}
	return config, nil
}

func tables(tree *toml.Tree, key string) []*toml.Tree {
	switch v := tree.Get(key).(type) {
	case []*toml.Tree:
		return v
	case *toml.Tree:
		return []*toml.Tree{v}
	}
	return nil
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
			return false
		}
	}
	return true
}

// param sets one queue option from a TOML value.
type param func(opts *queue.Options, v interface{}) error

func durationParam(field func(*queue.Options) *time.Duration) param {
	return func(opts *queue.Options, v interface{}) error {
		d, err := toDuration(v)
		if err != nil {
			return err
		}
		*field(opts) = d
		return nil
	}
}

func uintParam(max uint64, set func(*queue.Options, uint64)) param {
	return func(opts *queue.Options, v interface{}) error {
		n, ok := v.(int64)
		if !ok || n < 0 || uint64(n) > max {
			return fmt.Errorf("expected integer in [0, %d], got %v", max, v)
		}
		set(opts, uint64(n))
		return nil
	}
}

func policyTimeout(role clients.Role) param {
	return func(opts *queue.Options, v interface{}) error {
		d, err := toDuration(v)
		if err != nil {
			return err
		}
		p := opts.Clients.Policies[role]
		p.Timeout = d
		opts.Clients.Policies[role] = p
		return nil
	}
}

func policyMin(role clients.Role) param {
	return uintParam(math.MaxInt32, func(opts *queue.Options, n uint64) {
		p := opts.Clients.Policies[role]
		p.Min = int(n)
		opts.Clients.Policies[role] = p
	})
}

var params = map[string]param{
	"timeout":                       durationParam(func(o *queue.Options) *time.Duration { return &o.Timeout }),
	"run_timeout":                   durationParam(func(o *queue.Options) *time.Duration { return &o.RunTimeout }),
	"read_timeout":                  durationParam(func(o *queue.Options) *time.Duration { return &o.ReadTimeout }),
	"pending_timeout":               durationParam(func(o *queue.Options) *time.Duration { return &o.PendingTimeout }),
	"max_pending_wait_timeout":      durationParam(func(o *queue.Options) *time.Duration { return &o.MaxPendingWait }),
	"max_pending_read_wait_timeout": durationParam(func(o *queue.Options) *time.Duration { return &o.MaxPendingReadWait }),
	"blacklist_time":                durationParam(func(o *queue.Options) *time.Duration { return &o.BlacklistTime }),
	"read_blacklist_time":           durationParam(func(o *queue.Options) *time.Duration { return &o.ReadBlacklistTime }),
	"wnode_timeout":                 durationParam(func(o *queue.Options) *time.Duration { return &o.WNodeTimeout }),
	"reader_timeout":                durationParam(func(o *queue.Options) *time.Duration { return &o.ReaderTimeout }),
	"notif_hifreq_interval":         durationParam(func(o *queue.Options) *time.Duration { return &o.Notif.HiFreqInterval }),
	"notif_hifreq_period":           durationParam(func(o *queue.Options) *time.Duration { return &o.Notif.HiFreqPeriod }),
	"notif_handicap":                durationParam(func(o *queue.Options) *time.Duration { return &o.Notif.Handicap }),
	"notif_lofreq_mult": uintParam(math.MaxUint32, func(o *queue.Options, n uint64) {
		o.Notif.LoFreqMultiplier = n
	}),
	"notif_rate_limit": func(o *queue.Options, v interface{}) error {
		f, err := toFloat(v)
		if err != nil || f < 0 {
			return fmt.Errorf("expected non-negative number, got %v", v)
		}
		o.NotifRateLimit = float32(f)
		return nil
	},
	"failed_retries": uintParam(math.MaxUint32, func(o *queue.Options, n uint64) {
		o.FailedRetries = uint32(n)
	}),
	"read_failed_retries": uintParam(math.MaxUint32, func(o *queue.Options, n uint64) {
		o.ReadFailedRetries = uint32(n)
	}),
	"max_input_size": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.MaxInputSize = int(n)
	}),
	"max_output_size": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.MaxOutputSize = int(n)
	}),

	"client_registry_timeout_worker_node": policyTimeout(clients.RoleWorker),
	"client_registry_min_worker_nodes":    policyMin(clients.RoleWorker),
	"client_registry_timeout_admin":       policyTimeout(clients.RoleAdmin),
	"client_registry_min_admins":          policyMin(clients.RoleAdmin),
	"client_registry_timeout_submitter":   policyTimeout(clients.RoleSubmitter),
	"client_registry_min_submitters":      policyMin(clients.RoleSubmitter),
	"client_registry_timeout_reader":      policyTimeout(clients.RoleReader),
	"client_registry_min_readers":         policyMin(clients.RoleReader),
	"client_registry_timeout_unknown":     policyTimeout(clients.RoleUnknown),
	"client_registry_min_unknowns":        policyMin(clients.RoleUnknown),

	"max_affinities": uintParam(math.MaxUint32, func(o *queue.Options, n uint64) {
		o.AffinityGC.MaxEntries = uint32(n)
	}),
	"affinity_high_mark_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.AffinityGC.HighMarkPercentage = uint32(n)
	}),
	"affinity_low_mark_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.AffinityGC.LowMarkPercentage = uint32(n)
	}),
	"affinity_dirt_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.AffinityGC.DirtPercentage = uint32(n)
	}),
	"affinity_high_removal": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.AffinityGC.HighRemoval = int(n)
	}),
	"affinity_low_removal": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.AffinityGC.LowRemoval = int(n)
	}),
	"max_groups": uintParam(math.MaxUint32, func(o *queue.Options, n uint64) {
		o.GroupGC.MaxEntries = uint32(n)
	}),
	"group_high_mark_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.GroupGC.HighMarkPercentage = uint32(n)
	}),
	"group_low_mark_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.GroupGC.LowMarkPercentage = uint32(n)
	}),
	"group_dirt_percentage": uintParam(100, func(o *queue.Options, n uint64) {
		o.GroupGC.DirtPercentage = uint32(n)
	}),
	"group_high_removal": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.GroupGC.HighRemoval = int(n)
	}),
	"group_low_removal": uintParam(math.MaxInt32, func(o *queue.Options, n uint64) {
		o.GroupGC.LowRemoval = int(n)
	}),
}

func checkKeys(tree *toml.Tree) error {
	for _, key := range tree.Keys() {
		if key == "name" || key == "class" {
			continue
		}
		if _, ok := params[key]; !ok {
			return fmt.Errorf("unknown parameter %q", key)
		}
	}
	return nil
}

// lookup returns a parameter of the queue, falling back to its class.
func lookup(qt, class *toml.Tree, key string) (interface{}, bool) {
	if qt.Has(key) {
		return qt.Get(key), true
	}
	if class != nil && class.Has(key) {
		return class.Get(key), true
	}
	return nil, false
}

func resolve(qt, class *toml.Tree) (queue.Options, error) {
	opts := queue.DefaultOptions
	// Copy the shared policy map before overriding entries.
	policies := make(map[clients.Role]clients.RolePolicy, len(opts.Clients.Policies))
	for role, p := range opts.Clients.Policies {
		policies[role] = p
	}
	opts.Clients.Policies = policies

	for key, set := range params {
		v, ok := lookup(qt, class, key)
		if !ok {
			continue
		}
		if err := set(&opts, v); err != nil {
			return opts, fmt.Errorf("%s: %w", key, err)
		}
	}
	// Read parameters default to their run counterparts.
	if _, ok := lookup(qt, class, "read_failed_retries"); !ok {
		opts.ReadFailedRetries = opts.FailedRetries
	}
	if _, ok := lookup(qt, class, "read_blacklist_time"); !ok {
		opts.ReadBlacklistTime = opts.BlacklistTime
	}
	if opts.AffinityGC.LowMarkPercentage > opts.AffinityGC.HighMarkPercentage ||
		opts.GroupGC.LowMarkPercentage > opts.GroupGC.HighMarkPercentage {
		return opts, fmt.Errorf("low mark above high mark")
	}
	return opts, nil
}

func toDuration(v interface{}) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(x)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %s", x)
		}
		return d, nil
	case int64, float64:
		f, _ := toFloat(x)
		if f < 0 || f > math.MaxInt64/float64(time.Second) {
			return 0, fmt.Errorf("duration out of range: %v", v)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("expected duration, got %v", v)
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, fmt.Errorf("expected number, got %v", v)
}

// QueueTopic returns the Kafka topic of a queue.
func QueueTopic(queueName, kind string) string {
	return queueName + "." + kind
}

// QueueOfTopic returns the queue of a Kafka topic.
// Returns an empty string on failure.
func QueueOfTopic(topic string) string {
	i := strings.LastIndexByte(topic, '.')
	if i < 0 {
		return ""
	}
	return topic[:i]
}

// Kafka topic kinds for queues.
const (
	TopicQueueEvents = "events"
)
