// Package config loads the YAML configuration describing an engine's
// atoms, matchers, conditions, states, metrics, and activations, alongside
// the teacher's own aggregator/API/probe/AI/SMTP sections.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"Go2NetSpectra/internal/pipelineerr"
)

// FieldPathDef declares one element of a FieldMatcher path in YAML.
type FieldPathDef struct {
	Index int    `yaml:"index"`
	Kind  string `yaml:"kind"` // "scalar", "any", "all"
}

// MatcherDef declares a FieldMatcher: which atom it reads and the ordered
// path used to reach the field(s) of interest.
type MatcherDef struct {
	AtomID uint32         `yaml:"atom_id"`
	Path   []FieldPathDef `yaml:"path"`
}

// AtomDef declares one atom type, including its per-atom dimension-guardrail
// override (§4.1.2) and, for pull-based atoms, the remote source the pull
// scheduler calls out to (§4.7/§11.5).
type AtomDef struct {
	ID             uint32 `yaml:"id"`
	Name           string `yaml:"name"`
	DimensionLimit int    `yaml:"dimension_limit"`

	// DimensionLimitOverride bypasses the §4.1.2 [800,3000] clamp entirely,
	// trusting DimensionLimit verbatim as this atom's own ceiling. Set for
	// named atoms (BINDER_CALLS, LOOPER_STATS, CPU_TIME_PER_UID_FREQ) whose
	// ceiling doesn't fit the generic range.
	DimensionLimitOverride bool `yaml:"dimension_limit_override"`

	PullAddr        string `yaml:"pull_addr"`
	PullMethod      string `yaml:"pull_method"`
	PullIntervalSec int64  `yaml:"pull_interval_seconds"`
	PullCoolDownSec int64  `yaml:"pull_cooldown_seconds"`
	PullTimeoutSec  int64  `yaml:"pull_timeout_seconds"`
}

// ConditionDef declares one node in the condition graph: either a leaf
// (backed by a matcher against a boolean-ish field) or a composite (backed
// by child node ids combined with AND semantics), per §4.4.
type ConditionDef struct {
	ID                  string   `yaml:"id"`
	Sliced              bool     `yaml:"sliced"`
	MatcherAtomID       uint32   `yaml:"matcher_atom_id"`
	TrueWhenFieldEquals string   `yaml:"true_when_field_equals"`
	Children            []string `yaml:"children"`
}

// StateDef declares one state atom and its primary-key matcher.
type StateDef struct {
	AtomID            uint32          `yaml:"atom_id"`
	PrimaryKeyMatcher MatcherDef      `yaml:"primary_key_matcher"`
	GroupMap          map[int64]int64 `yaml:"group_map"`
}

// ConditionLinkDef binds a metric to a condition node.
type ConditionLinkDef struct {
	NodeID              string `yaml:"node_id"`
	PartialMatchAllowed bool   `yaml:"partial_match_allowed"`
	Sliced              bool   `yaml:"sliced"`
}

// StateLinkDef binds a metric to a state atom.
type StateLinkDef struct {
	AtomID            uint32     `yaml:"atom_id"`
	PrimaryKeyMatcher MatcherDef `yaml:"primary_key_matcher"`
}

// ActivationDef declares an activation trigger for a metric, per §4.6.
type ActivationDef struct {
	MatcherIndex int    `yaml:"matcher_index"`
	Kind         string `yaml:"kind"` // "immediate" or "on_boot"
	TTLSeconds   int64  `yaml:"ttl_seconds"`
}

// UploadThresholdDef declares the optional upload-threshold gate.
type UploadThresholdDef struct {
	Op    string `yaml:"op"` // "lt", "lte", "gt", "gte"
	Value int64  `yaml:"value"`
}

// MetricDef declares one MetricProducer instance, per §4.2/§4.3.
type MetricDef struct {
	Name             string              `yaml:"name"`
	Variant          string              `yaml:"variant"` // "count", "duration", "value", "event", "histogram"
	MatcherAtomID    uint32              `yaml:"matcher_atom_id"`
	DimensionMatcher MatcherDef          `yaml:"dimension_matcher"`
	BucketSeconds    int64               `yaml:"bucket_seconds"`
	Conditions       []ConditionLinkDef  `yaml:"conditions"`
	States           []StateLinkDef      `yaml:"states"`
	UploadThreshold  *UploadThresholdDef `yaml:"upload_threshold"`
	SplitOnAppUpgrade bool               `yaml:"split_on_app_upgrade"`

	// Duration-specific. StartMatcher/StopMatcher are atom ids: the two
	// triggers a duration metric tracks are always distinguished by which
	// atom type arrived, not by a shared atom's field value.
	DurationMode   string `yaml:"duration_mode"` // "sum" or "max_sparse"
	StartMatcher   int    `yaml:"start_matcher"`
	StopMatcher    int    `yaml:"stop_matcher"`
	NestingAllowed bool   `yaml:"nesting_allowed"`

	// Value/histogram-specific.
	ValueAgg          string     `yaml:"value_agg"` // "sum", "min", "max", "avg"
	ValueField        MatcherDef `yaml:"value_field"`
	HistogramBinEdges []float64  `yaml:"histogram_bin_edges"`

	// Event-specific.
	EventCaptureFields []MatcherDef `yaml:"event_capture_fields"`
	EventMaxPerBucket  int          `yaml:"event_max_per_bucket"`

	Activation *ActivationDef `yaml:"activation"`
}

// EngineConfig is the new top-level section driving the telemetry pipeline:
// the set of atoms, matchers, conditions, states, and metrics that
// internal/engine wires into a running Engine.
type EngineConfig struct {
	Atoms      []AtomDef      `yaml:"atoms"`
	Conditions []ConditionDef `yaml:"conditions"`
	States     []StateDef     `yaml:"states"`
	Metrics    []MetricDef    `yaml:"metrics"`

	TimeBaseNs     int64 `yaml:"time_base_ns"`
	PullTimeoutSec int64 `yaml:"pull_timeout_seconds"`
	UidMapMaxBytes int   `yaml:"uid_map_max_bytes"`
}

// AggregatorConfig holds the configuration for the atom ingestion leg
// (§11.1): the NATS subject atoms arrive on, and the cadence/destination
// for the periodic report flush (§11.2-11.3).
type AggregatorConfig struct {
	SnapshotInterval string `yaml:"snapshot_interval"`
	StorageRootPath  string `yaml:"storage_root_path"`
	NATSUrl          string `yaml:"nats_url"`
	NATSSubject      string `yaml:"nats_subject"`
}

// ClickHouseConfig configures the report-writer leg (§11.2).
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// APIConfig configures the gorilla/mux query surface (§11.4).
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// SMTPConfig configures the alerter's email notifier (§11.9).
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// AlerterRule declares a per-metric count threshold the alerter watches,
// kept as a simplified form of the teacher's own AlerterRule (dropping the
// flow-specific fields it carried, keeping the name+threshold shape).
type AlerterRule struct {
	MetricName     string `yaml:"metric_name"`
	CountThreshold uint64 `yaml:"count_threshold"`
}

// AlerterConfig configures the periodic anomaly-check loop (§4.2, §11.9).
type AlerterConfig struct {
	CheckInterval string        `yaml:"check_interval"`
	Rules         []AlerterRule `yaml:"rules"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	API        APIConfig        `yaml:"api"`
	Alerter    AlerterConfig    `yaml:"alerter"`
	SMTP       SMTPConfig       `yaml:"smtp"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config
// struct, wrapping any failure as a pipelineerr.ConfigInvalid error.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, pipelineerr.ConfigInvalidf("", "read config file %s: %v", filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, pipelineerr.ConfigInvalidf("", "unmarshal config YAML: %v", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks the invariants §4.1.2/§4.6 require at load time rather
// than at first use, per the ConfigInvalid taxonomy (§7).
func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Engine.Metrics))
	for _, m := range c.Engine.Metrics {
		if m.Name == "" {
			return pipelineerr.ConfigInvalidf("", "metric with empty name")
		}
		if seen[m.Name] {
			return pipelineerr.ConfigInvalidf(m.Name, "duplicate metric name")
		}
		seen[m.Name] = true
		if m.BucketSeconds <= 0 {
			return pipelineerr.ConfigInvalidf(m.Name, "bucket_seconds must be positive")
		}
		switch m.Variant {
		case "count", "duration", "value", "event", "histogram":
		default:
			return pipelineerr.ConfigInvalidf(m.Name, "unknown variant %q", m.Variant)
		}
	}
	return nil
}
