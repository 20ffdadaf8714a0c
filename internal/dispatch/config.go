package dispatch

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"
)

// dispatchSchema defines the configuration schema.
var dispatchSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// QueueConfig is one entry in the queue configuration table.
type QueueConfig struct {
	LogicalName       string  `json:"logical_name" yaml:"logical_name" schema:"type:string,description:Source queue subject,category:basic"`
	MessageType       string  `json:"message_type" yaml:"message_type" schema:"type:string,description:Expected body.type discriminator,category:basic"`
	ResultQueueName   string  `json:"result_queue_name" yaml:"result_queue_name" schema:"type:string,description:Subject results and failures publish to,category:basic"`
	HandlerName       string  `json:"handler_name" yaml:"handler_name" schema:"type:string,description:Registered handler name to route to,category:basic"`
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts" schema:"type:int,description:Attempts before DLQ,category:advanced,min:1,max:20"`
	Timeout           string  `json:"timeout" yaml:"timeout" schema:"type:string,description:Per-attempt handler deadline,category:advanced"`
	InitialBackoff    string  `json:"initial_backoff" yaml:"initial_backoff" schema:"type:string,description:First retry backoff,category:advanced"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" schema:"type:float,description:Backoff growth factor,category:advanced"`
	BackoffCap        string  `json:"backoff_cap" yaml:"backoff_cap" schema:"type:string,description:Maximum backoff,category:advanced"`
}

// PoolConfig configures the Worker Pool and the Dispatch Core's read loop.
type PoolConfig struct {
	Workers           int `json:"workers" yaml:"workers" schema:"type:int,description:Max concurrent handler executions,category:basic,default:4,min:1,max:64"`
	BatchSize         int `json:"batch_size" yaml:"batch_size" schema:"type:int,description:Max messages per read cycle,category:advanced,default:10"`
	PollIntervalMS    int `json:"poll_interval_ms" yaml:"poll_interval_ms" schema:"type:int,description:Sleep when all queues return empty,category:advanced,default:1000"`
	VisibilitySeconds int `json:"visibility_seconds" yaml:"visibility_seconds" schema:"type:int,description:Substrate visibility timeout,category:advanced,default:60"`
}

// ApprovalConfig configures the Approval Service.
type ApprovalConfig struct {
	DefaultTTLSeconds int `json:"default_ttl_seconds" yaml:"default_ttl_seconds" schema:"type:int,description:Approval token lifetime,category:advanced,default:60"`
	GCIntervalSeconds int `json:"gc_interval_seconds" yaml:"gc_interval_seconds" schema:"type:int,description:Approval token GC sweep interval,category:advanced,default:30"`
}

// ObservabilityConfig configures metrics emission.
type ObservabilityConfig struct {
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" schema:"type:bool,description:Export Prometheus metrics,category:basic,default:true"`
}

// RegistryConfig configures the Workflow Registry.
type RegistryConfig struct {
	TerminalRetentionSeconds int `json:"terminal_retention_seconds" yaml:"terminal_retention_seconds" schema:"type:int,description:How long completed/failed records are retained,category:advanced,default:3600"`
}

// Config holds configuration for the Dispatch Core component.
type Config struct {
	StreamName     string              `json:"stream_name" yaml:"stream_name" schema:"type:string,description:JetStream stream backing every configured queue,category:basic,default:DISPATCH"`
	ConsumerPrefix string              `json:"consumer_prefix" yaml:"consumer_prefix" schema:"type:string,description:Durable consumer name prefix,category:basic,default:dispatch-core"`
	Queues         []QueueConfig       `json:"queues" yaml:"queues" schema:"type:array,description:Queue configuration table,category:basic"`
	Pool           PoolConfig          `json:"pool" yaml:"pool" schema:"type:object,description:Worker pool sizing,category:basic"`
	Approval       ApprovalConfig      `json:"approval" yaml:"approval" schema:"type:object,description:Approval token service sizing,category:advanced"`
	Observability  ObservabilityConfig `json:"observability" yaml:"observability" schema:"type:object,description:Metrics emission,category:advanced"`
	Registry       RegistryConfig      `json:"registry" yaml:"registry" schema:"type:object,description:Workflow registry retention,category:advanced"`
}

// DefaultConfig returns the queue configuration table and policy defaults.
func DefaultConfig() Config {
	return Config{
		StreamName:     "DISPATCH",
		ConsumerPrefix: "dispatch-core",
		Queues: []QueueConfig{
			{
				LogicalName:       "rule_updates",
				MessageType:       "rule_update",
				ResultQueueName:   "rule_updates_results",
				HandlerName:       "rule-engine",
				MaxAttempts:       5,
				Timeout:           "10s",
				InitialBackoff:    "1s",
				BackoffMultiplier: 2.0,
				BackoffCap:        "30s",
			},
			{
				LogicalName:       "llm_config_updates",
				MessageType:       "llm_config_update",
				ResultQueueName:   "llm_config_updates_results",
				HandlerName:       "llm-config-manager",
				MaxAttempts:       5,
				Timeout:           "10s",
				InitialBackoff:    "1s",
				BackoffMultiplier: 2.0,
				BackoffCap:        "30s",
			},
			{
				LogicalName:       "job_requests",
				MessageType:       "code_execution_request",
				ResultQueueName:   "job_results",
				HandlerName:       "job-executor",
				MaxAttempts:       3,
				Timeout:           "30s",
				InitialBackoff:    "1s",
				BackoffMultiplier: 2.0,
				BackoffCap:        "30s",
			},
		},
		Pool: PoolConfig{
			Workers:           4,
			BatchSize:         10,
			PollIntervalMS:    1000,
			VisibilitySeconds: 60,
		},
		Approval: ApprovalConfig{
			DefaultTTLSeconds: 60,
			GCIntervalSeconds: 30,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: true,
		},
		Registry: RegistryConfig{
			TerminalRetentionSeconds: 3600,
		},
	}
}

// Validate validates the configuration, including the requirement that
// batch_size stay small relative to worker count to avoid starvation.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if len(c.Queues) == 0 {
		return fmt.Errorf("at least one queue must be configured")
	}
	for i, q := range c.Queues {
		if q.LogicalName == "" || q.MessageType == "" || q.ResultQueueName == "" || q.HandlerName == "" {
			return fmt.Errorf("queues[%d]: logical_name, message_type, result_queue_name, and handler_name are required", i)
		}
		if q.MaxAttempts < 1 {
			return fmt.Errorf("queues[%d]: max_attempts must be at least 1", i)
		}
		if q.Timeout != "" {
			if _, err := time.ParseDuration(q.Timeout); err != nil {
				return fmt.Errorf("queues[%d]: invalid timeout: %w", i, err)
			}
		}
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1")
	}
	if c.Pool.BatchSize < 1 {
		return fmt.Errorf("pool.batch_size must be at least 1")
	}
	if c.Pool.BatchSize > c.Pool.Workers*4 {
		return fmt.Errorf("pool.batch_size (%d) must not exceed pool.workers*4 (%d) to avoid starvation", c.Pool.BatchSize, c.Pool.Workers*4)
	}

	maxTimeout := 0 * time.Second
	for _, q := range c.Queues {
		if d, err := time.ParseDuration(q.Timeout); err == nil && d > maxTimeout {
			maxTimeout = d
		}
	}
	visibility := time.Duration(c.Pool.VisibilitySeconds) * time.Second
	if visibility <= maxTimeout+2*time.Second {
		return fmt.Errorf("pool.visibility_seconds (%ds) must exceed the longest queue timeout plus grace (%s)", c.Pool.VisibilitySeconds, maxTimeout+2*time.Second)
	}

	return nil
}

// QueuePolicyByName returns the configured QueueConfig for logicalName.
func (c *Config) QueuePolicyByName(logicalName string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.LogicalName == logicalName {
			return q, true
		}
	}
	return QueueConfig{}, false
}

func applyDefaults(cfg, defaults Config) Config {
	if cfg.StreamName == "" {
		cfg.StreamName = defaults.StreamName
	}
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = defaults.ConsumerPrefix
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = defaults.Queues
	}
	if cfg.Pool.Workers == 0 {
		cfg.Pool.Workers = defaults.Pool.Workers
	}
	if cfg.Pool.BatchSize == 0 {
		cfg.Pool.BatchSize = defaults.Pool.BatchSize
	}
	if cfg.Pool.PollIntervalMS == 0 {
		cfg.Pool.PollIntervalMS = defaults.Pool.PollIntervalMS
	}
	if cfg.Pool.VisibilitySeconds == 0 {
		cfg.Pool.VisibilitySeconds = defaults.Pool.VisibilitySeconds
	}
	if cfg.Approval.DefaultTTLSeconds == 0 {
		cfg.Approval.DefaultTTLSeconds = defaults.Approval.DefaultTTLSeconds
	}
	if cfg.Approval.GCIntervalSeconds == 0 {
		cfg.Approval.GCIntervalSeconds = defaults.Approval.GCIntervalSeconds
	}
	if cfg.Registry.TerminalRetentionSeconds == 0 {
		cfg.Registry.TerminalRetentionSeconds = defaults.Registry.TerminalRetentionSeconds
	}
	return cfg
}
