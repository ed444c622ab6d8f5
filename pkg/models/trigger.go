// Package models defines the public domain types for the trigger subsystem.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerType identifies the stimulus kind a trigger watches for.
type TriggerType string

const (
	TriggerTypeManual TriggerType = "manual"
	TriggerTypeCron    TriggerType = "cron"
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeEvent   TriggerType = "event"
	// TriggerTypeInterval is a sibling of TriggerTypeCron: a fixed-delay
	// schedule expressed as a duration string. CronScheduler treats the
	// two identically once parsed into a cron.Schedule.
	TriggerTypeInterval TriggerType = "interval"
)

// Trigger is the persistent record describing what to watch and where to
// dispatch. Kind (Type) determines the shape of Config; Validate enforces
// that invariant per §3 of the design.
type Trigger struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Type        TriggerType    `json:"type"`
	Config      map[string]any `json:"config"`
	Enabled     bool           `json:"enabled"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`

	TriggerCount uint64  `json:"trigger_count"`
	ErrorCount   uint64  `json:"error_count"`
	LastError    *string `json:"last_error,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate checks that Config carries the fields required by Type.
func (t *Trigger) Validate() error {
	if t.WorkflowID == "" {
		return &ValidationError{Field: "workflow_id", Message: "workflow ID is required"}
	}
	if t.Name == "" {
		return &ValidationError{Field: "name", Message: "trigger name is required"}
	}
	if t.Type == "" {
		return &ValidationError{Field: "type", Message: "trigger type is required"}
	}

	switch t.Type {
	case TriggerTypeManual, TriggerTypeWebhook:
		// Config is optional for both.
	case TriggerTypeCron:
		schedule, ok := t.Config["schedule"].(string)
		if !ok || schedule == "" {
			return &ValidationError{Field: "config.schedule", Message: "cron schedule is required"}
		}
	case TriggerTypeEvent:
		eventType, ok := t.Config["event_type"].(string)
		if !ok || eventType == "" {
			return &ValidationError{Field: "config.event_type", Message: "event type is required"}
		}
	case TriggerTypeInterval:
		if err := validateIntervalValue(t.Config["interval"]); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("invalid trigger type: %s", t.Type)}
	}

	return nil
}

func validateIntervalValue(v any) error {
	switch val := v.(type) {
	case nil:
		return &ValidationError{Field: "config.interval", Message: "interval is required"}
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return &ValidationError{Field: "config.interval", Message: "invalid duration format"}
		}
		if d <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	case float64:
		if val <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	case int:
		if val <= 0 {
			return &ValidationError{Field: "config.interval", Message: "interval must be positive"}
		}
	default:
		return &ValidationError{Field: "config.interval", Message: "interval must be a number or duration string"}
	}
	return nil
}

// IntervalDuration resolves Config["interval"] to a time.Duration. Callers
// should run Validate first; this assumes a value of one of the types
// validateIntervalValue accepts.
func (t *Trigger) IntervalDuration() (time.Duration, error) {
	switch v := t.Config["interval"].(type) {
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v) * time.Second, nil
	case int:
		return time.Duration(v) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid interval type: %T", v)
	}
}

// CronConfig is the typed view of a cron trigger's Config map.
type CronConfig struct {
	Schedule       string         `json:"schedule"`
	Timezone       string         `json:"timezone,omitempty"`
	MaxConcurrent  int            `json:"max_concurrent,omitempty"`
	RunImmediately bool           `json:"run_immediately,omitempty"`
	CatchUp        bool           `json:"catch_up,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
}

// WebhookConfig is the typed view of a webhook trigger's Config map.
type WebhookConfig struct {
	Path        string            `json:"path,omitempty"`
	Method      string            `json:"method,omitempty"`
	Secret      string            `json:"secret,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	IPWhitelist []string          `json:"ip_whitelist,omitempty"`
}

// EventConfig is the typed view of an event trigger's Config map.
type EventConfig struct {
	EventType string         `json:"event_type"`
	Source    string         `json:"source,omitempty"`
	Filter    map[string]any `json:"filter,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// IntervalConfig is the typed view of an interval trigger's Config map.
type IntervalConfig struct {
	Interval string `json:"interval"`
}

// CronConfigFromMap extracts a CronConfig from a Trigger's Config map. An
// interval trigger's Config carries "interval" instead of "schedule" (§12
// folds TriggerTypeInterval into CronConfig as an alternate schedule form),
// so when schedule is absent this falls back to interval, converting a
// numeric seconds value into the duration-string form CronParser.Parse
// accepts.
func CronConfigFromMap(cfg map[string]any) CronConfig {
	out := CronConfig{}
	if s, ok := cfg["schedule"].(string); ok {
		out.Schedule = s
	}
	if out.Schedule == "" {
		out.Schedule = intervalScheduleString(cfg["interval"])
	}
	if tz, ok := cfg["timezone"].(string); ok {
		out.Timezone = tz
	}
	switch mc := cfg["max_concurrent"].(type) {
	case float64:
		out.MaxConcurrent = int(mc)
	case int:
		out.MaxConcurrent = mc
	}
	if ri, ok := cfg["run_immediately"].(bool); ok {
		out.RunImmediately = ri
	}
	if cu, ok := cfg["catch_up"].(bool); ok {
		out.CatchUp = cu
	}
	if in, ok := cfg["input"].(map[string]any); ok {
		out.Input = in
	}
	return out
}

// intervalScheduleString converts an interval trigger's Config["interval"]
// value (string duration or numeric seconds, the same shapes
// validateIntervalValue/IntervalDuration accept) into the duration-string
// form CronParser.Parse's fast path understands. Returns "" for anything
// else, leaving CronConfigFromMap's caller to surface the resulting parse
// failure.
func intervalScheduleString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return fmt.Sprintf("%ds", int(val))
	case int:
		return fmt.Sprintf("%ds", val)
	default:
		return ""
	}
}

// WebhookConfigFromMap extracts a WebhookConfig from a Trigger's Config map.
func WebhookConfigFromMap(cfg map[string]any) WebhookConfig {
	out := WebhookConfig{}
	if p, ok := cfg["path"].(string); ok {
		out.Path = p
	}
	if m, ok := cfg["method"].(string); ok {
		out.Method = m
	}
	if s, ok := cfg["secret"].(string); ok {
		out.Secret = s
	}
	if ct, ok := cfg["content_type"].(string); ok {
		out.ContentType = ct
	}
	if raw, ok := cfg["ip_whitelist"].([]interface{}); ok {
		for _, entry := range raw {
			if s, ok := entry.(string); ok {
				out.IPWhitelist = append(out.IPWhitelist, s)
			}
		}
	}
	return out
}

// EventConfigFromMap extracts an EventConfig from a Trigger's Config map.
func EventConfigFromMap(cfg map[string]any) EventConfig {
	out := EventConfig{}
	if et, ok := cfg["event_type"].(string); ok {
		out.EventType = et
	}
	if s, ok := cfg["source"].(string); ok {
		out.Source = s
	}
	if f, ok := cfg["filter"].(map[string]any); ok {
		out.Filter = f
	}
	if in, ok := cfg["input"].(map[string]any); ok {
		out.Input = in
	}
	return out
}

// TriggerContext is the normalized dispatch payload handed to subscribers
// and the onFire collaborator.
type TriggerContext struct {
	TriggerID   string         `json:"trigger_id"`
	TriggerType TriggerType    `json:"trigger_type"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     any            `json:"payload,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON round-trips cleanly even when Payload holds an arbitrary
// value, matching the teacher's flat-struct JSON-tag style elsewhere.
func (c TriggerContext) MarshalJSON() ([]byte, error) {
	type alias TriggerContext
	return json.Marshal(alias(c))
}
