package gatt

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

// Options holds every tunable of the link state machine. The source
// firmware variants disagreed on retry and escalation thresholds, so
// all of them are configuration here rather than constants.
type Options struct {
	// Peripheral identity. A device matches when either the exact
	// advertised name or the 128-bit service UUID matches.
	PeerName    string `yaml:"peer_name" default:"RentScan"`
	ServiceUUID string `yaml:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RxCharUUID  string `yaml:"rx_char_uuid" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	TxCharUUID  string `yaml:"tx_char_uuid" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`

	// Scanning
	ScanInterval     time.Duration `yaml:"scan_interval" default:"60ms"`
	ScanWindow       time.Duration `yaml:"scan_window" default:"30ms"`
	DuplicateFilter  bool          `yaml:"duplicate_filter" default:"true"`
	ScanRetryMax     int           `yaml:"scan_retry_max" default:"3"`
	ScanRetryBackoff time.Duration `yaml:"scan_retry_backoff" default:"500ms"`

	// Connection parameters requested at connect time
	ConnectTimeout         time.Duration `yaml:"connect_timeout" default:"30s"`
	ConnIntervalMin        time.Duration `yaml:"conn_interval_min" default:"30ms"`
	ConnIntervalMax        time.Duration `yaml:"conn_interval_max" default:"50ms"`
	ConnLatency            int           `yaml:"conn_latency" default:"0"`
	ConnSupervisionTimeout time.Duration `yaml:"conn_supervision_timeout" default:"4s"`

	// Discovery: a stage is retried DiscoveryRetryMax times after its
	// first failure, with a linearly increasing backoff between
	// attempts; the next consecutive failure escalates to a link
	// reset.
	DiscoveryRetryMax     int           `yaml:"discovery_retry_max" default:"2"`
	DiscoveryRetryBackoff time.Duration `yaml:"discovery_retry_backoff" default:"250ms"`

	// Subscription
	SubscribeRetryMax     int           `yaml:"subscribe_retry_max" default:"3"`
	SubscribeRetryBackoff time.Duration `yaml:"subscribe_retry_backoff" default:"300ms"`
	SubscribeGracePeriod  time.Duration `yaml:"subscribe_grace_period" default:"10s"`
	// Optional payload sent once through the bridge when the
	// subscription reaches steady state; empty disables it.
	SubscribeHello string `yaml:"subscribe_hello" default:""`

	// Recovery
	SettleDelay          time.Duration `yaml:"settle_delay" default:"1s"`
	StackSettleDelay     time.Duration `yaml:"stack_settle_delay" default:"500ms"`
	StackOpRetryMax      int           `yaml:"stack_op_retry_max" default:"3"`
	StackOpRetryBackoff  time.Duration `yaml:"stack_op_retry_backoff" default:"200ms"`
	ConnectFailureMax    int           `yaml:"connect_failure_max" default:"5"`
	LinkResetRateMax     int           `yaml:"link_reset_rate_max" default:"3"`
	ResetRateWindow      time.Duration `yaml:"reset_rate_window" default:"120s"`
	EmergencyStackResets int           `yaml:"emergency_stack_resets" default:"2"`
	LinkAbsenceWindow    time.Duration `yaml:"link_absence_window" default:"180s"`
	SupervisorPeriod     time.Duration `yaml:"supervisor_period" default:"5s"`
}

// DefaultOptions returns Options with all defaults applied.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

var durationType = reflect.TypeOf(time.Duration(0))

// UnmarshalYAML decodes the options mapping, accepting durations in
// the time.ParseDuration form ("500ms", "2s") that the yaml package
// does not handle natively. Fields absent from the document keep
// whatever value the target already holds.
func (o *Options) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("link options must be a mapping")
	}

	fields := make(map[string]reflect.Value)
	v := reflect.ValueOf(o).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		fields[tag] = v.Field(i)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		field, ok := fields[key.Value]
		if !ok {
			return fmt.Errorf("unknown link option %q", key.Value)
		}
		if field.Type() == durationType && val.Tag == "!!str" {
			d, err := time.ParseDuration(val.Value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", key.Value, err)
			}
			field.SetInt(int64(d))
			continue
		}
		if err := val.Decode(field.Addr().Interface()); err != nil {
			return err
		}
	}
	return nil
}

// Validate normalizes the UUID fields in place and checks the
// thresholds are sane.
func (o *Options) Validate() error {
	normalized, err := ValidateUUID(o.ServiceUUID, o.RxCharUUID, o.TxCharUUID)
	if err != nil {
		return fmt.Errorf("invalid GATT identifiers: %w", err)
	}
	o.ServiceUUID, o.RxCharUUID, o.TxCharUUID = normalized[0], normalized[1], normalized[2]

	if o.PeerName == "" && o.ServiceUUID == "" {
		return fmt.Errorf("at least one of peer_name or service_uuid must be set")
	}
	if o.ScanRetryMax < 0 || o.DiscoveryRetryMax < 0 || o.SubscribeRetryMax < 0 {
		return fmt.Errorf("retry maxima must not be negative")
	}
	if o.ConnectFailureMax < 1 {
		return fmt.Errorf("connect_failure_max must be at least 1")
	}
	if o.SupervisorPeriod <= 0 {
		return fmt.Errorf("supervisor_period must be positive")
	}
	return nil
}

// ScanParams returns the scan parameters derived from the options.
func (o *Options) ScanParams() ScanParams {
	return ScanParams{
		Interval:        o.ScanInterval,
		Window:          o.ScanWindow,
		DuplicateFilter: o.DuplicateFilter,
	}
}

// ConnParams returns the connection parameters derived from the options.
func (o *Options) ConnParams() ConnParams {
	return ConnParams{
		IntervalMin:        o.ConnIntervalMin,
		IntervalMax:        o.ConnIntervalMax,
		Latency:            o.ConnLatency,
		SupervisionTimeout: o.ConnSupervisionTimeout,
	}
}
