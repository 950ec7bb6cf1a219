package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const DefaultIntervalMinutes = 5

// TargetConfig is the per-target polling configuration. Only uptime, ssl and
// uptimeInterval are interpreted; any other key stored alongside them is kept
// in Extra and written back unchanged.
type TargetConfig struct {
	Uptime         *bool
	SSL            *bool
	UptimeInterval *int
	Extra          map[string]json.RawMessage
}

func (c TargetConfig) UptimeEnabled() bool { return c.Uptime != nil && *c.Uptime }

func (c TargetConfig) SSLEnabled() bool { return c.SSL != nil && *c.SSL }

// Interval returns the polling cadence, falling back to def (or
// DefaultIntervalMinutes) when unset or non-positive.
func (c TargetConfig) Interval(def time.Duration) time.Duration {
	if c.UptimeInterval != nil && *c.UptimeInterval > 0 {
		return time.Duration(*c.UptimeInterval) * time.Minute
	}
	if def > 0 {
		return def
	}
	return DefaultIntervalMinutes * time.Minute
}

// Merge overlays the recognized fields that are set in patch. Extra keys from
// patch are added, existing ones are kept.
func (c TargetConfig) Merge(patch TargetConfig) TargetConfig {
	out := c
	if patch.Uptime != nil {
		out.Uptime = patch.Uptime
	}
	if patch.SSL != nil {
		out.SSL = patch.SSL
	}
	if patch.UptimeInterval != nil {
		out.UptimeInterval = patch.UptimeInterval
	}
	if len(patch.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(c.Extra)+len(patch.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = v
		}
		for k, v := range patch.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Validate rejects recognized keys with unusable values. Decoding alone is
// lenient so stored configs written by other tools still load.
func (c TargetConfig) Validate() error {
	for _, k := range []string{keyUptime, keySSL, keyUptimeInterval} {
		if v, ok := c.Extra[k]; ok {
			return fmt.Errorf("invalid %s: %s", k, v)
		}
	}
	if c.UptimeInterval != nil && *c.UptimeInterval <= 0 {
		return fmt.Errorf("invalid %s: must be a positive number of minutes", keyUptimeInterval)
	}
	return nil
}

const (
	keyUptime         = "uptime"
	keySSL            = "ssl"
	keyUptimeInterval = "uptimeInterval"
)

func (c TargetConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		m[k] = v
	}
	if c.Uptime != nil {
		m[keyUptime] = *c.Uptime
	}
	if c.SSL != nil {
		m[keySSL] = *c.SSL
	}
	if c.UptimeInterval != nil {
		m[keyUptimeInterval] = *c.UptimeInterval
	}
	return json.Marshal(m)
}

func (c *TargetConfig) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*c = TargetConfig{}
	for k, v := range raw {
		switch k {
		case keyUptime:
			var on bool
			if json.Unmarshal(v, &on) == nil {
				c.Uptime = &on
				continue
			}
		case keySSL:
			var on bool
			if json.Unmarshal(v, &on) == nil {
				c.SSL = &on
				continue
			}
		case keyUptimeInterval:
			var n int
			if json.Unmarshal(v, &n) == nil {
				c.UptimeInterval = &n
				continue
			}
			// some writers store the interval as a string
			var s string
			if json.Unmarshal(v, &s) == nil {
				var n2 int
				if json.Unmarshal([]byte(s), &n2) == nil {
					c.UptimeInterval = &n2
					continue
				}
			}
		}
		// unrecognized key or a value of the wrong shape: keep it verbatim
		if c.Extra == nil {
			c.Extra = make(map[string]json.RawMessage)
		}
		c.Extra[k] = v
	}
	return nil
}

// IsDue reports whether a target last checked at lastCheckedAt should be
// probed again at now. A never-checked target is always due. tolerance
// absorbs scheduler jitter.
func IsDue(now time.Time, lastCheckedAt *time.Time, interval, tolerance time.Duration) bool {
	if lastCheckedAt == nil || lastCheckedAt.IsZero() {
		return true
	}
	return now.Sub(*lastCheckedAt)+tolerance >= interval
}
