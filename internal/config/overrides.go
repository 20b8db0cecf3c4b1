package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Overrides is a caller-supplied partial configuration. Keys mirror the
// Effective field names; values may arrive as their natural type or as
// text (numeric fields are coerced). Unknown keys and malformed
// sub-objects are skipped with a warning rather than failing the merge.
type Overrides map[string]any

// Resolve merges overrides on top of base, field by field. A key wins
// only when present, non-nil, and coercible to the field's type.
// The returned warnings describe anything that was ignored.
func Resolve(base Effective, o Overrides) (Effective, []string) {
	cfg := base
	if len(o) == 0 {
		return cfg, nil
	}
	var warnings []string
	warn := func(key string, val any) {
		warnings = append(warnings, fmt.Sprintf("ignoring override %q: unusable value %v", key, val))
	}

	for key, val := range o {
		if val == nil {
			continue
		}
		switch key {
		case "provider":
			if s, err := cast.ToStringE(val); err == nil {
				cfg.Provider = s
			} else {
				warn(key, val)
			}
		case "model":
			if s, err := cast.ToStringE(val); err == nil {
				cfg.Model = s
			} else {
				warn(key, val)
			}
		case "stream":
			if b, err := cast.ToBoolE(val); err == nil {
				cfg.Stream = b
			} else {
				warn(key, val)
			}
		case "temperature":
			if f, err := cast.ToFloat64E(val); err == nil {
				cfg.Temperature = f
			} else {
				warn(key, val)
			}
		case "max_tokens":
			if n, err := cast.ToIntE(val); err == nil {
				cfg.MaxTokens = n
			} else {
				warn(key, val)
			}
		case "timeout":
			if d, ok := toDuration(val); ok {
				cfg.Timeout = d
			} else {
				warn(key, val)
			}
		case "system_prompt":
			if s, err := cast.ToStringE(val); err == nil {
				cfg.SystemPrompt = s
			} else {
				warn(key, val)
			}
		case "response_format":
			if s, err := cast.ToStringE(val); err == nil {
				cfg.ResponseFormat = s
			} else {
				warn(key, val)
			}
		case "safety_enabled":
			if b, err := cast.ToBoolE(val); err == nil {
				cfg.SafetyEnabled = b
			} else {
				warn(key, val)
			}
		case "max_retries":
			if n, err := cast.ToIntE(val); err == nil {
				cfg.MaxRetries = n
			} else {
				warn(key, val)
			}
		case "retry_base_delay":
			if d, ok := toDuration(val); ok {
				cfg.RetryBaseDelay = d
			} else {
				warn(key, val)
			}
		case "requests_per_minute":
			if n, err := cast.ToIntE(val); err == nil {
				cfg.RequestsPerMin = n
			} else {
				warn(key, val)
			}
		case "custom_headers":
			if headers, ok := toHeaderMap(val); ok {
				cfg.CustomHeaders = headers
			} else {
				warnings = append(warnings, fmt.Sprintf("ignoring override %q: not a string map or JSON object", key))
			}
		case "openai":
			if sub, err := cast.ToStringMapStringE(val); err == nil {
				if v, ok := sub["api_key"]; ok {
					cfg.OpenAI.APIKey = v
				}
			} else {
				warn(key, val)
			}
		case "azure":
			if sub, err := cast.ToStringMapStringE(val); err == nil {
				if v, ok := sub["api_key"]; ok {
					cfg.Azure.APIKey = v
				}
				if v, ok := sub["endpoint"]; ok {
					cfg.Azure.Endpoint = v
				}
				if v, ok := sub["api_version"]; ok {
					cfg.Azure.APIVersion = v
				}
				if v, ok := sub["deployment"]; ok {
					cfg.Azure.Deployment = v
				}
			} else {
				warn(key, val)
			}
		case "selfhosted":
			if sub, err := cast.ToStringMapStringE(val); err == nil {
				if v, ok := sub["endpoint"]; ok {
					cfg.SelfHosted.Endpoint = v
				}
			} else {
				warn(key, val)
			}
		default:
			warnings = append(warnings, fmt.Sprintf("ignoring unknown override key %q", key))
		}
	}

	cfg.Source = SourceCaller
	return cfg, warnings
}

// toDuration accepts a time.Duration, a duration string ("30s"), or a
// bare number of seconds.
func toDuration(val any) (time.Duration, bool) {
	switch v := val.(type) {
	case time.Duration:
		return v, true
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
		// Bare numbers in text form mean seconds.
		if secs, err := cast.ToFloat64E(v); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
		return 0, false
	default:
		if secs, err := cast.ToFloat64E(val); err == nil {
			return time.Duration(secs * float64(time.Second)), true
		}
		return 0, false
	}
}

// toHeaderMap accepts a string map or a JSON object in text form.
func toHeaderMap(val any) (map[string]string, bool) {
	if s, ok := val.(string); ok {
		var headers map[string]string
		if err := json.Unmarshal([]byte(s), &headers); err != nil {
			return nil, false
		}
		return headers, true
	}
	headers, err := cast.ToStringMapStringE(val)
	if err != nil {
		return nil, false
	}
	return headers, true
}
