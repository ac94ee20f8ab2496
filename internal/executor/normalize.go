package executor

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// maxDelaySeconds caps parsed delays well below time.Duration overflow;
// policy bounds clamp them further.
const maxDelaySeconds = 1e7

// Normalize turns a raw provider response into an Outcome.
//
// Decoding is field by field: a field that is missing or has the wrong type
// takes its zero value, and malformed JSON yields an all-zero Outcome. It never
// fails.
func Normalize(raw []byte) Outcome {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(stripFence(raw), &fields); err != nil {
		return Outcome{}
	}

	var out Outcome
	out.Message = firstString(fields, "message", "vr")
	out.Reason = firstString(fields, "completion_reason", "reason")
	out.Completed = boolField(fields, "completed")
	out.Acknowledged = boolField(fields, "acknowledged")
	out.RetryDelay = delayField(fields, "retry_delay_seconds", "retry_delay")
	for _, k := range []string{"effect_plan", "act"} {
		if v, ok := fields[k]; ok && len(v) > 0 && string(v) != "null" {
			out.EffectPlan = append(json.RawMessage(nil), v...)
			break
		}
	}
	return out
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(raw []byte) []byte {
	b := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = bytes.TrimPrefix(b, []byte("```"))
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[i+1:]
	}
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}

func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func boolField(fields map[string]json.RawMessage, key string) bool {
	v, ok := fields[key]
	if !ok {
		return false
	}
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return false
	}
	return b
}

func delayField(fields map[string]json.RawMessage, keys ...string) *time.Duration {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		var n float64
		if json.Unmarshal(v, &n) != nil {
			// Some models quote numbers.
			var s string
			if json.Unmarshal(v, &s) != nil {
				continue
			}
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				continue
			}
			n = f
		}
		if math.IsNaN(n) || math.IsInf(n, 0) || n < 0 {
			continue
		}
		if n > maxDelaySeconds {
			n = maxDelaySeconds
		}
		d := time.Duration(n * float64(time.Second))
		return &d
	}
	return nil
}
