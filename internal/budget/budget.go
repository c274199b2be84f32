// ABOUTME: Timeout and token budget resolution for inbound answer requests
// ABOUTME: Clamps client-supplied hints into server-configured bounds

package budget

import (
	"encoding/json"
	"strconv"
	"strings"
)

// FloorMS is the minimum timeout any request may run with, in milliseconds.
const FloorMS = 1000

// TimeoutSource records how a timeout value was chosen.
type TimeoutSource string

const (
	// SourceExplicit means the client-supplied value was used unchanged.
	SourceExplicit TimeoutSource = "explicit"
	// SourceClamped means a client value was supplied but adjusted into bounds.
	SourceClamped TimeoutSource = "clamped"
	// SourceDefault means no usable client value was supplied.
	SourceDefault TimeoutSource = "default"
)

// TimeoutSpec is the authoritative time budget for one request.
// It is computed once per request and immutable afterwards.
type TimeoutSpec struct {
	TotalMS int
	Source  TimeoutSource
}

// TimeoutHints carries raw client-supplied timeout hints as decoded JSON
// values. Either field may be nil, a number, or a string; values that fail
// to parse are treated as absent rather than as errors.
type TimeoutHints struct {
	MS  any // explicit milliseconds, highest precedence
	Sec any // explicit seconds, converted x1000 and truncated
}

// ResolveTimeout computes the authoritative deadline for a request.
// Precedence: explicit milliseconds > explicit seconds > defaultMS. The
// chosen value is clamped into [FloorMS, ceilingMS]; any clamp of a
// client-supplied value tags the result as clamped.
func ResolveTimeout(hints TimeoutHints, defaultMS, ceilingMS int) TimeoutSpec {
	raw := defaultMS
	supplied := false

	if ms, ok := asInt(hints.MS); ok {
		raw = ms
		supplied = true
	} else if sec, ok := asFloat(hints.Sec); ok {
		raw = int(sec * 1000)
		supplied = true
	}

	total := raw
	if total < FloorMS {
		total = FloorMS
	}
	if total > ceilingMS {
		total = ceilingMS
	}

	source := SourceDefault
	if supplied {
		if total == raw {
			source = SourceExplicit
		} else {
			source = SourceClamped
		}
	}

	return TimeoutSpec{TotalMS: total, Source: source}
}

// TokenBudget is the effective generation token cap for one request.
type TokenBudget struct {
	Requested *int
	Effective int
}

// ResolveTokens clamps a raw client token request against the server max.
// Absent, unparseable, non-positive, or oversized requests all fall back
// to serverMax.
func ResolveTokens(requested any, serverMax int) TokenBudget {
	n, ok := asInt(requested)
	if !ok {
		return TokenBudget{Effective: serverMax}
	}

	b := TokenBudget{Requested: &n}
	if n < 1 || n > serverMax {
		b.Effective = serverMax
		return b
	}
	b.Effective = n
	return b
}

// asInt interprets a decoded JSON value as an integer.
func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// asFloat interprets a decoded JSON value as a float.
func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
