// Package envelope defines the callback wire format (spec §6.2) as a
// typed value instead of the dict-shaped payload the Python source
// passes around. Parse validates and returns either a typed Envelope or
// a errcode.MalformedEnvelope error — callers downstream (callback
// processor) never touch raw JSON again.
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/mesh-actingweb/actorcore/internal/errcode"
)

// Granularity mirrors spec §3's granularity enum restricted to the two
// values a callback envelope may carry ("none" only applies to the
// subscription record itself, never to a delivered envelope).
type Granularity string

const (
	GranularityHigh Granularity = "high"
	GranularityLow  Granularity = "low"
)

// Envelope is the normative callback payload from spec §6.2.
type Envelope struct {
	ID             string          `json:"id"`
	Target         string          `json:"target"`
	Subtarget      string          `json:"subtarget,omitempty"`
	Sequence       uint64          `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	Granularity    Granularity     `json:"granularity"`
	SubscriptionID string          `json:"subscriptionid"`
	Type           string          `json:"type,omitempty"` // "resync" or absent
	Data           json.RawMessage `json:"data,omitempty"`
	URL            string          `json:"url,omitempty"`
}

// IsResync reports whether this envelope declares a new baseline.
func (e *Envelope) IsResync() bool {
	return e.Type == "resync"
}

// ResourceURL builds the publisher-absolute, fetchable resource URL a
// downgraded or low-granularity envelope carries (spec §4.5
// "Granularity downgrade rule": url = "<proto><fqdn>/<actor_id>/<target>";
// confirmed against original_source/actingweb/fanout.py's
// _build_resource_url). publicBaseURL is the actor's own proto+fqdn
// (e.g. "https://actor1.example.com"), never the peer's.
func ResourceURL(publicBaseURL, actorID, target string) string {
	return strings.TrimRight(publicBaseURL, "/") + "/" + actorID + "/" + target
}

// NeedsFetch reports whether the receiver must fetch e.URL to obtain the
// body — true for any low-granularity envelope that didn't embed data
// inline (spec §4.7 step 1).
func (e *Envelope) NeedsFetch() bool {
	return e.Granularity == GranularityLow && len(e.Data) == 0 && e.URL != ""
}

// Parse validates raw JSON into a typed Envelope. Validation follows
// spec §4.7: sequence absent/non-positive, or the JSON itself malformed,
// both yield errcode.MalformedEnvelope. Unknown top-level keys are
// ignored by construction (json.Unmarshal into a concrete struct does
// this already).
func Parse(raw []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errcode.New(errcode.MalformedEnvelope, "invalid JSON: %v", err).WithStatus(400)
	}
	if e.Sequence == 0 {
		return nil, errcode.New(errcode.MalformedEnvelope, "sequence must be a positive integer").WithStatus(400)
	}
	if len(e.Data) == 0 && e.URL == "" {
		return nil, errcode.New(errcode.MalformedEnvelope, "envelope must carry exactly one of data or url").WithStatus(400)
	}
	return &e, nil
}

// ListMutation models the `{"list:<name>": {...}}` payload shape from
// spec §4.7 "List operations". The application layer applies it to its
// local mirror; this package only recognizes and parses it.
type ListMutation struct {
	ListName  string          `json:"-"`
	Operation string          `json:"operation"`
	Index     *int            `json:"index,omitempty"`
	Item      json.RawMessage `json:"item,omitempty"`
}

const (
	ListOpAppend = "append"
	ListOpExtend = "extend"
	ListOpUpdate = "update"
	ListOpDelete = "delete"
	ListOpClear  = "clear"
)

// ParseListMutation scans data's top-level keys for a single "list:<name>"
// entry and decodes it. Returns (nil, false) if data carries no list
// mutation — that is the common case for ordinary property diffs, not
// an error.
func ParseListMutation(data json.RawMessage) (*ListMutation, bool, error) {
	if len(data) == 0 {
		return nil, false, nil
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, false, nil
	}
	for key, val := range generic {
		if len(key) > 5 && key[:5] == "list:" {
			var m ListMutation
			if err := json.Unmarshal(val, &m); err != nil {
				return nil, false, errcode.New(errcode.MalformedEnvelope, "invalid list mutation: %v", err).WithStatus(400)
			}
			m.ListName = key[5:]
			return &m, true, nil
		}
	}
	return nil, false, nil
}
