package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AttrEnode     = "enode"
	AttrENR       = "enr"
	AttrProtocols = "protocols"
	AttrNetwork   = "network"

	keyGeo     = "ip_info"
	keyContact = "contact"
	keyPublic  = "public"

	ProtocolStateHandshake = "handshake"
)

// Timestamp is stored both as epoch seconds and as an RFC 3339 string for display.
type Timestamp struct {
	Unix    int64  `json:"unix"`
	RFC3339 string `json:"rfc3339"`
}

func NewTimestamp(t time.Time) Timestamp {
	t = t.UTC()
	return Timestamp{
		Unix:    t.Unix(),
		RFC3339: t.Format(time.RFC3339),
	}
}

func (t Timestamp) Time() time.Time {
	return time.Unix(t.Unix, 0).UTC()
}

func (t Timestamp) IsZero() bool {
	return t.Unix == 0
}

type PeerContact struct {
	First         Timestamp  `json:"first"`
	Last          Timestamp  `json:"last"`
	Refresh       *Timestamp `json:"refresh,omitempty"`
	RefreshFailed *Timestamp `json:"refresh_failed,omitempty"`
}

// RefreshBase is the time the refresh threshold is measured from.
func (c PeerContact) RefreshBase() Timestamp {
	if c.Refresh != nil && !c.Refresh.IsZero() {
		return *c.Refresh
	}
	return c.First
}

type GeoInfo struct {
	IP          string `json:"ip,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	Loc         string `json:"loc,omitempty"`
	Org         string `json:"org,omitempty"`
	Postal      string `json:"postal,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

func (g GeoInfo) IsEmpty() bool {
	return g == GeoInfo{}
}

// PeerRecord is one directory entry. On the wire the attributes reported by the
// bootnode are flattened at the top level next to ip_info, contact and public.
type PeerRecord struct {
	Attributes map[string]json.RawMessage
	Geo        *GeoInfo
	Contact    PeerContact
	Public     bool
}

func (p PeerRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Attributes)+3)
	for k, v := range p.Attributes {
		if isReservedKey(k) || len(v) == 0 {
			continue
		}
		out[k] = v
	}
	geo := []byte("{}")
	if p.Geo != nil {
		b, err := json.Marshal(p.Geo)
		if err != nil {
			return nil, err
		}
		geo = b
	}
	out[keyGeo] = geo
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return nil, err
	}
	out[keyContact] = contact
	out[keyPublic] = []byte(strconv.FormatBool(p.Public))
	return json.Marshal(out)
}

func (p *PeerRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec := PeerRecord{Attributes: make(map[string]json.RawMessage, len(raw))}
	for k, v := range raw {
		switch k {
		case keyGeo:
			var geo GeoInfo
			if isJSONNull(v) {
				continue
			}
			if err := json.Unmarshal(v, &geo); err != nil {
				return fmt.Errorf("decode %s: %w", keyGeo, err)
			}
			if !geo.IsEmpty() {
				rec.Geo = &geo
			}
		case keyContact:
			if isJSONNull(v) {
				continue
			}
			if err := json.Unmarshal(v, &rec.Contact); err != nil {
				return fmt.Errorf("decode %s: %w", keyContact, err)
			}
		case keyPublic:
			rec.Public = ParseFlag(v)
		default:
			rec.Attributes[k] = v
		}
	}
	*p = rec
	return nil
}

func (p PeerRecord) Clone() PeerRecord {
	out := p
	out.Attributes = make(map[string]json.RawMessage, len(p.Attributes))
	for k, v := range p.Attributes {
		out.Attributes[k] = v
	}
	if p.Geo != nil {
		geo := *p.Geo
		out.Geo = &geo
	}
	if p.Contact.Refresh != nil {
		ts := *p.Contact.Refresh
		out.Contact.Refresh = &ts
	}
	if p.Contact.RefreshFailed != nil {
		ts := *p.Contact.RefreshFailed
		out.Contact.RefreshFailed = &ts
	}
	return out
}

// StringAttr returns a string attribute, or "" when it is absent or not a string.
func (p PeerRecord) StringAttr(key string) string {
	v, ok := p.Attributes[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// Directory maps peer identity to record.
type Directory map[string]PeerRecord

func (d Directory) Clone() Directory {
	out := make(Directory, len(d))
	for id, rec := range d {
		out[id] = rec.Clone()
	}
	return out
}

// Sorted returns the records ordered by identity.
func (d Directory) Sorted() []PeerRecord {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]PeerRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, d[id])
	}
	return out
}

type ProvenanceRecord struct {
	Bootnode string `json:"bootnode"`
}

// UnmarshalJSON accepts the current {"bootnode":"url"} form as well as older
// snapshots that stored {"bootnode":{"url":...}} or {"bootnode":["url",{auth}]}.
func (p *ProvenanceRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Bootnode json.RawMessage `json:"bootnode"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Bootnode = ""
	b := bytes.TrimSpace(raw.Bootnode)
	if len(b) == 0 || isJSONNull(b) {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, &p.Bootnode)
	case '{':
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		p.Bootnode = obj.URL
		return nil
	case '[':
		var tuple []json.RawMessage
		if err := json.Unmarshal(b, &tuple); err != nil {
			return err
		}
		if len(tuple) == 0 {
			return nil
		}
		return json.Unmarshal(tuple[0], &p.Bootnode)
	default:
		return fmt.Errorf("unexpected provenance bootnode %s", string(b))
	}
}

// Provenance maps peer identity to the bootnode it was last observed through.
type Provenance map[string]ProvenanceRecord

func (p Provenance) Clone() Provenance {
	out := make(Provenance, len(p))
	for id, rec := range p {
		out[id] = rec
	}
	return out
}

// ParseFlag normalizes a boolean-ish JSON value. JSON booleans are taken as is,
// numbers are true when non-zero, strings are true for 1/true/yes/y/on
// (case-insensitive, or a non-zero number). Anything else is false.
func ParseFlag(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return false
	}
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		switch s {
		case "1", "true", "yes", "y", "on":
			return true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f != 0
		}
		return false
	default:
		return false
	}
}

type BootnodeFetchStatus struct {
	Bootnode string `json:"bootnode"`
	Success  bool   `json:"success"`
	Peers    int    `json:"peers"`
	Failure  string `json:"failure,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RefreshRunStatus struct {
	Submitted int   `json:"submitted"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Batches   []int `json:"batches,omitempty"`
}

type CycleRunStatus struct {
	CycleID     string                `json:"cycle_id"`
	StartedAt   int64                 `json:"started_at"`
	FinishedAt  int64                 `json:"finished_at"`
	Success     bool                  `json:"success"`
	Bootnodes   []BootnodeFetchStatus `json:"bootnodes"`
	Merged      int                   `json:"merged"`
	Skipped     int                   `json:"skipped"`
	Invalid     int                   `json:"invalid"`
	Directory   int                   `json:"directory"`
	Public      int                   `json:"public"`
	Evicted     int                   `json:"evicted"`
	Refresh     RefreshRunStatus      `json:"refresh"`
	SkippedRuns int64                 `json:"skipped_runs"`
	Error       string                `json:"error,omitempty"`
}

type CycleStatusResponse struct {
	GeneratedAt int64          `json:"generated_at"`
	Running     bool           `json:"running"`
	Last        CycleRunStatus `json:"last"`
}

func isReservedKey(k string) bool {
	return k == keyGeo || k == keyContact || k == keyPublic
}

func isJSONNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
