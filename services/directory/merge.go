package directory

import (
	"encoding/json"
	"time"

	"peerdir/pkg/proto"
)

type MergeStats struct {
	// Merged counts observations folded in; a peer seen by two bootnodes counts twice.
	Merged int
	// Skipped counts peers still in protocol handshake.
	Skipped int
	// Invalid counts peers without a parseable enode descriptor.
	Invalid int
}

// Merge folds the successful fetch results into a copy of prev. Inputs are not
// modified. Later results overwrite attributes of earlier ones for the same
// identity while contact history accumulates.
func Merge(prev proto.Directory, prevProv proto.Provenance, results []FetchResult, now time.Time) (proto.Directory, proto.Provenance, MergeStats) {
	dir := prev.Clone()
	prov := prevProv.Clone()
	ts := proto.NewTimestamp(now)
	var stats MergeStats

	for _, res := range results {
		if !res.OK() {
			continue
		}
		for _, raw := range res.Peers {
			id, err := PeerIdentity(stringField(raw, proto.AttrEnode))
			if err != nil {
				stats.Invalid++
				continue
			}
			if inHandshake(raw[proto.AttrProtocols]) {
				stats.Skipped++
				continue
			}
			rec, ok := dir[id]
			if !ok {
				rec = proto.PeerRecord{
					Attributes: make(map[string]json.RawMessage, len(raw)),
					Contact:    proto.PeerContact{First: ts, Last: ts},
				}
			}
			overlay(&rec, raw)
			if ts.Unix >= rec.Contact.Last.Unix {
				rec.Contact.Last = ts
			}
			dir[id] = rec
			prov[id] = proto.ProvenanceRecord{Bootnode: res.Bootnode}
			stats.Merged++
		}
	}
	return dir, prov, stats
}

func overlay(rec *proto.PeerRecord, raw RawPeer) {
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]json.RawMessage, len(raw))
	}
	public, reported := false, false
	for k, v := range raw {
		switch k {
		case "ip_info", "contact":
			// locally maintained; never taken from a bootnode
		case "public":
			public, reported = proto.ParseFlag(v), true
		default:
			rec.Attributes[k] = v
		}
	}
	if !reported {
		public = rec.StringAttr(proto.AttrENR) != ""
	}
	rec.Public = public
}

// inHandshake reports whether every sub-protocol on the link is still in
// handshake. Peers with no protocol information are not in handshake.
func inHandshake(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var protocols map[string]json.RawMessage
	if err := json.Unmarshal(raw, &protocols); err != nil || len(protocols) == 0 {
		return false
	}
	for _, v := range protocols {
		var state string
		if err := json.Unmarshal(v, &state); err != nil || state != proto.ProtocolStateHandshake {
			return false
		}
	}
	return true
}

func stringField(raw RawPeer, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// remoteAddress returns network.remoteAddress of a record, if reported.
func remoteAddress(rec proto.PeerRecord) string {
	raw, ok := rec.Attributes[proto.AttrNetwork]
	if !ok {
		return ""
	}
	var network struct {
		RemoteAddress string `json:"remoteAddress"`
	}
	if err := json.Unmarshal(raw, &network); err != nil {
		return ""
	}
	return network.RemoteAddress
}
