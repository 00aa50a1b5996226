package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"meshnode"
)

// StatusToProto encodes a node status.
func StatusToProto(st meshnode.NodeStatus) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(map[string]any{
		"name":    st.Name,
		"role":    st.Role.String(),
		"phase":   st.Phase,
		"uuid":    st.UUID.String(),
		"address": int(st.Address),
		"onoff":   st.OnOff == meshnode.On,
		"version": st.Version,
		"admission": map[string]any{
			"discovered": st.Admission.Discovered,
			"pending":    st.Admission.Pending,
			"in_flight":  st.Admission.InFlight,
			"admitted":   st.Admission.Admitted,
			"failed":     st.Admission.Failed,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return s, nil
}

// StatusFromProto decodes a node status. Missing fields decode to their zero
// value.
func StatusFromProto(s *structpb.Struct) (meshnode.NodeStatus, error) {
	f := s.GetFields()
	st := meshnode.NodeStatus{
		Name:    f["name"].GetStringValue(),
		Phase:   f["phase"].GetStringValue(),
		Address: meshnode.Address(f["address"].GetNumberValue()),
		Version: f["version"].GetStringValue(),
	}
	if role := f["role"].GetStringValue(); role != "" && role != "unknown" {
		r, err := meshnode.ParseRole(role)
		if err != nil {
			return meshnode.NodeStatus{}, err
		}
		st.Role = r
	}
	if raw := f["uuid"].GetStringValue(); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return meshnode.NodeStatus{}, fmt.Errorf("parse uuid: %w", err)
		}
		st.UUID = id
	}
	if f["onoff"].GetBoolValue() {
		st.OnOff = meshnode.On
	}
	adm := f["admission"].GetStructValue().GetFields()
	st.Admission = meshnode.AdmissionStats{
		Discovered: int(adm["discovered"].GetNumberValue()),
		Pending:    int(adm["pending"].GetNumberValue()),
		InFlight:   int(adm["in_flight"].GetNumberValue()),
		Admitted:   int(adm["admitted"].GetNumberValue()),
		Failed:     int(adm["failed"].GetNumberValue()),
	}
	return st, nil
}

// NodesToProto encodes admitted node records.
func NodesToProto(nodes []meshnode.NodeRecord) (*structpb.ListValue, error) {
	items := make([]any, 0, len(nodes))
	for _, n := range nodes {
		items = append(items, map[string]any{
			"uuid":        n.UUID.String(),
			"unicast":     int(n.Unicast),
			"elements":    int(n.Elements),
			"admitted_at": n.AdmittedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	l, err := structpb.NewList(items)
	if err != nil {
		return nil, fmt.Errorf("encode nodes: %w", err)
	}
	return l, nil
}

func NodesFromProto(l *structpb.ListValue) ([]meshnode.NodeRecord, error) {
	out := make([]meshnode.NodeRecord, 0, len(l.GetValues()))
	for i, v := range l.GetValues() {
		f := v.GetStructValue().GetFields()
		id, err := uuid.Parse(f["uuid"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("node %d: parse uuid: %w", i, err)
		}
		rec := meshnode.NodeRecord{
			UUID:     id,
			Unicast:  meshnode.Address(f["unicast"].GetNumberValue()),
			Elements: uint8(f["elements"].GetNumberValue()),
		}
		if raw := f["admitted_at"].GetStringValue(); raw != "" {
			at, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return nil, fmt.Errorf("node %s: parse admitted_at: %w", id, err)
			}
			rec.AdmittedAt = at
		}
		out = append(out, rec)
	}
	return out, nil
}
