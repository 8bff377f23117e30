package server

import (
	"pvlab/internal/domain"
	"pvlab/internal/engine"
	"pvlab/internal/repo"
)

type ProtocolResponse struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Category  string `json:"category"`
	Title     string `json:"title,omitempty"`
	CreatedAt string `json:"created_at"`
}

func protocolResponse(p repo.Protocol) ProtocolResponse {
	return ProtocolResponse{
		ID:        p.ID,
		Version:   p.Version,
		Category:  p.Category,
		Title:     p.Title,
		CreatedAt: p.CreatedAt,
	}
}

func mapProtocols(items []repo.Protocol) []ProtocolResponse {
	out := make([]ProtocolResponse, 0, len(items))
	for _, p := range items {
		out = append(out, protocolResponse(p))
	}
	return out
}

type CreateRunRequest struct {
	ProtocolID      string `json:"protocol_id"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	SampleID        string `json:"sample_id"`
	Operator        string `json:"operator,omitempty"`
}

type RunResponse struct {
	domain.TestRun
}

type AbortRunRequest struct {
	Reason string `json:"reason"`
}

type SubmitMeasurementRequest struct {
	FieldID    string  `json:"field_id"`
	Value      any     `json:"value"`
	LocationID *string `json:"location_id,omitempty"`
	Cycle      *int    `json:"cycle,omitempty"`
	TS         string  `json:"ts,omitempty" format:"date-time"`
}

type SubmitMeasurementResponse struct {
	Measurement domain.Measurement `json:"measurement"`
	QCEvents    []domain.QCEvent   `json:"qc_events"`
	RunStatus   string             `json:"run_status"`
}

type DiscardMeasurementRequest struct {
	Reason string `json:"reason"`
}

type CompleteRunResponse struct {
	Run     domain.TestRun `json:"run"`
	Verdict domain.Verdict `json:"verdict"`
}

type SnapshotResponse struct {
	engine.RunSnapshot
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			RunID:      e.RunID,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return out
}
