package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/turnplay/pkg/audio"
	"github.com/MrWong99/turnplay/pkg/audio/adaptive"
)

// Message types carried in the "type" field of every text frame.
const (
	TypeChunk   = "chunk"
	TypeNetwork = "network"
	TypeError   = "error"
)

// Message is the JSON envelope exchanged over the WebSocket. Only the fields
// relevant to Type are set.
type Message struct {
	Type string `json:"type"`

	// chunk
	TurnID    string `json:"turn_id,omitempty"`
	AudioData string `json:"audio_data,omitempty"`
	IsFirst   bool   `json:"is_first,omitempty"`
	IsFinal   bool   `json:"is_final,omitempty"`
	Encoding  string `json:"encoding,omitempty"`

	// network
	Network *NetworkReport `json:"network,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// NetworkReport is the wire form of [adaptive.NetworkConditions]. Durations
// are milliseconds so that browser clients can send them directly.
type NetworkReport struct {
	LatencyMs         *float64 `json:"latency_ms,omitempty"`
	JitterMs          *float64 `json:"jitter_ms,omitempty"`
	PacketLossPercent *float64 `json:"packet_loss_percent,omitempty"`
}

// Conditions converts the report. Absent fields stay unknown.
func (r NetworkReport) Conditions() adaptive.NetworkConditions {
	var n adaptive.NetworkConditions
	if r.LatencyMs != nil {
		d := msToDuration(*r.LatencyMs)
		n.Latency = &d
	}
	if r.JitterMs != nil {
		d := msToDuration(*r.JitterMs)
		n.Jitter = &d
	}
	if r.PacketLossPercent != nil {
		v := *r.PacketLossPercent
		n.PacketLossPercent = &v
	}
	return n
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// Chunk converts a chunk message. An empty encoding is passed through so the
// router can apply the configured default.
func (m Message) Chunk() (audio.Chunk, error) {
	if m.TurnID == "" {
		return audio.Chunk{}, errors.New("chunk without turn_id")
	}
	enc := audio.Encoding(m.Encoding)
	if enc != "" && !enc.IsValid() {
		return audio.Chunk{}, fmt.Errorf("unsupported encoding %q", m.Encoding)
	}
	return audio.Chunk{
		AudioData: m.AudioData,
		IsFirst:   m.IsFirst,
		IsFinal:   m.IsFinal,
		TurnID:    m.TurnID,
		Encoding:  enc,
	}, nil
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("invalid message: %w", err)
	}
	switch m.Type {
	case TypeChunk:
	case TypeNetwork:
		if m.Network == nil {
			return Message{}, errors.New("network message without network field")
		}
	default:
		return Message{}, fmt.Errorf("unknown message type %q", m.Type)
	}
	return m, nil
}
