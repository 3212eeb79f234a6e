package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// EnvelopeFormat is the wire serialization format discriminator. Decoding
// dispatches on format version first, then on the embedded type tag.
type EnvelopeFormat int32

const (
	FormatV1 EnvelopeFormat = 1
	FormatV2 EnvelopeFormat = 2
)

// Type tags carried inside result envelopes. ERROR and FAILURE are shared
// across every callback domain; the rest are domain success results.
const (
	TypeTagError        = "ERROR"
	TypeTagFailure      = "FAILURE"
	TypeTagTaskResult   = "TASK_RESULT"
	TypeTagArtifact     = "ARTIFACT_RESULT"
	TypeTagInstanceSync = "INSTANCE_SYNC"
	TypeTagManifest     = "MANIFEST_RESULT"
	TypeTagConnHB       = "CONNECTION_HEARTBEAT"
	TypeTagPolling      = "POLLING_RESULT"
)

// Envelope is the decoded form of an opaque versioned result payload
type Envelope struct {
	Format  EnvelopeFormat `json:"format"`
	TypeTag string         `json:"type"`
	Data    []byte         `json:"data"`
}

// envelopeV1 is the v1 frame: type tag plus inline JSON body
type envelopeV1 struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// envelopeV2 is the v2 frame: explicit version, base64 body (body bytes may
// be any format, not necessarily JSON)
type envelopeV2 struct {
	Version int32  `json:"v"`
	Type    string `json:"type"`
	Data    string `json:"data"`
}

// DecodeEnvelope parses an opaque payload per its declared format
func DecodeEnvelope(format EnvelopeFormat, raw []byte) (*Envelope, error) {
	switch format {
	case FormatV1:
		var frame envelopeV1
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, fmt.Errorf("decode v1 envelope: %w", err)
		}
		if frame.Type == "" {
			return nil, fmt.Errorf("decode v1 envelope: missing type tag")
		}
		return &Envelope{Format: FormatV1, TypeTag: frame.Type, Data: frame.Data}, nil
	case FormatV2:
		var frame envelopeV2
		if err := json.Unmarshal(raw, &frame); err != nil {
			return nil, fmt.Errorf("decode v2 envelope: %w", err)
		}
		if frame.Version != int32(FormatV2) {
			return nil, fmt.Errorf("decode v2 envelope: version mismatch %d", frame.Version)
		}
		if frame.Type == "" {
			return nil, fmt.Errorf("decode v2 envelope: missing type tag")
		}
		body, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			return nil, fmt.Errorf("decode v2 envelope body: %w", err)
		}
		return &Envelope{Format: FormatV2, TypeTag: frame.Type, Data: body}, nil
	default:
		return nil, fmt.Errorf("unknown envelope format %d", format)
	}
}

// EncodeEnvelope builds the wire bytes for an envelope in its format
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	switch env.Format {
	case FormatV1:
		return json.Marshal(envelopeV1{Type: env.TypeTag, Data: env.Data})
	case FormatV2:
		return json.Marshal(envelopeV2{
			Version: int32(FormatV2),
			Type:    env.TypeTag,
			Data:    base64.StdEncoding.EncodeToString(env.Data),
		})
	default:
		return nil, fmt.Errorf("unknown envelope format %d", env.Format)
	}
}

// ResultEnvelope is a transient completion payload routed back to the
// handler registered for its discriminator. Not persisted by the router.
type ResultEnvelope struct {
	CorrelationID string         `json:"correlation_id"` // task id or perpetual-task id
	AccountID     string         `json:"account_id"`
	Format        EnvelopeFormat `json:"format"`
	Payload       []byte         `json:"payload"`
}
