package send

import (
	"encoding/json"
	"fmt"
)

type payloadEnvelope struct {
	Kind PayloadKind     `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodePayload(p Payload) (*payloadEnvelope, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &payloadEnvelope{Kind: p.Kind(), Data: data}, nil
}

func decodePayload(env *payloadEnvelope) (Payload, error) {
	if env == nil {
		return nil, nil
	}
	var p Payload
	switch env.Kind {
	case KindText:
		p = &TextPayload{}
	case KindGeo:
		p = &GeoPayload{}
	case KindPhoto:
		p = &PhotoPayload{}
	case KindVideo:
		p = &VideoPayload{}
	case KindDocument:
		p = &DocumentPayload{}
	case KindVoice:
		p = &VoicePayload{}
	case KindContact:
		p = &ContactPayload{}
	case KindPoll:
		p = &PollPayload{}
	case KindGame:
		p = &GamePayload{}
	case KindInvoice:
		p = &InvoicePayload{}
	case KindDice:
		p = &DicePayload{}
	case KindForward:
		p = &ForwardPayload{}
	case KindInlineResult:
		p = &InlineResultPayload{}
	default:
		return nil, fmt.Errorf("unknown payload kind: %s", env.Kind)
	}
	if err := json.Unmarshal(env.Data, p); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// deref returns the value form so round-tripped payloads compare equal to the
// originals constructed as values.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *TextPayload:
		return *v
	case *GeoPayload:
		return *v
	case *PhotoPayload:
		return *v
	case *VideoPayload:
		return *v
	case *DocumentPayload:
		return *v
	case *VoicePayload:
		return *v
	case *ContactPayload:
		return *v
	case *PollPayload:
		return *v
	case *GamePayload:
		return *v
	case *InvoicePayload:
		return *v
	case *DicePayload:
		return *v
	case *ForwardPayload:
		return *v
	case *InlineResultPayload:
		return *v
	default:
		return p
	}
}

// MarshalJSON includes the payload as a tagged envelope.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias Record
	env, err := encodePayload(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(struct {
		alias
		Payload *payloadEnvelope `json:"payload,omitempty"`
	}{alias(r), env})
}

// UnmarshalJSON restores the payload from its tagged envelope.
func (r *Record) UnmarshalJSON(data []byte) error {
	type alias Record
	aux := struct {
		*alias
		Payload *payloadEnvelope `json:"payload,omitempty"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := decodePayload(aux.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	r.Payload = p
	return nil
}
