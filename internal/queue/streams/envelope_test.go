package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:    "ev-1",
		EventType:  "ingest.step",
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"document_id":"doc-1"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	cases := []Envelope{
		{EventType: "t", Data: json.RawMessage(`{}`)},
		{EventID: "id", Data: json.RawMessage(`{}`)},
		{EventID: "id", EventType: "t"},
	}
	for i, env := range cases {
		if _, err := env.Marshal(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
