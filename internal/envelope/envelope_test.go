package envelope

import (
	"errors"
	"testing"

	"github.com/mesh-actingweb/actorcore/internal/errcode"
)

func TestParseValidHighGranularity(t *testing.T) {
	raw := []byte(`{"id":"pub1","target":"properties","sequence":1,"timestamp":"2026-01-01T00:00:00Z","granularity":"high","subscriptionid":"sub1","data":{"foo":"bar"}}`)
	e, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Sequence != 1 || e.Granularity != GranularityHigh {
		t.Fatalf("unexpected envelope: %+v", e)
	}
	if e.NeedsFetch() {
		t.Fatal("high granularity with inline data should not need fetch")
	}
}

func TestParseRejectsZeroSequence(t *testing.T) {
	raw := []byte(`{"id":"pub1","target":"properties","sequence":0,"granularity":"high","data":{}}`)
	_, err := Parse(raw)
	var ce *errcode.Error
	if !errors.As(err, &ce) || ce.Code != errcode.MalformedEnvelope {
		t.Fatalf("expected MalformedEnvelope, got %v", err)
	}
}

func TestParseRejectsMissingDataAndURL(t *testing.T) {
	raw := []byte(`{"id":"pub1","target":"properties","sequence":1,"granularity":"high"}`)
	_, err := Parse(raw)
	var ce *errcode.Error
	if !errors.As(err, &ce) || ce.Code != errcode.MalformedEnvelope {
		t.Fatalf("expected MalformedEnvelope, got %v", err)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	var ce *errcode.Error
	if !errors.As(err, &ce) || ce.Code != errcode.MalformedEnvelope {
		t.Fatalf("expected MalformedEnvelope, got %v", err)
	}
}

func TestNeedsFetchLowGranularity(t *testing.T) {
	e := &Envelope{Granularity: GranularityLow, URL: "https://peer/actor1/properties"}
	if !e.NeedsFetch() {
		t.Fatal("expected low granularity with no data to need a fetch")
	}
}

func TestIsResync(t *testing.T) {
	e := &Envelope{Type: "resync"}
	if !e.IsResync() {
		t.Fatal("expected IsResync true")
	}
}

func TestParseListMutation(t *testing.T) {
	raw := []byte(`{"list:followers":{"operation":"append","item":{"id":"u1"}}}`)
	m, ok, err := ParseListMutation(raw)
	if err != nil {
		t.Fatalf("ParseListMutation: %v", err)
	}
	if !ok {
		t.Fatal("expected list mutation detected")
	}
	if m.ListName != "followers" || m.Operation != ListOpAppend {
		t.Fatalf("unexpected mutation: %+v", m)
	}
}

func TestParseListMutationAbsent(t *testing.T) {
	raw := []byte(`{"foo":"bar"}`)
	_, ok, err := ParseListMutation(raw)
	if err != nil {
		t.Fatalf("ParseListMutation: %v", err)
	}
	if ok {
		t.Fatal("expected no list mutation detected")
	}
}
