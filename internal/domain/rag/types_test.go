package rag

import (
	"encoding/json"
	"testing"
)

func TestFlexIDUnmarshal(t *testing.T) {
	cases := []struct {
		raw   string
		value int64
		valid bool
	}{
		{`42`, 42, true},
		{`"42"`, 42, true},
		{`42.0`, 42, true},
		{`42.5`, 0, false},
		{`"abc"`, 0, false},
		{`0`, 0, false},
		{`-3`, 0, false},
		{`null`, 0, false},
		{`true`, 0, false},
		{`[1]`, 0, false},
	}
	for _, c := range cases {
		var p PointPayload
		if err := json.Unmarshal([]byte(`{"knowledgeSourceId":`+c.raw+`}`), &p); err != nil {
			t.Errorf("%s: unexpected error %v", c.raw, err)
			continue
		}
		if p.KnowledgeSourceID.Valid != c.valid || p.KnowledgeSourceID.Value != c.value {
			t.Errorf("%s: got %+v", c.raw, p.KnowledgeSourceID)
		}
	}
}

func TestFlexIDMarshal(t *testing.T) {
	data, err := json.Marshal(PointPayload{Text: "t", Source: "a.pdf", KnowledgeSourceID: NewFlexID(7), AIConfigID: "c"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"text":"t","source":"a.pdf","knowledgeSourceId":7,"aiConfigId":"c"}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}

	data, _ = json.Marshal(FlexID{})
	if string(data) != "null" {
		t.Fatalf("invalid FlexID should encode as null, got %s", data)
	}
}
