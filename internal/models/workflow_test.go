package models

import "testing"

func TestParseWorkflowPayloadComplete(t *testing.T) {
	raw := `{"title":"Dispatch to Invoice","start_event":"Customer calls",` +
		`"end_event":"Invoice is paid","people":["Scheduler","Technician"],` +
		`"systems":["QuickBooks"],"pain_point":"Invoices wait 3 days for approval"}`

	p, missing, err := ParseWorkflowPayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("missing = %v, want none", missing)
	}
	if p.Title != "Dispatch to Invoice" || p.PainPoint != "Invoices wait 3 days for approval" {
		t.Fatalf("payload = %+v", p)
	}
	if len(p.People) != 2 || len(p.Systems) != 1 {
		t.Fatalf("lists = %v / %v", p.People, p.Systems)
	}
}

func TestParseWorkflowPayloadEmptyListIsPresent(t *testing.T) {
	raw := `{"title":"T","start_event":"a","end_event":"b","people":[],"systems":[],"pain_point":"c"}`

	p, missing, err := ParseWorkflowPayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("empty lists flagged as missing: %v", missing)
	}
	if p.People == nil || p.Systems == nil {
		t.Fatal("empty lists decoded as nil")
	}
}

func TestParseWorkflowPayloadAbsentKeyIsMissing(t *testing.T) {
	raw := `{"title":"T","start_event":"a","end_event":"b","systems":[],"pain_point":"c"}`

	_, missing, err := ParseWorkflowPayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(missing) != 1 || missing[0] != "people" {
		t.Fatalf("missing = %v, want [people]", missing)
	}
}

func TestParseWorkflowPayloadBlankStringsAreMissing(t *testing.T) {
	raw := `{"title":"  ","start_event":"a","end_event":"b","people":[],"systems":[],"pain_point":""}`

	_, missing, err := ParseWorkflowPayload(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]bool{"title": true, "pain_point": true}
	if len(missing) != len(want) {
		t.Fatalf("missing = %v", missing)
	}
	for _, m := range missing {
		if !want[m] {
			t.Fatalf("unexpected missing field %q", m)
		}
	}
}

func TestParseWorkflowPayloadMalformed(t *testing.T) {
	if _, _, err := ParseWorkflowPayload(`not json`); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestRoleFromStore(t *testing.T) {
	if got := RoleFromStore("assistant"); got != RoleAssistant {
		t.Errorf("assistant role = %q", got)
	}
	if got := RoleFromStore("user"); got != RoleUser {
		t.Errorf("user role = %q", got)
	}
	if got := RoleFromStore("garbage"); got != RoleUser {
		t.Errorf("unknown role = %q, want user fallback", got)
	}
}
