package propolis_test

import (
	"strings"
	"testing"

	propolis "github.com/propolis/propolis"
)

func TestParsePath_DownChain(t *testing.T) {
	p, err := propolis.ParsePath("Program->Audit->Assessment")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Anchor != "Program" {
		t.Errorf("anchor = %q, want Program", p.Anchor)
	}
	if len(p.Hops) != 2 {
		t.Fatalf("got %d hops, want 2", len(p.Hops))
	}
	if p.Hops[0].Dir != propolis.Forward || p.Hops[0].Type != "Audit" {
		t.Errorf("hop 0 = %+v, want forward Audit", p.Hops[0])
	}
	if p.Hops[1].Dir != propolis.Forward || p.Hops[1].Type != "Assessment" {
		t.Errorf("hop 1 = %+v, want forward Assessment", p.Hops[1])
	}
	if p.Terminal() != "Assessment" {
		t.Errorf("terminal = %q, want Assessment", p.Terminal())
	}
}

func TestParsePath_MixedDirections(t *testing.T) {
	p, err := propolis.ParsePath("Assessment<-Audit->Evidence")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Anchor != "Assessment" {
		t.Errorf("anchor = %q, want Assessment", p.Anchor)
	}
	if len(p.Hops) != 2 {
		t.Fatalf("got %d hops, want 2", len(p.Hops))
	}
	if p.Hops[0].Dir != propolis.Reverse || p.Hops[0].Type != "Audit" {
		t.Errorf("hop 0 = %+v, want reverse Audit", p.Hops[0])
	}
	if p.Hops[1].Dir != propolis.Forward || p.Hops[1].Type != "Evidence" {
		t.Errorf("hop 1 = %+v, want forward Evidence", p.Hops[1])
	}
}

func TestParsePath_BareAnchor(t *testing.T) {
	p, err := propolis.ParsePath("Control")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Anchor != "Control" || len(p.Hops) != 0 {
		t.Errorf("got %+v, want bare Control anchor", p)
	}
	if p.Terminal() != "Control" {
		t.Errorf("terminal of zero-hop path = %q, want Control", p.Terminal())
	}
}

func TestParsePath_SelfReferentialHop(t *testing.T) {
	// The same type may appear twice in a row; each hop consumes one edge.
	p, err := propolis.ParsePath("Assessment->Snapshot->Snapshot")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Hops) != 2 || p.Hops[0].Type != "Snapshot" || p.Hops[1].Type != "Snapshot" {
		t.Errorf("got %+v, want two Snapshot hops", p.Hops)
	}
}

func TestParsePath_Invalid(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"->Audit",
		"<-Audit",
		"Program->",
		"Program-><-Audit",
		"Program->Audit->",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := propolis.ParsePath(in)
			if err == nil {
				t.Fatalf("ParsePath(%q) succeeded, want error", in)
			}
			if !propolis.IsInvalidRuleErr(err) {
				t.Errorf("error should wrap ErrInvalidRule, got: %v", err)
			}
		})
	}
}

func TestPath_StringRoundTrip(t *testing.T) {
	exprs := []string{
		"Program->Audit->Assessment->Evidence",
		"Assessment<-Audit->Evidence",
		"Control",
		"Audit<-Program",
	}
	for _, expr := range exprs {
		p, err := propolis.ParsePath(expr)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", expr, err)
		}
		if got := p.String(); got != expr {
			t.Errorf("round trip of %q produced %q", expr, got)
		}
	}
}

func TestPath_Reversed(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Program->Audit->Assessment", "Assessment<-Audit<-Program"},
		{"Assessment<-Audit->Evidence", "Evidence<-Audit->Assessment"},
		{"Control->Document", "Document<-Control"},
		{"Control", "Control"},
	}
	for _, tt := range cases {
		p, err := propolis.ParsePath(tt.in)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", tt.in, err)
		}
		if got := p.Reversed().String(); got != tt.want {
			t.Errorf("Reversed(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPath_ReversedTwiceIsIdentity(t *testing.T) {
	expr := "Assessment<-Audit->Evidence->Comment"
	p, err := propolis.ParsePath(expr)
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if got := p.Reversed().Reversed().String(); got != expr {
		t.Errorf("double reverse of %q produced %q", expr, got)
	}
}

func TestPath_HopsFrom(t *testing.T) {
	p, err := propolis.ParsePath("Program->Audit->Assessment")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}

	hops, ok := p.HopsFrom("Program")
	if !ok || len(hops) != 2 || hops[0].Type != "Audit" {
		t.Errorf("HopsFrom(Program) = %+v, %v; want forward hops", hops, ok)
	}

	hops, ok = p.HopsFrom("Assessment")
	if !ok || len(hops) != 2 {
		t.Fatalf("HopsFrom(Assessment) = %+v, %v; want reversed hops", hops, ok)
	}
	if hops[0].Dir != propolis.Reverse || hops[0].Type != "Audit" {
		t.Errorf("first reversed hop = %+v, want reverse Audit", hops[0])
	}

	if _, ok := p.HopsFrom("Evidence"); ok {
		t.Error("HopsFrom(Evidence) should report no match")
	}
}

func TestPath_Concat(t *testing.T) {
	up, err := propolis.ParsePath("Assessment<-Audit")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	down, err := propolis.ParsePath("Audit->Evidence")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	got := up.Concat(down).String()
	if got != "Assessment<-Audit->Evidence" {
		t.Errorf("Concat = %q, want Assessment<-Audit->Evidence", got)
	}
}

func TestParsePath_ErrorNamesPath(t *testing.T) {
	_, err := propolis.ParsePath("Program->")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Program->") {
		t.Errorf("error should name the offending path, got: %v", err)
	}
}
