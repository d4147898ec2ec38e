package registry_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/tanglehq/loom/internal/registry"
)

func TestLoadDefaultEmbeddedDocument(t *testing.T) {
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if reg.DefaultID() != "TEAM-100" {
		t.Fatalf("unexpected default handler %s", reg.DefaultID())
	}
	descriptors := reg.Descriptors()
	if len(descriptors) < 5 {
		t.Fatalf("embedded registry declares only %d handlers", len(descriptors))
	}
	for _, desc := range descriptors {
		h, ok := reg.Handler(desc.ID)
		if !ok {
			t.Fatalf("no implementation bound for %s", desc.ID)
		}
		if h.ID() != desc.ID {
			t.Fatalf("implementation %s bound to descriptor %s", h.ID(), desc.ID)
		}
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "no handlers",
			doc:  "handlers: []",
			want: "no handlers",
		},
		{
			name: "duplicate id",
			doc: `handlers:
  - id: TEAM-100
    domain: general
  - id: TEAM-100
    domain: general
`,
			want: "duplicate handler id",
		},
		{
			name: "empty domain",
			doc: `handlers:
  - id: TEAM-100
    domain: ""
`,
			want: "no domain",
		},
		{
			name: "unknown default",
			doc: `default_handler: TEAM-999
handlers:
  - id: TEAM-100
    domain: general
`,
			want: "not declared",
		},
		{
			name: "status template too long",
			doc: `handlers:
  - id: TEAM-100
    domain: general
    status_templates:
      - "` + strings.Repeat("x", registry.MaxStatusLen+1) + `"
`,
			want: "status template",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.LoadConfig([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigDefaultsToFirstHandler(t *testing.T) {
	cfg, err := registry.LoadConfig([]byte(`handlers:
  - id: TEAM-201
    domain: architecture
  - id: TEAM-202
    domain: implementation
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DefaultHandler != "TEAM-201" {
		t.Fatalf("default handler %s, want first declared", cfg.DefaultHandler)
	}
}

func TestSupportersReturnDeclaredTargets(t *testing.T) {
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	got := reg.Supporters("TEAM-302")
	want := []string{"TEAM-202", "TEAM-301"}
	if len(got) != len(want) {
		t.Fatalf("supporters of TEAM-302: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("supporters of TEAM-302: got %v, want %v", got, want)
		}
	}
	if reg.Supporters("TEAM-100") != nil {
		t.Fatalf("general handler declares no support targets")
	}
	if reg.Supporters("TEAM-999") != nil {
		t.Fatalf("unknown handler has supporters")
	}

	cfg, err := registry.LoadConfig([]byte(`handlers:
  - id: TEAM-100
    domain: general
    support_of: [TEAM-404]
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	orphan, err := registry.New(cfg, nil)
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if got := orphan.Supporters("TEAM-100"); got != nil {
		t.Fatalf("undeclared support target survived: %v", got)
	}
}

func TestStatusAndActivityTracking(t *testing.T) {
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if got := reg.Status("TEAM-202"); got != registry.StatusReady {
		t.Fatalf("fresh handler status %s", got)
	}
	reg.SetStatus("TEAM-202", registry.StatusBusy)
	if got := reg.Status("TEAM-202"); got != registry.StatusBusy {
		t.Fatalf("status after SetStatus: %s", got)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.MarkActive("TEAM-202", at)
	if !reg.LastActive("TEAM-202").Equal(at) {
		t.Fatalf("last active %v, want %v", reg.LastActive("TEAM-202"), at)
	}
	if !reg.LastActive("TEAM-999").IsZero() {
		t.Fatalf("unknown handler reports activity")
	}
	if got := reg.DeclarationIndex("TEAM-999"); got != len(reg.Descriptors()) {
		t.Fatalf("unknown id declaration index %d", got)
	}
}

func TestBuiltInAdvisorContributesForItsDomain(t *testing.T) {
	reg, err := registry.LoadDefault("")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	h, ok := reg.Handler("TEAM-301")
	if !ok {
		t.Fatalf("security handler missing")
	}
	out, err := h.Invoke(context.Background(), registry.Task{
		ID:   "task-1",
		Text: "review token storage",
	}, registry.Context{})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.HandlerID != "TEAM-301" || out.Domain != "security" {
		t.Fatalf("misattributed output: %+v", out)
	}
	if out.Recommendation == "" {
		t.Fatalf("empty recommendation")
	}
}
