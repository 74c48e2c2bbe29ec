package agent

import (
	"testing"
	"time"

	"github.com/geobrowser/taskforge/internal/coreerr"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{Name: "planner", Prompt: "You plan."}, false},
		{"valid with timeout", Spec{Name: "planner", Prompt: "p", Timeout: time.Minute}, false},
		{"empty name", Spec{Prompt: "p"}, true},
		{"empty prompt", Spec{Name: "planner"}, true},
		{"negative timeout", Spec{Name: "planner", Prompt: "p", Timeout: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.spec)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && coreerr.KindOf(err) != coreerr.KindConfigInvalid {
				t.Errorf("validation errors should be CONFIG_INVALID, got %q", coreerr.KindOf(err))
			}
		})
	}
}

func TestDefinitionIsFrozen(t *testing.T) {
	tools := []string{"Read", "Write"}
	env := map[string]string{"KEY": "original"}

	def, err := New(Spec{Name: "worker", Prompt: "w", Tools: tools, Env: env})
	if err != nil {
		t.Fatal(err)
	}

	// Mutating the inputs after construction must not leak in.
	tools[0] = "Bash"
	env["KEY"] = "mutated"

	if def.Tools()[0] != "Read" {
		t.Error("input slice mutation leaked into definition")
	}
	if def.Env()["KEY"] != "original" {
		t.Error("input map mutation leaked into definition")
	}

	// Mutating accessor results must not leak back.
	def.Tools()[0] = "Bash"
	def.Env()["KEY"] = "mutated"

	if def.Tools()[0] != "Read" || def.Env()["KEY"] != "original" {
		t.Error("accessor results alias internal state")
	}
}

func TestRegistryDefault(t *testing.T) {
	r := NewRegistry()

	if r.Default() != nil {
		t.Error("empty registry has no default")
	}

	if err := r.SetDefault("ghost"); err == nil {
		t.Error("SetDefault on unknown name should fail")
	}

	def, _ := New(Spec{Name: "worker", Prompt: "w"})
	r.Register(def)

	if err := r.SetDefault("worker"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if got := r.Default(); got != def {
		t.Error("Default() should return the registered definition")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"reviewer", "planner", "worker"} {
		def, _ := New(Spec{Name: name, Prompt: "p"})
		r.Register(def)
	}

	got := r.List()
	want := []string{"planner", "reviewer", "worker"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q (sorted)", i, got[i], want[i])
		}
	}
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry()
	first, _ := New(Spec{Name: "worker", Prompt: "v1"})
	second, _ := New(Spec{Name: "worker", Prompt: "v2"})

	r.Register(first)
	r.Register(second)

	if got := r.Get("worker"); got.Prompt() != "v2" {
		t.Errorf("re-registration should replace, got prompt %q", got.Prompt())
	}
}
