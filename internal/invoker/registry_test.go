package invoker

import (
	"testing"
)

func fakeInvoker(name string, models []string, available bool) *Descriptor {
	return &Descriptor{
		Name:            name,
		Command:         name,
		SupportedModels: models,
		BuildArgs:       func(opts BuildOptions) []string { return []string{opts.Prompt} },
		IsAvailable:     func() bool { return available },
	}
}

func TestRegistryGetForModel(t *testing.T) {
	r := NewRegistry()
	claude := fakeInvoker("claude", []string{"opus", "sonnet"}, true)
	droid := fakeInvoker("droid", []string{"gemini-flash"}, true)
	if err := r.Register(claude); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(droid); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetForModel("gemini-flash")
	if err != nil || got != droid {
		t.Errorf("GetForModel(gemini-flash) = %v, %v; want droid", got, err)
	}

	// Provider-prefixed lookup falls back to the stripped form.
	got, err = r.GetForModel("google/gemini-flash")
	if err != nil || got != droid {
		t.Errorf("GetForModel(google/gemini-flash) = %v, %v; want droid", got, err)
	}
}

func TestRegistryFirstRegistrationWinsModelClaim(t *testing.T) {
	r := NewRegistry()
	first := fakeInvoker("claude", []string{"shared-model"}, true)
	second := fakeInvoker("opencode", []string{"shared-model"}, true)
	_ = r.Register(first)
	_ = r.Register(second)

	got, err := r.GetForModel("shared-model")
	if err != nil || got != first {
		t.Errorf("shared model should resolve to first registrant, got %v", got)
	}
}

func TestRegistryDefaultFallback(t *testing.T) {
	r := NewRegistry()
	claude := fakeInvoker("claude", []string{"opus"}, true)
	_ = r.Register(claude)

	if err := r.SetDefault("ghost"); err == nil {
		t.Error("SetDefault on unknown invoker should fail")
	}
	if err := r.SetDefault("claude"); err != nil {
		t.Fatal(err)
	}

	got, err := r.GetForModel("model-nobody-claims")
	if err != nil || got != claude {
		t.Errorf("unindexed model should resolve to default, got %v, %v", got, err)
	}
	if r.GetDefault() != claude {
		t.Error("GetDefault should return the configured default")
	}
}

func TestRegistryProbeOrderWhenNoDefault(t *testing.T) {
	r := NewRegistry()
	down := fakeInvoker("claude", []string{"opus"}, false)
	up := fakeInvoker("droid", []string{"gemini-flash"}, true)
	_ = r.Register(down)
	_ = r.Register(up)

	got, err := r.GetForModel("unknown-model")
	if err != nil || got != up {
		t.Errorf("probe should skip unavailable invokers, got %v, %v", got, err)
	}
}

func TestRegistryNoInvokerForModel(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(fakeInvoker("claude", []string{"opus"}, false))

	if _, err := r.GetForModel("mystery"); err == nil {
		t.Error("no default, no available invoker: expected error")
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(fakeInvoker("claude", nil, true))
	if err := r.Register(fakeInvoker("claude", nil, true)); err == nil {
		t.Error("duplicate invoker name should be rejected")
	}
}

func TestFindAvailable(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(fakeInvoker("claude", nil, false))
	_ = r.Register(fakeInvoker("opencode", nil, true))
	_ = r.Register(fakeInvoker("droid", nil, true))

	got := r.FindAvailable()
	if got == nil || got.Name != "opencode" {
		t.Errorf("FindAvailable should return first available in registration order, got %v", got)
	}
}

func TestListPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"droid", "claude", "opencode"} {
		_ = r.Register(fakeInvoker(name, nil, true))
	}
	list := r.List()
	want := []string{"droid", "claude", "opencode"}
	for i, d := range list {
		if d.Name != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}
