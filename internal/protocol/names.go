// Package protocol generates display names for spawned CLI attempts.
// Names are cosmetic — the engine and loop driver key everything by task
// ID, never by these.
package protocol

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var adjectives = []string{
	"cyber", "neon", "chrome", "quantum", "binary",
	"hex", "crypto", "pixel", "static", "digital",
	"swift", "quick", "rapid", "flash", "drift",
	"glide", "rogue", "vivid", "feral", "lone",
	"grim", "sharp", "keen", "clever", "bold",
	"fierce", "iron", "steel", "copper", "silver",
	"cobalt", "frost", "storm", "solar", "lunar",
	"stellar", "ghost", "shadow", "phantom", "silent",
}

var nouns = []string{
	"wolf", "fox", "hawk", "falcon", "eagle",
	"raven", "viper", "python", "tiger", "lynx",
	"byte", "node", "daemon", "proxy", "socket",
	"cipher", "hash", "kernel", "shell", "thread",
	"mutex", "pipe", "buffer", "stream", "vector",
	"blade", "beacon", "relay", "circuit", "probe",
	"spark", "ember", "nova", "pulsar", "comet",
	"echo", "signal", "pulse", "core", "nexus",
}

var rng = rand.New(rand.NewSource(time.Now().UnixNano()))

// generateName creates a random two-word name (e.g. "ghost_wolf").
func generateName() string {
	adj := adjectives[rng.Intn(len(adjectives))]
	noun := nouns[rng.Intn(len(nouns))]
	return fmt.Sprintf("%s_%s", adj, noun)
}

// AgentID is a display identifier for a single spawned CLI attempt.
type AgentID string

// String returns the agent ID as a string.
func (id AgentID) String() string {
	return string(id)
}

// NameGenerator hands out unique attempt names with collision detection.
// All methods are safe for concurrent use.
type NameGenerator struct {
	mu   sync.Mutex
	used map[string]bool
}

// NewNameGenerator creates a new name generator.
func NewNameGenerator() *NameGenerator {
	return &NameGenerator{
		used: make(map[string]bool),
	}
}

// Generate creates a unique agent ID, retrying on collision.
func (g *NameGenerator) Generate() AgentID {
	g.mu.Lock()
	defer g.mu.Unlock()

	for attempts := 0; attempts < 1000; attempts++ {
		name := generateName()
		if !g.used[name] {
			g.used[name] = true
			return AgentID(name)
		}
	}
	// Name space exhausted — append a numeric suffix for uniqueness.
	name := fmt.Sprintf("%s_%d", generateName(), time.Now().UnixNano()%10000)
	g.used[name] = true
	return AgentID(name)
}

// Release marks an agent ID as available for reuse.
func (g *NameGenerator) Release(id AgentID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.used, string(id))
}
