package ingest

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// DisplayPolicy assigns render metadata to a freshly materialized layer.
// Implementations must be safe for concurrent use.
type DisplayPolicy interface {
	Color() string    // "#rrggbb"
	Opacity() float64 // 0..1
}

// Opacity modes for PaletteConfig.
const (
	OpacityFixed  = "fixed"
	OpacityRandom = "random"
)

// DefaultOpacity matches the map client's historical fill opacity.
const DefaultOpacity = 0.7

// PaletteConfig configures the default DisplayPolicy.
type PaletteConfig struct {
	Seed        uint64 // 0 = seeded from the runtime source
	OpacityMode string // OpacityFixed (default) or OpacityRandom
	Opacity     float64
	OpacityMin  float64
	OpacityMax  float64
}

// Palette picks a uniformly random 24-bit color per call and either a
// fixed or a bounded random opacity. Colors are not checked against layers
// already on the map.
type Palette struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	random bool
	fixed  float64
	min    float64
	max    float64
}

// NewPalette builds a Palette; a non-zero Seed makes the sequence reproducible.
func NewPalette(cfg PaletteConfig) *Palette {
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	p := &Palette{
		rnd:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		random: cfg.OpacityMode == OpacityRandom,
		fixed:  clamp01(cfg.Opacity),
		min:    clamp01(cfg.OpacityMin),
		max:    clamp01(cfg.OpacityMax),
	}
	if cfg.Opacity == 0 {
		p.fixed = DefaultOpacity
	}
	if p.min == 0 && p.max == 0 {
		p.min, p.max = 0.3, 0.8
	}
	if p.min > p.max {
		p.min, p.max = p.max, p.min
	}
	return p
}

// Color implements DisplayPolicy.
func (p *Palette) Color() string {
	p.mu.Lock()
	v := p.rnd.IntN(0x1000000)
	p.mu.Unlock()
	return fmt.Sprintf("#%06x", v)
}

// Opacity implements DisplayPolicy.
func (p *Palette) Opacity() float64 {
	if !p.random {
		return p.fixed
	}
	p.mu.Lock()
	f := p.rnd.Float64()
	p.mu.Unlock()
	return p.min + f*(p.max-p.min)
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
