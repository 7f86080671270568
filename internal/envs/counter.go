package envs

import (
	"context"
	"fmt"

	"github.com/nidhogg/streamrl/internal/actor"
	"github.com/nidhogg/streamrl/internal/shard"
)

// Counter ends after Length steps with reward 1 per step. Its observation is
// the step index, so it is handy for checking ordering end to end.
type Counter struct {
	Length int
	n      int
}

func (c *Counter) Reset(context.Context) (shard.Tensor, error) {
	c.n = 0
	return shard.Float64s(0), nil
}

func (c *Counter) Step(context.Context, shard.Tensor) (shard.Tensor, float64, bool, error) {
	c.n++
	return shard.Float64s(float64(c.n)), 1, c.n >= c.Length, nil
}

// Kind names a reference environment.
type Kind string

const (
	KindCartPole Kind = "cartpole"
	KindCounter  Kind = "counter"
)

// ObsDim returns the observation width of kind.
func ObsDim(kind Kind) int {
	if kind == KindCartPole {
		return CartPoleObsDim
	}
	return 1
}

// Actions returns the number of discrete actions of kind.
func Actions(kind Kind) int {
	if kind == KindCartPole {
		return CartPoleActions
	}
	return 2
}

// Factory returns an actor.Factory building kind. Each environment gets its
// own seed derived from seed and its id.
func Factory(kind Kind, seed int64) (actor.Factory, error) {
	switch kind {
	case KindCartPole:
		return func(id string) (actor.Environment, error) {
			return NewCartPole(seed + int64(hashID(id))), nil
		}, nil
	case KindCounter, "":
		return func(string) (actor.Environment, error) {
			return &Counter{Length: 10}, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown environment kind %q (should be one of -- cartpole|counter)", kind)
}

func hashID(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h
}
