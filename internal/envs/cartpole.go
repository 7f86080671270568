// Package envs holds reference environments for smoke runs and tests.
package envs

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/nidhogg/streamrl/internal/shard"
)

const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleLength     = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleLength
	forceMax       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	// CartPoleMaxSteps truncates an episode.
	CartPoleMaxSteps = 500
	// CartPoleObsDim is the observation width: x, x_dot, theta, theta_dot.
	CartPoleObsDim = 4
	// CartPoleActions is the number of discrete actions (push left, push right).
	CartPoleActions = 2
)

// CartPole is the classic pole balancing task. Action 0 pushes left, 1 right.
type CartPole struct {
	x, xDot, theta, thetaDot float64
	steps                    int
	rng                      *rand.Rand
}

// NewCartPole creates an environment seeded with seed.
func NewCartPole(seed int64) *CartPole {
	return &CartPole{rng: rand.New(rand.NewSource(seed))}
}

func (e *CartPole) observe() shard.Tensor {
	return shard.Float64s(e.x, e.xDot, e.theta, e.thetaDot)
}

func (e *CartPole) Reset(context.Context) (shard.Tensor, error) {
	e.x = e.rng.Float64()*0.1 - 0.05
	e.xDot = e.rng.Float64()*0.1 - 0.05
	e.theta = e.rng.Float64()*0.1 - 0.05
	e.thetaDot = e.rng.Float64()*0.1 - 0.05
	e.steps = 0
	return e.observe(), nil
}

func (e *CartPole) Step(_ context.Context, action shard.Tensor) (shard.Tensor, float64, bool, error) {
	a, err := action.AsInt64s()
	if err != nil || len(a) != 1 || a[0] < 0 || a[0] >= CartPoleActions {
		return shard.Tensor{}, 0, false, fmt.Errorf("cartpole: invalid action %v", action)
	}
	force := forceMax
	if a[0] == 0 {
		force = -forceMax
	}

	cosTheta := math.Cos(e.theta)
	sinTheta := math.Sin(e.theta)
	temp := (force + poleMassLength*e.thetaDot*e.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (poleLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	e.x += tau * e.xDot
	e.xDot += tau * xAcc
	e.theta += tau * e.thetaDot
	e.thetaDot += tau * thetaAcc
	e.steps++

	failed := e.x < -xThreshold || e.x > xThreshold || e.theta < -thetaThreshold || e.theta > thetaThreshold
	done := failed || e.steps >= CartPoleMaxSteps
	reward := 1.0
	if failed {
		reward = 0
	}
	return e.observe(), reward, done, nil
}
