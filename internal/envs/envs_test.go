package envs

import (
	"context"
	"testing"

	"github.com/nidhogg/streamrl/internal/shard"
)

func TestCartPoleTerminates(t *testing.T) {
	env := NewCartPole(1)
	ctx := context.Background()
	obs, err := env.Reset(ctx)
	if err != nil || obs.Elements() != CartPoleObsDim {
		t.Fatalf("reset: %v, %d elements", err, obs.Elements())
	}
	steps := 0
	for {
		_, reward, done, err := env.Step(ctx, shard.Int64s(1))
		if err != nil {
			t.Fatal(err)
		}
		steps++
		if done {
			if reward != 0 {
				t.Errorf("pushing one way should fail the episode, got reward %v", reward)
			}
			break
		}
		if steps > CartPoleMaxSteps {
			t.Fatal("episode never ended")
		}
	}
}

func TestCartPoleRejectsBadAction(t *testing.T) {
	env := NewCartPole(1)
	env.Reset(context.Background())
	if _, _, _, err := env.Step(context.Background(), shard.Int64s(7)); err == nil {
		t.Fatal("expected an error for action 7")
	}
}

func TestCounter(t *testing.T) {
	f, err := Factory(KindCounter, 0)
	if err != nil {
		t.Fatal(err)
	}
	env, _ := f("e")
	env.Reset(context.Background())
	var total float64
	for i := 1; ; i++ {
		_, r, done, _ := env.Step(context.Background(), shard.Int64s(0))
		total += r
		if done {
			if i != 10 {
				t.Errorf("done after %d steps, want 10", i)
			}
			break
		}
	}
	if total != 10 {
		t.Errorf("got return %v, want 10", total)
	}
	if _, err := Factory("atari", 0); err == nil {
		t.Error("unknown kind accepted")
	}
}
