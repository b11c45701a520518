// Package backoff provides retry delay policies for failed jobs.
//
// A Policy is plain data so it can be stored alongside the job and evaluated by
// whichever process observes the next failure. A handler registration, which
// never leaves the process, takes any Strategy, including a Func.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Func adapts an ordinary function to Strategy.
type Func func(attempt int) time.Duration

func (f Func) Delay(attempt int) time.Duration {
	return f(attempt)
}

type Kind string

const (
	KindFixed             Kind = "fixed"
	KindLinear            Kind = "linear"
	KindExponential       Kind = "exponential"
	KindExponentialJitter Kind = "exponential_jitter"
)

// Policy is a serializable Strategy.
type Policy struct {
	Kind Kind          `json:"kind"`
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max,omitempty"`
}

// Fixed always waits d.
func Fixed(d time.Duration) Policy {
	return Policy{Kind: KindFixed, Base: d}
}

// Linear waits initial*attempt, capped at maxDelay.
func Linear(initial, maxDelay time.Duration) Policy {
	return Policy{Kind: KindLinear, Base: initial, Max: maxDelay}
}

// Exponential waits initial*2^(attempt-1), capped at maxDelay.
func Exponential(initial, maxDelay time.Duration) Policy {
	return Policy{Kind: KindExponential, Base: initial, Max: maxDelay}
}

// ExponentialWithJitter picks a random delay in [0, Exponential(attempt)].
func ExponentialWithJitter(initial, maxDelay time.Duration) Policy {
	return Policy{Kind: KindExponentialJitter, Base: initial, Max: maxDelay}
}

// Default is the policy used when neither the job nor the queue sets one.
func Default() Policy {
	return Fixed(time.Second)
}

// Next returns the delay before retry attempt n.
func (p Policy) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Kind {
	case KindLinear:
		d = p.Base * time.Duration(attempt)
	case KindExponential, KindExponentialJitter:
		f := float64(p.Base) * math.Pow(2, float64(attempt-1))
		if f >= math.MaxInt64 {
			d = math.MaxInt64
		} else {
			d = time.Duration(f)
		}
	default:
		d = p.Base
	}

	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	if p.Kind == KindExponentialJitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d) + 1))
	}
	return d
}

// Delay lets a Policy be used wherever a Strategy is expected.
func (p Policy) Delay(attempt int) time.Duration {
	return p.Next(attempt)
}
