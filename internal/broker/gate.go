package broker

import "context"

// Gate serializes control-plane calls on a session. Only one call is in flight at a
// time; waiting for the gate and the call itself are both bounded by ctx.
type Gate struct {
	sem chan struct{}
}

// NewGate creates an open gate
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Do runs fn while holding the gate. If ctx expires first Do returns ctx.Err();
// fn keeps running in the background and releases the gate when it returns, so a
// stuck call never lets a second one overlap it.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-g.sem }()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
