package runner

import "context"

// Pin is an output GPIO the runner drives: reset and power are both
// active-low per spec.md's electrical contract.
type Pin interface {
	SetHigh(ctx context.Context) error
	SetLow(ctx context.Context) error
}

// InputPin is the vint sense input: high means the modem is powered.
type InputPin interface {
	IsHigh(ctx context.Context) (bool, error)
}

// noopPin is used when a Config leaves a pin unconfigured: the
// corresponding capability becomes a no-op, per spec.md §4.D.
type noopPin struct{}

func (noopPin) SetHigh(context.Context) error { return nil }
func (noopPin) SetLow(context.Context) error  { return nil }

// alwaysPoweredPin reports the modem as always powered when no vint pin is
// wired, per spec.md's "power detection reported true by default" rule.
type alwaysPoweredPin struct{}

func (alwaysPoweredPin) IsHigh(context.Context) (bool, error) { return true, nil }
