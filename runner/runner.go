// Package runner implements the lifecycle state machine that drives the
// modem from PowerDown to DataEstablished and back, reacting to desired
// state changes, modem URCs, and timeouts.
package runner

import (
	"context"
	"time"

	"github.com/nayar-go/ubxmodem/atproto"
	"github.com/nayar-go/ubxmodem/drivererr"
	"github.com/nayar-go/ubxmodem/state"
	"github.com/nayar-go/ubxmodem/urcbus"
)

// Runner owns the modem's power/reset/vint pins and drives the
// OperationState machine toward state.Desired().
type Runner struct {
	cfg   Config
	at    atproto.Client
	state *state.State
	urc   *urcbus.Subscription

	logf func(format string, args ...interface{})
}

// New constructs a Runner. logf may be nil, in which case log lines are
// discarded.
func New(cfg Config, at atproto.Client, shared *state.State, urc *urcbus.Subscription, logf func(string, ...interface{})) *Runner {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Runner{cfg: cfg, at: at, state: shared, urc: urc, logf: logf}
}

// Init brings the modem from whatever state it is in to Initialised,
// failing with ErrPoweredDown if aliveness cannot be confirmed.
func (r *Runner) Init(ctx context.Context) error {
	return r.converge(ctx, state.Initialised)
}

// Run drives convergence of power_state toward desired_state forever, or
// until ctx is cancelled. It never returns a non-nil error except on
// cancellation: convergence failures force a clean power-down, and the loop
// tries again only when the next desired_state value is published; the
// forced power-down itself does not publish one.
func (r *Runner) Run(ctx context.Context) error {
	idx := r.state.DesiredCursor()
	// Converge once immediately toward whatever is already desired, rather
	// than waiting for the first change, so a Driver constructed with a
	// non-PowerDown desired state makes progress without an extra nudge.
	if err := r.convergeOrRecover(ctx, r.state.Desired()); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		type wakeup struct {
			target state.OperationState
			isURC  bool
			u      atproto.URC
			err    error
		}
		results := make(chan wakeup, 2)

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			target, newIdx, err := r.state.WaitForDesiredChange(waitCtx, idx)
			if err == nil {
				idx = newIdx
			}
			results <- wakeup{target: target, err: err}
		}()
		go func() {
			u, err := r.urc.Next(waitCtx)
			results <- wakeup{isURC: true, u: u, err: err}
		}()

		w := <-results
		cancel()
		<-results // drain the loser so its goroutine doesn't leak past this iteration

		if w.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if w.isURC {
			r.handleURC(w.u)
			continue
		}

		if err := r.convergeOrRecover(ctx, w.target); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// convergeOrRecover runs converge and, on failure, forces a power-down
// before returning, so the next desired-state change (or the caller's next
// call) starts from a known-clean state rather than a half-traversed one.
func (r *Runner) convergeOrRecover(ctx context.Context, target state.OperationState) error {
	err := r.converge(ctx, target)
	if err != nil {
		r.logf("convergence to %v failed: %v; forcing power-down", target, err)
		if perr := r.powerDown(ctx); perr != nil {
			r.logf("forced power-down also failed: %v", perr)
		}
	}
	return err
}

func (r *Runner) handleURC(u atproto.URC) {
	switch v := u.(type) {
	case atproto.DataConnectionActivated:
		if v.Up {
			r.state.SetLink(state.LinkUp)
		} else {
			r.state.SetLink(state.LinkDown)
		}
	case atproto.SocketOpened, atproto.SocketClosed, atproto.SocketReadData, atproto.SocketDataSentOver, atproto.CanSocketOpen:
		// Socket URCs are the coupler's concern; the runner only logs
		// their arrival for observability, per spec.md §4.D.
		r.logf("socket urc observed by runner: %#v", v)
	default:
		r.logf("urc observed by runner: %#v", v)
	}
}

// converge executes the minimum step sequence to move power_state to
// target, per spec.md's algorithm: demote to PowerDown first when moving to
// a state at or below the current one, then walk every intermediate state
// in order, one entry action at a time.
func (r *Runner) converge(ctx context.Context, target state.OperationState) error {
	current := r.state.Power()
	delta := current.Step(target)

	// "to move to t <= s, the machine first returns to PowerDown" — this
	// covers both a genuine demotion and the "re-arm" case of converging to
	// the same target a second time (spec.md §9, Open Question #2): both
	// demote through PowerDown before walking back up.
	if delta <= 0 {
		if err := r.powerDown(ctx); err != nil {
			return err
		}
		current = state.PowerDown
	}

	for current < target {
		next := current + 1
		if err := r.enter(ctx, next); err != nil {
			return err
		}
		r.state.SetPower(next)
		current = next
	}
	return nil
}

func (r *Runner) enter(ctx context.Context, target state.OperationState) error {
	switch target {
	case state.PowerUp:
		return r.enterPowerUp(ctx)
	case state.Alive:
		return r.enterAlive(ctx)
	case state.Initialised:
		return r.enterInitialised(ctx)
	case state.Connected:
		return r.enterConnected(ctx)
	case state.DataEstablished:
		return r.enterDataEstablished(ctx)
	default:
		return drivererr.ErrInvalidStateTransition
	}
}

func (r *Runner) enterPowerUp(ctx context.Context) error {
	if err := r.cfg.resetPin().SetHigh(ctx); err != nil {
		return drivererr.WrapIoPin(err, "reset")
	}
	if err := r.cfg.powerPin().SetHigh(ctx); err != nil {
		return drivererr.WrapIoPin(err, "power")
	}
	return sleepCtx(ctx, r.cfg.bootWait())
}

func (r *Runner) hasPower(ctx context.Context) (bool, error) {
	high, err := r.cfg.vintPin().IsHigh(ctx)
	if err != nil {
		return false, drivererr.WrapIoPin(err, "vint")
	}
	return high, nil
}

func (r *Runner) enterAlive(ctx context.Context) error {
	powered, err := r.hasPower(ctx)
	if err != nil {
		return err
	}
	if !powered {
		return drivererr.ErrPoweredDown
	}

	deadline := time.Now().Add(2 * r.cfg.bootWait())
	for {
		if time.Now().After(deadline) {
			return drivererr.ErrStateTimeout
		}
		if err := atproto.Ping(ctx, r.at); err == nil {
			return nil
		}
		if err := sleepCtx(ctx, aliveProbeInterval); err != nil {
			return err
		}
	}
}

func (r *Runner) enterInitialised(ctx context.Context) error {
	if err := atproto.SetReportMobileTerminationError(ctx, r.at, true); err != nil {
		return drivererr.WrapAtat(err, "CMEE")
	}
	if _, err := atproto.GetModelId(ctx, r.at); err != nil {
		return drivererr.WrapAtat(err, "CGMM")
	}
	if _, err := atproto.GetFirmwareVersion(ctx, r.at); err != nil {
		return drivererr.WrapAtat(err, "CGMR")
	}
	if err := r.selectSIM(ctx); err != nil {
		return err
	}
	if _, err := atproto.GetCCID(ctx, r.at); err != nil {
		return drivererr.WrapAtat(err, "CCID")
	}
	if err := atproto.SetHexMode(ctx, r.at, r.cfg.HexMode); err != nil {
		return drivererr.WrapAtat(err, "MIPHEX")
	}
	return drivererr.WrapAtat(atproto.SetFlowControl(ctx, r.at, r.cfg.FlowControl), "K3/K0")
}

// selectSIM retries GetPinStatus twice at 1s intervals; if still not ready,
// cycles module functionality Minimum -> Full once more before giving up
// with ErrPoweredDown, per spec.md.
func (r *Runner) selectSIM(ctx context.Context) error {
	for attempt := 0; attempt < 2; attempt++ {
		status, err := atproto.GetPinStatus(ctx, r.at)
		if err == nil && status.Ready {
			return nil
		}
		if err := sleepCtx(ctx, simRetryInterval); err != nil {
			return err
		}
	}

	if err := atproto.SetModuleFunctionality(ctx, r.at, atproto.FunctionalityMinimum); err != nil {
		return drivererr.WrapAtat(err, "CFUN=0")
	}
	if err := atproto.SetModuleFunctionality(ctx, r.at, atproto.FunctionalityFull); err != nil {
		return drivererr.WrapAtat(err, "CFUN=1")
	}

	status, err := atproto.GetPinStatus(ctx, r.at)
	if err != nil || !status.Ready {
		return drivererr.ErrPoweredDown
	}
	return nil
}

func (r *Runner) enterConnected(ctx context.Context) error {
	if err := atproto.SetRegistrationURCConfig(ctx, r.at); err != nil {
		return drivererr.WrapAtat(err, "CGREG=1")
	}
	if err := atproto.SetAutomaticTimezoneUpdate(ctx, r.at, true); err != nil {
		return drivererr.WrapAtat(err, "CTZU")
	}
	if err := atproto.SetModuleFunctionality(ctx, r.at, atproto.FunctionalityFull); err != nil {
		return drivererr.WrapAtat(err, "CFUN=1")
	}

	sel, err := atproto.GetOperatorSelection(ctx, r.at)
	if err != nil {
		return drivererr.WrapAtat(err, "COPS?")
	}
	if !sel.Automatic {
		if err := atproto.SetOperatorSelectionAutomatic(ctx, r.at); err != nil {
			return drivererr.WrapAtat(err, "COPS=0")
		}
	}

	deadline := time.Now().Add(registrationTimeout)
	for {
		stat, err := atproto.GetGPRSNetworkRegistrationStatus(ctx, r.at)
		if err == nil && stat.Registered() {
			return nil
		}
		if time.Now().After(deadline) {
			return drivererr.ErrStateTimeout
		}
		if err := sleepCtx(ctx, registrationPoll); err != nil {
			return err
		}
	}
}

func (r *Runner) enterDataEstablished(ctx context.Context) error {
	attached := false
	for round := 0; round < attachPollRounds; round++ {
		ok, err := atproto.GetPacketSwitchedNetworkAttachedState(ctx, r.at)
		if err == nil && ok {
			attached = true
			break
		}
		if err := sleepCtx(ctx, attachPollInterval); err != nil {
			return err
		}
	}
	if !attached {
		return drivererr.ErrAttachTimeout
	}

	if err := atproto.SetPDPContextConfig(ctx, r.at, r.cfg.ContextID, r.cfg.APN); err != nil {
		return drivererr.WrapAtat(err, "CGDCONT")
	}
	if err := atproto.SetPacketSwitchedConfig(ctx, r.at, r.cfg.ProfileID, r.cfg.APN); err != nil {
		return drivererr.WrapAtat(err, "UPSD")
	}
	if err := atproto.SetPacketSwitchedAction(ctx, r.at, r.cfg.ProfileID, true); err != nil {
		return drivererr.WrapAtat(err, "UPSDA")
	}

	// A link-state transition to Up, observed via URC by the coupler and
	// mirrored into shared state, is the documented success signal for
	// this state (spec.md §4.D).
	for {
		if r.state.Link() == state.LinkUp {
			return nil
		}
		u, err := r.urc.Next(ctx)
		if err != nil {
			return drivererr.ErrContextActivationTimeout
		}
		if dca, ok := u.(atproto.DataConnectionActivated); ok {
			if dca.Up {
				r.state.SetLink(state.LinkUp)
				return nil
			}
			r.state.SetLink(state.LinkDown)
		}
	}
}

// Reset hard-resets the modem by driving the reset pin low for ResetPulse
// and releasing it, per spec.md's reset pin electrical contract. This is
// distinct from the PowerUp entry action, which only asserts reset high
// (deasserted) on the way up; Reset is an explicit recovery operation an
// embedder calls when the modem is wedged and a plain power-cycle isn't
// enough, mirroring the original driver's hard reset.
func (r *Runner) Reset(ctx context.Context) error {
	r.logf("hard resetting modem")
	if err := r.cfg.resetPin().SetLow(ctx); err != nil {
		return drivererr.WrapIoPin(err, "reset")
	}
	if err := sleepCtx(ctx, r.cfg.resetPulse()); err != nil {
		return err
	}
	return drivererr.WrapIoPin(r.cfg.resetPin().SetHigh(ctx), "reset")
}

// powerDown drives power low for the off-pulse duration then high again,
// and sets power_state to PowerDown.
func (r *Runner) powerDown(ctx context.Context) error {
	if err := r.cfg.powerPin().SetLow(ctx); err != nil {
		return drivererr.WrapIoPin(err, "power")
	}
	if err := sleepCtx(ctx, r.cfg.powerOffPulse()); err != nil {
		return err
	}
	if err := r.cfg.powerPin().SetHigh(ctx); err != nil {
		return drivererr.WrapIoPin(err, "power")
	}
	r.state.SetPower(state.PowerDown)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
