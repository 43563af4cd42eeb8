package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/saintparish4/holechat/pkg/types"
)

var (
	// ErrDeclined is returned by Connect when the test failed and the policy said stop.
	ErrDeclined = errors.New("connectivity test failed, punching declined")

	// ErrAlreadyConnected is returned by Connect while a peer is connected.
	ErrAlreadyConnected = errors.New("already connected, disconnect first")

	// ErrUnanswered is returned by Connect when a full burst got no punch back.
	ErrUnanswered = errors.New("no answer from peer after punch burst")
)

// ProceedPolicy decides whether to punch after a failed connectivity test.
type ProceedPolicy func(addr *net.UDPAddr, testErr error) bool

// AlwaysProceed punches regardless of the test result.
func AlwaysProceed(*net.UDPAddr, error) bool { return true }

// NeverProceed stops when the test fails.
func NeverProceed(*net.UDPAddr, error) bool { return false }

// Test sends PING to addr and waits for PONG from exactly that address.
// An Idle engine is Testing for the duration and Idle again afterwards,
// unless a control packet moved it on in the meantime.
func (e *Engine) Test(ctx context.Context, addr *net.UDPAddr) error {
	prev, prevPeer := e.beginTest(nil)
	defer e.endTest(prev, prevPeer)
	return e.roundTrip(ctx, addr)
}

// Connect tests the path to addr, consults policy on failure, then punches.
// addr is the tentative peer while the test runs; a declined or cancelled
// test leaves the previous peer in place.
func (e *Engine) Connect(ctx context.Context, addr *net.UDPAddr, policy ProceedPolicy) error {
	if addr == nil {
		return types.NewError(types.SendFailure, "connect", ErrNoPeer)
	}

	if e.State() == Connected {
		return ErrAlreadyConnected
	}

	prev, prevPeer := e.beginTest(addr)
	if err := e.roundTrip(ctx, addr); err != nil {
		if ctx.Err() != nil {
			e.endTest(prev, prevPeer)
			return err
		}
		e.logger.Warn("connectivity test failed", zap.Stringer("peer", addr), zap.Error(err))
		if policy == nil || !policy(addr, err) {
			e.endTest(prev, prevPeer)
			return fmt.Errorf("%w: %w", ErrDeclined, err)
		}
	}

	report, err := e.Punch(ctx, addr)
	if err != nil {
		return err
	}
	if !report.Connected {
		return ErrUnanswered
	}
	return nil
}

// beginTest moves an Idle engine to Testing with tentative as its peer, or
// the current peer when tentative is nil.
func (e *Engine) beginTest(tentative *net.UDPAddr) (State, *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, prevPeer := e.state, e.peer
	if prev == Idle {
		peer := e.peer
		if tentative != nil {
			peer = copyAddr(tentative)
		}
		e.setStateLocked(Testing, peer)
	}
	return prev, prevPeer
}

// endTest restores state and peer unless a control packet moved the engine on.
func (e *Engine) endTest(prev State, prevPeer *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Testing {
		e.setStateLocked(prev, prevPeer)
	}
}

func (e *Engine) roundTrip(ctx context.Context, addr *net.UDPAddr) error {
	if addr == nil {
		return types.NewError(types.ConnectivityTestFailure, "test", ErrNoPeer)
	}

	// Registered before the PING goes out so a fast PONG is not missed
	key, pong := e.addWaiter(addr)
	defer func() {
		e.mu.Lock()
		e.removeWaiterLocked(key, pong)
		e.mu.Unlock()
	}()

	if err := e.Send(encode(KindPing), addr); err != nil {
		return types.NewError(types.ConnectivityTestFailure, "test", err)
	}

	timer := e.cfg.Clock.Timer(e.cfg.TestTimeout)
	defer timer.Stop()

	select {
	case <-pong:
		e.logger.Debug("connectivity test passed", zap.Stringer("peer", addr))
		return nil
	case <-timer.C:
		return types.NewError(types.ConnectivityTestFailure, "test",
			fmt.Errorf("no PONG from %s within %s", addr, e.cfg.TestTimeout))
	case <-ctx.Done():
		return types.NewError(types.ConnectivityTestFailure, "test", ctx.Err())
	}
}
