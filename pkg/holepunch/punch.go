package holepunch

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saintparish4/holechat/pkg/types"
)

// PunchReport summarizes one punch burst.
type PunchReport struct {
	Target     *net.UDPAddr
	Attempts   int
	SendErrors int
	Connected  bool
	Duration   time.Duration
}

// Punch sends PUNCH to addr every PunchInterval, up to PunchAttempts times,
// and stops early once the engine is Connected. Send errors are counted and
// the burst continues. An error is returned only when ctx ends the burst.
func (e *Engine) Punch(ctx context.Context, addr *net.UDPAddr) (PunchReport, error) {
	report := PunchReport{Target: copyAddr(addr)}
	if addr == nil {
		return report, types.NewError(types.SendFailure, "punch", ErrNoPeer)
	}

	e.mu.Lock()
	if e.state != Connected {
		e.setStateLocked(Punching, copyAddr(addr))
	}
	e.mu.Unlock()

	e.logger.Info("punching",
		zap.Stringer("peer", addr),
		zap.Int("attempts", e.cfg.PunchAttempts),
		zap.Duration("interval", e.cfg.PunchInterval))

	limiter := rate.NewLimiter(rate.Every(e.cfg.PunchInterval), 1)
	start := e.cfg.Clock.Now()
	punch := encode(KindPunch)

	for report.Attempts < e.cfg.PunchAttempts {
		if e.State() == Connected {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			report.Duration = e.cfg.Clock.Since(start)
			return report, err
		}

		err := e.Send(punch, addr)
		report.Attempts++
		e.metrics.PunchSent(err)
		if err != nil {
			report.SendErrors++
			e.logger.Debug("punch send failed", zap.Int("attempt", report.Attempts), zap.Error(err))
		}
	}

	report.Connected = e.State() == Connected
	report.Duration = e.cfg.Clock.Since(start)

	e.logger.Info("punch burst finished",
		zap.Int("sent", report.Attempts),
		zap.Int("send_errors", report.SendErrors),
		zap.Bool("connected", report.Connected),
		zap.Duration("duration", report.Duration))
	return report, nil
}
