package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"corpmsg-backend/internal/domain"
	"corpmsg-backend/internal/repository"
	apperrors "corpmsg-backend/pkg/errors"
	"corpmsg-backend/pkg/logger"
)

// EndIdleGroupCalls ends ongoing group calls that have had nobody in them for
// at least grace. It returns how many calls were ended.
func (s *Service) EndIdleGroupCalls(ctx context.Context, grace time.Duration) (int, error) {
	now := s.now()
	cutoff := now.Add(-grace)

	ids, err := s.calls.ListIdleGroupCalls(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	ended := 0
	for _, id := range ids {
		res, err := s.endIfIdle(ctx, id, cutoff)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
				continue
			}
			return ended, err
		}
		if res.changed {
			ended++
			s.afterEnd(ctx, res)
		}
	}
	return ended, nil
}

// endIfIdle re-checks idleness under the call's lock, since someone may have
// joined after the candidate list was read.
func (s *Service) endIfIdle(ctx context.Context, callID uuid.UUID, cutoff time.Time) (endResult, error) {
	var res endResult
	err := s.calls.InCall(ctx, callID, func(tx repository.CallTx) error {
		res = endResult{}

		c := tx.Call()
		if c.CallMode != domain.CallModeGroup || c.Status != domain.CallStatusOngoing {
			return nil
		}
		rows := tx.Participants()
		var last time.Time
		for _, p := range rows {
			if p.IsActive() {
				return nil
			}
			if p.LeftAt.After(last) {
				last = *p.LeftAt
			}
		}
		if len(rows) == 0 || last.After(cutoff) {
			return nil
		}

		var err error
		res, err = endLocked(ctx, tx, c, rows, domain.EndReasonIdleTimeout, s.now())
		return err
	})
	return res, err
}

// RunReaper ends idle group calls every interval until ctx is cancelled
func (s *Service) RunReaper(ctx context.Context, interval, grace time.Duration) {
	log := logger.FromContext(ctx)
	log.Info("Idle call reaper started",
		zap.Duration("interval", interval),
		zap.Duration("grace", grace))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Idle call reaper stopped")
			return
		case <-ticker.C:
			n, err := s.EndIdleGroupCalls(ctx, grace)
			if err != nil {
				log.Error("Idle call reaper failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("Ended idle group calls", zap.Int("count", n))
			}
		}
	}
}
