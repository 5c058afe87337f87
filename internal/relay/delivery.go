package relay

import (
	"context"
	"time"

	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

const sendTimeout = 30 * time.Second

// deliverTo pushes one rendered payload to one target and absorbs every
// failure. Outcomes surface as logs, counters, and bus events; nothing
// propagates back into the fan-out loop.
func (s *Service) deliverTo(ctx context.Context, jobID, pool string, msg kit.Message, target string, out kit.Outgoing) {
	attempts, err := s.attempt(ctx, jobID, target, out)

	platform, _ := kit.SplitChannelID(target)
	now := time.Now()
	ev := OutcomeEvent{
		Job:      jobID,
		Pool:     pool,
		Source:   msg.ChannelID,
		Target:   target,
		Platform: platform,
		Attempts: attempts,
		At:       now,
	}
	switch {
	case err == nil:
		s.forwarded.Add(1)
		s.publish(TopicForwarded, ev)
	case ctx.Err() != nil:
		// Shutdown mid-delivery; nothing useful to record.
	case kit.IsTransient(err):
		s.exhausted.Add(1)
		ev.Error = err.Error()
		s.publish(TopicExhausted, ev)
	default:
		s.failed.Add(1)
		ev.Error = err.Error()
		s.publish(TopicFailed, ev)
	}
}

// attempt runs the bounded retry loop for one send. It returns how many
// tries it made and the final error (nil on success).
//
// Only transient failures (closed or not-yet-ready sessions, network blips)
// earn a retry; anything else is abandoned on the spot with a single
// warning. The wait between tries doubles from BaseDelay and aborts the
// moment ctx does.
func (s *Service) attempt(ctx context.Context, jobID, target string, out kit.Outgoing) (int, error) {
	s.mu.Lock()
	retry := s.cfg.Retry
	log := s.log
	s.mu.Unlock()

	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	base := retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}

	var lastErr error
	for att := 1; att <= maxAttempts; att++ {
		callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.sender.Send(callCtx, target, out)
		cancel()
		if err == nil {
			if att > 1 {
				log.Info("delivered after retry",
					logx.String("job", jobID),
					logx.String("target", target),
					logx.Int("attempt", att))
			}
			return att, nil
		}
		lastErr = err

		if !kit.IsTransient(err) {
			log.Warn("delivery failed, not retrying",
				logx.String("job", jobID),
				logx.String("target", target),
				logx.Err(err))
			return att, err
		}
		if att >= maxAttempts {
			break
		}

		delay := backoffDelay(base, att)
		log.Warn("delivery failed, will retry",
			logx.String("job", jobID),
			logx.String("target", target),
			logx.Int("attempt", att),
			logx.Duration("wait", delay),
			logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return att, ctx.Err()
		}
	}

	log.Error("delivery gave up",
		logx.String("job", jobID),
		logx.String("target", target),
		logx.Int("attempts", maxAttempts),
		logx.Err(lastErr))
	return maxAttempts, lastErr
}

// backoffDelay is the wait after the attempt'th failed try: base doubled
// attempt-1 times, so 1s, 2s, 4s, ... for a one second base.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
