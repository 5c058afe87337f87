package relay

import (
	"context"

	kit "interflow/internal/transport"
	logx "interflow/pkg/logx"
)

// dispatch fans one accepted message out to every pool its source channel
// belongs to.
//
// Fan-out for a single message is strictly sequential: pools in
// configuration order, members in pool order. Distinct messages run on
// separate workers and may interleave freely.
func (s *Service) dispatch(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	log := s.log
	s.mu.Unlock()

	msg := j.msg
	pools := s.index.PoolsFor(msg.ChannelID)
	if len(pools) == 0 {
		// Membership changed between Accept and dispatch; nothing to do.
		return
	}

	// Media is filtered once; every pool shares the result.
	media := selectMedia(msg.Attachments, cfg.Media)
	at := messageTime(msg, s.now)

	// Targets already covered by this message. Seeding the source channel
	// keeps a message from echoing back to where it came from and stops
	// later pools from re-targeting it. A channel reachable through several
	// pools gets the first pool's rendering only.
	sent := map[string]struct{}{msg.ChannelID: {}}

	for _, pool := range pools {
		vals := formatValues(msg, pool.Name, at)
		text, renderErr := renderWithFallback(pool.Format, cfg.DefaultFormat, vals)
		if renderErr != nil {
			log.Warn("pool format failed, used fallback",
				logx.String("job", j.id),
				logx.String("pool", pool.Name),
				logx.Err(renderErr))
		}

		out := kit.Outgoing{Text: text, Attachments: media}
		for _, target := range pool.Channels {
			if _, dup := sent[target]; dup {
				continue
			}
			sent[target] = struct{}{}
			s.deliverTo(ctx, j.id, pool.Name, msg, target, out)
			if ctx.Err() != nil {
				return
			}
		}
	}
}
