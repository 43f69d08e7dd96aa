package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

type dedupWrite struct {
	key   string
	until time.Time
}

// dedupKey returns the key m is deduplicated under, or "" when m is exempt.
func dedupKey(m Message, window time.Duration) string {
	if m.Key != "" {
		return m.Key
	}
	if window <= 0 {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", m.To.ChatID, m.To.ThreadID)
	_, _ = h.Write([]byte(m.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// admit applies dedup and returns the message key and whether m may go out.
func (s *Service) admit(ctx context.Context, m Message) (string, bool) {
	s.mu.Lock()
	cfg := s.cfg
	pch := s.persistCh
	s.mu.Unlock()

	key := dedupKey(m, cfg.DedupWindow)
	if key == "" || cfg.DedupWindow <= 0 {
		return key, true
	}
	if !s.dedupAllow(ctx, key, cfg, pch) {
		s.log.Debug("message deduplicated", logx.String("key", key))
		s.publish("notifier.deduped", m, key, nil)
		return key, false
	}
	return key, true
}

func (s *Service) dedupAllow(ctx context.Context, key string, cfg Config, pch chan dedupWrite) bool {
	now := s.now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check, best effort.
	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(cfg.DedupWindow)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > cfg.DedupMaxEntries {
		var minKey string
		var minT time.Time
		for k, u := range s.dedup {
			if minKey == "" || u.Before(minT) {
				minKey, minT = k, u
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("persist dedup failed", logx.String("key", w.key), logx.Err(err))
			}
			cancel()
		}
	}
}
