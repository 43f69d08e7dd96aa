package newsletter

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"newsbot/internal/storage"
	logx "newsbot/pkg/logx"
)

// Member returns the stored preferences, or defaults for an unknown user.
func (s *Service) Member(ctx context.Context, userID int64) (storage.Member, error) {
	m, ok, err := s.members.GetMember(ctx, userID)
	if err != nil {
		return storage.Member{}, fmt.Errorf("get member %d: %w", userID, err)
	}
	if !ok {
		m = storage.Member{UserID: userID, ChatID: userID}
	}
	return m, nil
}

func (s *Service) Subscribe(ctx context.Context, userID, chatID int64) (storage.Member, error) {
	return s.update(ctx, userID, func(m *storage.Member) {
		m.Subscribed = true
		if chatID != 0 {
			m.ChatID = chatID
		}
	})
}

func (s *Service) Unsubscribe(ctx context.Context, userID int64) (storage.Member, error) {
	return s.update(ctx, userID, func(m *storage.Member) { m.Subscribed = false })
}

// Follow removes abbr from the user's unfollowed list.
func (s *Service) Follow(ctx context.Context, userID int64, abbr string) (storage.Member, error) {
	abbr, err := s.orgAbbr(abbr)
	if err != nil {
		return storage.Member{}, err
	}
	return s.update(ctx, userID, func(m *storage.Member) {
		m.Unfollowed = slices.DeleteFunc(m.Unfollowed, func(a string) bool { return strings.EqualFold(a, abbr) })
	})
}

// Unfollow stops digests from abbr for the user.
func (s *Service) Unfollow(ctx context.Context, userID int64, abbr string) (storage.Member, error) {
	abbr, err := s.orgAbbr(abbr)
	if err != nil {
		return storage.Member{}, err
	}
	return s.update(ctx, userID, func(m *storage.Member) {
		if !unfollowed(*m, abbr) {
			m.Unfollowed = append(m.Unfollowed, abbr)
		}
	})
}

func (s *Service) orgAbbr(abbr string) (string, error) {
	o, ok := s.sync.Catalog().Org(strings.TrimSpace(abbr))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOrg, abbr)
	}
	return o.Abbr, nil
}

func (s *Service) update(ctx context.Context, userID int64, fn func(*storage.Member)) (storage.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.Member(ctx, userID)
	if err != nil {
		return storage.Member{}, err
	}
	fn(&m)
	m.UpdatedAt = s.now()
	if err := s.members.PutMember(ctx, m); err != nil {
		return storage.Member{}, fmt.Errorf("put member %d: %w", userID, err)
	}
	s.log.Debug("preferences updated", logx.Int64("user", userID), logx.Bool("subscribed", m.Subscribed), logx.Int("unfollowed", len(m.Unfollowed)))
	return m, nil
}
