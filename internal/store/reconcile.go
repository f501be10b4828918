package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/healthcare-dapp/hdsync/internal/records"
)

// EnsureContactChats makes sure a chat exists between self and every
// contact profile. Chats are content addressed by their sorted
// participants, so two devices running this concurrently converge on the
// same records. Returns the number of chats created.
func EnsureContactChats(ctx context.Context, s Store, self string) (int, error) {
	hashes, err := s.Hashes(ctx, records.KindProfile)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	created := 0
	for _, h := range hashes {
		rec, err := s.Get(ctx, records.KindProfile, h)
		if err != nil {
			return created, fmt.Errorf("get profile %s: %w", h, err)
		}
		profile := rec.(*records.Profile)
		if profile.Address == "" || profile.Address == self {
			continue
		}

		chat := records.NewChat(self, profile.Address)
		chatHash, err := records.Hash(chat)
		if err != nil {
			return created, err
		}
		if _, err := s.Get(ctx, records.KindChat, chatHash); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return created, err
		}

		if _, err := s.Put(ctx, chat); err != nil {
			return created, fmt.Errorf("create chat with %s: %w", profile.Address, err)
		}
		created++
	}
	return created, nil
}
