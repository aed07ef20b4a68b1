package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/google/uuid"
)

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}

// notFoundAs replaces repository.ErrNotFound with a domain error.
func notFoundAs(err error, target error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return target
	}
	return err
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func ptr[T any](v T) *T {
	return &v
}

func nowUTC(clock func() time.Time) time.Time {
	if clock == nil {
		return time.Now().UTC()
	}
	return clock().UTC()
}

// sortedUsers returns ids deduplicated in a stable lock order.
func sortedUsers(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// validatePlayers checks the 1..MaxPlayers bound and duplicates.
func validatePlayers(userIDs []uuid.UUID) error {
	if len(userIDs) == 0 || len(userIDs) > domain.MaxPlayers {
		return domain.ErrInvalidParticipantCount.Wrapf("got %d", len(userIDs))
	}
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id == uuid.Nil {
			return domain.ErrInvalidParticipantCount.Wrapf("empty user id")
		}
		if _, ok := seen[id]; ok {
			return domain.ErrDuplicateParticipant.Wrapf("%s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
