package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
)

func TestMemorySessionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository(2)
	base := time.Now()

	for i, id := range []string{"leg-1", "leg-2", "leg-3"} {
		err := repo.Create(ctx, &entities.SessionRecord{
			ID:       id,
			Mode:     "relay",
			OpenedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	t.Run("OldestEvicted", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, "leg-1"); !errors.Is(err, domain.ErrSessionNotFound) {
			t.Errorf("Expected leg-1 to be evicted, got %v", err)
		}
	})

	t.Run("ListNewestFirst", func(t *testing.T) {
		records, err := repo.ListRecent(ctx, 0)
		if err != nil {
			t.Fatalf("ListRecent: %v", err)
		}
		if len(records) != 2 || records[0].ID != "leg-3" || records[1].ID != "leg-2" {
			t.Errorf("Unexpected order: %+v", records)
		}
	})

	t.Run("UpdateKeepsOpenFields", func(t *testing.T) {
		err := repo.Update(ctx, &entities.SessionRecord{ID: "leg-2", State: "closed", CloseReason: "hangup"})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		got, err := repo.GetByID(ctx, "leg-2")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.CloseReason != "hangup" || got.Mode != "relay" || got.OpenedAt.IsZero() {
			t.Errorf("Unexpected record: %+v", got)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := repo.Update(ctx, &entities.SessionRecord{ID: "nope"})
		if !errors.Is(err, domain.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		got, _ := repo.GetByID(ctx, "leg-3")
		got.State = "mutated"
		again, _ := repo.GetByID(ctx, "leg-3")
		if again.State == "mutated" {
			t.Error("Repository returned a shared pointer")
		}
	})
}
