package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryRepository_SaveAndFind(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := NewChroma(ChromaParams{Term: "city"})

	if err := repo.Save(ctx, job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved, err := repo.FindByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID != job.ID || saved.Kind != KindChromaKey {
		t.Errorf("unexpected job %+v", saved)
	}
	if saved.Chroma == nil || saved.Chroma.Term != "city" {
		t.Error("expected chroma params to be stored")
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := NewMontage(MontageParams{Term: "sea", NVideos: 3})
	_ = repo.Save(ctx, job)

	// mutating the original or a read must not change the stored job
	job.Montage.NVideos = 9
	got, _ := repo.FindByID(ctx, job.ID)
	got.Montage.Term = "changed"
	_ = got.Start()

	again, _ := repo.FindByID(ctx, job.ID)
	if again.Montage.NVideos != 3 || again.Montage.Term != "sea" {
		t.Errorf("stored params were mutated: %+v", again.Montage)
	}
	if again.Status != StatusInQueue {
		t.Errorf("expected status %s, got %s", StatusInQueue, again.Status)
	}
}

func TestMemoryRepository_FindByID_NotFound(t *testing.T) {
	repo := NewMemoryRepository()

	_, err := repo.FindByID(context.Background(), "nonexistent")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryRepository_Update(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	job := NewWithID("job-1", KindMontage)
	_ = repo.Save(ctx, job)

	t.Run("applies change", func(t *testing.T) {
		updated, err := repo.Update(ctx, "job-1", func(j *Job) error { return j.Start() })
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if updated.Status != StatusRunning {
			t.Errorf("expected RUNNING, got %s", updated.Status)
		}
	})

	t.Run("discards change on error", func(t *testing.T) {
		_, err := repo.Update(ctx, "job-1", func(j *Job) error {
			j.Stage = "half-done"
			return j.TransitionTo(StatusInQueue)
		})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition, got %v", err)
		}
		got, _ := repo.FindByID(ctx, "job-1")
		if got.Stage != "" {
			t.Errorf("expected stage to be unchanged, got %q", got.Stage)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := repo.Update(ctx, "missing", func(*Job) error { return nil })
		if !errors.Is(err, ErrJobNotFound) {
			t.Errorf("expected ErrJobNotFound, got %v", err)
		}
	})
}

func TestMemoryRepository_ConcurrentUpdates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("job-1", KindChromaKey))

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = repo.Update(ctx, "job-1", func(j *Job) error {
				j.EnterStage(fmt.Sprint(p), p)
				return nil
			})
		}(i)
	}
	wg.Wait()

	got, _ := repo.FindByID(ctx, "job-1")
	if got.Progress != 50 {
		t.Errorf("expected progress 50, got %d", got.Progress)
	}
}

func TestMemoryRepository_List(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		j := NewWithID(id, KindMontage)
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		_ = repo.Save(ctx, j)
	}

	jobs, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	if fmt.Sprint(ids) != "[c a b]" {
		t.Errorf("expected creation order [c a b], got %v", ids)
	}
}

func TestMemoryRepository_Delete(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_ = repo.Save(ctx, NewWithID("job-1", KindMontage))

	if err := repo.Delete(ctx, "job-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.FindByID(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, "job-1"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound on second delete, got %v", err)
	}
}
