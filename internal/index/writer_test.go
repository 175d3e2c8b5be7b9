package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"onebox/internal/model"
	"onebox/internal/repository"
	"onebox/internal/repository/memory"
)

func TestWriter_UpsertAndDelete(t *testing.T) {
	store := memory.New()
	w := NewWriter(store, 16, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Upsert(&model.Message{ID: "m1", AccountID: "a1", Subject: "quarterly report", Date: time.Now()})
	w.Upsert(&model.Message{ID: "m2", AccountID: "a2", Subject: "quarterly plan", Date: time.Now()})
	w.Delete("m1")
	w.DeleteByAccount("a2")
	w.Upsert(&model.Message{ID: "m3", AccountID: "a1", Subject: "quarterly goals", Date: time.Now()})

	cancel()
	<-done

	hits, total, err := store.Search(context.Background(), "quarterly", model.Filter{}, model.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "m3", hits[0].ID)
}

type failingIndex struct {
	repository.SearchIndex
	calls int
}

func (f *failingIndex) UpsertDocument(context.Context, *model.Message) error {
	f.calls++
	return errors.New("index unavailable")
}

func TestWriter_FailuresDoNotPropagate(t *testing.T) {
	idx := &failingIndex{}
	w := NewWriter(idx, 4, zap.NewNop())

	w.Upsert(&model.Message{ID: "m1"})
	w.drain()
	assert.Equal(t, 1, idx.calls)
}

func TestWriter_EnqueueNeverBlocks(t *testing.T) {
	w := NewWriter(memory.New(), 1, zap.NewNop())
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			w.Upsert(&model.Message{ID: "m"})
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	assert.Len(t, w.ops, 1)
}
