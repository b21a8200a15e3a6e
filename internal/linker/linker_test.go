package linker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycelian/mycelian-memory/companion/internal/model"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/store/sqlite"
)

func newLinker(t *testing.T) *Linker {
	t.Helper()
	db, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "links.db"))
	require.NoError(t, err)
	s := sqlite.NewWithDB(db)
	t.Cleanup(func() { _ = s.Close() })
	return New(s.Links(), zerolog.Nop())
}

// countingLinks fails every call and records how many reached it.
type countingLinks struct {
	calls int
}

func (c *countingLinks) Put(context.Context, *model.MessageMemoryLink) error {
	c.calls++
	return errors.New("disk full")
}

func (c *countingLinks) Get(context.Context, string, string) (*model.MessageMemoryLink, error) {
	c.calls++
	return nil, errors.New("disk full")
}

func (c *countingLinks) ListByChat(context.Context, string, string) ([]*model.MessageMemoryLink, error) {
	c.calls++
	return nil, errors.New("disk full")
}

var _ store.Links = (*countingLinks)(nil)

func TestAttachAndGet_PreservesOrder(t *testing.T) {
	l := newLinker(t)
	ctx := context.Background()
	mems := []model.MemorySummary{
		{MemoryID: "m3", Content: "third"},
		{MemoryID: "m1", Content: "first", Category: "preference"},
		{MemoryID: "m2", Content: "second"},
	}

	require.NoError(t, l.Attach(ctx, "u1", "msg-1", "chat-1", mems))
	got, found, err := l.Get(ctx, "u1", "msg-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mems, got.Memories)
	assert.Equal(t, "chat-1", got.ChatID)
}

func TestAttach_Overwrites(t *testing.T) {
	l := newLinker(t)
	ctx := context.Background()

	require.NoError(t, l.Attach(ctx, "u1", "msg-1", "chat-1", []model.MemorySummary{{MemoryID: "a"}, {MemoryID: "b"}}))
	require.NoError(t, l.Attach(ctx, "u1", "msg-1", "chat-1", []model.MemorySummary{{MemoryID: "c"}}))

	got, found, err := l.Get(ctx, "u1", "msg-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got.Memories, 1)
	assert.Equal(t, "c", got.Memories[0].MemoryID)
}

func TestGet_NotFound(t *testing.T) {
	l := newLinker(t)
	got, found, err := l.Get(context.Background(), "u1", "never")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestAttach_ValidatesBeforeStore(t *testing.T) {
	links := &countingLinks{}
	l := New(links, zerolog.Nop())
	ctx := context.Background()
	mem := []model.MemorySummary{{MemoryID: "m1"}}

	tests := []struct {
		name      string
		messageID string
		chatID    string
		memories  []model.MemorySummary
		field     string
	}{
		{"missing message", "", "chat-1", mem, "messageId"},
		{"missing chat", "msg-1", "", mem, "chatId"},
		{"missing memories", "msg-1", "chat-1", nil, "memories"},
		{"summary without id", "msg-1", "chat-1", []model.MemorySummary{{Content: "x"}}, "memories[0].memoryId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Attach(ctx, "u1", tt.messageID, tt.chatID, tt.memories)
			var ve model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Equal(t, 0, links.calls)
}

func TestAttach_StoreFailureIsPersistenceError(t *testing.T) {
	l := New(&countingLinks{}, zerolog.Nop())
	err := l.Attach(context.Background(), "u1", "msg-1", "chat-1", []model.MemorySummary{{MemoryID: "m1"}})
	assert.True(t, model.IsPersistenceError(err))

	_, _, err = l.Get(context.Background(), "u1", "msg-1")
	assert.True(t, model.IsPersistenceError(err))
}

func TestForChat(t *testing.T) {
	l := newLinker(t)
	ctx := context.Background()
	base := time.Now()
	for i, msg := range []string{"msg-1", "msg-2"} {
		l.now = func() time.Time { return base.Add(time.Duration(i) * time.Second) }
		require.NoError(t, l.Attach(ctx, "u1", msg, "chat-1", []model.MemorySummary{{MemoryID: msg + "-m"}}))
	}

	links, err := l.ForChat(ctx, "u1", "chat-1")
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, "msg-1", links[0].MessageID)
	assert.Equal(t, "msg-2", links[1].MessageID)
}
