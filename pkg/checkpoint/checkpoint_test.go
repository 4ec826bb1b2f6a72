package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/companion/pkg/companion"
	"github.com/cexll/companion/pkg/model"
)

func sampleState() *companion.State {
	return &companion.State{
		Messages: []model.Message{
			model.UserMessage("I study computer science at MIT"),
			model.AssistantMessage("Nice! Which year?"),
			{Role: model.RoleUser, Parts: []model.ContentPart{{Type: model.PartImage, ImageURL: "data:image/png;base64,AAAA"}}},
		},
		Summary:         "Ada studies at MIT.",
		CurrentActivity: "Coding",
		MemoryContext:   "- Studies at MIT",
		ImagePath:       "generated_images/image_x.png",
		AudioBuffer:     []byte("mp3"),
		Workflow:        companion.WorkflowImage,
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	thread := "thread-" + uuid.NewString()

	missing, err := store.Load(ctx, thread)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Save(ctx, thread, sampleState()))
	got, err := store.Load(ctx, thread)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sampleState().Messages, got.Messages)
	assert.Equal(t, "Ada studies at MIT.", got.Summary)
	assert.Equal(t, "Coding", got.CurrentActivity)
	assert.Empty(t, got.ImagePath)
	assert.Empty(t, got.MemoryContext)
	assert.Nil(t, got.AudioBuffer)

	next := got.Clone()
	next.Messages = next.Messages[:1]
	require.NoError(t, store.Save(ctx, thread, next))
	got, err = store.Load(ctx, thread)
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)

	ids, err := store.Threads(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, thread)

	require.NoError(t, store.Delete(ctx, thread))
	ids, err = store.Threads(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, thread)
	got, err = store.Load(ctx, thread)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.Load(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidThread)
	assert.ErrorIs(t, store.Save(ctx, "", sampleState()), ErrInvalidThread)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestSQLiteStoreListsThreads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	store, err := OpenSQLite(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "a", sampleState()))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	ids, err := reopened.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("COMPANION_TEST_REDIS_URL")
	if url == "" {
		t.Skip("COMPANION_TEST_REDIS_URL not set")
	}
	store, err := OpenRedis(context.Background(), url, WithKeyPrefix("companion:test:"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := decode([]byte(`{"version": 9, "messages": []}`))
	assert.Error(t, err)
}

func TestThreadsWithSQLite(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	threads := companion.NewThreads(nil, store)
	st, err := threads.State(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, st.Messages)
}
