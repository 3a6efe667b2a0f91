package projectctx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleProject() ProjectContext {
	return ProjectContext{
		ID:              "proj-1",
		Name:            "Ironhold",
		Genre:           "roguelike",
		SubjectMatter:   "dwarven fortress under siege",
		StyleGuidelines: []string{"muted palette", "thick outlines"},
		Assets:          []AssetRef{{ID: "a-1", Name: "Shield bearer", Type: "sprite"}},
		Documents:       []Document{{ID: "d-1", Title: "Lore", Body: "The hold fell in the third age."}},
	}
}

func TestMemoryStore_Lookup(t *testing.T) {
	store := NewMemoryStore(sampleProject())
	ctx := context.Background()

	got, err := store.Lookup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "Ironhold", got.Name)

	// callers get copies
	got.StyleGuidelines[0] = "neon"
	again, err := store.Lookup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "muted palette", again.StyleGuidelines[0])

	_, err = store.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.Lookup(cancelled, "proj-1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadYAML(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantLen int
		wantErr bool
	}{
		{
			name: "two projects",
			content: `
projects:
  - id: proj-1
    name: Ironhold
    style_guidelines: [muted palette]
    assets:
      - {id: a-1, name: Shield bearer, type: sprite}
  - id: proj-2
    name: Starfall
`,
			wantLen: 2,
		},
		{name: "empty", content: "projects: []\n", wantLen: 0},
		{name: "missing id", content: "projects:\n  - name: nameless\n", wantErr: true},
		{name: "not yaml", content: "projects: [\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "projects.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			store, err := LoadYAML(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, store.Len())
		})
	}

	_, err := LoadYAML(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadYAML_ShippedProjects(t *testing.T) {
	store, err := LoadYAML(filepath.Join("..", "..", "configs", "projects.yaml"))
	require.NoError(t, err)
	assert.Positive(t, store.Len())
}

func TestCachedStore_FallsThroughWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewCachedStore(NewMemoryStore(sampleProject()), client, time.Minute, logger)

	got, err := store.Lookup(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "dwarven fortress under siege", got.SubjectMatter)

	_, err = store.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedStore_WithRedis(t *testing.T) {
	addr := os.Getenv("FORGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORGE_TEST_REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	ctx := context.Background()

	backing := NewMemoryStore(sampleProject())
	store := NewCachedStore(backing, client, time.Minute, nil)
	require.NoError(t, store.Invalidate(ctx, "proj-1"))

	_, err := store.Lookup(ctx, "proj-1")
	require.NoError(t, err)

	// served from the cache after the backing record changes
	changed := sampleProject()
	changed.Name = "Renamed"
	backing.Put(changed)
	got, err := store.Lookup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "Ironhold", got.Name)

	require.NoError(t, store.Invalidate(ctx, "proj-1"))
	got, err = store.Lookup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("FORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORGE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	require.NoError(t, Migrate(ctx, url, "up", nil))

	store, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Upsert(ctx, sampleProject()))
	got, err := store.Lookup(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, sampleProject(), *got)

	_, err = store.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMigrate_UnknownCommand(t *testing.T) {
	url := os.Getenv("FORGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FORGE_TEST_DATABASE_URL not set")
	}
	assert.Error(t, Migrate(context.Background(), url, "sideways", nil))
}
