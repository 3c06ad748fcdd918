package filestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/specialistvlad/stepgate/internal/model"
	"github.com/specialistvlad/stepgate/internal/store"
	"github.com/specialistvlad/stepgate/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(dir)
	require.NoError(t, err)
	id, err := s.Create(ctx, storetest.Definition(2))
	require.NoError(t, err)
	require.NoError(t, s.Transition(ctx, id, 1, model.StepReady, model.StepPayload{}))

	reopened, err := New(dir)
	require.NoError(t, err)
	inst, err := reopened.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StepReady, inst.Steps[1].Status)

	// The document is plain JSON that other tools can read.
	raw, err := os.ReadFile(filepath.Join(dir, string(id)+".json"))
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, string(id), doc["id"])

	// No temp files are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_RejectsMalformedIDs(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load(context.Background(), "../../etc/passwd")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
