package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/stepgate/internal/capability"
)

func TestHTTPGenerator_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec capability.GenerationSpec
		require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
		assert.Equal(t, "gen", spec.Step)
		assert.Equal(t, "go", spec.Params["lang"])
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "package x\n", "media_type": "text/x-go"})
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second)
	art, err := g.Generate(context.Background(), capability.GenerationSpec{Step: "gen", Spec: "a package", Params: map[string]string{"lang": "go"}})
	require.NoError(t, err)
	assert.Equal(t, "package x\n", string(art.Content))
	assert.Equal(t, "text/x-go", art.MediaType)
}

func TestHTTPGenerator_BreakerOpensAfterFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, time.Second)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Generate(ctx, capability.GenerationSpec{Spec: "x"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, capability.ErrNotApplied)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.Generate(ctx, capability.GenerationSpec{Spec: "x"})
	assert.ErrorIs(t, err, capability.ErrNotApplied)
	assert.Equal(t, int32(3), calls.Load())
}
