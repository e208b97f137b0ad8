// Package catalogtest checks that a catalog.Store behaves like the others.
package catalogtest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/appforge/internal/catalog"
)

// Run exercises s, which must start out empty.
func Run(t *testing.T, s catalog.Store) {
	ctx := context.Background()

	t.Run("missing entries", func(t *testing.T) {
		_, err := s.GetConfig(ctx, "nope", "free")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
		_, err = s.GetTemplate(ctx, "nope")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
		assert.ErrorIs(t, s.DeleteTemplate(ctx, "nope"), catalog.ErrNotFound)
	})

	t.Run("configs", func(t *testing.T) {
		for _, rec := range []catalog.ConfigRecord{
			{App: "shop", Flavor: "pro", Config: json.RawMessage(`{"API_URL": "https://pro.example"}`)},
			{App: "shop", Flavor: "free", Config: json.RawMessage(`{"API_URL":"https://free.example"}`)},
			{App: "news", Flavor: "main", Config: json.RawMessage(`{}`)},
		} {
			_, err := s.PutConfig(ctx, rec)
			require.NoError(t, err)
		}

		apps, err := s.ListApps(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"news", "shop"}, apps)

		flavors, err := s.ListFlavors(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, []string{"free", "pro"}, flavors)

		got, err := s.GetConfig(ctx, "shop", "pro")
		require.NoError(t, err)
		assertJSONEqual(t, `{"API_URL":"https://pro.example"}`, got.Config)

		_, err = s.PutConfig(ctx, catalog.ConfigRecord{App: "shop", Flavor: "pro", Config: json.RawMessage(`{"API_URL":"https://v2.example"}`)})
		require.NoError(t, err)
		got, err = s.GetConfig(ctx, "shop", "pro")
		require.NoError(t, err)
		assertJSONEqual(t, `{"API_URL":"https://v2.example"}`, got.Config)

		_, err = s.PutConfig(ctx, catalog.ConfigRecord{App: "shop", Flavor: "bad", Config: json.RawMessage(`[1,2]`)})
		assert.ErrorIs(t, err, catalog.ErrInvalid)
	})

	t.Run("templates", func(t *testing.T) {
		_, err := s.CreateTemplate(ctx, catalog.TemplateRecord{Name: "base", Config: json.RawMessage(`{"THEME":"dark"}`)})
		require.NoError(t, err)
		_, err = s.CreateTemplate(ctx, catalog.TemplateRecord{Name: "alpha", Config: json.RawMessage(`{}`)})
		require.NoError(t, err)

		_, err = s.CreateTemplate(ctx, catalog.TemplateRecord{Name: "base", Config: json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, catalog.ErrTemplateExists)

		list, err := s.ListTemplates(ctx)
		require.NoError(t, err)
		names := make([]string, 0, len(list))
		for _, tpl := range list {
			names = append(names, tpl.Name)
		}
		assert.Equal(t, []string{"alpha", "base"}, names)

		got, err := s.GetTemplate(ctx, "base")
		require.NoError(t, err)
		assertJSONEqual(t, `{"THEME":"dark"}`, got.Config)

		require.NoError(t, s.DeleteTemplate(ctx, "base"))
		_, err = s.GetTemplate(ctx, "base")
		assert.ErrorIs(t, err, catalog.ErrNotFound)
	})
}

func assertJSONEqual(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var w, g any
	require.NoError(t, json.Unmarshal([]byte(want), &w))
	require.NoError(t, json.Unmarshal(got, &g))
	if diff := cmp.Diff(w, g); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
