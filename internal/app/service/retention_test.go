package service

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/repository/repositoryfake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRetention_Purge(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	seed := func(t *testing.T) *repositoryfake.PageViews {
		store := repositoryfake.NewPageViews()
		for _, v := range []struct {
			visit model.ResolvedVisit
			age   time.Duration
		}{
			{model.ResolvedVisit{URL: "/old/"}, 200 * 24 * time.Hour},
			{model.ResolvedVisit{URL: "/old/"}, 100 * 24 * time.Hour},
			{blogPost("42"), 120 * 24 * time.Hour},
			{model.ResolvedVisit{URL: "/new/"}, 24 * time.Hour},
		} {
			view := model.NewPageView(v.visit, model.Visitor{}, now.Add(-v.age))
			require.NoError(t, store.Create(context.Background(), &view))
		}
		return store
	}

	newRetention := func(t *testing.T, store *repositoryfake.PageViews) *Retention {
		clock := quartz.NewMock(t)
		clock.Set(now).MustWait(context.Background())
		return NewRetention(store, clock, zaptest.NewLogger(t))
	}

	t.Run("DeleteAll", func(t *testing.T) {
		t.Parallel()
		store := seed(t)
		deleted, err := newRetention(t, store).Purge(context.Background(), 90, false)
		require.NoError(t, err)
		assert.EqualValues(t, 3, deleted)
		require.Len(t, store.All(), 1)
		assert.Equal(t, "/new/", store.All()[0].URL)
	})

	t.Run("KeepUnique", func(t *testing.T) {
		t.Parallel()
		store := seed(t)
		deleted, err := newRetention(t, store).Purge(context.Background(), 90, true)
		require.NoError(t, err)
		assert.EqualValues(t, 1, deleted, "only the older /old/ view goes")

		var urls []string
		for _, v := range store.All() {
			urls = append(urls, v.URL)
		}
		assert.ElementsMatch(t, []string{"/old/", "/blog/42/", "/new/"}, urls)
	})

	t.Run("InvalidDays", func(t *testing.T) {
		t.Parallel()
		_, err := newRetention(t, seed(t)).Purge(context.Background(), 0, false)
		require.Error(t, err)
	})
}
