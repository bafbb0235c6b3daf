package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigcal/internal/config"
	"gigcal/internal/fetch"
	"gigcal/internal/listing"
	"gigcal/internal/model"
)

type staticSource []model.Event

func (s staticSource) ListEvents(context.Context) ([]model.Event, error) { return s, nil }

func TestRunOncePrintsToday(t *testing.T) {
	conf := config.DefaultConfig()
	today := model.Today(time.Now(), conf.Location())

	src := staticSource{
		{ID: "1", Title: "Fiddle Night", VenueName: "Oriental Theater", Date: today, StartTime: "19:30", IsApproved: true},
		{ID: "2", Title: "Poster Show", VenueName: "Mercury Cafe", Date: today, IsApproved: true},
		{ID: "3", Title: "Tomorrow's Gig", Date: today.AddDays(1), IsApproved: true},
		{ID: "4", Title: "Unmoderated", Date: today, IsApproved: false},
	}
	events := listing.New(listing.Config{Location: conf.Location()}, src, fetch.NewFetcher(t.TempDir(), nil))

	var out bytes.Buffer
	require.NoError(t, runOnce(context.Background(), &out, events, conf))

	text := out.String()
	assert.Contains(t, text, today.String()+": 2 event(s), 3 in listing")
	assert.Contains(t, text, "19:30    Fiddle Night @ Oriental Theater")
	assert.Contains(t, text, "all day  Poster Show @ Mercury Cafe")
	assert.NotContains(t, text, "Unmoderated")
	assert.NotContains(t, text, "Tomorrow")
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	st, err := openStore(config.DefaultConfig())
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Set(context.Background(), "k", "v"))
	v, ok, err := st.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
