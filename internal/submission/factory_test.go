package submission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFactoryPriorityOrder(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultConfig(), &scriptedFetcher{}, nil, nil)
	subs := f.Submitters("https://x.test")
	require.Len(t, subs, 2)
	require.Equal(t, ArchiveTodayName, subs[0].Name())
	require.Equal(t, InternetArchiveName, subs[1].Name())
	require.Equal(t, []string{ArchiveTodayName, InternetArchiveName}, f.Names())
	require.Equal(t, DefaultInternetArchiveWait, subs[1].WaitBetweenStatus())
}

func TestFactoryRespectsEnabledFlags(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.ArchiveToday.Enabled = false
	f := NewFactory(cfg, &scriptedFetcher{}, nil, nil)
	subs := f.Submitters("https://x.test")
	require.Len(t, subs, 1)
	require.Equal(t, InternetArchiveName, subs[0].Name())

	cfg.InternetArchive.Enabled = false
	require.Empty(t, NewFactory(cfg, &scriptedFetcher{}, nil, nil).Submitters("https://x.test"))
}

func TestFactoryBuildsFreshSubmitters(t *testing.T) {
	t.Parallel()

	f := NewFactory(DefaultConfig(), &scriptedFetcher{}, nil, nil)
	first := f.Submitters("https://x.test")
	second := f.Submitters("https://x.test")
	require.NotSame(t, first[0], second[0])
}
