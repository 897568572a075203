package depot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryPreservesOrder(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Config{
		{Name: "zeta", TimeGatePrefix: "https://z.example/tg/"},
		{Name: "alpha", TimeGatePrefix: "https://a.example/tg/"},
		{Name: "mid", TimeGatePrefix: "https://m.example/tg/"},
	}, &stubFetcher{}, "", "", nil)
	require.NoError(t, err)

	var names []string
	for _, d := range r.Depots() {
		names = append(names, d.Name())
	}
	require.Equal(t, []string{"zeta", "alpha", "mid"}, names)
	require.Equal(t, 3, r.Len())

	d, ok := r.Get("alpha")
	require.True(t, ok)
	require.Equal(t, "https://a.example/tg/", d.Config().TimeGatePrefix)
	_, ok = r.Get("missing")
	require.False(t, ok)
}

func TestRegistryRejectsDuplicatesAndBlankNames(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry([]Config{
		{Name: "a", TimeGatePrefix: "x"},
		{Name: "a", TimeGatePrefix: "y"},
	}, &stubFetcher{}, "", "", nil)
	require.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry([]Config{{TimeGatePrefix: "x"}}, &stubFetcher{}, "", "", nil)
	require.Error(t, err)
}

func TestRegistryFallbackURL(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Config{
		{Name: "none", TimeGatePrefix: "https://n.example/tg/"},
		{Name: "first", TimeGatePrefix: "https://f.example/tg/", FallbackPrefix: "https://f.example/search/"},
		{Name: "second", TimeGatePrefix: "https://s.example/tg/", FallbackPrefix: "https://s.example/search/"},
	}, &stubFetcher{}, "", "", nil)
	require.NoError(t, err)
	require.Equal(t, "https://f.example/search/https://x.test", r.FallbackURL("https://x.test"))

	empty, err := NewRegistry(nil, &stubFetcher{}, "", "", nil)
	require.NoError(t, err)
	require.Equal(t, DefaultFallbackPrefix+"https://x.test", empty.FallbackURL("https://x.test"))

	custom, err := NewRegistry(nil, &stubFetcher{}, "", "https://search.example/?q=", nil)
	require.NoError(t, err)
	require.Equal(t, "https://search.example/?q=https://x.test", custom.FallbackURL("https://x.test"))
}

func TestRegistryDepotsReturnsCopy(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry([]Config{{Name: "a", TimeGatePrefix: "x"}}, &stubFetcher{}, "", "", nil)
	require.NoError(t, err)
	depots := r.Depots()
	depots[0] = nil
	require.NotNil(t, r.Depots()[0])
	require.Equal(t, []Config{{Name: "a", TimeGatePrefix: "x"}}, r.Configs())
}
