package release_test

import (
	"testing"

	"github.com/autometrics-dev/am/internal/release"
	"github.com/stretchr/testify/require"
)

func TestConstraint(t *testing.T) {
	t.Parallel()
	versions := []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1", "2.46.0-rc.0", "3.0.0", "0.3.2", "0.4.0"}
	var testCases = []struct {
		given string
		then  []string
	}{
		{"", []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1", "3.0.0", "0.3.2", "0.4.0"}},
		{"latest", []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1", "3.0.0", "0.3.2", "0.4.0"}},
		{"2.45.0", []string{"2.45.0"}},
		{"v2.45.0", []string{"2.45.0"}},
		{"=2.45.1", []string{"2.45.1"}},
		{"2.46.0-rc.0", []string{"2.46.0-rc.0"}},
		{">=2.44 <3", []string{"2.44.0", "2.45.0", "2.45.1"}},
		{">=2.44,<3", []string{"2.44.0", "2.45.0", "2.45.1"}},
		{">=2.45.0-rc.0 <3", []string{"2.45.0", "2.45.1", "2.46.0-rc.0"}},
		{"^2.45", []string{"2.45.0", "2.45.1"}},
		{"~2.45.0", []string{"2.45.0", "2.45.1"}},
		{"~2", []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1"}},
		{"^0.3", []string{"0.3.2"}},
		{"2.x", []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1"}},
		{"2.45.*", []string{"2.45.0", "2.45.1"}},
		{"2", []string{"2.40.0", "2.44.0", "2.45.0", "2.45.1"}},
		{"!=2.45.0 >=2.45", []string{"2.45.1", "3.0.0"}},
	}
	for _, tt := range testCases {
		t.Run(tt.given, func(t *testing.T) {
			t.Parallel()
			c, err := release.ParseConstraint(tt.given)
			require.NoError(t, err)
			var got []string
			for _, v := range versions {
				if c.Match(v) {
					got = append(got, v)
				}
			}
			require.Equal(t, tt.then, got)
		})
	}
}

func TestConstraint_Invalid(t *testing.T) {
	t.Parallel()
	for _, given := range []string{">=two", "^", "2.x.1", "~abc", "1.2.3.4"} {
		_, err := release.ParseConstraint(given)
		require.Error(t, err, given)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()
	releases := []release.Release{
		{Version: "2.44.0"},
		{Version: "2.46.0", Prerelease: true},
		{Version: "2.45.1"},
		{Version: "2.45.0"},
	}
	latest, err := release.ParseConstraint("")
	require.NoError(t, err)
	require.Equal(t, "2.45.1", release.Select(releases, latest).Version)

	pinned, err := release.ParseConstraint("2.46.0")
	require.NoError(t, err)
	require.Equal(t, "2.46.0", release.Select(releases, pinned).Version)

	none, err := release.ParseConstraint(">=3")
	require.NoError(t, err)
	require.Nil(t, release.Select(releases, none))
}
