package privilege

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	s := NewStatic(NeedsSettingsForBackground, FineLocation)
	s.SetRationale(BackgroundLocation, true)
	st := Snapshot(s)
	assert.Equal(t, State{ForegroundGranted: true, Tier: NeedsSettingsForBackground, BackgroundRationale: true}, st)

	s.Revoke(FineLocation)
	s.Grant(CoarseLocation)
	s.Grant(BackgroundLocation)
	st = Snapshot(s)
	assert.True(t, st.ForegroundGranted)
	assert.True(t, st.BackgroundGranted)
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"":                              Pre,
		"pre":                           Pre,
		"q":                             NeedsBackgroundPermission,
		"needs_background_permission":   NeedsBackgroundPermission,
		"r":                             NeedsSettingsForBackground,
		"needs_settings_for_background": NeedsSettingsForBackground,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTier("s")
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("background_location")
	require.NoError(t, err)
	assert.Equal(t, BackgroundLocation, k)
	_, err = ParseKind("camera")
	assert.Error(t, err)
}

func writeGrants(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestFileOracle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.yaml")
	writeGrants(t, path, "fine: true\ntier: needs_background_permission\n")

	f, err := NewFile(path)
	require.NoError(t, err)
	assert.True(t, f.IsGranted(FineLocation))
	assert.False(t, f.IsGranted(BackgroundLocation))
	assert.Equal(t, NeedsBackgroundPermission, f.Tier())
	assert.False(t, f.ShouldShowRationale(BackgroundLocation))

	granted := 0
	f.mu.Lock()
	f.granted = func() { granted++ }
	f.mu.Unlock()

	writeGrants(t, path, "fine: true\nbackground: true\ntier: q\nrationale: [background_location]\n")
	require.NoError(t, f.v.ReadInConfig())
	f.reload()
	assert.True(t, f.IsGranted(BackgroundLocation))
	assert.True(t, f.ShouldShowRationale(BackgroundLocation))
	assert.Equal(t, 1, granted)

	// still granted, no second notification
	f.reload()
	assert.Equal(t, 1, granted)

	writeGrants(t, path, "fine: true\ntier: bogus\n")
	require.NoError(t, f.v.ReadInConfig())
	f.reload()
	assert.True(t, f.IsGranted(BackgroundLocation))
}

func TestFileOracleMissing(t *testing.T) {
	_, err := NewFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
