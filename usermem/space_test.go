package usermem_test

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/ksim/usermem"
	"go.uber.org/zap"
)

func loadTestSpace(t *testing.T) *usermem.Space {
	t.Helper()

	cwd, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	f, err := os.Open(path.Join(cwd, "test_vas", "maps"))
	require.NoError(t, err, "failed to open test maps")
	defer f.Close()

	space := usermem.NewSpace(zap.NewNop().Sugar())
	require.NoError(t, space.LoadMaps(f), "failed to load maps")

	return space
}

func TestLoadMaps(t *testing.T) {
	space := loadTestSpace(t)

	expected := []usermem.Region{
		{Start: 0x10000, End: 0x11000, Perms: usermem.PermRead | usermem.PermExec, Name: "/bin/ch3_taskinfo"},
		{Start: 0x11000, End: 0x12000, Perms: usermem.PermRead, Name: "/bin/ch3_taskinfo"},
		{Start: 0x12000, End: 0x14000, Perms: usermem.PermRead | usermem.PermWrite, Name: "[heap]"},
		{Start: 0x7fff0000, End: 0x7fff2000, Perms: usermem.PermRead | usermem.PermWrite, Name: "[stack]"},
		{Start: 0x7fff3000, End: 0x7fff4000, Perms: usermem.PermRead | usermem.PermWrite, Name: "anonymous"},
	}

	require.Equal(t, expected, space.Regions())
}

func TestLoadMapsSkipsOversizedRegions(t *testing.T) {
	maps := strings.Join([]string{
		"c000000000-c008000000 rw-p 00000000 00:00 0",
		"00400000-00401000 r-xp 00000000 103:02 5512283                          /usr/bin/ksim",
		"7fff0000-7fff2000 rw-p 00000000 00:00 0                                  [stack]",
	}, "\n")

	space := usermem.NewSpace(zap.NewNop().Sugar())
	require.NoError(t, space.LoadMaps(strings.NewReader(maps)))

	expected := []usermem.Region{
		{Start: 0x400000, End: 0x401000, Perms: usermem.PermRead | usermem.PermExec, Name: "/usr/bin/ksim"},
		{Start: 0x7fff0000, End: 0x7fff2000, Perms: usermem.PermRead | usermem.PermWrite, Name: "[stack]"},
	}

	require.Equal(t, expected, space.Regions())
}

func TestFind(t *testing.T) {
	cases := []struct {
		name     string
		addr     uint64
		expected string
		found    bool
	}{
		{name: "lower bound address", addr: 0x12000, expected: "[heap]", found: true},
		{name: "last byte", addr: 0x7fff1fff, expected: "[stack]", found: true},
		{name: "upper bound is exclusive", addr: 0x7fff2000, found: false},
		{name: "text", addr: 0x10abc, expected: "/bin/ch3_taskinfo", found: true},
		{name: "unmapped", addr: 0x0, found: false},
	}

	space := loadTestSpace(t)

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			name, ok := space.Find(c.addr)
			require.Equal(t, c.found, ok)
			require.Equal(t, c.expected, name)
		})
	}
}

func TestMapRejectsOverlap(t *testing.T) {
	space := loadTestSpace(t)

	err := space.Map(0x13000, 0x15000, usermem.PermRead, "overlap")
	require.ErrorIs(t, err, usermem.ErrOverlap)

	err = space.Map(0x20000, 0x20000, usermem.PermRead, "empty")
	require.ErrorIs(t, err, usermem.ErrEmptyRegion)

	err = space.Map(0, usermem.MaxRegionSize+1, usermem.PermRead, "huge")
	require.ErrorIs(t, err, usermem.ErrRegionTooLarge)
}

func TestReadWriteBytes(t *testing.T) {
	space := loadTestSpace(t)

	require.NoError(t, space.WriteBytes(0x12010, []byte("hello")))

	bts, err := space.ReadBytes(0x12010, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), bts)

	untouched, err := space.ReadBytes(0x7fff0000, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 0}, untouched)

	require.ErrorIs(t, space.WriteBytes(0x11000, []byte{1}), usermem.ErrPermissionDenied)
	require.ErrorIs(t, space.WriteBytes(0x13ffe, []byte{1, 2, 3}), usermem.ErrFault)
	require.ErrorIs(t, space.WriteBytes(0x50000, []byte{1}), usermem.ErrFault)

	_, err = space.ReadBytes(0x50000, 1)
	require.ErrorIs(t, err, usermem.ErrFault)
}

func TestParsePerms(t *testing.T) {
	cases := []struct {
		in       string
		expected usermem.Perms
	}{
		{in: "rw-p", expected: usermem.PermRead | usermem.PermWrite},
		{in: "r-xp", expected: usermem.PermRead | usermem.PermExec},
		{in: "---p", expected: 0},
		{in: "rwxs", expected: usermem.PermRead | usermem.PermWrite | usermem.PermExec},
	}

	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			p := usermem.ParsePerms(c.in)
			require.Equal(t, c.expected, p)
			require.Equal(t, c.in[:3], p.String())
		})
	}
}
