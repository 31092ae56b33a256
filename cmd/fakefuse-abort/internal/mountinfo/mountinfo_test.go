package mountinfo_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fakefuse/fakefuse/cmd/fakefuse-abort/internal/mountinfo"
)

const sample = `22 26 0:21 / /proc rw,nosuid,nodev,noexec,relatime shared:12 - proc proc rw
25 26 0:5 / /dev rw,nosuid shared:2 - devtmpfs devtmpfs rw,size=8148120k
96 26 0:139 / /tmp/fakefuse128387706 rw,nosuid,nodev,relatime shared:72 - fuse fuse rw,user_id=1000,group_id=1000
`

func TestRead(t *testing.T) {
	entries, err := mountinfo.Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.False(t, entries[0].FUSE())
	assert.Equal(t, "/proc", entries[0].Mountpoint)

	fuse := entries[2]
	assert.True(t, fuse.FUSE())
	assert.Equal(t, "0", fuse.Major)
	assert.Equal(t, "139", fuse.Minor)
	assert.Equal(t, "/tmp/fakefuse128387706", fuse.Mountpoint)
}

func TestReadEscaped(t *testing.T) {
	const line = `96 26 0:139 / /mnt/with\040space rw - foo\011bar fuse rw` + "\n"
	entries, err := mountinfo.Read(strings.NewReader(line))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/mnt/with space", entries[0].Mountpoint)
	assert.Equal(t, "foo\tbar", entries[0].FSType)
}

func TestReadMalformed(t *testing.T) {
	for _, line := range []string{
		"too few",
		"96 26 0139 / /mnt rw - fuse fuse rw",
		"96 26 0:139 / /mnt rw shared:1 opt2 opt3",
		`96 26 0:139 / /mnt/trunc\04 rw - fuse fuse rw`,
	} {
		_, err := mountinfo.Read(strings.NewReader(line + "\n"))
		assert.Error(t, err, "line %q", line)
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := mountinfo.ReadFile("testdata/does-not-exist")
	require.Error(t, err)
}
