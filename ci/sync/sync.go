package sync

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/zynk/ci/util"
)

// Test pushes and pulls files through zynkd with rsync.
func Test(t *testing.T, helper *util.TestHelper) {
	t.Run("Upload", func(t *testing.T) {
		testUpload(t, helper)
	})
	t.Run("Download", func(t *testing.T) {
		testDownload(t, helper)
	})
}

func testUpload(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	refFile := randomFile("dir/test-file")
	tests := []struct {
		name   string
		change fsOp
		check  check
	}{
		{
			name:   "ChangeContents",
			change: createFile(refFile.WithContents("changed contents")),
			check:  shouldExist(refFile.WithContents("changed contents")),
		},
		{
			name:   "ChangeMode",
			change: createFile(refFile.WithMode(0600)),
			check:  shouldExist(refFile.WithMode(0600)),
		},
		{
			name:   "ChangeModTime",
			change: createFile(refFile.WithModTime(refFile.modTime.Add(time.Minute))),
			check:  shouldExist(refFile.WithModTime(refFile.modTime.Add(time.Minute))),
		},
		{
			name:   "RemoveFile",
			change: removeFile(refFile.path),
			check:  shouldNotExist(refFile.path),
		},
	}

	local, err := ioutil.TempDir("", "zynk-upload")
	require.NoError(t, err)
	defer os.RemoveAll(local)

	remote := filepath.Join(helper.SharedRoot, "upload")
	push := func() {
		out, err := helper.Sync(ctx, helper.WriterConfig,
			"-a", "--delete", local+"/", util.HostAlias+":upload/")
		require.NoError(t, err, "zynk sync: %s", out)
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			require.NoError(t, createFile(refFile)(local))
			push()
			require.NoError(t, shouldExist(refFile)(remote))

			require.NoError(t, test.change(local))
			push()
			assert.NoError(t, test.check(remote))
		})
	}
}

func testDownload(t *testing.T, helper *util.TestHelper) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	files := []file{
		randomFile("a"),
		randomFile("nested/b"),
		randomFile("nested/deeper/c"),
	}
	remote := filepath.Join(helper.SharedRoot, "download")
	for _, f := range files {
		require.NoError(t, createFile(f)(remote))
	}

	local, err := ioutil.TempDir("", "zynk-download")
	require.NoError(t, err)
	defer os.RemoveAll(local)

	// The reader authenticates with its CA-issued certificate alone.
	out, err := helper.Sync(ctx, helper.ReaderConfig,
		"-a", util.HostAlias+":download/", local+"/")
	require.NoError(t, err, "zynk sync: %s", out)

	for _, f := range files {
		assert.NoError(t, shouldExist(f)(local))
	}
}
