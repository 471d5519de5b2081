package sync

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sidkik/zynk/pkg/errors"
)

type file struct {
	path     string
	contents string
	mode     os.FileMode
	modTime  time.Time
}

func (f file) WithContents(contents string) file {
	f.contents = contents
	return f
}

func (f file) WithMode(mode os.FileMode) file {
	f.mode = mode
	return f
}

func (f file) WithModTime(modTime time.Time) file {
	f.modTime = modTime
	return f
}

func randomFile(path string) file {
	randomTime := time.Date(2019, 11, 10, rand.Intn(23), rand.Intn(59), rand.Intn(59), 0, time.UTC)
	return file{
		path:     path,
		contents: strconv.Itoa(rand.Int()),
		mode:     os.FileMode(0640 | rand.Intn(8)),
		modTime:  randomTime,
	}
}

// fsOp modifies the files in dir.
type fsOp func(dir string) error

func createFile(toCreate file) fsOp {
	return func(dir string) error {
		path := filepath.Join(dir, toCreate.path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.WithContext(err, "make parent")
		}

		if err := ioutil.WriteFile(path, []byte(toCreate.contents), 0600); err != nil {
			return errors.WithContext(err, "write")
		}

		if err := os.Chmod(path, toCreate.mode); err != nil {
			return errors.WithContext(err, "chmod")
		}

		if err := os.Chtimes(path, time.Now(), toCreate.modTime); err != nil {
			return errors.WithContext(err, "chtimes")
		}
		return nil
	}
}

func removeFile(path string) fsOp {
	return func(dir string) error {
		return os.Remove(filepath.Join(dir, path))
	}
}

// check returns an error if the files in dir don't match expectations.
type check func(dir string) error

func shouldExist(exp file) check {
	return func(dir string) error {
		path := filepath.Join(dir, exp.path)
		info, err := os.Stat(path)
		if err != nil {
			return errors.WithContext(err, "stat")
		}

		contents, err := ioutil.ReadFile(path)
		if err != nil {
			return errors.WithContext(err, "read")
		}

		switch {
		case string(contents) != exp.contents:
			return fmt.Errorf("%s: expected contents %q, got %q", exp.path, exp.contents, contents)
		case info.Mode().Perm() != exp.mode:
			return fmt.Errorf("%s: expected mode %s, got %s", exp.path, exp.mode, info.Mode().Perm())
		case !info.ModTime().Equal(exp.modTime):
			return fmt.Errorf("%s: expected mod time %s, got %s", exp.path, exp.modTime, info.ModTime())
		}
		return nil
	}
}

func shouldNotExist(path string) check {
	return func(dir string) error {
		_, err := os.Stat(filepath.Join(dir, path))
		if err == nil {
			return fmt.Errorf("%s: should not exist", path)
		}
		if !os.IsNotExist(err) {
			return errors.WithContext(err, "stat")
		}
		return nil
	}
}
