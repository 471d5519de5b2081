package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/zynk/pkg/errors"
)

// parseConfigErrTemplate is a template for when zynk fails to parse yaml
// configuration files. This can happen for a multitude of reasons, including
// extraneous fields and incorrect field types. However, the yaml library
// constructs errors in a way that loses context, and so we can only pass the
// error message on.
const parseConfigErrTemplate = "Configuration file could not be parsed. " +
	"Please review %q.\n" +
	"Common pitfalls include:\n" +
	" - Using the wrong types for fields\n" +
	" - Having extra fields inside the config file\n\n" +
	"For reference, here is the error from the parser:\n" +
	"%s"

const (
	// InitialConfigVersion is the first version of the zynk configuration
	// files. Config files that do not specify a version default to it.
	InitialConfigVersion = "v1alpha1"

	// SupportedConfigVersion is the version of the configuration files
	// understood by this binary.
	SupportedConfigVersion = "v1alpha1"

	// DefaultPort is the port zynkd listens on when no other is configured.
	DefaultPort = 8873
)

type configInterface interface {
	getVersion() string
}

type incompatibleVersionError struct {
	path, exp, actual string
}

func (err incompatibleVersionError) Error() string {
	return err.FriendlyMessage()
}

func (err incompatibleVersionError) FriendlyMessage() string {
	return fmt.Sprintf("The configuration file %q is incompatible "+
		"with this version of zynk.\n"+
		"Expected version %q, but got %q.", err.path, err.exp, err.actual)
}

func parseConfig(path string, config configInterface, expVersion string) error {
	configBytes, err := afero.ReadFile(fs, path)
	if err != nil {
		if isPathNotFoundError(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	err = yaml.Unmarshal(configBytes, config)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}

	if config.getVersion() != expVersion {
		return incompatibleVersionError{path, expVersion, config.getVersion()}
	}

	// Do a strict unmarshal to check for any extra fields. We do a non-strict
	// unmarshal first so that we can catch version errors before erroring on
	// extra fields.
	err = yaml.UnmarshalStrict(configBytes, config, yaml.DisallowUnknownFields)
	if err != nil {
		return errors.NewFriendlyError(parseConfigErrTemplate, path, err)
	}
	return nil
}

func writeConfig(path string, config interface{}, perm os.FileMode) error {
	yamlBytes, err := yaml.Marshal(config)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.WithContext(err, "make parent")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, perm); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

func isPathNotFoundError(err error) bool {
	if fileErr, ok := err.(*os.PathError); ok &&
		fileErr.Op == "open" && os.IsNotExist(fileErr.Err) {
		return true
	}
	return os.IsNotExist(err)
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// resolvePath expands `~` and evaluates relative paths relative to the
// directory containing the config file.
func resolvePath(configPath, path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := homedirExpand(path)
	if err != nil {
		return "", errors.WithContext(err, fmt.Sprintf("expand %q", path))
	}

	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(filepath.Dir(configPath), expanded)
	}
	return expanded, nil
}

// Duration is a time.Duration that's written as a human readable string
// (e.g. "10s") in the config files.
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return errors.New("durations must be strings such as \"10s\" or \"5m\"")
	}

	parsed, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func orDefault(d Duration, def time.Duration) Duration {
	if d.Duration == 0 {
		return Duration{def}
	}
	return d
}
