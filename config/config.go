// Package config layers an optional groundhog.toml under the command line
// flags. Each binary reads its own section of the file; flags given on the
// command line win over the file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

// Name is the config file name without extension.
const Name = "groundhog"

// SearchPaths are tried in order when no file is named explicitly.
var SearchPaths = []string{"/etc/groundhog", "/opt", "."}

// Load reads the config file. With an empty path the search paths are tried and
// a missing file is not an error; Load then returns nil.
func Load(path string) (*viper.Viper, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(Name)
		for _, p := range SearchPaths {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			glog.V(1).Infof("no %s config file found in %s", Name, strings.Join(SearchPaths, ", "))
			return nil, nil
		}
		return nil, fmt.Errorf("unable to read config: %w", err)
	}
	glog.Infof("using config file %s", v.ConfigFileUsed())
	return v, nil
}

// Apply sets every flag of fs that was not given on the command line to the
// value of the same name in section of v. Keys without a matching flag are
// logged and ignored.
func Apply(fs *flag.FlagSet, v *viper.Viper, section string) error {
	if v == nil {
		return nil
	}
	sub := v.Sub(section)
	if sub == nil {
		return nil
	}
	explicit := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	known := map[string]bool{}
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		known[strings.ToLower(f.Name)] = true
		if explicit[f.Name] || !sub.IsSet(f.Name) {
			return
		}
		if err := fs.Set(f.Name, sub.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", section, f.Name, err))
			return
		}
		glog.V(2).Infof("%s.%s = %s from config file", section, f.Name, f.Value)
	})
	for _, k := range sub.AllKeys() {
		if !known[k] {
			glog.Warningf("ignoring unknown config key %s.%s", section, k)
		}
	}
	return errors.Join(errs...)
}
