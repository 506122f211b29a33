// Package confile implements a file based configuration accessor. The file
// holds one yaml document in the conf.Raw schema; its cfgNum field drives
// the reload protocol like any other backend.
package confile

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ssogate/ssogate/conf"
)

type accessor struct {
	path string
}

// New creates a configuration accessor reading the given yaml file.
func New(path string) conf.Accessor {
	return &accessor{path: path}
}

func (a *accessor) read() (*conf.Raw, error) {
	content, err := os.ReadFile(a.path)
	if err != nil {
		return nil, err
	}
	var raw conf.Raw
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", a.path, err)
	}
	return &raw, nil
}

func (a *accessor) Available(context.Context) error {
	_, err := os.Stat(a.path)
	return err
}

func (a *accessor) LastNum(context.Context) (int64, error) {
	raw, err := a.read()
	if err != nil {
		return 0, err
	}
	return raw.CfgNum, nil
}

func (a *accessor) Load(_ context.Context, cfgNum int64) (*conf.Raw, error) {
	raw, err := a.read()
	if err != nil {
		return nil, err
	}
	if raw.CfgNum != cfgNum {
		return nil, fmt.Errorf("%s: has cfgNum %d, requested %d", a.path, raw.CfgNum, cfgNum)
	}
	return raw, nil
}

func init() {
	conf.RegisterAccessor("file", func(options map[string]any) (conf.Accessor, error) {
		path, _ := options["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("file config backend requires a path option")
		}
		return New(path), nil
	})
}
