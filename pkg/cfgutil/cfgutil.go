package cfgutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hanfei1991/dagsched/pkg/errors"
)

// DecodeFile loads the config file at path into v. Files ending in .yaml or
// .yml are read as YAML, everything else as TOML. Both formats use the toml
// tags of v, and keys unknown to v are rejected.
func DecodeFile(path string, v interface{}) error {
	var (
		md  toml.MetaData
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc string
		doc, err = yamlToToml(path)
		if err != nil {
			return err
		}
		md, err = toml.Decode(doc, v)
	default:
		md, err = toml.DecodeFile(path, v)
	}
	if err != nil {
		return errors.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	undecoded := md.Undecoded()
	if len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return errors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(items, ","))
	}
	return nil
}

func yamlToToml(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return "", errors.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(raw); err != nil {
		return "", errors.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	return b.String(), nil
}

// Toml returns the TOML form of v.
func Toml(v interface{}) (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(v); err != nil {
		return "", errors.ErrDecodeConfigFile.Wrap(err).GenWithStackByArgs()
	}
	return b.String(), nil
}
