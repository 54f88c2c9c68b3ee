// Package config loads the engine configuration: built-in defaults, then an
// optional TOML file, then SHROUD_* environment variables.
package config

import (
	"bytes"
	"os"
	"reflect"
	"strconv"

	"github.com/caarlos0/env/v8"
	"github.com/go-errors/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/ranmrdrakono/shroud/addrspace"
	"github.com/ranmrdrakono/shroud/codemap"
	"github.com/ranmrdrakono/shroud/jmpcache"
	log "github.com/sirupsen/logrus"
)

const EnvPrefix = "SHROUD_"

type Config struct {
	Layout       addrspace.Layout `toml:"layout" envPrefix:"LAYOUT_"`
	Codemap      codemap.Config   `toml:"codemap" envPrefix:"CODEMAP_"`
	JmpCacheSize int              `toml:"jmpcache_size" env:"JMPCACHE_SIZE"`
	LogLevel     string           `toml:"log_level" env:"LOG_LEVEL"`
}

func Default() Config {
	return Config{
		Layout:       addrspace.DefaultLayout(),
		Codemap:      codemap.Config{MaxRegions: codemap.DefaultMaxRegions},
		JmpCacheSize: jmpcache.DefaultSize,
		LogLevel:     "info",
	}
}

// Addresses are easier to read in hex, so environment integers accept any
// base prefix.
var funcMap = map[reflect.Type]env.ParserFunc{
	reflect.TypeOf(uint64(0)): func(v string) (interface{}, error) {
		return strconv.ParseUint(v, 0, 64)
	},
	reflect.TypeOf(int(0)): func(v string) (interface{}, error) {
		n, err := strconv.ParseInt(v, 0, 0)
		return int(n), err
	},
}

// Load reads path (when not empty) over the defaults and applies the
// environment on top. The result is validated.
func Load(path string) (Config, error) {
	conf := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return conf, errors.Wrap(err, 0)
		}
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&conf); err != nil {
			return conf, errors.WrapPrefix(err, path, 0)
		}
	}
	if err := FromEnv(&conf); err != nil {
		return conf, err
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	log.WithFields(log.Fields{"path": path, "layout": conf.Layout}).Debug("Config Loaded")
	return conf, nil
}

func FromEnv(conf *Config) error {
	opts := env.Options{Prefix: EnvPrefix, FuncMap: funcMap}
	if err := env.ParseWithOptions(conf, opts); err != nil {
		return errors.Wrap(err, 0)
	}
	return nil
}

func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.Codemap.MaxRegions < 0 || c.JmpCacheSize < 0 {
		return errors.Errorf("config: negative capacity")
	}
	return c.Layout.Validate()
}

func (c Config) Level() (log.Level, error) {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, errors.Wrap(err, 0)
	}
	return lvl, nil
}

// Encode writes c as TOML, the format Load reads.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return buf.Bytes(), nil
}
