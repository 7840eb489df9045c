package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"zkrollup/common"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// envParsers parse the environment values of the types that the env package
// doesn't know about
var envParsers = env.CustomParsers{
	reflect.TypeOf(Duration{}): func(v string) (interface{}, error) {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return nil, err
		}
		return d, nil
	},
	reflect.TypeOf(ethCommon.Address{}): func(v string) (interface{}, error) {
		if !ethCommon.IsHexAddress(v) {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		return ethCommon.HexToAddress(v), nil
	},
}

func loadDefault(defaultValues string, cfg interface{}) error {
	if _, err := toml.Decode(defaultValues, cfg); err != nil {
		return common.Wrap(err)
	}
	return nil
}

func loadFile(path string, cfg interface{}) error {
	bs, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return common.Wrap(err)
	}
	if _, err := toml.Decode(string(bs), cfg); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// loadEnv parses the env tags of cfg and of every section nested in it
func loadEnv(cfg interface{}) error {
	if err := env.ParseWithFuncs(cfg, envParsers); err != nil {
		return common.Wrap(err)
	}
	v := reflect.Indirect(reflect.ValueOf(cfg))
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() != reflect.Struct || !field.CanSet() {
			continue
		}
		if _, ok := envParsers[field.Type()]; ok {
			continue
		}
		if err := loadEnv(field.Addr().Interface()); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads the configuration into cfg in three layers: the TOML
// defaultValues, the TOML file at filePath (if not empty) and the
// environment variables.
func LoadConfig(filePath string, defaultValues string, cfg interface{}) error {
	if err := loadDefault(defaultValues, cfg); err != nil {
		return fmt.Errorf("error loading default configuration: %w", err)
	}
	var errLoadFile error
	if filePath != "" {
		errLoadFile = loadFile(filePath, cfg)
	}
	// Overwrite file configuration with the env configuration
	errLoadEnv := loadEnv(cfg)
	if errLoadFile != nil {
		return fmt.Errorf("error loading configuration file: %w", errLoadFile)
	}
	if errLoadEnv != nil {
		return fmt.Errorf("error loading environment variables: %w", errLoadEnv)
	}
	return nil
}
