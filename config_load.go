package chronos

import (
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads a YAML/JSON/TOML configuration file, applies CHRONOS_*
// environment overrides, fills defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CHRONOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, Errorf(ErrConfig, "reading config %s, details: %v", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, Errorf(ErrConfig, "decoding config %s, details: %v", path, err)
	}
	c = c.Defaulted()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
