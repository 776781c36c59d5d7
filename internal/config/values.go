package config

import (
	"time"

	"github.com/spf13/viper"
)

// Values is a read-only view over a viper instance. A nil viper behaves as
// an empty configuration.
type Values struct {
	v *viper.Viper
}

// New wraps v.
func New(v *viper.Viper) Values {
	if v == nil {
		v = viper.New()
	}
	return Values{v: v}
}

// GetString returns the value at key as a string.
func (c Values) GetString(key string) string { return c.v.GetString(key) }

// GetInt returns the value at key as an int.
func (c Values) GetInt(key string) int { return c.v.GetInt(key) }

// GetBool returns the value at key as a bool.
func (c Values) GetBool(key string) bool { return c.v.GetBool(key) }

// GetDuration returns the value at key as a duration.
func (c Values) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }

// IsSet reports whether key has a value from any source.
func (c Values) IsSet(key string) bool { return c.v.IsSet(key) }

// Sub returns the subtree at key. A missing key yields an empty view.
func (c Values) Sub(key string) Values {
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole tree into target using mapstructure tags.
func (c Values) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}
