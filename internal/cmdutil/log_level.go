package cmdutil

import (
	"fmt"
	"strings"

	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v3"
)

// levels maps the accepted level names to their filter options.
var levels = map[string]struct {
	value  level.Value
	option level.Option
}{
	"error": {level.ErrorValue(), level.AllowError()},
	"warn":  {level.WarnValue(), level.AllowWarn()},
	"info":  {level.InfoValue(), level.AllowInfo()},
	"debug": {level.DebugValue(), level.AllowDebug()},
}

// LogLevel is the minimum level of logs to display. It can be set from a
// flag or a YAML config file. The zero value is info.
type LogLevel struct {
	name string
}

// String implements flag.Value.
func (l LogLevel) String() string {
	if l.name == "" {
		return level.InfoValue().String()
	}
	return levels[l.name].value.String()
}

// Set implements flag.Value.
func (l *LogLevel) Set(in string) error {
	name := strings.ToLower(in)
	if _, ok := levels[name]; !ok {
		return fmt.Errorf("unknown log level %q, valid options error, warn, info, debug", in)
	}
	l.name = name
	return nil
}

// FilterOption returns l as an option for level.NewFilter.
func (l LogLevel) FilterOption() level.Option {
	if l.name == "" {
		return level.AllowInfo()
	}
	return levels[l.name].option
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LogLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return l.Set(s)
}

// MarshalYAML implements yaml.Marshaler.
func (l LogLevel) MarshalYAML() (interface{}, error) {
	return l.String(), nil
}
