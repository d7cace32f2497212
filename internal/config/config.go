// Package config loads hwdecode settings into flat option structs.
//
// Fields are bound with `toml:"section.key"` and `env:"KEY"` tags. Values are
// applied in order TOML file, env file, process environment, and flags the
// user set on the command line are never overwritten.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/smazurov/hwdecode/internal/logging"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "HWDECODE_"

var durationType = reflect.TypeFor[time.Duration]()

// LoadConfig fills opts, a pointer to a struct, from the file named by its
// Config field, the env file named by its EnvFile field and the environment.
// If cmd is provided, flags explicitly set via CLI are left alone.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: options must be a struct pointer, got %T", opts)
	}
	v = v.Elem()
	t := v.Type()

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}
	settable := func(i int) bool {
		return !changed[fieldNameToFlag(t.Field(i).Name)]
	}

	if path := stringField(v, "Config"); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to read config: %w", err)
		default:
			var tree map[string]any
			if err := toml.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("failed to parse TOML config: %w", err)
			}
			for i := range v.NumField() {
				key := t.Field(i).Tag.Get("toml")
				if key == "" || !settable(i) {
					continue
				}
				if value := getNestedValue(tree, key); value != nil {
					if err := setFieldValue(v.Field(i), value); err != nil {
						return fmt.Errorf("%s: %w", key, err)
					}
				}
			}
		}
	}

	env := make(map[string]string)
	if path := stringField(v, "EnvFile"); path != "" {
		fileEnv, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to read env file: %w", err)
		}
		for k, val := range fileEnv {
			env[k] = val
		}
	}

	for i := range v.NumField() {
		key := t.Field(i).Tag.Get("env")
		if key == "" || !settable(i) {
			continue
		}
		name := EnvPrefix + key
		value, ok := os.LookupEnv(name)
		if !ok {
			value, ok = env[name]
		}
		if !ok || value == "" {
			continue
		}
		if err := setFieldValueFromString(v.Field(i), value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

func stringField(v reflect.Value, name string) string {
	f := v.FieldByName(name)
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}

// fieldNameToFlag converts a struct field name to a CLI flag name.
// Example: "LoggingLevel" -> "logging-level", "Port" -> "port".
func fieldNameToFlag(fieldName string) string {
	var result []rune
	for i, r := range fieldName {
		if i > 0 && unicode.IsUpper(r) {
			result = append(result, '-')
		}
		result = append(result, unicode.ToLower(r))
	}
	return string(result)
}

// getNestedValue retrieves a value from nested map using dot notation.
func getNestedValue(data map[string]any, path string) any {
	current := data
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current[parts[len(parts)-1]]
}

// setFieldValue assigns a decoded TOML value.
func setFieldValue(field reflect.Value, value any) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		switch d := value.(type) {
		case string:
			return setFieldValueFromString(field, d)
		case int64:
			field.SetInt(d * int64(time.Millisecond))
			return nil
		}
		return fmt.Errorf("cannot use %T as duration", value)
	}

	switch field.Kind() {
	case reflect.String:
		if s, ok := value.(string); ok {
			field.SetString(s)
			return nil
		}
	case reflect.Bool:
		if b, ok := value.(bool); ok {
			field.SetBool(b)
			return nil
		}
	case reflect.Int, reflect.Int64:
		if i, ok := value.(int64); ok {
			field.SetInt(i)
			return nil
		}
	case reflect.Float64:
		switch f := value.(type) {
		case float64:
			field.SetFloat(f)
			return nil
		case int64:
			field.SetFloat(float64(f))
			return nil
		}
	case reflect.Slice:
		arr, ok := value.([]any)
		if ok && field.Type().Elem().Kind() == reflect.String {
			slice := make([]string, 0, len(arr))
			for _, v := range arr {
				s, isString := v.(string)
				if !isString {
					return fmt.Errorf("cannot use %T in string list", v)
				}
				slice = append(slice, s)
			}
			field.Set(reflect.ValueOf(slice))
			return nil
		}
	}
	return fmt.Errorf("cannot use %T for %s field", value, field.Kind())
}

// setFieldValueFromString parses an environment value into field.
func setFieldValueFromString(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice of %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// LoadLoggingConfig reads the [logging] table of a TOML file. level and
// format are global; every other key is a module level. It is the loader
// used by the config watcher.
func LoadLoggingConfig(path string) (logging.Config, error) {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	var raw struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse TOML config: %w", err)
	}

	for key, value := range raw.Logging {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			cfg.Level = s
		case "format":
			cfg.Format = s
		default:
			cfg.Modules[key] = s
		}
	}
	return cfg, nil
}
