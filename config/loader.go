package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader loads configuration with the precedence defaults -> YAML ->
// environment.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a configuration loader with the AGENTRUN env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "AGENTRUN"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if l.envPrefix != "" {
		applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
	}
	return cfg, nil
}

// Load is the convenience entry point: AGENTRUN_CONFIG or the given path.
func Load(path string) (*Config, error) {
	if envPath := os.Getenv("AGENTRUN_CONFIG"); envPath != "" {
		path = envPath
	}
	return NewLoader().WithConfigPath(path).Load()
}

// applyEnv walks the struct and overrides fields from PREFIX_SECTION_FIELD
// environment variables. The env struct tag names the segment; fields
// without one (the embedded package configs) derive it from the yaml tag.
func applyEnv(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := envSegment(field)
		if tag == "" || !v.Field(i).CanSet() {
			continue
		}
		name := prefix + "_" + tag

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && fv.Type() != reflect.TypeOf(time.Duration(0)) {
			applyEnv(fv, name)
			continue
		}

		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		setField(fv, raw)
	}
}

func envSegment(field reflect.StructField) string {
	if tag := field.Tag.Get("env"); tag != "" {
		return tag
	}
	tag := field.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	if idx := strings.Index(tag, ","); idx >= 0 {
		tag = tag[:idx]
	}
	return strings.ToUpper(tag)
}

func setField(fv reflect.Value, raw string) {
	switch fv.Interface().(type) {
	case time.Duration:
		if d, err := time.ParseDuration(raw); err == nil {
			fv.SetInt(int64(d))
		}
		return
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.Float32, reflect.Float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			fv.SetFloat(f)
		}
	case reflect.Bool:
		fv.SetBool(strings.EqualFold(raw, "true") || raw == "1")
	}
}
