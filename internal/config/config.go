package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "MESHMON_"

// App contains the full daemon configuration. Values come from defaults,
// then the YAML file, then MESHMON_* environment overrides.
type App struct {
	Name       string `yaml:"name"`
	ConfigPath string `yaml:"-"`

	DatabaseFile string `yaml:"database_file"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address"`
	MQTTPort          int    `yaml:"mqtt_port"`
	MQTTUsername      string `yaml:"mqtt_username"`
	MQTTPassword      string `yaml:"mqtt_password"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix"`
	MQTTTopicSuffix   string `yaml:"mqtt_topic_suffix"`

	LogLevel             string `yaml:"log_level"`
	ObservabilityAddress string `yaml:"observability_address"`
	APIListenAddress     string `yaml:"api_listen_address"`

	StoreRawPayload    bool `yaml:"store_raw_payload"`
	MessageCacheSize   int  `yaml:"message_cache_size"`
	StartupMessageLoad int  `yaml:"startup_message_load"`
	DefaultMaxHops     int  `yaml:"default_max_hops"`

	SelfLatitude  *float64 `yaml:"self_latitude"`
	SelfLongitude *float64 `yaml:"self_longitude"`

	// RetentionDays <= 0 disables the sweep entirely.
	RetentionDays        int `yaml:"retention_days"`
	RetentionIntervalMin int `yaml:"retention_interval_minutes"`
	MaintenanceInterval  int `yaml:"maintenance_interval_minutes"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                 "Meshmon",
		DatabaseFile:         "meshmon.db",
		MQTTBrokerAddress:    "127.0.0.1",
		MQTTPort:             1883,
		MQTTTopicPrefix:      "msh",
		MQTTTopicSuffix:      "/+/2/json/#",
		LogLevel:             "INFO",
		ObservabilityAddress: ":2112",
		APIListenAddress:     ":8080",
		StoreRawPayload:      false,
		MessageCacheSize:     10000,
		StartupMessageLoad:   1000,
		DefaultMaxHops:       3,
		RetentionDays:        30,
		RetentionIntervalMin: 360,
		MaintenanceInterval:  360,
	}
}

func (a *App) applyFile(path string) error {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG_FILE")
	}
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, a); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	a.ConfigPath = path
	return nil
}

func (a *App) applyEnv() error {
	strVars := map[string]*string{
		"NAME":                  &a.Name,
		"DATABASE_FILE":         &a.DatabaseFile,
		"MQTT_BROKER_ADDRESS":   &a.MQTTBrokerAddress,
		"MQTT_USERNAME":         &a.MQTTUsername,
		"MQTT_PASSWORD":         &a.MQTTPassword,
		"MQTT_TOPIC_PREFIX":     &a.MQTTTopicPrefix,
		"MQTT_TOPIC_SUFFIX":     &a.MQTTTopicSuffix,
		"LOG_LEVEL":             &a.LogLevel,
		"OBSERVABILITY_ADDRESS": &a.ObservabilityAddress,
		"API_LISTEN_ADDRESS":    &a.APIListenAddress,
	}
	for key, dst := range strVars {
		if v, ok := lookupEnv(key); ok {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"MQTT_PORT":                    &a.MQTTPort,
		"MESSAGE_CACHE_SIZE":           &a.MessageCacheSize,
		"STARTUP_MESSAGE_LOAD":         &a.StartupMessageLoad,
		"DEFAULT_MAX_HOPS":             &a.DefaultMaxHops,
		"RETENTION_DAYS":               &a.RetentionDays,
		"RETENTION_INTERVAL_MINUTES":   &a.RetentionIntervalMin,
		"MAINTENANCE_INTERVAL_MINUTES": &a.MaintenanceInterval,
	}
	for key, dst := range intVars {
		v, ok := lookupEnv(key)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s must be an integer: %w", envPrefix, key, err)
		}
		*dst = parsed
	}

	boolVars := map[string]*bool{
		"STORE_RAW_PAYLOAD": &a.StoreRawPayload,
	}
	for key, dst := range boolVars {
		v, ok := lookupEnv(key)
		if !ok {
			continue
		}
		parsed, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s%s must be a boolean: %w", envPrefix, key, err)
		}
		*dst = parsed
	}

	floatVars := map[string]**float64{
		"SELF_LATITUDE":  &a.SelfLatitude,
		"SELF_LONGITUDE": &a.SelfLongitude,
	}
	for key, dst := range floatVars {
		v, ok := lookupEnv(key)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s%s must be a number: %w", envPrefix, key, err)
		}
		*dst = &parsed
	}

	return nil
}

func (a *App) validate() error {
	if strings.TrimSpace(a.DatabaseFile) == "" {
		return errors.New("config: database_file must not be empty")
	}
	if a.MQTTPort <= 0 || a.MQTTPort > 65535 {
		return fmt.Errorf("config: mqtt_port %d out of range", a.MQTTPort)
	}
	if a.DefaultMaxHops < 0 || a.DefaultMaxHops > 7 {
		return fmt.Errorf("config: default_max_hops %d out of range 0..7", a.DefaultMaxHops)
	}
	if (a.SelfLatitude == nil) != (a.SelfLongitude == nil) {
		return errors.New("config: self_latitude and self_longitude must be set together")
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("unrecognised value %q", v)
	}
}
