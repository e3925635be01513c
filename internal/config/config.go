// Package config loads provisioner settings from flags, environment and a
// config file, then validates them.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "PROVISIONER"

// ErrInvalidConfig is returned when settings fail validation.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the full provisioner configuration. It is built once per process
// and passed down explicitly.
type Config struct {
	SolcVersion  string `mapstructure:"solc_version" json:"solc_version"`
	SolcPath     string `mapstructure:"solc_path" json:"solc_path,omitempty"`
	ContractsDir string `mapstructure:"contracts_dir" json:"contracts_dir" validate:"required"`
	BuildDir     string `mapstructure:"build_dir" json:"build_dir" validate:"required"`
	Manifest     string `mapstructure:"manifest" json:"manifest,omitempty"`

	NodeHost string `mapstructure:"node_host" json:"node_host,omitempty" validate:"required_without=RPCURL"`
	NodePort int    `mapstructure:"node_port" json:"node_port,omitempty" validate:"omitempty,min=1,max=65535"`
	RPCURL   string `mapstructure:"rpc_url" json:"rpc_url,omitempty" validate:"omitempty,url"`
	ChainID  uint64 `mapstructure:"chain_id" json:"chain_id,omitempty"`

	AdminAccountKey   string `mapstructure:"admin_account_key" json:"-" validate:"required,hexkey"`
	ManagerAccountKey string `mapstructure:"manager_account_key" json:"-" validate:"required,hexkey"`
	OwnerAccountKey   string `mapstructure:"owner_account_key" json:"-" validate:"required,hexkey"`

	Skip          []string `mapstructure:"skip" json:"skip,omitempty"`
	AddressBook   string   `mapstructure:"address_book" json:"address_book" validate:"required"`
	PublishDir    string   `mapstructure:"publish_dir" json:"publish_dir,omitempty"`
	PublishBundle bool     `mapstructure:"publish_bundle" json:"publish_bundle"`

	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout" json:"confirm_timeout" validate:"min=1s"`
	PollInterval     time.Duration `mapstructure:"poll_interval" json:"poll_interval" validate:"min=10ms"`
	GasBufferPercent uint64        `mapstructure:"gas_buffer_percent" json:"gas_buffer_percent" validate:"max=500"`
	FeeMode          string        `mapstructure:"fee_mode" json:"fee_mode" validate:"oneof=legacy dynamic"`
	AllowZeroBalance bool          `mapstructure:"allow_zero_balance" json:"allow_zero_balance"`

	LogLevel  string `mapstructure:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" json:"log_format" validate:"oneof=text json pretty"`
	LogFile   string `mapstructure:"log_file" json:"log_file,omitempty"`

	JournalDSN  string        `mapstructure:"journal_dsn" json:"-"`
	RedisAddr   string        `mapstructure:"redis_addr" json:"redis_addr,omitempty"`
	LockTTL     time.Duration `mapstructure:"lock_ttl" json:"lock_ttl" validate:"min=1s"`
	MetricsFile string        `mapstructure:"metrics_file" json:"metrics_file,omitempty"`
}

// defaults holds every key the loader knows about. Registering a default
// for each key lets environment variables reach Unmarshal.
var defaults = map[string]interface{}{
	"solc_version":        "",
	"solc_path":           "",
	"contracts_dir":       ".",
	"build_dir":           "build",
	"manifest":            "",
	"node_host":           "",
	"node_port":           8545,
	"rpc_url":             "",
	"chain_id":            0,
	"admin_account_key":   "",
	"manager_account_key": "",
	"owner_account_key":   "",
	"skip":                []string{},
	"address_book":        "build/contract_address/addresses.json",
	"publish_dir":         "",
	"publish_bundle":      false,
	"confirm_timeout":     "2m",
	"poll_interval":       "2s",
	"gas_buffer_percent":  20,
	"fee_mode":            "legacy",
	"allow_zero_balance":  false,
	"log_level":           "info",
	"log_format":          "text",
	"log_file":            "",
	"journal_dsn":         "",
	"redis_addr":          "",
	"lock_ttl":            "30m",
	"metrics_file":        "",
}

// legacyKeys maps the keys of the older config.json layout onto current ones.
var legacyKeys = map[string]string{
	"solcVersion":    "solc_version",
	"nodeHost":       "node_host",
	"nodePort":       "node_port",
	"adminAccount":   "admin_account_key",
	"managerAccount": "manager_account_key",
	"ownerAccount":   "owner_account_key",
}

// SetDefaults registers defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// ReadFile reads the config file at path, or searches for provisioner.yaml,
// provisioner.json and config.json in the working directory when path is
// empty. A missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("provisioner")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config: %w", err)
			}
			v.SetConfigFile("config.json")
			if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
				return fmt.Errorf("read config.json: %w", err)
			}
		}
	}
	applyLegacyKeys(v)
	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}

// applyLegacyKeys lets camelCase keys from an old config.json fill in
// settings that the file does not also set under the current name.
func applyLegacyKeys(v *viper.Viper) {
	for legacy, current := range legacyKeys {
		if v.InConfig(legacy) && !v.InConfig(current) {
			v.SetDefault(current, v.Get(legacy))
		}
	}
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes v without validating it. Commands that never sign use it
// so that they run without account keys.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Skip = normalizeSkip(cfg.Skip)
	return &cfg, nil
}

func normalizeSkip(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

var hexKeyPattern = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("hexkey", func(fl validator.FieldLevel) bool {
		return hexKeyPattern.MatchString(strings.TrimSpace(fl.Field().String()))
	})
	return v
}

// Validate checks field constraints. Error messages name fields but never
// include key material.
func (c *Config) Validate() error {
	err := newValidator().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

// Endpoint returns the RPC URL, building it from host and port when no URL
// is configured.
func (c *Config) Endpoint() string {
	if c.RPCURL != "" {
		return c.RPCURL
	}
	return "http://" + net.JoinHostPort(c.NodeHost, strconv.Itoa(c.NodePort))
}
