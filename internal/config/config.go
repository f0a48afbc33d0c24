package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

type Config struct {
	WG struct {
		ConfigDir          string        `mapstructure:"config_dir"`
		Backend            string        `mapstructure:"backend"` // auto|real|mock
		DefaultDNS         string        `mapstructure:"default_dns"`
		PublicEndpoint     string        `mapstructure:"public_endpoint"` // host clients dial
		AllowCustomScripts bool          `mapstructure:"allow_custom_scripts"`
		ExecTimeout        time.Duration `mapstructure:"exec_timeout"`
	} `mapstructure:"wg"`

	// SecretKey derives the keys that protect stored peer private keys.
	SecretKey string `mapstructure:"secret_key"`

	Database struct {
		Driver string `mapstructure:"driver"` // sqlite|postgres|mysql
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Server struct {
		Address string `mapstructure:"address"`
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
		File   string `mapstructure:"file"`
	} `mapstructure:"logs"`

	// SecretGenerated is set when no secret_key was configured and a
	// temporary one was made up for this run.
	SecretGenerated bool `mapstructure:"-"`
}

// Load reads the configuration from TUNNBOX_* env vars, an optional yaml file
// (CONFIG_FILE or tunnbox.yaml) and a .env file, on top of defaults.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, fmt.Errorf("config .env error: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TUNNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("wg.config_dir", "/etc/wireguard")
	v.SetDefault("wg.backend", "auto")
	v.SetDefault("wg.default_dns", "1.1.1.1")
	v.SetDefault("wg.public_endpoint", "")
	v.SetDefault("wg.allow_custom_scripts", false)
	v.SetDefault("wg.exec_timeout", "15s")
	v.SetDefault("secret_key", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tunnbox.db")
	v.SetDefault("server.address", ":8080")

	v.SetDefault("logs.level", "info")
	v.SetDefault("logs.format", "text")
	v.SetDefault("logs.file", "")

	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("tunnbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tunnbox")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.SecretKey = secret
		cfg.SecretGenerated = true
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadDotEnv exports the variables of an env file that are not already set
// in the process environment.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	ev := viper.New()
	ev.SetConfigFile(path)
	ev.SetConfigType("env")
	if err := ev.ReadInConfig(); err != nil {
		return err
	}
	for _, k := range ev.AllKeys() {
		name := strings.ToUpper(k)
		if _, ok := os.LookupEnv(name); !ok {
			os.Setenv(name, ev.GetString(k))
		}
	}
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func validate(c *Config) error {
	switch c.WG.Backend {
	case "auto", "real", "mock":
	default:
		return fmt.Errorf("wg.backend must be auto, real or mock, got %q", c.WG.Backend)
	}
	if strings.TrimSpace(c.WG.ConfigDir) == "" {
		return errors.New("wg.config_dir must not be empty")
	}
	if c.WG.ExecTimeout <= 0 {
		return errors.New("wg.exec_timeout must be positive")
	}
	if c.WG.DefaultDNS != "" {
		for _, s := range strings.Split(c.WG.DefaultDNS, ",") {
			if !ValidHost(strings.TrimSpace(s)) {
				return fmt.Errorf("wg.default_dns: invalid server %q", s)
			}
		}
	}
	if c.WG.PublicEndpoint != "" && !ValidHost(c.WG.PublicEndpoint) {
		return fmt.Errorf("wg.public_endpoint: invalid host %q", c.WG.PublicEndpoint)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or mysql, got %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("database.dsn must not be empty")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	return nil
}

var labelRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)

// ValidHost reports whether s is an IP address or a syntactically valid
// hostname.
func ValidHost(s string) bool {
	if s == "" {
		return false
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	if _, ok := dns.IsDomainName(s); !ok {
		return false
	}
	for _, label := range dns.SplitDomainName(s) {
		if !labelRE.MatchString(label) {
			return false
		}
	}
	return true
}
