package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var ErrMissingAPIKey = errors.New("no api key configured for host")

type Options struct {
	ConfigFile string `mapstructure:"config-file"`
	Verbose    int    `mapstructure:"verbose"`

	// Host is the identifier presented in the handshake. API keys are issued per host.
	Host     string            `mapstructure:"host"`
	APIKeys  map[string]string `mapstructure:"api-keys"`
	Origin   string            `mapstructure:"origin"`
	Secure   bool              `mapstructure:"secure"`
	WSPort   int               `mapstructure:"ws-port"`
	WSSPort  int               `mapstructure:"wss-port"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	AuditDir string            `mapstructure:"audit-dir"`
	Insecure bool              `mapstructure:"insecure-skip-verify"`

	DaemonOptions `mapstructure:",squash"`
}

type DaemonOptions struct {
	Listen       string            `mapstructure:"listen"`
	Disks        map[string]string `mapstructure:"disks"`
	PFXPasswords map[string]string `mapstructure:"pfx-passwords"`
	PKCS11Lib    string            `mapstructure:"pkcs11-lib"`
	PKCS11PIN    string            `mapstructure:"pkcs11-pin"`
}

func Defaults() Options {
	home, _ := os.UserHomeDir()
	return Options{
		Host:     "localhost",
		WSPort:   64646,
		WSSPort:  64443,
		Timeout:  30 * time.Second,
		AuditDir: filepath.Join(home, ".eimzo"),
		DaemonOptions: DaemonOptions{
			Listen: "127.0.0.1:64646",
		},
	}
}

// APIKey returns the key issued for Host. Hosts are matched ignoring case
// since viper lowercases map keys read from a config file.
func (o Options) APIKey() (string, error) {
	if key := o.APIKeys[o.Host]; key != "" {
		return key, nil
	}
	for host, key := range o.APIKeys {
		if key != "" && strings.EqualFold(host, o.Host) {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrMissingAPIKey, o.Host)
}

// OriginHeader returns the Origin presented to the daemon.
func (o Options) OriginHeader() string {
	if o.Origin != "" {
		return o.Origin
	}
	scheme := "http"
	if o.Secure {
		scheme = "https"
	}
	return scheme + "://" + o.Host
}

// Load resolves options from flags, EIMZO_* environment variables and the
// config file, in that order of precedence, on top of Defaults.
func Load(flags *pflag.FlagSet) (Options, error) {
	opts := Defaults()
	// Map keys are host and file names, which contain dots.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return opts, err
		}
	}

	v.SetConfigName("config")
	v.AddConfigPath("/etc/eimzo")
	v.AddConfigPath("$HOME/.eimzo")
	v.AddConfigPath(".")
	if f := v.GetString("config-file"); f != "" {
		v.SetConfigFile(f)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.SetEnvPrefix("EIMZO")
	v.AutomaticEnv()
	for _, key := range []string{"api-keys", "disks", "pfx-passwords", "pkcs11-lib", "pkcs11-pin", "listen", "origin", "audit-dir"} {
		if err := v.BindEnv(key); err != nil {
			return opts, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return opts, fmt.Errorf("read config: %w", err)
		}
	}

	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		stringToMapHookFunc(),
	)
	if err := v.Unmarshal(&opts, viper.DecodeHook(hook)); err != nil {
		return opts, fmt.Errorf("decode config: %w", err)
	}
	return opts, nil
}

// stringToMapHookFunc decodes "a=1,b=2" into a map, the form maps take in
// environment variables.
func stringToMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Map {
			return data, nil
		}
		out := map[string]string{}
		for _, pair := range strings.Split(data.(string), ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				return nil, fmt.Errorf("invalid map entry %q", pair)
			}
			out[strings.TrimSpace(k)] = strings.TrimSpace(val)
		}
		return out, nil
	}
}
