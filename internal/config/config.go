package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/micrictor/appwall/internal/packet"
	"github.com/micrictor/appwall/internal/rules"
	"github.com/spf13/viper"
)

const DEFAULT_BRIDGE_PORT = 5000
const DEFAULT_UID_MARK_OFFSET = 10000
const DEFAULT_INTERACTIVE_TIMEOUT = 30 * time.Second
const DEFAULT_QUEUE_NUM = 0

type BridgeConfig struct {
	Host      string `mapstructure:"host"`
	Port      uint16 `mapstructure:"port"`
	Reconnect bool   `mapstructure:"reconnect"`
	Greeting  string `mapstructure:"greeting"`
}

func (b BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

type FirewallConfig struct {
	DefaultPolicy          string `mapstructure:"default_policy"`
	UIDMarkOffset          int    `mapstructure:"uid_mark_offset"`
	MirrorInteractiveRules bool   `mapstructure:"mirror_interactive_rules"`
	Watched                []int  `mapstructure:"watched"`
}

type InteractiveConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	Fallback string        `mapstructure:"fallback"`
}

type TrackerConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type TableConfig struct {
	Backend  string `mapstructure:"backend"`
	QueueNum uint16 `mapstructure:"queue_num"`
}

type InterfacesConfig struct {
	WiFi     []string `mapstructure:"wifi"`
	Cellular []string `mapstructure:"cellular"`
}

type RulesConfig struct {
	File string `mapstructure:"file"`
}

type APIConfig struct {
	Listen       string             `mapstructure:"listen"`
	GRPCListen   string             `mapstructure:"grpc_listen"`
	Verification VerificationConfig `mapstructure:"verification"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppIdentity is the display identity of the application owning a uid.
type AppIdentity struct {
	Name    string `mapstructure:"name" json:"name"`
	Package string `mapstructure:"package" json:"package,omitempty"`
}

type JwtAlgorithm struct {
	GetKeyFunc func(config VerificationConfig) jwt.Keyfunc
}

var SUPPORTED_ALGOS = map[string]JwtAlgorithm{
	"rs256": {
		GetKeyFunc: func(config VerificationConfig) jwt.Keyfunc {
			return func(token *jwt.Token) (interface{}, error) {
				if config.PublicKeyFile == "" {
					return nil, fmt.Errorf("jwt algo rs256 (RSA with SHA256) requires publicKeyFile to be set")
				}
				if strings.ToLower(token.Method.Alg()) != "rs256" {
					return nil, fmt.Errorf("token uses algo %s, expected rs256", token.Method.Alg())
				}

				data, err := os.ReadFile(config.PublicKeyFile)
				if err != nil {
					return nil, err
				}
				return jwt.ParseRSAPublicKeyFromPEM(data)
			}
		},
	},
	"hs256": {
		GetKeyFunc: func(config VerificationConfig) jwt.Keyfunc {
			return func(token *jwt.Token) (interface{}, error) {
				if config.Secret == "" {
					return nil, fmt.Errorf("jwt algo hs256 (HMAC SHA256) requires secret to be set")
				}
				if strings.ToLower(token.Method.Alg()) != "hs256" {
					return nil, fmt.Errorf("token uses algo %s, expected hs256", token.Method.Alg())
				}

				return []byte(config.Secret), nil
			}
		},
	},
}

type VerificationConfig struct {
	Algo          string `mapstructure:"algo"`
	PublicKeyFile string `mapstructure:"publicKeyFile"`
	Secret        string `mapstructure:"secret"`
}

type MarshalledConfig struct {
	Bridge      BridgeConfig           `mapstructure:"bridge"`
	Firewall    FirewallConfig         `mapstructure:"firewall"`
	Interactive InteractiveConfig      `mapstructure:"interactive"`
	Tracker     TrackerConfig          `mapstructure:"tracker"`
	Table       TableConfig            `mapstructure:"table"`
	Interfaces  InterfacesConfig       `mapstructure:"interfaces"`
	Rules       RulesConfig            `mapstructure:"rules"`
	API         APIConfig              `mapstructure:"api"`
	Log         LogConfig              `mapstructure:"log"`
	Apps        map[string]AppIdentity `mapstructure:"apps"`
}

type AppConfig struct {
	Bridge        BridgeConfig
	Firewall      FirewallConfig
	DefaultPolicy rules.Policy
	Interactive   InteractiveConfig
	Fallback      packet.Action
	Tracker       TrackerConfig
	Table         TableConfig
	Interfaces    InterfacesConfig
	Rules         RulesConfig
	API           APIConfig
	Log           LogConfig
	Apps          map[int]AppIdentity
	// Keyfunc is nil when the control API runs without authentication.
	Keyfunc jwt.Keyfunc
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.host", "127.0.0.1")
	v.SetDefault("bridge.port", DEFAULT_BRIDGE_PORT)
	v.SetDefault("bridge.reconnect", true)
	v.SetDefault("bridge.greeting", "appwall says hello.")
	v.SetDefault("firewall.default_policy", "allow")
	v.SetDefault("firewall.uid_mark_offset", DEFAULT_UID_MARK_OFFSET)
	v.SetDefault("firewall.mirror_interactive_rules", false)
	v.SetDefault("interactive.timeout", DEFAULT_INTERACTIVE_TIMEOUT)
	v.SetDefault("interactive.fallback", "accept")
	v.SetDefault("tracker.idle_timeout", 0)
	v.SetDefault("table.backend", "iptables")
	v.SetDefault("table.queue_num", DEFAULT_QUEUE_NUM)
	v.SetDefault("rules.file", "rules.yaml")
	v.SetDefault("api.listen", "127.0.0.1:7780")
	v.SetDefault("api.grpc_listen", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
}

func getConfig(v *viper.Viper) (*AppConfig, error) {
	var tempConfig MarshalledConfig
	if err := v.Unmarshal(&tempConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	policy, err := rules.ParsePolicy(tempConfig.Firewall.DefaultPolicy)
	if err != nil {
		return nil, fmt.Errorf("firewall.default_policy: %w", err)
	}
	fallback, err := packet.ParseAction(strings.ToLower(tempConfig.Interactive.Fallback))
	if err != nil {
		return nil, fmt.Errorf("interactive.fallback: %w", err)
	}
	if tempConfig.Bridge.Port == 0 {
		return nil, fmt.Errorf("bridge.port must be set")
	}
	if tempConfig.Firewall.UIDMarkOffset < 0 {
		return nil, fmt.Errorf("firewall.uid_mark_offset must not be negative")
	}
	if tempConfig.Interactive.Timeout < 0 {
		return nil, fmt.Errorf("interactive.timeout must not be negative")
	}
	switch strings.ToLower(tempConfig.Table.Backend) {
	case "iptables", "nftables", "none":
	default:
		return nil, fmt.Errorf("unsupported table backend %s", tempConfig.Table.Backend)
	}

	var keyfunc jwt.Keyfunc
	if tempConfig.API.Verification.Algo != "" {
		algo, ok := SUPPORTED_ALGOS[strings.ToLower(tempConfig.API.Verification.Algo)]
		if !ok {
			return nil, fmt.Errorf("unsupported algorithm %s", tempConfig.API.Verification.Algo)
		}
		keyfunc = algo.GetKeyFunc(tempConfig.API.Verification)
	}

	apps := make(map[int]AppIdentity, len(tempConfig.Apps))
	for k, id := range tempConfig.Apps {
		uid, err := strconv.Atoi(k)
		if err != nil || uid < 0 {
			return nil, fmt.Errorf("apps: invalid uid %q", k)
		}
		apps[uid] = id
	}

	return &AppConfig{
		Bridge:        tempConfig.Bridge,
		Firewall:      tempConfig.Firewall,
		DefaultPolicy: policy,
		Interactive:   tempConfig.Interactive,
		Fallback:      fallback,
		Tracker:       tempConfig.Tracker,
		Table:         tempConfig.Table,
		Interfaces:    tempConfig.Interfaces,
		Rules:         tempConfig.Rules,
		API:           tempConfig.API,
		Log:           tempConfig.Log,
		Apps:          apps,
		Keyfunc:       keyfunc,
	}, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APPWALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// New reads a YAML configuration from reader. Values missing from the
// document fall back to defaults; APPWALL_* environment variables override both.
func New(reader io.Reader) (*AppConfig, error) {
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	v := newViper()
	if err := v.ReadConfig(buf); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return getConfig(v)
}

// Load reads the configuration file at path. An empty path yields the defaults.
func Load(path string) (*AppConfig, error) {
	if path == "" {
		return getConfig(newViper())
	}
	fileHandle, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fileHandle.Close()
	return New(fileHandle)
}
