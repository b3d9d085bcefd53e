package meshtalk

import (
	"os"
	"strconv"
	"time"

	"github.com/opd-ai/meshtalk/crypto"
	"github.com/opd-ai/meshtalk/discovery"
	"github.com/opd-ai/meshtalk/interfaces"
	"github.com/opd-ai/meshtalk/messaging"
	"github.com/opd-ai/meshtalk/transport"
	"github.com/sirupsen/logrus"
)

// Bounds applied to environment overrides.
const (
	MinPort = 1024
	MaxPort = 65535
	MinTTL  = 1
	MaxTTL  = 255

	MinRestartDelay = 0
	MaxRestartDelay = 10 * time.Second
)

// Options contains configuration options for creating a Node.
type Options struct {
	// DisplayName generates an ephemeral identity on start when no
	// identity was restored. Empty leaves the node unenrolled.
	DisplayName string

	Group     string
	Port      int
	Interface string
	TTL       int
	Loopback  bool

	// Passphrase encrypts the persisted identity at rest.
	Passphrase string

	// RedisAddr selects a Redis key-value store for the identity and the
	// peer directory. Empty keeps both in memory.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	// MongoURI selects a MongoDB message archive. Empty keeps history in
	// memory.
	MongoURI      string
	MongoDatabase string

	// RestartDelay separates teardown and startup in RestartAll.
	RestartDelay time.Duration

	// Notifier is told about every new inbound message.
	Notifier messaging.Notifier

	// Opener overrides the multicast socket, e.g. with an in-memory bus.
	Opener       interfaces.PacketConnOpener
	TimeProvider crypto.TimeProvider

	// Service tuning; nil uses each package's defaults.
	Transport *transport.Config
	Discovery *discovery.Config
	Queue     *messaging.QueueConfig
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Group:          "239.255.77.77",
		Port:           47474,
		TTL:            32,
		Loopback:       true,
		RedisNamespace: "meshtalk",
		MongoDatabase:  "meshtalk",
		RestartDelay:   500 * time.Millisecond,
	}
}

// ApplyEnvironment overrides options from MESHTALK_* environment variables.
// Unparseable or out-of-range values are logged and ignored.
func (o *Options) ApplyEnvironment() {
	parseString(&o.DisplayName, "MESHTALK_NAME")
	parseString(&o.Group, "MESHTALK_GROUP")
	parseInt(&o.Port, "MESHTALK_PORT", MinPort, MaxPort)
	parseString(&o.Interface, "MESHTALK_INTERFACE")
	parseInt(&o.TTL, "MESHTALK_TTL", MinTTL, MaxTTL)
	parseBool(&o.Loopback, "MESHTALK_LOOPBACK")
	parseString(&o.Passphrase, "MESHTALK_PASSPHRASE")
	parseString(&o.RedisAddr, "MESHTALK_REDIS_ADDR")
	parseString(&o.RedisPassword, "MESHTALK_REDIS_PASSWORD")
	parseInt(&o.RedisDB, "MESHTALK_REDIS_DB", 0, 15)
	parseString(&o.MongoURI, "MESHTALK_MONGO_URI")
	parseString(&o.MongoDatabase, "MESHTALK_MONGO_DB")
	parseDuration(&o.RestartDelay, "MESHTALK_RESTART_DELAY", MinRestartDelay, MaxRestartDelay)
}

func parseString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// parseInt updates dst from env when the value parses and lies within
// [lo, hi].
func parseInt(dst *int, env string, lo, hi int) {
	str := os.Getenv(env)
	if str == "" {
		return
	}
	v, err := strconv.Atoi(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseInt",
			"env_var":     env,
			"value":       str,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if v < lo || v > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseInt",
			"env_var":     env,
			"value":       v,
			"min":         lo,
			"max":         hi,
			"using_value": *dst,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = v
}

func parseBool(dst *bool, env string) {
	str := os.Getenv(env)
	if str == "" {
		return
	}
	v, err := strconv.ParseBool(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBool",
			"env_var":     env,
			"value":       str,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = v
}

func parseDuration(dst *time.Duration, env string, lo, hi time.Duration) {
	str := os.Getenv(env)
	if str == "" {
		return
	}
	v, err := time.ParseDuration(str)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDuration",
			"env_var":     env,
			"value":       str,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if v < lo || v > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseDuration",
			"env_var":     env,
			"value":       v,
			"min":         lo,
			"max":         hi,
			"using_value": *dst,
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*dst = v
}
