package state

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/meter"
	"github.com/temoto/dsmr2mqtt/p1"
	"github.com/temoto/dsmr2mqtt/tele"
)

const (
	defaultTopicPrefix   = "dsmr"
	defaultClientID      = "mqtt-dsmr"
	testTopicPrefix      = "test_dsmr"
	testClientID         = "mqtt-dsmr-test"
	defaultDerivedDigits = 3
)

// Config is assembled in order: defaults, HCL sources with includes,
// environment variables, test mode adjustments.
type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include" json:"-"`

	// false replays Meter.ReplayFile and publishes under test prefix
	Production bool `hcl:"production" env:"DSMR_PRODUCTION"`

	Log struct {
		Level  string `hcl:"level" env:"DSMR_LOGLEVEL"`
		Format string `hcl:"format" env:"DSMR_LOG_FORMAT"`
	} `hcl:"log"`

	Meter struct {
		Device         string `hcl:"device" env:"SERIAL_PORT"`
		Baud           int    `hcl:"baud" env:"SERIAL_BAUDRATE"`
		Format         string `hcl:"format"`
		ReadTimeoutSec int    `hcl:"read_timeout_sec"`
		ReplayFile     string `hcl:"replay_file" env:"DSMR_SIMULATORFILE"`
		ReplayDelayMs  int    `hcl:"replay_delay_ms"`
		// "verify" or "skip"
		Checksum         string `hcl:"checksum"`
		MaxTelegramBytes int    `hcl:"max_telegram_bytes"`
	} `hcl:"meter"`

	Mqtt struct {
		Enabled  bool   `hcl:"enabled" env:"MQTT_ENABLED"`
		Broker   string `hcl:"broker" env:"MQTT_BROKER"`
		Port     int    `hcl:"port" env:"MQTT_PORT"`
		ClientID string `hcl:"client_id" env:"MQTT_CLIENT_ID"`
		QoS      int    `hcl:"qos" env:"MQTT_QOS"`
		Username string `hcl:"username" env:"MQTT_USERNAME"`
		Password string `hcl:"password" env:"MQTT_PASSWORD"`
		// readings per hour
		MaxRate        int    `hcl:"max_rate" env:"MQTT_MAXRATE"`
		TopicPrefix    string `hcl:"topic_prefix" env:"MQTT_TOPIC_PREFIX"`
		Transport      string `hcl:"transport" env:"MQTT_TRANSPORT"`
		UseTLS         bool   `hcl:"use_tls" env:"MQTT_USE_TLS"`
		WsPath         string `hcl:"ws_path" env:"MQTT_WS_PATH"`
		PerFieldTopics bool   `hcl:"per_field_topics"`
		KeepaliveSec   int    `hcl:"keepalive_sec"`
		TimeoutSec     int    `hcl:"network_timeout_sec"`
		PublishSec     int    `hcl:"publish_timeout_sec"`
		LogDebug       bool   `hcl:"log_debug"`
	} `hcl:"mqtt"`

	Discovery struct {
		Enabled      bool   `hcl:"enabled" env:"HA_DISCOVERY"`
		Prefix       string `hcl:"prefix"`
		NodeID       string `hcl:"node_id"`
		DeleteOnExit bool   `hcl:"delete_on_exit" env:"HA_DELETECONFIG"`
		RatePerHour  int    `hcl:"rate" env:"HA_DISCOVERY_RATE"`
	} `hcl:"discovery"`

	Persist struct {
		Root       string `hcl:"root" env:"DSMR_PERSIST_ROOT"`
		MaxEntries int    `hcl:"max_entries"`
	} `hcl:"persist"`

	Interest InterestConfig `hcl:"interest"`

	Stats struct {
		LogIntervalSec int `hcl:"log_interval_sec" env:"DSMR_STATS_LOG_INTERVAL"`
	} `hcl:"stats"`

	Http struct {
		Listen string `hcl:"listen" env:"DSMR_HTTP_LISTEN"`
	} `hcl:"http"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// InterestConfig without field blocks uses p1.DefaultTable.
type InterestConfig struct {
	// "drop" or "warn"
	ZeroPolicy string `hcl:"zero_policy"`
	// Append configured fields to default table instead of replacing it.
	ExtendDefaults bool            `hcl:"extend_defaults"`
	Fields         []FieldConfig   `hcl:"field"`
	Derived        []DerivedConfig `hcl:"derived"`
}

type FieldConfig struct {
	Name      string `hcl:"name,key"`
	Code      string `hcl:"code"`
	Index     int    `hcl:"index"`
	Required  bool   `hcl:"required"`
	AsNumber  bool   `hcl:"as_number"`
	ZeroCheck bool   `hcl:"zero_check"`
}

type DerivedConfig struct {
	Name      string   `hcl:"name,key"`
	Code      string   `hcl:"code"`
	Op        string   `hcl:"op"`
	Inputs    []string `hcl:"inputs"`
	Required  bool     `hcl:"required"`
	ZeroCheck bool     `hcl:"zero_check"`
	// 0 means 3 decimal places, negative disables rounding
	Precision int `hcl:"precision"`
}

func NewConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.Production = true
	c.Log.Level = "info"
	c.Log.Format = string(log2.FormatJSON)
	c.Meter.Device = meter.DefaultDevice
	c.Meter.Baud = meter.DefaultBaud
	c.Meter.Format = meter.DefaultFormat
	c.Meter.ReadTimeoutSec = int(meter.DefaultReadTimeout / time.Second)
	c.Meter.ReplayFile = "test/dsmr.raw"
	c.Meter.ReplayDelayMs = int(meter.DefaultReplayDelay / time.Millisecond)
	c.Meter.Checksum = p1.ChecksumVerify.String()
	c.Mqtt.Enabled = true
	c.Mqtt.Broker = "192.168.1.1"
	c.Mqtt.Port = 1883
	c.Mqtt.ClientID = defaultClientID
	c.Mqtt.QoS = 1
	c.Mqtt.MaxRate = tele.DefaultMaxRatePerHour
	c.Mqtt.TopicPrefix = defaultTopicPrefix
	c.Mqtt.Transport = "tcp"
	c.Mqtt.KeepaliveSec = 600
	c.Mqtt.TimeoutSec = int(tele.DefaultNetworkTimeout / time.Second)
	c.Mqtt.PublishSec = int(tele.DefaultPublishTimeout / time.Second)
	c.Discovery.Enabled = true
	c.Discovery.Prefix = tele.DefaultDiscoveryPrefix
	c.Discovery.DeleteOnExit = true
	c.Discovery.RatePerHour = tele.DefaultDiscoveryRate
	c.Persist.Root = "/var/lib/dsmr2mqtt"
	c.Interest.ZeroPolicy = p1.ZeroDrop.String()
	c.Stats.LogIntervalSec = 300
	return c
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig without names applies only defaults and environment.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if osfs, ok := fs.(*OsFullReader); ok && len(names) != 0 {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := NewConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := cleanenv.ReadEnv(c); err != nil {
		errs = append(errs, errors.Annotate(err, "config environment"))
	}
	c.applyMode()
	if len(errs) == 0 {
		errs = append(errs, c.Validate())
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

// Test mode keeps test traffic away from production topics unless prefix was set explicitly.
func (c *Config) applyMode() {
	if c.Production {
		c.Meter.ReplayFile = ""
		return
	}
	if c.Mqtt.TopicPrefix == defaultTopicPrefix {
		c.Mqtt.TopicPrefix = testTopicPrefix
	}
	if c.Mqtt.ClientID == defaultClientID {
		c.Mqtt.ClientID = testClientID
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0)
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := log2.ParseLevel(c.Log.Level)
	check(err)
	_, err = log2.ParseFormat(c.Log.Format)
	check(err)
	_, err = meter.ParseLineFormat(c.Meter.Format)
	check(err)
	_, err = p1.ParseChecksumMode(c.Meter.Checksum)
	check(err)
	if c.Meter.Baud <= 0 {
		check(errors.NotValidf("meter baud=%d", c.Meter.Baud))
	}
	if c.Production && c.Meter.Device == "" {
		check(errors.NotValidf("meter device=empty"))
	}
	if !c.Production && c.Meter.ReplayFile == "" {
		check(errors.NotValidf("meter replay_file=empty in test mode"))
	}
	if c.Mqtt.MaxRate < 1 || c.Mqtt.MaxRate > 3600 {
		check(errors.NotValidf("mqtt max_rate=%d (valid 1..3600)", c.Mqtt.MaxRate))
	}
	if c.Mqtt.QoS < 0 || c.Mqtt.QoS > 2 {
		check(errors.NotValidf("mqtt qos=%d", c.Mqtt.QoS))
	}
	if c.Mqtt.TopicPrefix == "" || strings.ContainsAny(c.Mqtt.TopicPrefix, "#+") {
		check(errors.NotValidf("mqtt topic_prefix=%q", c.Mqtt.TopicPrefix))
	}
	if c.Mqtt.Enabled {
		_, err = tele.BrokerURL(c.MqttBroker())
		check(err)
		if c.Mqtt.ClientID == "" {
			check(errors.NotValidf("mqtt client_id=empty"))
		}
	}
	if c.Discovery.RatePerHour < 0 {
		check(errors.NotValidf("discovery rate=%d", c.Discovery.RatePerHour))
	}
	if c.Persist.Root == "" {
		check(errors.NotValidf("persist root=empty"))
	}
	_, err = p1.ParseZeroPolicy(c.Interest.ZeroPolicy)
	check(err)
	_, err = c.BuildTable()
	check(err)
	return helpers.FoldErrors(errs)
}

// BuildTable resolves interest config into validated table.
func (c *Config) BuildTable() (*p1.Table, error) {
	ic := &c.Interest
	if len(ic.Fields) == 0 && len(ic.Derived) == 0 {
		return p1.DefaultTable(), nil
	}
	var fields []p1.FieldDef
	var derived []p1.DerivedDef
	if ic.ExtendDefaults || len(ic.Fields) == 0 {
		fields = p1.DefaultFields()
		derived = p1.DefaultDerived()
	}
	for _, f := range ic.Fields {
		code, err := p1.ParseObis(f.Code)
		if err != nil {
			return nil, errors.Annotatef(err, "interest field=%s", f.Name)
		}
		fields = append(fields, p1.FieldDef{
			Name:      f.Name,
			Code:      code,
			Index:     f.Index,
			Required:  f.Required,
			AsNumber:  f.AsNumber,
			ZeroCheck: f.ZeroCheck,
		})
	}
	for _, d := range ic.Derived {
		var code p1.ObisCode
		if d.Code != "" {
			var err error
			if code, err = p1.ParseObis(d.Code); err != nil {
				return nil, errors.Annotatef(err, "interest derived=%s", d.Name)
			}
		}
		precision := d.Precision
		if precision == 0 {
			precision = defaultDerivedDigits
		}
		derived = append(derived, p1.DerivedDef{
			Name:      d.Name,
			Code:      code,
			Op:        d.Op,
			Inputs:    d.Inputs,
			Required:  d.Required,
			ZeroCheck: d.ZeroCheck,
			Precision: precision,
		})
	}
	table, err := p1.NewTable(fields, derived)
	return table, errors.Annotate(err, "interest")
}

func (c *Config) ZeroPolicy() p1.ZeroPolicy {
	p, _ := p1.ParseZeroPolicy(c.Interest.ZeroPolicy)
	return p
}

func (c *Config) ChecksumMode() p1.ChecksumMode {
	m, _ := p1.ParseChecksumMode(c.Meter.Checksum)
	return m
}

func (c *Config) LogLevel() log2.Level {
	l, _ := log2.ParseLevel(c.Log.Level)
	return l
}

func (c *Config) MeterSource() meter.Config {
	return meter.Config{
		Device:      c.Meter.Device,
		Baud:        c.Meter.Baud,
		Format:      c.Meter.Format,
		ReadTimeout: helpers.IntSecondDefault(c.Meter.ReadTimeoutSec, meter.DefaultReadTimeout),
		ReplayFile:  c.Meter.ReplayFile,
		ReplayDelay: helpers.IntMillisecondDefault(c.Meter.ReplayDelayMs, meter.DefaultReplayDelay),
	}
}

func (c *Config) MqttBroker() tele.MqttConfig {
	return tele.MqttConfig{
		Broker:         c.Mqtt.Broker,
		Port:           c.Mqtt.Port,
		Transport:      c.Mqtt.Transport,
		UseTLS:         c.Mqtt.UseTLS,
		WsPath:         c.Mqtt.WsPath,
		ClientID:       c.Mqtt.ClientID,
		Username:       c.Mqtt.Username,
		Password:       c.Mqtt.Password,
		Keepalive:      helpers.IntSecondDefault(c.Mqtt.KeepaliveSec, 0),
		NetworkTimeout: helpers.IntSecondDefault(c.Mqtt.TimeoutSec, tele.DefaultNetworkTimeout),
		WillTopic:      c.Mqtt.TopicPrefix + "/status",
		WillQoS:        byte(c.Mqtt.QoS),
		LogDebug:       c.Mqtt.LogDebug,
	}
}

func (c *Config) Scheduler() tele.SchedulerConfig {
	return tele.SchedulerConfig{
		TopicPrefix:    c.Mqtt.TopicPrefix,
		QoS:            byte(c.Mqtt.QoS),
		MaxRatePerHour: c.Mqtt.MaxRate,
		PerFieldTopics: c.Mqtt.PerFieldTopics,
		PublishTimeout: helpers.IntSecondDefault(c.Mqtt.PublishSec, tele.DefaultPublishTimeout),
	}
}

// NodeID defaults to client id with characters Home Assistant accepts in object ids.
func (c *Config) HomeAssistant(version string) tele.DiscoveryConfig {
	node := c.Discovery.NodeID
	if node == "" {
		node = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			}
			return '_'
		}, c.Mqtt.ClientID)
	}
	return tele.DiscoveryConfig{
		Enabled:      c.Discovery.Enabled,
		Prefix:       c.Discovery.Prefix,
		NodeID:       node,
		TopicPrefix:  c.Mqtt.TopicPrefix,
		RatePerHour:  c.Discovery.RatePerHour,
		DeleteOnExit: c.Discovery.DeleteOnExit,
		Version:      version,
	}
}

func (c *Config) QueueDir() string { return filepath.Join(c.Persist.Root, "queue") }

// JSON prints effective config with secrets masked.
func (c *Config) JSON() ([]byte, error) {
	cp := *c
	cp.includeSeen = nil
	if cp.Mqtt.Password != "" {
		cp.Mqtt.Password = "***"
	}
	return json.MarshalIndent(&cp, "", "  ")
}
