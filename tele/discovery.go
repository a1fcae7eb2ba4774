package tele

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/helpers"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/p1"
)

const (
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultDiscoveryRate   = 12
)

type Sender interface {
	Send(topic string, payload []byte, retain bool) error
}

type DiscoveryConfig struct {
	Enabled bool
	// Home Assistant discovery topic root.
	Prefix string
	// Unique node id, part of config topics and unique_id.
	NodeID string
	// State topics live under <TopicPrefix>/reading.
	TopicPrefix string
	// Config resend limit per hour.
	RatePerHour  int
	DeleteOnExit bool
	Version      string
}

type discoveryField struct {
	name string
	unit string
	kind p1.ValueKind
}

// Discovery announces reading fields as Home Assistant sensors.
type Discovery struct {
	cfg   DiscoveryConfig
	log   *log2.Log
	send  Sender
	clock func() time.Time

	mu        sync.Mutex
	fields    []discoveryField
	model     string
	last      time.Time
	announced map[string]struct{}
}

func NewDiscovery(cfg DiscoveryConfig, send Sender, log *log2.Log) *Discovery {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultDiscoveryPrefix
	}
	if cfg.RatePerHour == 0 {
		cfg.RatePerHour = DefaultDiscoveryRate
	}
	return &Discovery{
		cfg:       cfg,
		log:       log,
		send:      send,
		clock:     time.Now,
		announced: make(map[string]struct{}),
	}
}

// Observe is called with every accepted reading set. Sends configs for the
// first set, when field set changes, and then at most RatePerHour times.
func (d *Discovery) Observe(rs *p1.ReadingSet, model string) error {
	if !d.cfg.Enabled || rs == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := make([]discoveryField, 0, len(rs.Readings))
	for _, r := range rs.Readings {
		fields = append(fields, discoveryField{name: r.Name, unit: r.Value.Unit, kind: r.Value.Kind})
	}
	now := d.clock()
	changed := !sameFields(d.fields, fields) || model != d.model
	due := d.last.IsZero() || now.Sub(d.last) >= helpers.IntervalPerHour(d.cfg.RatePerHour)
	if !changed && !due {
		return nil
	}
	d.fields, d.model, d.last = fields, model, now
	return d.announceLocked()
}

func sameFields(a, b []discoveryField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *Discovery) announceLocked() error {
	errs := make([]error, 0)
	for _, f := range d.fields {
		topic := d.ConfigTopic(f.name)
		payload, err := d.configPayload(f)
		if err == nil {
			err = d.send.Send(topic, payload, true)
		}
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "discovery field=%s", f.name))
			continue
		}
		d.announced[f.name] = struct{}{}
	}
	d.log.Debugf("discovery announced fields=%d errors=%d", len(d.fields), len(errs))
	return helpers.FoldErrors(errs)
}

// Teardown removes announced sensors with empty retained configs.
func (d *Discovery) Teardown() error {
	if !d.cfg.Enabled || !d.cfg.DeleteOnExit {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := make([]error, 0)
	for _, f := range d.fields {
		if _, ok := d.announced[f.name]; !ok {
			continue
		}
		if err := d.send.Send(d.ConfigTopic(f.name), []byte{}, true); err != nil {
			errs = append(errs, errors.Annotatef(err, "discovery teardown field=%s", f.name))
			continue
		}
		delete(d.announced, f.name)
	}
	return helpers.FoldErrors(errs)
}

func (d *Discovery) ConfigTopic(field string) string {
	return d.cfg.Prefix + "/sensor/" + d.cfg.NodeID + "/" + field + "/config"
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

type haSensorConfig struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	StateTopic          string   `json:"state_topic"`
	ValueTemplate       string   `json:"value_template"`
	Unit                string   `json:"unit_of_measurement,omitempty"`
	DeviceClass         string   `json:"device_class,omitempty"`
	StateClass          string   `json:"state_class,omitempty"`
	AvailabilityTopic   string   `json:"availability_topic"`
	PayloadAvailable    string   `json:"payload_available"`
	PayloadNotAvailable string   `json:"payload_not_available"`
	Device              haDevice `json:"device"`
}

func (d *Discovery) configPayload(f discoveryField) ([]byte, error) {
	uc := UnitClass{}
	if f.kind == p1.KindNumber {
		uc = ParseUnit(f.unit)
	}
	c := haSensorConfig{
		Name:                strings.Replace(f.name, "_", " ", -1),
		UniqueID:            d.cfg.NodeID + "_" + f.name,
		StateTopic:          d.cfg.TopicPrefix + "/reading",
		ValueTemplate:       "{{ value_json." + f.name + " }}",
		Unit:                uc.Unit,
		DeviceClass:         uc.DeviceClass,
		StateClass:          uc.StateClass,
		AvailabilityTopic:   d.cfg.TopicPrefix + "/status",
		PayloadAvailable:    StatusOnline,
		PayloadNotAvailable: StatusOffline,
		Device: haDevice{
			Identifiers:  []string{d.cfg.NodeID},
			Name:         "DSMR " + d.cfg.NodeID,
			Manufacturer: meterManufacturer(d.model),
			Model:        d.model,
			SwVersion:    d.cfg.Version,
		},
	}
	return json.Marshal(c)
}

// Header starts with 3 letter manufacturer flag, e.g. "ISK5\2M550T-1012".
func meterManufacturer(header string) string {
	if len(header) < 3 {
		return ""
	}
	return header[:3]
}
