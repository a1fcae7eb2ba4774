package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/crc"
	"github.com/temoto/dsmr2mqtt/p1"
)

const testHeader = "/ISK5\\2M550T-1012"

var testLines = []string{
	"1-3:0.2.8(50)",
	"0-0:1.0.0(200515120000S)",
	"0-0:96.1.1(4530303434303037313331363530363138)",
	"1-0:1.8.1(001234.567*kWh)",
	"1-0:1.8.2(002345.678*kWh)",
	"1-0:2.8.1(000012.001*kWh)",
	"1-0:2.8.2(000034.002*kWh)",
	"0-0:96.14.0(0002)",
	"1-0:1.7.0(00.512*kW)",
	"1-0:2.7.0(00.000*kW)",
	"0-1:24.2.1(200515115500S)(01234.567*m3)",
}

func makeTelegram(lines ...string) string {
	body := testHeader + "\r\n\r\n" + strings.Join(lines, "\r\n") + "\r\n!"
	return fmt.Sprintf("%s%04X\r\n", body, crc.CRC16ARC(0, []byte(body)))
}

// corrupt changes one digit inside data, checksum line stays the same.
func corrupt(telegram string) string {
	return strings.Replace(telegram, "001234.567*kWh", "001234.568*kWh", 1)
}

type published struct {
	topic   string
	payload string
	retain  bool
}

type fakeBroker struct {
	mu   sync.Mutex
	down bool
	pubs []published
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("broker down")
	}
	b.pubs = append(b.pubs, published{topic, string(payload), retain})
	return nil
}

func (b *fakeBroker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

func (b *fakeBroker) Published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.pubs...)
}

func (b *fakeBroker) find(topic string) []published {
	var result []published
	for _, p := range b.Published() {
		if p.topic == topic {
			result = append(result, p)
		}
	}
	return result
}

type fakeSink struct {
	mu     sync.Mutex
	sets   []*p1.ReadingSet
	reject bool
	err    error
}

func (s *fakeSink) Offer(rs *p1.ReadingSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return true, s.err
	}
	if s.reject {
		return false, nil
	}
	s.sets = append(s.sets, rs)
	return true, nil
}

func (s *fakeSink) Sets() []*p1.ReadingSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*p1.ReadingSet(nil), s.sets...)
}

type fakeObserver struct {
	models []string
}

func (o *fakeObserver) Observe(rs *p1.ReadingSet, model string) error {
	o.models = append(o.models, model)
	return nil
}
