package p1

import (
	"fmt"
	"strings"

	"github.com/temoto/dsmr2mqtt/crc"
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
	"0-0:96.7.21(00004)",
	"1-0:32.7.0(230.1*V)",
	"0-1:24.2.1(200515115500S)(01234.567*m3)",
}

// makeTelegram returns complete telegram text with valid CRC.
func makeTelegram(lines ...string) string {
	body := testHeader + "\r\n\r\n" + strings.Join(lines, "\r\n") + "\r\n!"
	return fmt.Sprintf("%s%04X\r\n", body, crc.CRC16ARC(0, []byte(body)))
}

func mustDecodeAll(lines []string) []DataLine {
	result, errs := DecodeLines(lines)
	if len(errs) != 0 {
		panic(fmt.Sprintf("code error test lines: %v", errs))
	}
	return result
}
