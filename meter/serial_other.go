//go:build !linux

package meter

import "github.com/juju/errors"

func OpenSerial(c Config) (Source, error) {
	return nil, errors.NotSupportedf("meter serial on this platform")
}
