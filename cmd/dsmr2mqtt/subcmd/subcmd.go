// Support sub-commands in dsmr2mqtt application.
package subcmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/state"
)

type Mod struct {
	Name string
	Desc string
	Main func(context.Context, *state.Config, *log2.Log) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

// Usage lists module names with descriptions, one per line.
func Usage(modules []Mod) string {
	var b strings.Builder
	for _, m := range modules {
		fmt.Fprintf(&b, "  %-8s %s\n", m.Name, m.Desc)
	}
	return b.String()
}

// SdNotify returns false when not running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Lock binds abstract unix socket, kernel releases it when process exits.
// Second instance gets error. Other platforms are not guarded.
func Lock(name string) (io.Closer, error) {
	if runtime.GOOS != "linux" {
		return nopCloser{}, nil
	}
	l, err := net.Listen("unix", "@"+name)
	if err != nil {
		return nil, errors.Annotatef(err, "another instance is running lock=@%s", name)
	}
	return l, nil
}
