// Decode telegrams and single data lines, interactively or from piped capture.
package decode

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/dsmr2mqtt/cmd/dsmr2mqtt/subcmd"
	"github.com/temoto/dsmr2mqtt/helpers/cli"
	"github.com/temoto/dsmr2mqtt/log2"
	"github.com/temoto/dsmr2mqtt/p1"
	"github.com/temoto/dsmr2mqtt/state"
	"github.com/temoto/dsmr2mqtt/tele"
)

const modName = "decode"

const usage = `input:
- /header ... !CRC   whole telegram, prints reading set JSON
- 1-0:1.8.1(...)     single data line, prints decoded values
- help               this message
`

var Mod = subcmd.Mod{Name: modName, Desc: "decode telegrams and data lines from stdin", Main: Main}

func Main(ctx context.Context, config *state.Config, log *log2.Log) error {
	table, err := config.BuildTable()
	if err != nil {
		return err
	}
	d := newDecoder(os.Stdout, table, config.ChecksumMode(), config.ZeroPolicy())
	return cli.MainLoop(modName, d.Exec, newCompleter(table))
}

func newCompleter(table *p1.Table) prompt.Completer {
	suggests := []prompt.Suggest{{Text: "help", Description: "show input syntax"}}
	for _, f := range table.Fields() {
		suggests = append(suggests, prompt.Suggest{Text: string(f.Code) + "(", Description: f.Name})
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

type decoder struct {
	out     io.Writer
	table   *p1.Table
	mode    p1.ChecksumMode
	builder *p1.Builder

	collecting bool
	buf        strings.Builder
}

func newDecoder(out io.Writer, table *p1.Table, mode p1.ChecksumMode, policy p1.ZeroPolicy) *decoder {
	return &decoder{
		out:     out,
		table:   table,
		mode:    mode,
		builder: p1.NewBuilder(table, policy),
	}
}

func (d *decoder) Exec(line string) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(trimmed, "/"):
		if d.collecting {
			d.printf("error: telegram restarted, previous dropped\n")
		}
		d.buf.Reset()
		d.collecting = true
		d.buf.WriteString(trimmed + "\r\n")

	case d.collecting:
		d.buf.WriteString(trimmed + "\r\n")
		if strings.HasPrefix(trimmed, "!") {
			d.collecting = false
			d.telegram(d.buf.String())
		}

	case trimmed == "":
	case trimmed == "help":
		d.printf("%s", usage)
	default:
		d.line(trimmed)
	}
}

func (d *decoder) telegram(text string) {
	t, err := p1.NewFrameAssembler(strings.NewReader(text), p1.FrameOptions{}).Next()
	if err != nil {
		d.printf("error: %v\n", err)
		return
	}
	if err = p1.ValidateChecksum(t, d.mode); err != nil {
		d.printf("error: %v\n", err)
		return
	}
	lines, errs := p1.DecodeLines(t.DataLines())
	rs, buildErrs := d.builder.Build(lines)
	for _, err := range append(errs, buildErrs...) {
		d.printf("warning: %v\n", err)
	}
	if rs == nil {
		d.printf("no readings header=%s\n", t.Header())
		return
	}
	b, err := tele.MarshalReadingSet(rs, time.Now())
	if err != nil {
		d.printf("error: %v\n", errors.ErrorStack(err))
		return
	}
	d.printf("%s\n", b)
}

func (d *decoder) line(text string) {
	dl, err := p1.DecodeLine(text)
	if err != nil {
		d.printf("error: %v\n", err)
		return
	}
	names := make(map[int]string)
	for _, f := range d.table.Lookup(dl.Code) {
		names[f.Index] = f.Name
	}
	for i, v := range dl.Values {
		name := names[i]
		if name == "" {
			name = "-"
		}
		s := fmt.Sprintf("%s[%d] %s %s %s %s", dl.Code, i, name, v.Kind, tele.FieldPayload(v), v.Unit)
		d.printf("%s\n", strings.TrimRight(s, " "))
	}
}

func (d *decoder) printf(format string, args ...interface{}) {
	fmt.Fprintf(d.out, format, args...)
}
