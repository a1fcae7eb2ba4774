// Package cli runs line oriented tools on a terminal or over piped stdin.
package cli

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop calls exec for every input line.
// Terminal gets go-prompt with completion, otherwise stdin is read until EOF.
func MainLoop(tag string, exec func(line string), complete prompt.Completer) error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		// TODO OptionHistory from $HOME file
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ScanLines(os.Stdin, exec)
}

// ScanLines feeds exec with lines of r without line terminators.
// Empty lines are passed too, telegram checksums cover them.
func ScanLines(r io.Reader, exec func(line string)) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			exec(strings.TrimRight(line, "\r\n"))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "cli read")
		}
	}
}
