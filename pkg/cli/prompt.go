// Package cli provides the terminal prompts used by the setup wizard.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	r   *bufio.Reader
	eof bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// line reads one trimmed answer. Once input is exhausted every further
// answer is empty, so callers fall back to their defaults.
func (p *Prompter) line() string {
	if p.eof {
		return ""
	}
	if p.r == nil {
		p.r = bufio.NewReader(p.In)
	}
	s, err := p.r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		p.eof = true
	}
	return strings.TrimSpace(s)
}

// Heading prints a section title followed by an underline.
func (p *Prompter) Heading(title string) {
	p.printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
}

// Ask reads a free-form answer, returning defaultVal on an empty line.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal != "" {
		p.printf("%s [%s]: ", question, defaultVal)
	} else {
		p.printf("%s: ", question)
	}
	if ans := p.line(); ans != "" {
		return ans
	}
	return defaultVal
}

// AskSecret reads an answer without echo when In is a terminal, and as a
// plain line otherwise.
func (p *Prompter) AskSecret(question string) string {
	p.printf("%s: ", question)
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return p.line()
}

// AskInt reads an integer no smaller than minVal.
func (p *Prompter) AskInt(question string, defaultVal, minVal int) int {
	for {
		ans := p.Ask(question, strconv.Itoa(defaultVal))
		if n, err := strconv.Atoi(ans); err == nil && n >= minVal {
			return n
		}
		if p.eof {
			return defaultVal
		}
		p.printf("  Please enter a whole number of at least %d.\n", minVal)
	}
}

// Choose lists options by number and returns the picked one. An answer may
// be the number or the option itself.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	p.printf("%s\n", question)
	for i, opt := range options {
		marker := "  "
		if i == defaultIdx {
			marker = "> "
		}
		p.printf("%s%d) %s\n", marker, i+1, opt)
	}

	for {
		ans := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(ans); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		for _, opt := range options {
			if strings.EqualFold(ans, opt) {
				return opt
			}
		}
		if p.eof {
			return options[defaultIdx]
		}
		p.printf("  Please enter a number between 1 and %d.\n", len(options))
	}
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	switch strings.ToLower(p.Ask(question+" ["+hint+"]", "")) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
