// Package cli provides interactive terminal prompts for setup wizards.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on Out and reads answers from In, one line each.
type Prompter struct {
	In      io.Reader
	Out     io.Writer
	scanner *bufio.Scanner
	eof     bool
}

// DefaultPrompter returns a Prompter connected to stdin/stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// line reads one trimmed line. Once input is exhausted it keeps returning "".
func (p *Prompter) line() string {
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	if p.eof || !p.scanner.Scan() {
		p.eof = true
		return ""
	}
	return strings.TrimSpace(p.scanner.Text())
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.Out, format, args...)
}

// Ask reads one answer, falling back to defaultVal on an empty line.
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

// AskSecret reads a value without echo when In is a terminal. An empty answer
// returns fallback, which is never printed.
func (p *Prompter) AskSecret(question, fallback string) string {
	if fallback != "" {
		p.printf("%s [keep generated]: ", question)
	} else {
		p.printf("%s: ", question)
	}

	var ans string
	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		p.printf("\n")
		if err == nil {
			ans = strings.TrimSpace(string(b))
		}
	} else {
		ans = p.line()
	}

	if ans == "" {
		return fallback
	}
	return ans
}

// AskURL repeats the question until the answer is an absolute http(s) URL.
// On exhausted input it returns defaultVal.
func (p *Prompter) AskURL(question, defaultVal string) string {
	for {
		ans := p.Ask(question, defaultVal)
		if p.eof || isHTTPURL(ans) {
			return ans
		}
		p.printf("  Please enter an absolute http(s) URL.\n")
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// AskInt reads an integer no smaller than minVal.
func (p *Prompter) AskInt(question string, defaultVal, minVal int64) int64 {
	for {
		ans := p.Ask(question, strconv.FormatInt(defaultVal, 10))
		n, err := strconv.ParseInt(ans, 10, 64)
		if err == nil && n >= minVal {
			return n
		}
		if p.eof {
			return defaultVal
		}
		p.printf("  Please enter a whole number of at least %d.\n", minVal)
	}
}

// Choose lists options with 1-based numbers and returns the chosen one.
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
		n, err := strconv.Atoi(p.Ask("Choice", strconv.Itoa(defaultIdx+1)))
		if err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
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
	ans := p.Ask(fmt.Sprintf("%s [%s]", question, hint), "")
	if ans == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(ans), "y")
}
