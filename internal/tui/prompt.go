// Package tui reads passphrases and short answers from the terminal.
package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrMismatch is returned by ReadPasswordConfirm when the two entries differ.
var ErrMismatch = errors.New("passphrases do not match")

// Prompter asks questions on out and reads answers from in. When in is a
// terminal, passwords are read without echo.
type Prompter struct {
	mu     sync.Mutex
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

// New returns a Prompter over in and out. Echo is disabled for passwords
// only when in is an *os.File attached to a terminal.
func New(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
		p.isTerm = true
	}
	return p
}

var std = New(os.Stdin, os.Stderr)

// ReadPassword reads a password from stdin without echoing.
func ReadPassword(prompt string) ([]byte, error) { return std.ReadPassword(prompt) }

// ReadPasswordConfirm reads a password twice and checks the entries match.
func ReadPasswordConfirm(prompt, confirmPrompt string) ([]byte, error) {
	return std.ReadPasswordConfirm(prompt, confirmPrompt)
}

// ReadLineDefault reads a line from stdin, returning def for an empty answer.
func ReadLineDefault(prompt, def string) (string, error) { return std.ReadLineDefault(prompt, def) }

func (p *Prompter) ReadPassword(prompt string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.out, prompt)
	if !p.isTerm {
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		return []byte(line), nil
	}

	password, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return password, nil
}

func (p *Prompter) ReadPasswordConfirm(prompt, confirmPrompt string) ([]byte, error) {
	password, err := p.ReadPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := p.ReadPassword(confirmPrompt)
	if err != nil {
		zero(password)
		return nil, err
	}
	defer zero(confirm)

	if string(password) != string(confirm) {
		zero(password)
		return nil, ErrMismatch
	}
	return password, nil
}

func (p *Prompter) ReadLineDefault(prompt, def string) (string, error) {
	if def != "" {
		prompt = fmt.Sprintf("%s [%s]: ", strings.TrimSuffix(prompt, ": "), def)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, prompt)
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if line = strings.TrimSpace(line); line == "" {
		return def, nil
	}
	return line, nil
}

// readLine returns the next line without its terminator. A final line
// without a newline is returned as is.
func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
