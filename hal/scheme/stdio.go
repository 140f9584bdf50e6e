package scheme

import (
	"os"
	"sync"

	"golang.org/x/term"
)

// StdioUart is the host-terminal Uart of the libos. Stdin is switched to
// raw mode so line discipline stays in the guest; a reader goroutine
// feeds a small ring the interrupt path drains with TryRecv.
type StdioUart struct {
	mu       sync.Mutex
	rx       []byte
	oldState *term.State
	onRecv   func()
}

// NewStdioUart attaches to the host stdin/stdout. Raw mode is applied
// only when stdin is a terminal.
func NewStdioUart() (*StdioUart, error) {
	u := &StdioUart{}
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, err
		}
		u.oldState = state
	}
	go u.readLoop()
	return u, nil
}

func (u *StdioUart) readLoop() {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			u.mu.Lock()
			u.rx = append(u.rx, buf[:n]...)
			cb := u.onRecv
			u.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
		if err != nil {
			return
		}
	}
}

// SetOnRecv installs the receive notification, typically the UART
// interrupt line.
func (u *StdioUart) SetOnRecv(fn func()) {
	u.mu.Lock()
	u.onRecv = fn
	u.mu.Unlock()
}

// TryRecv implements Uart.
func (u *StdioUart) TryRecv() (byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.rx) == 0 {
		return 0, false
	}
	b := u.rx[0]
	u.rx = u.rx[1:]
	return b, true
}

// Send implements Uart.
func (u *StdioUart) Send(b byte) error {
	_, err := os.Stdout.Write([]byte{b})
	return err
}

// WriteString implements Uart.
func (u *StdioUart) WriteString(s string) error {
	_, err := os.Stdout.WriteString(s)
	return err
}

// Restore puts the host terminal back into its original mode.
func (u *StdioUart) Restore() {
	if u.oldState != nil {
		_ = term.Restore(int(os.Stdin.Fd()), u.oldState)
		u.oldState = nil
	}
}
