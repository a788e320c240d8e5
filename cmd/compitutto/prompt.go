package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// stdinPrompter hands the browser to the operator and waits for Enter.
type stdinPrompter struct {
	in  io.Reader
	out io.Writer
}

func newStdinPrompter(in io.Reader, out io.Writer) *stdinPrompter {
	return &stdinPrompter{in: in, out: out}
}

// Wait returns nil once a line is read, or the context error when the handoff
// window closes first.
func (p *stdinPrompter) Wait(ctx context.Context, message string) error {
	fmt.Fprintln(p.out, renderHandoff(message))

	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(p.in).ReadString('\n')
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("read operator input: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
