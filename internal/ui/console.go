package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"hostfs/pkg/utils"
)

// ConsoleUI implements console-based interactive UI
type ConsoleUI struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewConsoleUI creates a console UI reading from in and writing to out.
func NewConsoleUI(in io.Reader, out io.Writer) *ConsoleUI {
	return &ConsoleUI{
		in:  bufio.NewScanner(in),
		out: out,
	}
}

// ShowMessage displays a message to the user
func (c *ConsoleUI) ShowMessage(message string) {
	fmt.Fprintln(c.out, message)
}

// ShowSessionCode tells the user which code a controller must enter.
func (c *ConsoleUI) ShowSessionCode(code string) {
	fmt.Fprintf(c.out, "Session code: %s\n", code)
	fmt.Fprintf(c.out, "Run 'hostfs <command> --transport webrtc --connect %s' on the controller.\n", code)
}

// InputCode prompts user to input an 8-character alphanumeric code with validation
func (c *ConsoleUI) InputCode(ctx context.Context) (string, error) {
	for {
		fmt.Fprint(c.out, "Enter session code from host: ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)
		go func() {
			if c.in.Scan() {
				inputCh <- strings.TrimSpace(c.in.Text())
				return
			}
			if err := c.in.Err(); err != nil {
				errCh <- err
				return
			}
			errCh <- io.EOF
		}()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case err := <-errCh:
			return "", fmt.Errorf("failed to read session code: %w", err)
		case code := <-inputCh:
			if utils.IsValidCode(code) {
				return code, nil
			}
			fmt.Fprintln(c.out, "Invalid code. Please enter again.")
		}
	}
}
