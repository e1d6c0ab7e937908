package chatclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Console commands.
const (
	CommandExit     = "exit"
	CommandRegister = "/register"
)

// Console is the interactive line client. It connects, asks for credentials,
// then turns every input line into a request until "exit" or end of input.
type Console struct {
	In     io.Reader
	Out    io.Writer
	URL    string
	Header http.Header
}

// Run drives one console session.
func (c *Console) Run(ctx context.Context) error {
	out := &lockedWriter{w: c.Out}
	lines := bufio.NewScanner(c.In)

	client, err := Dial(ctx, c.URL, c.Header)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	username, ok := prompt(out, lines, "Enter username: ")
	if !ok {
		return lines.Err()
	}
	password, ok := prompt(out, lines, "Enter password: ")
	if !ok {
		return lines.Err()
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for msg := range client.Incoming() {
			printIncoming(out, msg)
		}
	}()

	out.printf("Enter messages (type '%s' to register or '%s' to quit):\n", CommandRegister, CommandExit)
	for {
		input, ok := prompt(out, lines, "> ")
		if !ok || input == CommandExit {
			break
		}

		var sendErr error
		if input == CommandRegister {
			sendErr = client.Register(username, password)
		} else {
			sendErr = client.Send(username, password, input)
		}
		if sendErr != nil {
			out.printf("Send Error: %v\n", sendErr)
			break
		}
	}

	if err := client.Close(); err != nil {
		return fmt.Errorf("chatclient: close: %w", err)
	}
	<-printed
	return lines.Err()
}

func prompt(out *lockedWriter, lines *bufio.Scanner, label string) (string, bool) {
	out.printf("%s", label)
	if !lines.Scan() {
		return "", false
	}
	return strings.TrimRight(lines.Text(), "\r"), true
}

// printIncoming pretty-prints replies as JSON and shows broadcasts verbatim.
func printIncoming(out *lockedWriter, msg Incoming) {
	if msg.IsBroadcast() {
		out.printf("\n[Received] %s\n> ", msg.Raw)
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, []byte(msg.Raw), "", "    "); err != nil {
		out.printf("\n[Server] %s\n> ", msg.Raw)
		return
	}
	out.printf("\n[Server] %s\n> ", pretty.String())
}

// lockedWriter serialises output from the prompt loop and the reader.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.w, format, args...)
}
