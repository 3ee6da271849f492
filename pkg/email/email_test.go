package email

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSMTP accepts one message and returns what it received.
func fakeSMTP(t *testing.T) (int, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		reply("220 fake ESMTP")
		var data strings.Builder
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					got <- data.String()
					reply("250 queued")
					continue
				}
				data.WriteString(line)
				continue
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250-fake")
				reply("250 AUTH PLAIN")
			case strings.HasPrefix(cmd, "AUTH"):
				reply("235 ok")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 ok")
			case cmd == "DATA":
				inData = true
				reply("354 go ahead")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 ok")
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, got
}

func TestSend(t *testing.T) {
	port, got := fakeSMTP(t)

	msg := Message{
		From:    "alerts@example.com",
		To:      []string{"me@example.com"},
		Subject: "Back in stock",
		Body:    "line one\nline two",
		Headers: map[string]string{"Message-ID": "<abc@stockwatch>"},
	}
	require.NoError(t, Send(context.Background(), "127.0.0.1", port, "alerts@example.com", "pw", msg))

	data := <-got
	assert.Contains(t, data, "Subject: Back in stock\r\n")
	assert.Contains(t, data, "Message-ID: <abc@stockwatch>\r\n")
	assert.Contains(t, data, "line one\r\nline two")
}

func TestSend_RespectsContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var dialed atomic.Bool
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		dialed.Store(true)
		_ = conn.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := Message{From: "alerts@example.com", To: []string{"me@example.com"}, Subject: "s", Body: "b"}

	err = Send(ctx, "127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "alerts@example.com", "pw", msg)
	require.Error(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, dialed.Load(), "a cancelled attempt never opens an SMTP session")
}

func TestValidate(t *testing.T) {
	assert.Error(t, Message{From: "a@b", To: nil}.Validate())
	assert.Error(t, Message{From: "a@b", To: []string{"nobody"}}.Validate())
	assert.Error(t, Message{From: "nobody", To: []string{"a@b"}}.Validate())
	assert.NoError(t, Message{From: "a@b", To: []string{"c@d"}}.Validate())
}
