package irc

import (
	"fmt"
	"net"
	"testing"
	"time"
)

func TestMalformedFramesIgnored(t *testing.T) {
	srv := startTestServer(t)

	got := make(chan string, 1)
	receiver := connectClient(t, srv, "receiver", func(_, _, payload string) { got <- payload })
	if err := receiver.Join("#agents"); err != nil {
		t.Fatal(err)
	}

	// A raw connection spews garbage, then speaks properly.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("\r\n:::garbage\r\nPRIVMSG\r\nNICK sender\r\nUSER sender 0 * :x\r\nJOIN #agents\r\n"))
	time.Sleep(50 * time.Millisecond)
	conn.Write([]byte("PRIVMSG #agents :still alive\r\n"))

	select {
	case payload := <-got:
		if payload != "still alive" {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server died on malformed frames")
	}
}

func TestPrivmsgBeforeNickIgnored(t *testing.T) {
	srv := startTestServer(t)

	got := make(chan string, 1)
	receiver := connectClient(t, srv, "receiver", func(_, _, payload string) { got <- payload })
	receiver.Join("#agents")
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("PRIVMSG #agents :anonymous\r\n"))

	select {
	case payload := <-got:
		t.Fatalf("unregistered sender delivered %q", payload)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNickTakeoverOnReconnect(t *testing.T) {
	srv := startTestServer(t)

	got := make(chan string, 4)
	receiver := connectClient(t, srv, "receiver", func(_, sender, payload string) {
		got <- sender + ":" + payload
	})
	receiver.Join("#agents")

	// First incarnation of agent_1 joins, then its process dies without
	// QUIT; the resurrected process reuses the nick.
	first := connectClient(t, srv, "agent_1", nil)
	first.Join("#agents")
	time.Sleep(50 * time.Millisecond)
	first.Close()

	second := NewClient("agent_1", "127.0.0.1", srv.Port())
	if err := second.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(second.Close)
	if err := second.Join("#agents"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := second.Privmsg("#agents", "back from the dead"); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-got:
		if line != "agent_1:back from the dead" {
			t.Errorf("line = %q", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resurrected nick cannot speak")
	}
}

func TestPingPong(t *testing.T) {
	srv := startTestServer(t)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.Write([]byte("NICK pinger\r\nPING token42\r\n"))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "PONG token42\r\n" {
		t.Errorf("reply = %q", buf[:n])
	}
}
