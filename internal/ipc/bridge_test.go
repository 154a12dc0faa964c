package ipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
)

func frame(t *testing.T, req Request) []byte {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(body)))
	buf.Write(body)
	return buf.Bytes()
}

func readResponse(t *testing.T, r io.Reader) Response {
	t.Helper()
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		t.Fatal(err)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestServeStreamsRequestResponse(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(t, Request{ID: "1", Method: "process_input", Params: json.RawMessage(`{"text":"hi"}`)}))
	in.Write(frame(t, Request{ID: "x", Method: "shutdown", Params: json.RawMessage(`{}`)}))

	var out bytes.Buffer
	err := ServeStreams(&in, &out, func(req Request) (any, string, bool) {
		switch req.Method {
		case "process_input":
			return map[string]string{"reply": "ok"}, "", false
		case "shutdown":
			return map[string]string{"status": "shutting_down"}, "", true
		}
		return nil, "unknown method", false
	})
	if err != nil {
		t.Fatalf("serve: %v", err)
	}

	first := readResponse(t, &out)
	if first.ID != "1" || first.Type != "response" || first.Error != "" {
		t.Errorf("first = %+v", first)
	}
	second := readResponse(t, &out)
	if second.ID != "x" {
		t.Errorf("second = %+v", second)
	}
	result, _ := second.Result.(map[string]any)
	if result["status"] != "shutting_down" {
		t.Errorf("shutdown result = %v", second.Result)
	}
}

func TestServeStreamsEOFTerminatesCleanly(t *testing.T) {
	err := ServeStreams(bytes.NewReader(nil), io.Discard, func(Request) (any, string, bool) {
		t.Fatal("handler called on EOF")
		return nil, "", false
	})
	if !errors.Is(err, ErrDriverClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestZeroLengthFrameTerminates(t *testing.T) {
	var in bytes.Buffer
	binary.Write(&in, binary.LittleEndian, uint32(0))

	err := ServeStreams(&in, io.Discard, func(Request) (any, string, bool) {
		t.Fatal("handler called")
		return nil, "", false
	})
	if !errors.Is(err, ErrDriverClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestOversizedFrameTerminates(t *testing.T) {
	var in bytes.Buffer
	binary.Write(&in, binary.LittleEndian, uint32(MaxFrameSize+1))

	err := ServeStreams(&in, io.Discard, func(Request) (any, string, bool) {
		t.Fatal("handler called")
		return nil, "", false
	})
	if !errors.Is(err, ErrDriverClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestMalformedBodyTerminates(t *testing.T) {
	var in bytes.Buffer
	body := []byte("not json")
	binary.Write(&in, binary.LittleEndian, uint32(len(body)))
	in.Write(body)

	err := ServeStreams(&in, io.Discard, func(Request) (any, string, bool) {
		t.Fatal("handler called")
		return nil, "", false
	})
	if !errors.Is(err, ErrDriverClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestFrameRoundTripLittleEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Response{ID: "7", Type: "response"}); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()
	length := binary.LittleEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Errorf("prefix %d != body %d", length, len(raw)-4)
	}
}

func TestCreatePipes(t *testing.T) {
	b := NewBridge(t.TempDir())
	if err := b.CreatePipes(); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{b.RequestPath(), b.ResponsePath()} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if info.Mode()&os.ModeNamedPipe == 0 {
			t.Errorf("%s is not a FIFO", path)
		}
	}
}
