package protocol

import (
	"bytes"
	"errors"
	"net"
	"reflect"
	"testing"
)

func sampleCommands() []Command {
	return []Command{
		&Authenticate{Token: [TokenSize]byte{1, 2, 3, 4, 5}},
		&Connect{Addr: DomainAddress("example.com", 443)},
		&Connect{Addr: IPAddress(net.ParseIP("10.0.0.1"), 8080)},
		&Connect{Addr: IPAddress(net.ParseIP("2001:db8::1"), 53)},
		&Packet{
			AssocID:   7,
			PacketID:  42,
			FragIndex: 1,
			FragTotal: 3,
			Addr:      DomainAddress("dns.example", 53),
			Payload:   []byte("payload bytes"),
		},
		&Packet{
			AssocID:   65535,
			PacketID:  0,
			FragIndex: 0,
			FragTotal: 1,
			Addr:      IPAddress(net.ParseIP("192.0.2.9"), 9999),
			Payload:   nil,
		},
		&Dissociate{AssocID: 12345},
		&Heartbeat{},
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for _, c := range sampleCommands() {
		data, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode(%s): %v", CommandName(c.Tag()), err)
		}

		got, n, err := Decode(data)
		if err != nil {
			t.Fatalf("Decode(%s): %v", CommandName(c.Tag()), err)
		}
		if n != len(data) {
			t.Errorf("Decode(%s) consumed %d bytes, want %d", CommandName(c.Tag()), n, len(data))
		}
		if !commandsEqual(got, c) {
			t.Errorf("Decode(%s) = %#v, want %#v", CommandName(c.Tag()), got, c)
		}
	}
}

func TestStreamingDecode(t *testing.T) {
	for _, c := range sampleCommands() {
		data, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}

		// Every strict prefix must report NeedMoreData, never a hard error.
		for i := 0; i < len(data); i++ {
			_, _, err := Decode(data[:i])
			if !errors.Is(err, ErrNeedMoreData) {
				t.Fatalf("Decode(%s prefix of %d/%d bytes) = %v, want ErrNeedMoreData",
					CommandName(c.Tag()), i, len(data), err)
			}
		}

		// The full frame plus trailing bytes decodes the same command and
		// consumes exactly one frame.
		padded := append(append([]byte{}, data...), 0xAA, 0xBB)
		got, n, err := Decode(padded)
		if err != nil {
			t.Fatalf("Decode with trailer: %v", err)
		}
		if n != len(data) {
			t.Errorf("Decode consumed %d bytes, want %d", n, len(data))
		}
		if !commandsEqual(got, c) {
			t.Errorf("Decode with trailer = %#v, want %#v", got, c)
		}
	}
}

func TestConnectWireExample(t *testing.T) {
	// Connect("example.com", 443) has a fixed byte layout.
	want := append([]byte{Version, CmdConnect, AddrTypeDomain, 0x0B}, []byte("example.com")...)
	want = append(want, 0x01, 0xBB)

	data, err := Encode(&Connect{Addr: DomainAddress("example.com", 443)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("Encode = %x, want %x", data, want)
	}

	got, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	conn, ok := got.(*Connect)
	if !ok {
		t.Fatalf("Decode = %T, want *Connect", got)
	}
	if conn.Addr.Type != AddrTypeDomain || conn.Addr.Domain != "example.com" || conn.Addr.Port != 443 {
		t.Errorf("decoded address = %v", conn.Addr)
	}
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"bad version", []byte{0x7F, CmdHeartbeat}, ErrUnsupportedVersion},
		{"unknown tag", []byte{Version, 0x7F}, ErrInvalidCommand},
		{"unknown addr type", []byte{Version, CmdConnect, 0x09, 0, 0}, ErrInvalidCommand},
		{"empty domain", []byte{Version, CmdConnect, AddrTypeDomain, 0x00, 0, 0}, ErrInvalidCommand},
	}

	for _, tt := range tests {
		_, _, err := Decode(tt.buf)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: Decode = %v, want %v", tt.name, err, tt.want)
		}
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	p := &Packet{
		FragTotal: 1,
		Addr:      IPAddress(net.ParseIP("127.0.0.1"), 1),
		Payload:   make([]byte, MaxPayloadSize+1),
	}
	if _, err := Encode(p); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode = %v, want ErrPayloadTooLarge", err)
	}
}

// trickleReader returns one byte per Read call.
type trickleReader struct {
	data []byte
	pos  int
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, errors.New("out of data")
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}

func TestCommandReaderTrickle(t *testing.T) {
	var stream []byte
	cmds := sampleCommands()
	for _, c := range cmds {
		data, err := Encode(c)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		stream = append(stream, data...)
	}

	cr := NewCommandReader(&trickleReader{data: stream})
	for i, want := range cmds {
		got, err := cr.Read()
		if err != nil {
			t.Fatalf("Read %d: %v", i, err)
		}
		if !commandsEqual(got, want) {
			t.Errorf("Read %d = %#v, want %#v", i, got, want)
		}
	}
}

func TestCommandWriterReader(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCommandWriter(&buf)
	for _, c := range sampleCommands() {
		if err := cw.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	cr := NewCommandReader(&buf)
	for _, want := range sampleCommands() {
		got, err := cr.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !commandsEqual(got, want) {
			t.Errorf("Read = %#v, want %#v", got, want)
		}
	}
}

func commandsEqual(a, b Command) bool {
	if a.Tag() != b.Tag() {
		return false
	}
	switch x := a.(type) {
	case *Authenticate:
		return x.Token == b.(*Authenticate).Token
	case *Connect:
		return x.Addr.Equal(b.(*Connect).Addr)
	case *Packet:
		y := b.(*Packet)
		return x.AssocID == y.AssocID && x.PacketID == y.PacketID &&
			x.FragIndex == y.FragIndex && x.FragTotal == y.FragTotal &&
			x.Addr.Equal(y.Addr) && bytes.Equal(x.Payload, y.Payload)
	case *Dissociate:
		return x.AssocID == b.(*Dissociate).AssocID
	case *Heartbeat:
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
