package cell

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/trackagent/internal/position"
)

// fakePort answers AT commands from a script.
type fakePort struct {
	replies map[string]string
	out     bytes.Buffer
	sent    []string
	closed  bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	cmd := strings.TrimSpace(string(b))
	p.sent = append(p.sent, cmd)
	reply, ok := p.replies[cmd]
	if !ok {
		reply = "\r\nOK\r\n"
	}
	p.out.WriteString(reply)
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.out.Len() == 0 {
		return 0, nil
	}
	// Deliver in small chunks to exercise reassembly.
	if len(b) > 7 {
		b = b[:7]
	}
	return p.out.Read(b)
}

func (p *fakePort) Close() error { p.closed = true; return nil }

func newTestModem(replies map[string]string) (*Modem, *fakePort) {
	p := &fakePort{replies: replies}
	m := NewModem(ModemConfig{PortPath: "/dev/ttyUSB2"})
	m.timeout = 100 * time.Millisecond
	m.port = p
	return m, p
}

func TestModemRead(t *testing.T) {
	m, p := newTestModem(map[string]string{
		"AT+COPS?": "\r\n+COPS: 0,2,\"310410\",7\r\n\r\nOK\r\n",
		"AT+CREG?": "\r\n+CREG: 2,1,\"1A2B\",\"01C3D4E5\",7\r\n\r\nOK\r\n",
	})
	got, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := position.Cell{MCC: 310, MNC: 410, LAC: 0x1A2B, CellID: 0x01C3D4E5}
	if got != want {
		t.Errorf("Read() = %+v, want %+v", got, want)
	}
	if len(p.sent) != 2 {
		t.Errorf("sent %v", p.sent)
	}
}

func TestModemFallsBackToCEREG(t *testing.T) {
	m, _ := newTestModem(map[string]string{
		"AT+COPS?":  "\r\n+COPS: 0,2,\"26201\",7\r\n\r\nOK\r\n",
		"AT+CREG?":  "\r\n+CREG: 2,0\r\n\r\nOK\r\n",
		"AT+CEREG?": "\r\n+CEREG: 2,5,\"00FF\",\"0A0B0C\",7\r\n\r\nOK\r\n",
	})
	got, err := m.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := position.Cell{MCC: 262, MNC: 1, LAC: 0xFF, CellID: 0x0A0B0C}
	if got != want {
		t.Errorf("Read() = %+v, want %+v", got, want)
	}
}

func TestModemNotRegistered(t *testing.T) {
	m, _ := newTestModem(map[string]string{
		"AT+COPS?":  "\r\n+COPS: 0,2,\"310410\",7\r\n\r\nOK\r\n",
		"AT+CREG?":  "\r\n+CREG: 2,2\r\n\r\nOK\r\n",
		"AT+CEREG?": "\r\n+CEREG: 2,3\r\n\r\nOK\r\n",
	})
	if _, err := m.Read(); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}

func TestModemErrorResult(t *testing.T) {
	m, _ := newTestModem(map[string]string{
		"AT+COPS?": "\r\n+CME ERROR: 10\r\n",
	})
	_, err := m.Read()
	if err == nil || !strings.Contains(err.Error(), "CME ERROR") {
		t.Errorf("err = %v", err)
	}
}

func TestModemTimeout(t *testing.T) {
	m, _ := newTestModem(map[string]string{"AT+COPS?": ""})
	if _, err := m.Read(); err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v", err)
	}
}

func TestModemNotConnected(t *testing.T) {
	m := NewModem(ModemConfig{PortPath: "/dev/ttyUSB2"})
	if _, err := m.Read(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v", err)
	}
}

func TestModemSetup(t *testing.T) {
	m, p := newTestModem(map[string]string{"AT+CEREG=2": "\r\nERROR\r\n"})
	if err := m.setup(); err != nil {
		t.Fatalf("setup: %v", err)
	}
	want := []string{"ATE0", "AT+COPS=3,2", "AT+CREG=2", "AT+CEREG=2"}
	if strings.Join(p.sent, " ") != strings.Join(want, " ") {
		t.Errorf("sent %v, want %v", p.sent, want)
	}
	if err := m.Close(); err != nil || !p.closed {
		t.Errorf("Close: %v closed=%v", err, p.closed)
	}
}

func TestParseCOPS(t *testing.T) {
	tests := []struct {
		resp     string
		mcc, mnc int
		wantErr  bool
	}{
		{`+COPS: 0,2,"310410",7`, 310, 410, false},
		{`+COPS: 0,2,"23415"`, 234, 15, false},
		{`+COPS: 0`, 0, 0, true},
		{`+COPS: 0,0,"AT&T",7`, 0, 0, true},
		{`OK`, 0, 0, true},
	}
	for _, tt := range tests {
		mcc, mnc, err := parseCOPS(tt.resp)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseCOPS(%q) err = %v", tt.resp, err)
			continue
		}
		if mcc != tt.mcc || mnc != tt.mnc {
			t.Errorf("parseCOPS(%q) = %d,%d", tt.resp, mcc, mnc)
		}
	}
}

func TestParseRegistrationUnsolicited(t *testing.T) {
	lac, ci, err := parseRegistration(`+CREG: 1,"0002","022B"`, "+CREG:")
	if err != nil {
		t.Fatal(err)
	}
	if lac != 2 || ci != 555 {
		t.Errorf("lac=%d ci=%d", lac, ci)
	}
}

func TestDemoCycles(t *testing.T) {
	d := &Demo{Cells: []position.Cell{{CellID: 1}, {CellID: 2}}, Steps: 2}
	var ids []int64
	for i := 0; i < 5; i++ {
		c, err := d.Read()
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.CellID)
	}
	want := []int64{1, 1, 2, 2, 1}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}
