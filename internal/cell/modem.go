package cell

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
	"go.bug.st/serial"

	"github.com/shaunagostinho/trackagent/internal/position"
)

// ModemConfig holds configuration for an AT-command cellular modem.
type ModemConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// Modem reads the serving cell from a 3GPP modem (Quectel, SIMCom, u-blox)
// over its AT command port.
type Modem struct {
	portPath string
	baudRate int
	timeout  time.Duration

	mu   sync.Mutex
	port io.ReadWriteCloser
	log  log.Logger
}

// NewModem creates a new modem cell reader.
func NewModem(cfg ModemConfig) *Modem {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	m := &Modem{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		timeout:  2 * time.Second,
	}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "cell").Str("port", cfg.PortPath).Value()
	return m
}

func (m *Modem) Name() string { return "AT Modem" }

func (m *Modem) Connect() error {
	mode := &serial.Mode{
		BaudRate: m.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(m.portPath, mode)
	if err != nil {
		return fmt.Errorf("cell: failed to open %s: %w", m.portPath, err)
	}
	port.SetReadTimeout(100 * time.Millisecond)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.port = port
	if err := m.setup(); err != nil {
		port.Close()
		m.port = nil
		return err
	}
	m.log.Info().Int("baud", m.baudRate).Msg("connected")
	return nil
}

// setup disables echo and selects numeric operator and extended
// registration reports. Caller holds mu.
func (m *Modem) setup() error {
	if _, err := m.command("ATE0"); err != nil {
		return err
	}
	if _, err := m.command("AT+COPS=3,2"); err != nil {
		return err
	}
	if _, err := m.command("AT+CREG=2"); err != nil {
		return err
	}
	// LTE-only modules report through CEREG; older ones reject it.
	if _, err := m.command("AT+CEREG=2"); err != nil {
		m.log.Debug().Err(err).Msg("CEREG not supported")
	}
	return nil
}

func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// Read queries the registered operator and the serving cell.
func (m *Modem) Read() (position.Cell, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return position.Cell{}, ErrNotConnected
	}

	resp, err := m.command("AT+COPS?")
	if err != nil {
		return position.Cell{}, err
	}
	mcc, mnc, err := parseCOPS(resp)
	if err != nil {
		return position.Cell{}, err
	}

	lac, ci, err := m.registration("AT+CREG?", "+CREG:")
	if err != nil {
		lac, ci, err = m.registration("AT+CEREG?", "+CEREG:")
	}
	if err != nil {
		return position.Cell{}, err
	}
	return position.Cell{MCC: mcc, MNC: mnc, LAC: lac, CellID: ci}, nil
}

func (m *Modem) registration(cmd, prefix string) (int64, int64, error) {
	resp, err := m.command(cmd)
	if err != nil {
		return 0, 0, err
	}
	return parseRegistration(resp, prefix)
}

// command sends one AT command and collects the response up to the final
// result code. Caller holds mu.
func (m *Modem) command(cmd string) (string, error) {
	if _, err := io.WriteString(m.port, cmd+"\r"); err != nil {
		return "", fmt.Errorf("cell: write %s: %w", cmd, err)
	}

	var sb strings.Builder
	buf := make([]byte, 256)
	deadline := time.Now().Add(m.timeout)
	for time.Now().Before(deadline) {
		n, err := m.port.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			resp := sb.String()
			if final, ok := finalResult(resp); ok {
				if final != "OK" {
					return "", fmt.Errorf("cell: %s: %s", cmd, final)
				}
				return resp, nil
			}
		}
		if err != nil {
			return "", fmt.Errorf("cell: read %s: %w", cmd, err)
		}
	}
	return "", fmt.Errorf("cell: %s: timed out", cmd)
}

// finalResult reports the terminating result code of a response, if any.
func finalResult(resp string) (string, bool) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "OK", line == "ERROR":
			return line, true
		case strings.HasPrefix(line, "+CME ERROR"):
			return line, true
		}
	}
	return "", false
}

// responseLine returns the fields of the first line starting with prefix.
func responseLine(resp, prefix string) ([]string, bool) {
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			body := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			return strings.Split(body, ","), true
		}
	}
	return nil, false
}

// parseCOPS extracts MCC and MNC from a numeric-format operator response:
//
//	+COPS: 0,2,"310410",7
func parseCOPS(resp string) (mcc, mnc int, err error) {
	fields, ok := responseLine(resp, "+COPS:")
	if !ok {
		return 0, 0, fmt.Errorf("cell: no +COPS in %q", resp)
	}
	if len(fields) < 3 {
		return 0, 0, ErrNotRegistered
	}
	oper := strings.Trim(fields[2], `"`)
	if len(oper) < 5 || len(oper) > 6 {
		return 0, 0, fmt.Errorf("cell: operator %q is not numeric", oper)
	}
	if mcc, err = strconv.Atoi(oper[:3]); err != nil {
		return 0, 0, fmt.Errorf("cell: operator %q: %w", oper, err)
	}
	if mnc, err = strconv.Atoi(oper[3:]); err != nil {
		return 0, 0, fmt.Errorf("cell: operator %q: %w", oper, err)
	}
	return mcc, mnc, nil
}

// parseRegistration extracts the location/tracking area code and cell id
// from a CREG or CEREG response with hex fields. Both the query form
// (n,stat,lac,ci) and the unsolicited form (stat,lac,ci) are accepted.
//
//	+CREG: 2,1,"1A2B","01C3D4E5",7
func parseRegistration(resp, prefix string) (lac, ci int64, err error) {
	fields, ok := responseLine(resp, prefix)
	if !ok {
		return 0, 0, fmt.Errorf("cell: no %s in %q", prefix, resp)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	var stat string
	var rest []string
	switch {
	case len(fields) >= 4 && strings.HasPrefix(fields[2], `"`):
		stat, rest = fields[1], fields[2:]
	case len(fields) >= 3 && strings.HasPrefix(fields[1], `"`):
		stat, rest = fields[0], fields[1:]
	default:
		return 0, 0, ErrNotRegistered
	}
	if stat != "1" && stat != "5" {
		return 0, 0, ErrNotRegistered
	}

	if lac, err = strconv.ParseInt(strings.Trim(rest[0], `"`), 16, 64); err != nil {
		return 0, 0, fmt.Errorf("cell: bad area code %q: %w", rest[0], err)
	}
	if ci, err = strconv.ParseInt(strings.Trim(rest[1], `"`), 16, 64); err != nil {
		return 0, 0, fmt.Errorf("cell: bad cell id %q: %w", rest[1], err)
	}
	return lac, ci, nil
}
