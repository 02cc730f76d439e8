package ingest

import (
	"fmt"
	"net"
	"time"

	"github.com/zonewatch/zonewatch/internal/telegram"
	"go.uber.org/zap"
)

// Commander is an optional TCP client on the sensor's command port. It is
// used at startup to point the sensor's scan output at this service and to
// start/stop continuous output, and is otherwise opaque: responses are
// treated as acknowledgements, never parsed.
type Commander struct {
	addr string
	log  *zap.Logger
	conn net.Conn
}

// NewCommander returns a Commander that will dial host:port on Connect.
func NewCommander(host string, port int, log *zap.Logger) *Commander {
	return &Commander{addr: fmt.Sprintf("%s:%d", host, port), log: log}
}

// Connect dials the command port. A failure here is logged by the caller
// and does not prevent the rest of the service from starting, per the error
// handling design: the UDP ingest socket still accepts telegrams from a
// sensor configured out-of-band.
func (c *Commander) Connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to sensor command port %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// PointAtIngest tells the sensor to send scan data to host:port, the
// address of this service's UDP ingest socket.
func (c *Commander) PointAtIngest(host string, port int) error {
	return c.send(fmt.Sprintf("sWN ScanDataDestination %s %d", host, port))
}

// StartMeasurement starts continuous scan output.
func (c *Commander) StartMeasurement() error {
	return c.send("sMN LMCstartmeas")
}

// StopMeasurement stops continuous scan output, used on shutdown.
func (c *Commander) StopMeasurement() error {
	return c.send("sMN LMCstopmeas")
}

// SetScanFrequency requests a new rotation frequency in Hz.
func (c *Commander) SetScanFrequency(hz float64) error {
	return c.send(fmt.Sprintf("sWN ScanFrequency %d", int(hz*100)))
}

// DeviceInfo requests the device identity and firmware version. Responses
// are opaque acknowledgements; this only issues the requests.
func (c *Commander) DeviceInfo() error {
	if err := c.send("sRN DeviceIdent"); err != nil {
		return err
	}
	return c.send("sRN FirmwareVersion")
}

func (c *Commander) send(command string) error {
	if c.conn == nil {
		return fmt.Errorf("commander not connected")
	}
	frame := telegram.Encode([]byte(command))
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("writing sensor command %q: %w", command, err)
	}
	return nil
}

// Close closes the command connection, if open.
func (c *Commander) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
