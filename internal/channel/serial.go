package channel

import (
	"time"

	"github.com/tarm/serial"
)

// OpenSerial opens the firmware link character device. The port is a raw
// byte stream that fragments and coalesces messages, so it is wrapped in the
// stream reassembler rather than exposed directly.
func OpenSerial(name string, baud int, readTimeout time.Duration) (Channel, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, err
	}
	return newStreamChannel(p), nil
}
