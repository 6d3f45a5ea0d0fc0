package spibus

import (
	"io"
	"strconv"

	"github.com/juju/errors"
	gpio "github.com/temoto/gpio-cdev-go"
	"github.com/temoto/fvc/helpers"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

const DefaultSpeed = 1 * physic.MegaHertz

type Config struct {
	SpiBus   string
	SpiMode  int
	SpiSpeed string
	PinChip  string
	ResetPin string
	BootPin  string
	ReadyPin string // optional, rising edge when companion has data

	testhw *hardware
}

type hardware struct {
	spiTx SpiTxFunc
	lines gpio.Lineser
	reset gpio.LineSetFunc
	boot  gpio.LineSetFunc
	ready gpio.Eventer

	spiPort  spi.PortCloser // only for resource cleanup
	gpioChip gpio.Chiper    // only for resource cleanup
}
type SpiTxFunc func(send, recv []byte) error

// OpenSPI is shared with external flash driver.
func OpenSPI(bus string, mode int, speed string, def physic.Frequency) (spi.PortCloser, SpiTxFunc, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, errors.Annotate(err, "periph/init")
	}
	port, err := spireg.Open(bus)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "SPI Open bus=%s", bus)
	}
	freq := def
	if speed != "" {
		if err = freq.Set(speed); err != nil {
			_ = port.Close()
			return nil, nil, errors.Annotate(err, "SPI speed parse")
		}
	}
	conn, err := port.Connect(freq, spi.Mode(mode), 8)
	if err != nil {
		_ = port.Close()
		return nil, nil, errors.Annotate(err, "SPI Connect")
	}
	return port, conn.Tx, nil
}

func parseLine(name, s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.Annotatef(err, "%s pin must be line number", name)
	}
	return uint32(x), nil
}

func (h *hardware) open(c *Config) error {
	resetLine, err := parseLine("reset", c.ResetPin)
	if err != nil {
		return err
	}
	bootLine, err := parseLine("boot", c.BootPin)
	if err != nil {
		return err
	}

	if c.testhw != nil {
		*h = *c.testhw
		return nil
	}

	h.spiPort, h.spiTx, err = OpenSPI(c.SpiBus, c.SpiMode, c.SpiSpeed, DefaultSpeed)
	if err != nil {
		return err
	}

	h.gpioChip, err = gpio.Open(c.PinChip, "fvc")
	if err != nil {
		return errors.Annotatef(err, "pin open chip=%s", c.PinChip)
	}
	h.lines, err = h.gpioChip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "fvc", resetLine, bootLine)
	if err != nil {
		return errors.Annotate(err, "gpio.OpenLines")
	}
	h.reset = h.lines.SetFunc(resetLine)
	h.boot = h.lines.SetFunc(bootLine)
	// companion runs, application boot
	h.reset(1)
	h.boot(0)
	if err = h.lines.Flush(); err != nil {
		return errors.Annotate(err, "gpio flush")
	}

	if c.ReadyPin != "" {
		readyLine, err := parseLine("ready", c.ReadyPin)
		if err != nil {
			return err
		}
		h.ready, err = h.gpioChip.GetLineEvent(readyLine, 0, gpio.GPIOEVENT_REQUEST_RISING_EDGE, "fvc")
		if err != nil {
			return errors.Annotate(err, "gpio.GetLineEvent")
		}
	}
	return nil
}

func (h *hardware) Close() error {
	closers := []io.Closer{
		h.spiPort,
		h.ready,
		h.lines,
		h.gpioChip,
	}
	errs := make([]error, len(closers))
	for i, c := range closers {
		if c != nil {
			errs[i] = c.Close()
		}
	}
	return helpers.FoldErrors(errs)
}
