package radio

import (
	"fmt"
	"log"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/dhilanpatel26/singing-boxes/internal/clock"
	"github.com/dhilanpatel26/singing-boxes/internal/frame"
)

// CC1101 configuration registers and command strobes, per the TI
// datasheet. Only the ones this driver touches are named.
const (
	regIOCFG0   = 0x02
	regSYNC1    = 0x04
	regSYNC0    = 0x05
	regPKTLEN   = 0x06
	regPKTCTRL1 = 0x07
	regPKTCTRL0 = 0x08
	regFSCTRL1  = 0x0B
	regFREQ2    = 0x0D
	regFREQ1    = 0x0E
	regFREQ0    = 0x0F
	regMDMCFG4  = 0x10
	regMDMCFG3  = 0x11
	regMDMCFG2  = 0x12
	regMCSM1    = 0x17
	regMCSM0    = 0x18
	regFREND0   = 0x22

	strobeSRES  = 0x30
	strobeSRX   = 0x34
	strobeSTX   = 0x35
	strobeSIDLE = 0x36
	strobeSFRX  = 0x3A
	strobeSFTX  = 0x3B

	statusPARTNUM = 0x30
	statusVERSION = 0x31
	statusRXBYTES = 0x3B

	regPATABLE = 0x3E
	regFIFO    = 0x3F

	spiHeaderRead  = 0x80
	spiHeaderBurst = 0x40

	// The crystal every CC1101 module ships with.
	xtalHz = 26_000_000
)

// CC1101Config selects the bus and interrupt line of the transceiver.
type CC1101Config struct {
	SPIDev   string // spireg name, e.g. "SPI0.0"
	GPIOChip string // e.g. "gpiochip0"
	GDO0Line int    // GDO0 offset on that chip
}

// CC1101 drives a TI CC1101 sub-GHz transceiver over SPI with the GDO0
// pin signalling packet-received. The channel configuration is fixed for
// the fleet: 433.92 MHz, 4800 baud, OOK, hardware CRC with auto-flush,
// power table (0, 0xC0).
//
// The methods are not concurrency safe; the protocol engine is the only
// caller. PHY errors are returned rather than recorded: the engine
// treats them as fatal and exits, and a fresh CC1101 re-establishes
// communication with the chip.
type CC1101 struct {
	port spi.PortCloser
	conn spi.Conn
	gdo0 *gpiocdev.Line
	pkt  chan struct{}
}

var _ Port = (*CC1101)(nil)

// NewCC1101 opens the bus, resets the chip, and programs the fleet
// channel configuration.
func NewCC1101(cfg CC1101Config) (*CC1101, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("radio: host init: %w", err)
	}
	port, err := spireg.Open(cfg.SPIDev)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", cfg.SPIDev, err)
	}
	conn, err := port.Connect(5*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("radio: connect %s: %w", cfg.SPIDev, err)
	}
	r := &CC1101{port: port, conn: conn, pkt: make(chan struct{}, 4)}

	// GDO0 is programmed (IOCFG0 = 0x07) to assert once a packet with a
	// valid CRC sits in the RX FIFO, so one rising edge = one frame.
	line, err := gpiocdev.RequestLine(cfg.GPIOChip, cfg.GDO0Line,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			select {
			case r.pkt <- struct{}{}:
			default:
			}
		}))
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("radio: request GDO0 %s:%d: %w", cfg.GPIOChip, cfg.GDO0Line, err)
	}
	r.gdo0 = line

	if err := r.reset(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Probe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.configure(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Probe verifies a CC1101 answers on the bus by reading its part number
// and silicon version, the way you'd sanity-check any SPI peripheral
// before trusting it.
func (r *CC1101) Probe() error {
	part, err := r.readStatus(statusPARTNUM)
	if err != nil {
		return err
	}
	version, err := r.readStatus(statusVERSION)
	if err != nil {
		return err
	}
	if part != 0x00 || version == 0x00 || version == 0xFF {
		return fmt.Errorf("radio: unexpected chip id part=%#x version=%#x (CC1101 absent or miswired?)", part, version)
	}
	log.Printf("radio: CC1101 present, silicon version %#x", version)
	return nil
}

func (r *CC1101) reset() error {
	if err := r.strobe(strobeSRES); err != nil {
		return err
	}
	time.Sleep(time.Millisecond) // chip reboot per datasheet
	return nil
}

func (r *CC1101) configure() error {
	// 433.92 MHz carrier: FREQ = f * 2^16 / f_xtal.
	freq := uint32(433_920_000 * (int64(1) << 16) / xtalHz)

	// 4800 baud: DRATE_E=7, DRATE_M=131 gives 4.8 kBaud at 26 MHz.
	// MDMCFG2: OOK modulation, 16/16 sync word detect.
	writes := []struct{ reg, val byte }{
		{regIOCFG0, 0x07},   // GDO0: asserts on packet with CRC OK
		{regSYNC1, 0xD3},    // datasheet default sync word, shared by the fleet
		{regSYNC0, 0x91},
		{regPKTLEN, 0x3D},   // cap variable-length packets below FIFO size
		{regPKTCTRL1, 0x0C}, // CRC auto-flush, append status
		{regPKTCTRL0, 0x05}, // variable length, CRC enabled
		{regFSCTRL1, 0x06},
		{regFREQ2, byte(freq >> 16)},
		{regFREQ1, byte(freq >> 8)},
		{regFREQ0, byte(freq)},
		{regMDMCFG4, 0xC7},
		{regMDMCFG3, 0x83},
		{regMDMCFG2, 0x32},
		{regMCSM1, 0x30},    // return to IDLE after TX and RX
		{regMCSM0, 0x18},    // auto-calibrate on IDLE→RX/TX
		{regFREND0, 0x11},   // PA index 1 when OOK high
	}
	for _, w := range writes {
		if err := r.writeReg(w.reg, w.val); err != nil {
			return err
		}
	}
	// OOK power table: index 0 carries the off level, index 1 the on level.
	return r.writeBurst(regPATABLE, []byte{0x00, 0xC0})
}

func (r *CC1101) Send(stop *clock.Flag, f frame.Frame, duration time.Duration) error {
	return sendLoop(stop, f, duration, r.transmit)
}

func (r *CC1101) transmit(f frame.Frame) error {
	payload := f.Encode()
	if err := r.strobe(strobeSIDLE); err != nil {
		return err
	}
	if err := r.strobe(strobeSFTX); err != nil {
		return err
	}
	// Variable-length mode: first FIFO byte is the payload length.
	buf := append([]byte{byte(len(payload))}, payload...)
	if err := r.writeBurst(regFIFO, buf); err != nil {
		return err
	}
	if err := r.strobe(strobeSTX); err != nil {
		return err
	}
	// 4800 baud puts the longest frame under 40 ms on air.
	time.Sleep(40 * time.Millisecond)
	return nil
}

func (r *CC1101) Receive(stop *clock.Flag, timeout time.Duration) (frame.Frame, bool, error) {
	if err := r.strobe(strobeSRX); err != nil {
		return frame.Frame{}, false, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-r.pkt:
			f, ok, err := r.readPacket()
			if err != nil {
				return frame.Frame{}, false, err
			}
			if !ok {
				// Malformed payload: drop silently, keep listening.
				if err := r.strobe(strobeSRX); err != nil {
					return frame.Frame{}, false, err
				}
				continue
			}
			return f, true, nil
		case <-deadline.C:
			_ = r.strobe(strobeSIDLE)
			return frame.Frame{}, false, nil
		case <-poll.C:
			if stop.Stopped() {
				_ = r.strobe(strobeSIDLE)
				return frame.Frame{}, false, nil
			}
		}
	}
}

// readPacket pulls one length-prefixed payload out of the RX FIFO. The
// chip has already CRC-checked it (bad frames are auto-flushed and never
// raise GDO0). ok is false for payloads that don't decode to a frame.
func (r *CC1101) readPacket() (frame.Frame, bool, error) {
	n, err := r.readStatus(statusRXBYTES)
	if err != nil {
		return frame.Frame{}, false, err
	}
	n &= 0x7F // top bit is the overflow flag
	if n == 0 {
		return frame.Frame{}, false, nil
	}
	buf, err := r.readBurst(regFIFO, int(n))
	if err != nil {
		return frame.Frame{}, false, err
	}
	if err := r.strobe(strobeSFRX); err != nil {
		return frame.Frame{}, false, err
	}
	plen := int(buf[0])
	// Two trailing status bytes (RSSI, LQI) follow the payload.
	if plen == 0 || plen+1 > len(buf) {
		return frame.Frame{}, false, nil
	}
	f, err := frame.Decode(buf[1 : 1+plen])
	if err != nil {
		log.Printf("radio: dropping undecodable payload: %v", err)
		return frame.Frame{}, false, nil
	}
	log.Printf("radio: rx %s", f)
	return f, true, nil
}

func (r *CC1101) Close() error {
	if r.gdo0 != nil {
		r.gdo0.Close()
	}
	if r.port != nil {
		return r.port.Close()
	}
	return nil
}

// SPI access helpers. Header byte: R/W in bit 7, burst in bit 6,
// address in bits 5..0.

func (r *CC1101) strobe(addr byte) error {
	return r.conn.Tx([]byte{addr}, make([]byte, 1))
}

func (r *CC1101) writeReg(addr, val byte) error {
	return r.conn.Tx([]byte{addr, val}, make([]byte, 2))
}

func (r *CC1101) writeBurst(addr byte, data []byte) error {
	w := append([]byte{addr | spiHeaderBurst}, data...)
	return r.conn.Tx(w, make([]byte, len(w)))
}

func (r *CC1101) readBurst(addr byte, n int) ([]byte, error) {
	w := make([]byte, n+1)
	w[0] = addr | spiHeaderRead | spiHeaderBurst
	rx := make([]byte, n+1)
	if err := r.conn.Tx(w, rx); err != nil {
		return nil, err
	}
	return rx[1:], nil
}

// readStatus reads a status register (status space shares addresses with
// the strobes and is selected by the burst bit).
func (r *CC1101) readStatus(addr byte) (byte, error) {
	rx := make([]byte, 2)
	if err := r.conn.Tx([]byte{addr | spiHeaderRead | spiHeaderBurst, 0}, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}
