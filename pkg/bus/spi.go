package bus

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// spidev ioctl constants from the Linux kernel UAPI header
// (include/uapi/linux/spi/spidev.h). Stable ABI.
const (
	spiCSHigh = 0x04

	// _IOW('k', 1, u8), _IOW('k', 3, u8), _IOW('k', 4, u32)
	spiIocWrMode        = 0x40016b01
	spiIocWrBitsPerWord = 0x40016b03
	spiIocWrMaxSpeedHz  = 0x40046b04

	// SPI_IOC_MESSAGE(1): _IOW('k', 0, struct spi_ioc_transfer[1]),
	// sizeof(struct spi_ioc_transfer) == 32.
	spiIocMessage1 = 0x40206b00
)

// spiIocTransfer mirrors struct spi_ioc_transfer (32 bytes).
type spiIocTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	len            uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// SPI drives the bus through a spidev character device. Transfers are
// full-duplex: the command header is clocked out while response bytes clock
// in behind it.
type SPI struct {
	fd    int
	speed uint32
	bits  uint8

	tx [MaxTransfer]byte
	rx [MaxTransfer]byte
}

// OpenSPI opens and configures the spidev device.
func OpenSPI(device string, speedHz uint32) (*SPI, error) {
	fd, err := unix.Open(device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	s := &SPI{fd: fd, speed: speedHz, bits: 8}

	mode := uint8(spiCSHigh)
	if err := s.ioctl(spiIocWrMode, unsafe.Pointer(&mode)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set spi mode: %w", err)
	}
	if err := s.ioctl(spiIocWrBitsPerWord, unsafe.Pointer(&s.bits)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set bits per word: %w", err)
	}
	if err := s.ioctl(spiIocWrMaxSpeedHz, unsafe.Pointer(&s.speed)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set max speed: %w", err)
	}
	return s, nil
}

func (s *SPI) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// transfer clocks n bytes out of tx while reading n bytes into rx.
func (s *SPI) transfer(n int) error {
	tr := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&s.tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&s.rx[0]))),
		len:         uint32(n),
		speedHz:     s.speed,
		bitsPerWord: s.bits,
	}
	return s.ioctl(spiIocMessage1, unsafe.Pointer(&tr))
}

func (s *SPI) ReadSRAM(addr uint32, n int) ([]byte, error) {
	zap.L().Debug("spi read sram", zap.Uint32("addr", addr), zap.Int("len", n))
	if n+ReadSRAMHdrLen > MaxTransfer {
		return nil, fmt.Errorf("sram read of %d bytes exceeds transfer limit", n)
	}
	hdr := readSRAMCmd<<20 | addr&0xfffff
	s.tx[0] = uint8(hdr >> 16)
	s.tx[1] = uint8(hdr >> 8)
	s.tx[2] = uint8(hdr)
	s.tx[3] = 0
	if err := s.transfer(n + ReadSRAMHdrLen); err != nil {
		return nil, fmt.Errorf("sram read at %#x: %w", addr, err)
	}
	return s.rx[ReadSRAMHdrLen : ReadSRAMHdrLen+n], nil
}

func (s *SPI) WriteSRAM(addr uint32, b []byte) error {
	zap.L().Debug("spi write sram", zap.Uint32("addr", addr), zap.Int("len", len(b)))
	if len(b)+3 > MaxTransfer {
		return fmt.Errorf("sram write of %d bytes exceeds transfer limit", len(b))
	}
	hdr := writeSRAMCmd<<20 | addr&0xfffff
	s.tx[0] = uint8(hdr >> 16)
	s.tx[1] = uint8(hdr >> 8)
	s.tx[2] = uint8(hdr)
	copy(s.tx[3:], b)
	if err := s.transfer(len(b) + 3); err != nil {
		return fmt.Errorf("sram write at %#x: %w", addr, err)
	}
	return nil
}

func (s *SPI) ReadCMEM(addr uint8) (uint8, error) {
	s.tx[0] = readCMEMCmd<<4 | addr&0xf
	s.tx[1] = 0
	if err := s.transfer(2); err != nil {
		return 0, fmt.Errorf("cmem read at %d: %w", addr, err)
	}
	v := s.rx[1] & 0xf
	zap.L().Debug("spi read cmem", zap.Uint8("addr", addr), zap.Uint8("value", v))
	return v, nil
}

func (s *SPI) WriteCMEM(addr, nibble uint8) error {
	zap.L().Debug("spi write cmem", zap.Uint8("addr", addr), zap.Uint8("value", nibble))
	s.tx[0] = writeCMEMCmd<<4 | addr&0xf
	s.tx[1] = nibble & 0xf
	if err := s.transfer(2); err != nil {
		return fmt.Errorf("cmem write at %d: %w", addr, err)
	}
	return nil
}

func (s *SPI) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
