// internal/protocol/link_comm.go
package protocol

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"link-service/internal/config"
	"link-service/internal/model"
)

// LinkComm moves raw bytes over whichever medium the configuration selects.
// It is not safe for concurrent use: callers read from at most one goroutine
// and write from at most one goroutine.
type LinkComm struct {
	t      transport
	logger *zap.Logger
}

// dialUDP binds laddr and connects to raddr; replaced in tests
var dialUDP = func(laddr, raddr *net.UDPAddr) (*net.UDPConn, error) {
	return net.DialUDP("udp", laddr, raddr)
}

// NewLinkComm opens and configures the medium selected by cfg. Either the
// returned LinkComm is fully initialized or the error is a *ConstructionError.
func NewLinkComm(cfg *config.LinkConfig, logger *zap.Logger) (*LinkComm, error) {
	if cfg == nil {
		return nil, newConstructionError("", ErrInvalidConfig, fmt.Errorf("nil link configuration"))
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	logger = logger.With(
		zap.String("protocol", "link"),
		zap.String("medium", string(cfg.Medium())),
	)

	var (
		t   transport
		err error
	)
	if cfg.UDP {
		t, err = newUDPTransport(cfg, logger)
	} else {
		t, err = newSerialTransport(cfg, logger)
	}
	if err != nil {
		logger.Error("Failed to construct link", zap.Error(err))
		return nil, err
	}

	return &LinkComm{t: t, logger: logger}, nil
}

func newUDPTransport(cfg *config.LinkConfig, logger *zap.Logger) (transport, error) {
	raddr, err := net.ResolveUDPAddr("udp", cfg.RemoteUplinkAddr())
	if err != nil {
		return nil, newConstructionError(model.MediumUDP, ErrSocketSetup,
			fmt.Errorf("resolve %s: %w", cfg.RemoteUplinkAddr(), err))
	}

	// Bind the wildcard address of the peer's family and let routing pick the interface
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.UDPPort}
	if raddr.IP.To4() == nil {
		laddr.IP = net.IPv6unspecified
	}

	conn, err := dialUDP(laddr, raddr)
	if err != nil {
		return nil, newConstructionError(model.MediumUDP, ErrSocketSetup,
			fmt.Errorf("bind :%d and connect %s: %w", cfg.UDPPort, raddr, err))
	}

	logger.Info("UDP link opened",
		zap.Stringer("local_addr", conn.LocalAddr()),
		zap.Stringer("remote_addr", raddr),
		zap.Duration("timeout", ioTimeout),
	)

	return &udpTransport{conn: conn}, nil
}

func newSerialTransport(cfg *config.LinkConfig, logger *zap.Logger) (transport, error) {
	if !IsSupportedBaudRate(cfg.BaudRate) {
		return nil, newConstructionError(model.MediumSerial, ErrInvalidConfig,
			fmt.Errorf("unsupported baud rate %d", cfg.BaudRate))
	}

	port, err := openSerial(cfg.Port, lineMode(cfg.BaudRate))
	if err != nil {
		return nil, newConstructionError(model.MediumSerial, ErrDeviceOpen,
			fmt.Errorf("open %s: %w", cfg.Port, err))
	}

	configured, err := configurePort(port, cfg.BaudRate)
	if err != nil {
		port.Close()
		return nil, newConstructionError(model.MediumSerial, ErrInvalidConfig,
			fmt.Errorf("configure %s: %w", cfg.Port, err))
	}

	logger.Info("Serial link opened",
		zap.String("port", cfg.Port),
		zap.Int("baud_rate", cfg.BaudRate),
		zap.Duration("timeout", ioTimeout),
	)

	return &serialTransport{port: configured}, nil
}

// ComWrite sends buf with a single call to the medium's send primitive.
// Short writes are returned as-is; the caller owns the remainder.
func (lc *LinkComm) ComWrite(buf []byte) (int, error) {
	if lc == nil || lc.t == nil {
		return 0, ErrNotInitialized
	}
	return lc.t.write(buf)
}

// ComRead receives into buf with a single call to the medium's receive
// primitive. A zero-length read or an IsTimeout error means nothing arrived
// within the timeout.
func (lc *LinkComm) ComRead(buf []byte) (int, error) {
	if lc == nil || lc.t == nil {
		return 0, ErrNotInitialized
	}
	return lc.t.read(buf)
}

// Medium returns the medium this link was constructed for
func (lc *LinkComm) Medium() model.Medium {
	if lc == nil || lc.t == nil {
		return ""
	}
	return lc.t.medium()
}

// LocalAddr returns the bound socket address for UDP links and nil otherwise
func (lc *LinkComm) LocalAddr() net.Addr {
	if lc == nil {
		return nil
	}
	if u, ok := lc.t.(*udpTransport); ok {
		return u.conn.LocalAddr()
	}
	return nil
}

// Close releases the underlying handle
func (lc *LinkComm) Close() error {
	if lc == nil || lc.t == nil {
		return ErrNotInitialized
	}
	if err := lc.t.close(); err != nil {
		lc.logger.Error("Failed to close link", zap.Error(err))
		return fmt.Errorf("failed to close %s link: %w", lc.t.medium(), err)
	}
	lc.logger.Info("Link closed")
	return nil
}
