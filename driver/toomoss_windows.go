//go:build windows

package driver

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/LoveWonYoung/ican/can"
)

const toomossPoll = time.Millisecond

var (
	usb2xxx            = windows.NewLazyDLL("USB2XXX.dll")
	procScanDevice     = usb2xxx.NewProc("USB_ScanDevice")
	procOpenDevice     = usb2xxx.NewProc("USB_OpenDevice")
	procCloseDevice    = usb2xxx.NewProc("USB_CloseDevice")
	procCANFDInit      = usb2xxx.NewProc("CANFD_Init")
	procCANFDStartRx   = usb2xxx.NewProc("CANFD_StartGetMsg")
	procCANFDStopRx    = usb2xxx.NewProc("CANFD_StopGetMsg")
	procCANFDGetMsg    = usb2xxx.NewProc("CANFD_GetMsg")
	procCANFDSendMsg   = usb2xxx.NewProc("CANFD_SendMsg")
	toomossDeviceMutex sync.Mutex
)

// toomossInitConfig mirrors CANFD_INIT_CONFIG.
type toomossInitConfig struct {
	Mode         byte
	ISOCRCEnable byte
	RetrySend    byte
	ResEnable    byte
	NBTBRP       byte
	NBTSEG1      byte
	NBTSEG2      byte
	NBTSJW       byte
	DBTBRP       byte
	DBTSEG1      byte
	DBTSEG2      byte
	DBTSJW       byte
	_            [8]byte
}

// toomoss drives a Toomoss USB2XXX adapter through the vendor DLL. The DLL
// only offers polling, so a goroutine drains it into rx.
type toomoss struct {
	cfg     Config
	handle  uintptr
	channel uintptr

	rx        chan can.Frame
	errs      chan error
	wmu       sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

func openToomoss(cfg Config) (Bus, error) {
	idx, channel, timing, err := toomossParams(cfg)
	if err != nil {
		return nil, err
	}
	if err := usb2xxx.Load(); err != nil {
		return nil, opError("open", cfg, ErrNotFound, err)
	}

	toomossDeviceMutex.Lock()
	defer toomossDeviceMutex.Unlock()

	var handles [16]int32
	n, _, _ := procScanDevice.Call(uintptr(unsafe.Pointer(&handles[0])))
	if int(int32(n)) <= idx {
		return nil, opError("open", cfg, ErrNotFound, fmt.Errorf("%d adapters found", int32(n)))
	}
	handle := uintptr(handles[idx])
	if ok, _, _ := procOpenDevice.Call(handle); int32(ok) < 1 {
		return nil, opError("open", cfg, ErrBusy, errors.New("USB_OpenDevice failed"))
	}

	ic := toomossInitConfig{
		ISOCRCEnable: 1,
		RetrySend:    1,
		ResEnable:    1,
		NBTBRP:       timing.brp,
		NBTSEG1:      timing.seg1,
		NBTSEG2:      timing.seg2,
		NBTSJW:       timing.sjw,
		DBTBRP:       timing.brp,
		DBTSEG1:      timing.seg1,
		DBTSEG2:      timing.seg2,
		DBTSJW:       timing.sjw,
	}
	ch := uintptr(channel)
	if ret, _, _ := procCANFDInit.Call(handle, ch, uintptr(unsafe.Pointer(&ic))); int32(ret) != 0 {
		procCloseDevice.Call(handle)
		return nil, opError("open", cfg, ErrBusy, fmt.Errorf("CANFD_Init returned %d", int32(ret)))
	}
	if ret, _, _ := procCANFDStartRx.Call(handle, ch); int32(ret) != 0 {
		procCloseDevice.Call(handle)
		return nil, opError("open", cfg, ErrBusy, fmt.Errorf("CANFD_StartGetMsg returned %d", int32(ret)))
	}

	t := &toomoss{
		cfg:     cfg,
		handle:  handle,
		channel: ch,
		rx:      make(chan can.Frame, 1024),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.poll()
	log.Printf("[toomoss] opened device %d channel %d", idx, channel)
	return t, nil
}

func (t *toomoss) poll() {
	defer close(t.stopped)
	ticker := time.NewTicker(toomossPoll)
	defer ticker.Stop()
	var buf [256]toomossMsg
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		n, _, _ := procCANFDGetMsg.Call(t.handle, t.channel, uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		if int32(n) < 0 {
			t.report(opError("receive", t.cfg, ErrNotFound, fmt.Errorf("CANFD_GetMsg returned %d", int32(n))))
			return
		}
		for i := 0; i < int(int32(n)); i++ {
			f, err := decodeToomoss(buf[i])
			if err != nil {
				t.report(opError("receive", t.cfg, ErrMalformed, err))
				continue
			}
			select {
			case t.rx <- f:
			case <-t.done:
				return
			}
		}
	}
}

func (t *toomoss) report(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

func (t *toomoss) Send(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return opError("send", t.cfg, ErrMalformed, err)
	}
	select {
	case <-t.done:
		return opError("send", t.cfg, ErrClosed, nil)
	default:
	}
	msg := [1]toomossMsg{encodeToomoss(f)}
	t.wmu.Lock()
	ret, _, _ := procCANFDSendMsg.Call(t.handle, t.channel, uintptr(unsafe.Pointer(&msg[0])), 1)
	t.wmu.Unlock()
	if int32(ret) != 1 {
		return opError("send", t.cfg, ErrBusy, fmt.Errorf("CANFD_SendMsg returned %d", int32(ret)))
	}
	return nil
}

func (t *toomoss) Receive() (can.Frame, error) {
	select {
	case f := <-t.rx:
		return f, nil
	case err := <-t.errs:
		return can.Frame{}, err
	case <-t.done:
		return can.Frame{}, opError("receive", t.cfg, ErrClosed, nil)
	}
}

func (t *toomoss) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		<-t.stopped
		toomossDeviceMutex.Lock()
		defer toomossDeviceMutex.Unlock()
		procCANFDStopRx.Call(t.handle, t.channel)
		procCloseDevice.Call(t.handle)
		log.Printf("[toomoss] closed %s", t.cfg.Target)
	})
	return nil
}
