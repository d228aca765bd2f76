package msc_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/class/msc/msctest"
	"github.com/ardnew/usbstor/pkg"
)

func noDelay(c *msc.Config) { c.RetryDelay = 0 }

func TestReadWrite10_RoundTrip(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	ctx := context.Background()

	want := make([]byte, 3*512)
	for i := range want {
		want[i] = byte(i * 7)
	}
	if err := u.Write10(ctx, 10, want, 3); err != nil {
		t.Fatalf("Write10() error = %v", err)
	}

	st := r.dev.Unit(0).Storage.(*msctest.MemoryStorage)
	if got := st.Bytes()[10*512 : 13*512]; !bytes.Equal(got, want) {
		t.Fatal("storage does not hold the written blocks")
	}

	got := make([]byte, len(want))
	if err := u.Read10(ctx, 10, got, 3); err != nil {
		t.Fatalf("Read10() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("Read10() returned different data")
	}
}

func TestReadWrite10_ZeroBlocks(t *testing.T) {
	r := newRig(t, memUnit(64))
	u := r.makeReady(t, 0)
	r.dev.ClearLog()

	if err := u.Read10(context.Background(), 0, nil, 0); err != nil {
		t.Errorf("Read10(0 blocks) error = %v", err)
	}
	if err := u.Write10(context.Background(), 0, nil, 0); err != nil {
		t.Errorf("Write10(0 blocks) error = %v", err)
	}
	if ops := r.dev.Opcodes(); len(ops) != 0 {
		t.Errorf("zero-block transfer issued %v", ops)
	}
}

func TestReadWrite10_Parameters(t *testing.T) {
	r := newRig(t, memUnit(64))
	u := r.makeReady(t, 0)
	ctx := context.Background()

	tests := []struct {
		name  string
		buf   []byte
		count int
		want  error
	}{
		{"buffer too small", make([]byte, 511), 1, pkg.ErrBufferTooSmall},
		{"count too large", make([]byte, 512), msc.MaxTransferBlocks + 1, pkg.ErrInvalidParameter},
		{"negative count", make([]byte, 512), -1, pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.dev.ClearLog()
			err := u.Read10(ctx, 0, tt.buf, tt.count)
			if !errors.Is(err, tt.want) {
				t.Errorf("Read10() error = %v, want %v", err, tt.want)
			}
			if ops := r.dev.Opcodes(); len(ops) != 0 {
				t.Errorf("rejected transfer issued %v", ops)
			}
		})
	}
}

func TestReadWrite10_NotReady(t *testing.T) {
	st := newSizedStorage(64, 512)
	st.SetPresent(false)
	r := newRig(t, &msctest.Unit{Storage: st})
	u := r.unit(t, 0)
	r.pollUntil(t, func() bool { return u.State() == msc.StateNoMedia })

	err := u.Read10(context.Background(), 0, make([]byte, 512), 1)
	var se *msc.NotReadyError
	if !errors.As(err, &se) {
		t.Fatalf("Read10() error = %v, want *NotReadyError", err)
	}
	if se.State != msc.StateNoMedia {
		t.Errorf("NotReadyError.State = %v, want %v", se.State, msc.StateNoMedia)
	}
	if !errors.Is(err, msc.ErrNotReady) {
		t.Errorf("Read10() error = %v, want ErrNotReady", err)
	}
}

func TestReadWrite10_Uninitialized(t *testing.T) {
	dev := msctest.New(memUnit(16))
	dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		return msctest.Fault{PhaseError: cbw.CB[0] == msc.SCSIInquiry}
	}
	r := newRigWith(t, dev, nil)
	u := r.unit(t, 0)

	err := u.Write10(context.Background(), 0, make([]byte, 512), 1)
	if !errors.Is(err, msc.ErrUninitialized) {
		t.Errorf("Write10() error = %v, want ErrUninitialized", err)
	}
}

func TestRead10_StatusInPlaceOfData(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	r.dev.ClearLog()
	r.dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		return msctest.Fault{StatusInPlaceOfData: cbw.CB[0] == msc.SCSIRead10}
	}

	err := u.Read10(context.Background(), 0, make([]byte, 512), 1)
	if !errors.Is(err, msc.ErrShortTransfer) {
		t.Fatalf("Read10() error = %v, want ErrShortTransfer", err)
	}
	if n := countOpcode(r.dev.Opcodes(), msc.SCSIRead10); n != msc.DefaultIORetries {
		t.Errorf("READ(10) issued %d times, want %d", n, msc.DefaultIORetries)
	}
	if v := r.dev.Violations(); v != 0 {
		t.Errorf("Violations() = %d, want 0", v)
	}
}

func TestRead10_ShortDataRecovers(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	r.dev.ClearLog()

	short := 2
	r.dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		if cbw.CB[0] != msc.SCSIRead10 || short == 0 {
			return msctest.Fault{}
		}
		short--
		return msctest.Fault{ShortData: 100}
	}

	if err := u.Read10(context.Background(), 4, make([]byte, 1024), 2); err != nil {
		t.Fatalf("Read10() error = %v", err)
	}
	if n := countOpcode(r.dev.Opcodes(), msc.SCSIRead10); n != 3 {
		t.Errorf("READ(10) issued %d times, want 3", n)
	}
}

func TestRead10_HardErrorNotRetried(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	r.dev.ClearLog()
	r.dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		return msctest.Fault{PhaseError: cbw.CB[0] == msc.SCSIRead10}
	}

	err := u.Read10(context.Background(), 0, make([]byte, 512), 1)
	if !errors.Is(err, msc.ErrResetRecovered) {
		t.Fatalf("Read10() error = %v, want ErrResetRecovered", err)
	}
	if n := countOpcode(r.dev.Opcodes(), msc.SCSIRead10); n != 1 {
		t.Errorf("READ(10) issued %d times, want 1", n)
	}
}

func TestWrite10_ShortDataOutRetried(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	r.dev.ClearLog()
	resets := r.dev.Resets()
	r.dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		if cbw.CB[0] != msc.SCSIWrite10 {
			return msctest.Fault{}
		}
		return msctest.Fault{ShortDataOut: 100}
	}

	buf := bytes.Repeat([]byte{0xA5}, 512)
	err := u.Write10(context.Background(), 5, buf, 1)
	if !errors.Is(err, msc.ErrShortTransfer) {
		t.Fatalf("Write10() error = %v, want ErrShortTransfer", err)
	}
	if n := countOpcode(r.dev.Opcodes(), msc.SCSIWrite10); n != msc.DefaultIORetries {
		t.Errorf("WRITE(10) issued %d times, want %d", n, msc.DefaultIORetries)
	}
	if v := r.dev.Violations(); v != 0 {
		t.Errorf("Violations() = %d, want 0", v)
	}
	if n := r.dev.Resets(); n != resets {
		t.Errorf("Resets() = %d, want %d", n, resets)
	}

	st := r.dev.Unit(0).Storage.(*msctest.MemoryStorage)
	if !bytes.Equal(st.Bytes()[5*512:6*512], make([]byte, 512)) {
		t.Error("truncated write reached storage")
	}
}

func TestWrite10_StalledDataOutRecovers(t *testing.T) {
	r := newRigWith(t, msctest.New(memUnit(64)), noDelay)
	u := r.makeReady(t, 0)
	r.dev.ClearLog()
	resets := r.dev.Resets()
	unstalls := r.dev.Unstalls(msctest.EndpointOut)

	stalls := 2
	r.dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
		if cbw.CB[0] != msc.SCSIWrite10 || stalls == 0 {
			return msctest.Fault{}
		}
		stalls--
		return msctest.Fault{StallDataOut: true}
	}

	want := bytes.Repeat([]byte{0x3C}, 2*512)
	if err := u.Write10(context.Background(), 8, want, 2); err != nil {
		t.Fatalf("Write10() error = %v", err)
	}
	if n := countOpcode(r.dev.Opcodes(), msc.SCSIWrite10); n != 3 {
		t.Errorf("WRITE(10) issued %d times, want 3", n)
	}
	if n := r.dev.Unstalls(msctest.EndpointOut) - unstalls; n != 2 {
		t.Errorf("OUT pipe cleared %d times, want 2", n)
	}
	if n := r.dev.Resets(); n != resets {
		t.Errorf("Resets() = %d, want %d", n, resets)
	}
	if v := r.dev.Violations(); v != 0 {
		t.Errorf("Violations() = %d, want 0", v)
	}

	st := r.dev.Unit(0).Storage.(*msctest.MemoryStorage)
	if !bytes.Equal(st.Bytes()[8*512:10*512], want) {
		t.Error("storage does not hold the written blocks")
	}
}

func TestReadCapacity_UpdatesGeometry(t *testing.T) {
	r := newRig(t, &msctest.Unit{Storage: newSizedStorage(1000, 4096)})
	u := r.makeReady(t, 0)

	blocks, size, err := u.ReadCapacity(context.Background())
	if err != nil {
		t.Fatalf("ReadCapacity() error = %v", err)
	}
	if blocks != 1000 || size != 4096 {
		t.Errorf("ReadCapacity() = (%d, %d), want (1000, 4096)", blocks, size)
	}
	if b, s := u.Geometry(); b != blocks || s != size {
		t.Errorf("Geometry() = (%d, %d), want (%d, %d)", b, s, blocks, size)
	}
}

func TestBlockDevice_ReadWrite(t *testing.T) {
	r := newRig(t, memUnit(32))
	u := r.makeReady(t, 0)
	bd := u.Device()
	ctx := context.Background()

	buf := bytes.Repeat([]byte{0x5A}, 512)
	if res := bd.Write(ctx, buf, 3, 1); res != msc.ResultOK {
		t.Fatalf("Write() = %v, want %v", res, msc.ResultOK)
	}
	got := make([]byte, 512)
	if res := bd.Read(ctx, got, 3, 1); res != msc.ResultOK {
		t.Fatalf("Read() = %v, want %v", res, msc.ResultOK)
	}
	if !bytes.Equal(got, buf) {
		t.Error("Read() returned different data")
	}

	if res := bd.Read(ctx, make([]byte, 10), 0, 1); res != msc.ResultParamError {
		t.Errorf("Read(short buffer) = %v, want %v", res, msc.ResultParamError)
	}
}

func TestBlockDevice_NotReady(t *testing.T) {
	st := newSizedStorage(64, 512)
	st.SetPresent(false)
	r := newRig(t, &msctest.Unit{Storage: st})
	u := r.unit(t, 0)
	r.pollUntil(t, func() bool { return u.State() == msc.StateNoMedia })

	if res := u.Device().Read(context.Background(), make([]byte, 512), 0, 1); res != msc.ResultNotReady {
		t.Errorf("Read() = %v, want %v", res, msc.ResultNotReady)
	}
}

func TestBlockDevice_Ioctl(t *testing.T) {
	r := newRig(t, memUnit(48))
	bd := r.makeReady(t, 0).Device()
	ctx := context.Background()

	var v uint64
	if res := bd.Ioctl(ctx, msc.IoctlGetSectorCount, &v); res != msc.ResultOK || v != 48 {
		t.Errorf("Ioctl(sector count) = %v, %d; want ok, 48", res, v)
	}
	if res := bd.Ioctl(ctx, msc.IoctlGetSectorSize, &v); res != msc.ResultOK || v != 512 {
		t.Errorf("Ioctl(sector size) = %v, %d; want ok, 512", res, v)
	}
	if res := bd.Ioctl(ctx, msc.IoctlCommand(99), &v); res != msc.ResultParamError {
		t.Errorf("Ioctl(unknown) = %v, want %v", res, msc.ResultParamError)
	}
	if res := bd.Ioctl(ctx, msc.IoctlGetSectorSize, nil); res != msc.ResultParamError {
		t.Errorf("Ioctl(nil) = %v, want %v", res, msc.ResultParamError)
	}
}
