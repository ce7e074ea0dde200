package probe

// Fake is a software-only probe used by transfer/dp/core tests, the same
// role the teacher's video_backend_headless.go and audio_backend_headless.go
// play for the emulator's output chips: a backend that implements the real
// interface but drives an in-memory model instead of a USB device.
type Fake struct {
	caps Capability

	// SwdIOFunc, when set, overrides the default of returning all-zero bits so
	// tests can script ACK sequences and data phases precisely.
	SwdIOFunc func(direction []Direction, output []bool) ([]bool, error)

	// NativeTransferFunc overrides the default no-op native path.
	NativeTransferFunc func(reqs []NativeRequest) ([]NativeResult, error)

	Calls []Call
}

// Call records one primitive invocation for assertions in tests.
type Call struct {
	Kind string // "swd_io", "jtag_shift", "native_transfer", ...
	Len  int
}

// NewFake builds a fake probe advertising the given capability set.
func NewFake(caps Capability) *Fake {
	return &Fake{caps: caps}
}

func (f *Fake) Capabilities() Capability { return f.caps }

func (f *Fake) SwdIO(direction []Direction, output []bool) ([]bool, error) {
	f.Calls = append(f.Calls, Call{Kind: "swd_io", Len: len(direction)})
	if f.SwdIOFunc != nil {
		return f.SwdIOFunc(direction, output)
	}
	return make([]bool, len(direction)), nil
}

func (f *Fake) JtagShift(tms, tdi []bool) ([]bool, error) {
	f.Calls = append(f.Calls, Call{Kind: "jtag_shift", Len: len(tms)})
	return make([]bool, len(tms)), nil
}

func (f *Fake) JtagShiftIR(ir uint64, bits int) error {
	f.Calls = append(f.Calls, Call{Kind: "jtag_shift_ir", Len: bits})
	return nil
}

func (f *Fake) JtagShiftDR(payload uint64, bits int) (uint64, error) {
	f.Calls = append(f.Calls, Call{Kind: "jtag_shift_dr", Len: bits})
	return 0, nil
}

func (f *Fake) NativeTransfer(reqs []NativeRequest) ([]NativeResult, error) {
	f.Calls = append(f.Calls, Call{Kind: "native_transfer", Len: len(reqs)})
	if f.NativeTransferFunc != nil {
		return f.NativeTransferFunc(reqs)
	}
	out := make([]NativeResult, len(reqs))
	for i := range out {
		out[i].Ack = AckOK
	}
	return out, nil
}

func (f *Fake) NativeBlockTransfer(req NativeRequest, values []uint32, isWrite bool) ([]uint32, error) {
	f.Calls = append(f.Calls, Call{Kind: "native_block_transfer", Len: len(values)})
	return make([]uint32, len(values)), nil
}

func (f *Fake) Close() error { return nil }
