package partition

import "os"

// invokeOOM implements §4.4's out-of-memory contract: call the configured
// handler, which must not return; if it does (or none was configured), log
// and terminate the process, matching the C++ original's CHECK-fail
// semantics for an allocator that has nowhere left to return to.
func (r *Root) invokeOOM(size uintptr, addressSpaceExhausted bool) {
	r.log.WithField("size", size).
		WithField("address_space_exhausted", addressSpaceExhausted).
		Error("out of memory")

	if r.config.OnOutOfMemory != nil {
		r.config.OnOutOfMemory(size, addressSpaceExhausted)
	}

	r.log.Fatal("OnOutOfMemory handler returned; terminating")
	os.Exit(1) // unreachable: logrus.Fatal already calls os.Exit(1).
}
