package probe

import "unsafe"

// uintptrOf returns the address of a byte slice's backing array, used to
// page-align the probe buffer and to pass its address to io_submit.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
