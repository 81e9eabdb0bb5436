package wire

import "unsafe"

func sizeofMetaPage() int {
	return int(unsafe.Sizeof(MetaPage{}))
}
