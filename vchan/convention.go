package vchan

// String gives Convention a readable form for error messages; the
// values themselves are wire-irrelevant (the convention is agreed out
// of band; package rendezvous always uses ReaderOffers and announces it
// as wire.ModeReaderOffers in its GRANT messages).
func (c Convention) String() string {
	switch c {
	case WriterOffers:
		return "writer-offers"
	case ReaderOffers:
		return "reader-offers"
	default:
		return "unknown convention"
	}
}

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleWriter:
		return "writer"
	default:
		return "unknown role"
	}
}
