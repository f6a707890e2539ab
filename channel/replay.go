package channel

// replayWindowSize is how far behind the highest accepted nonce a message
// may arrive.
const replayWindowSize = 64

// replayWindow tracks accepted nonces with a sliding bitmap. Bit i set
// means highest-i was accepted.
type replayWindow struct {
	highest uint64
	bitmap  uint64
	started bool
}

// check reports whether nonce may be accepted, without recording it.
func (w *replayWindow) check(nonce uint64) error {
	if !w.started || nonce > w.highest {
		return nil
	}
	diff := w.highest - nonce
	if diff >= replayWindowSize {
		return ErrNonceTooOld
	}
	if w.bitmap&(1<<diff) != 0 {
		return ErrReplayedMessage
	}
	return nil
}

// mark records nonce. Callers check it first.
func (w *replayWindow) mark(nonce uint64) {
	switch {
	case !w.started:
		w.started = true
		w.highest = nonce
		w.bitmap = 1
	case nonce > w.highest:
		shift := nonce - w.highest
		if shift >= replayWindowSize {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.highest = nonce
	default:
		w.bitmap |= 1 << (w.highest - nonce)
	}
}
