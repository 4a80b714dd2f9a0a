package util

import "sync/atomic"

type AtomicBool int32

func (b *AtomicBool) IsSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *AtomicBool) Set()        { atomic.StoreInt32((*int32)(b), 1) }

// CompareAndSet flips the flag from old to new and reports whether it did.
func (b *AtomicBool) CompareAndSet(old, new bool) bool {
	return atomic.CompareAndSwapInt32((*int32)(b), boolToInt32(old), boolToInt32(new))
}

func boolToInt32(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
