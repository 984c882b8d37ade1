package fs

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// resizeBuffer grows or shrinks a content buffer, zero-filling growth.
func resizeBuffer(buf []byte, n int) []byte {
	if n <= len(buf) {
		return buf[:n]
	}
	out := make([]byte, n)
	copy(out, buf)
	return out
}
