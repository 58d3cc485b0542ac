package host

// ReadRange copies up to maxSize bytes of buf starting at start. A maxSize
// past the end of buf, however large, reads to the end.
func ReadRange(buf []byte, start, maxSize int) ([]byte, error) {
	if start < 0 || maxSize < 0 || start > len(buf) {
		return nil, ErrBadArgument
	}
	end := len(buf)
	if maxSize < end-start {
		end = start + maxSize
	}
	out := make([]byte, end-start)
	copy(out, buf[start:end])
	return out, nil
}
