// Package frame implements the fixed-size frame codec of spec §4.1: a
// 1024-byte NUL-padded decimal ASCII payload, read/written in full over a
// raw fd, tolerating short reads and short writes.
package frame

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

// Size is FRAME_SIZE from spec §3.
const Size = 1024

// Encode renders a non-negative millisecond count as a NUL-padded frame.
func Encode(delayMs int64) ([Size]byte, error) {
	var buf [Size]byte
	if delayMs < 0 {
		return buf, fmt.Errorf("frame: negative delay %d", delayMs)
	}
	s := strconv.FormatInt(delayMs, 10)
	if len(s) >= Size {
		return buf, fmt.Errorf("frame: delay %d does not fit in %d bytes", delayMs, Size)
	}
	copy(buf[:], s)
	return buf, nil
}

// Decode parses the decimal payload up to the first NUL, per spec §3: "the
// first NUL byte terminates the numeric payload; trailing bytes must be
// zero."
func Decode(buf [Size]byte) (int64, error) {
	end := Size
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	for i := end; i < Size; i++ {
		if buf[i] != 0 {
			return 0, fmt.Errorf("frame: non-zero byte at %d after NUL terminator", i)
		}
	}
	if end == 0 {
		return 0, fmt.Errorf("frame: empty payload")
	}
	v, err := strconv.ParseInt(string(buf[:end]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("frame: invalid decimal payload %q: %w", buf[:end], err)
	}
	if v < 0 {
		return 0, fmt.Errorf("frame: negative payload %d", v)
	}
	return v, nil
}

// ReadFrame reads exactly Size bytes from fd, looping over short reads
// (spec §9(3) bug fix: loop until the full frame is present rather than
// returning prematurely on a first short read). A zero-byte read means the
// peer closed; any non-retriable error aborts the read.
func ReadFrame(fd int) ([Size]byte, error) {
	var buf [Size]byte
	off := 0
	for off < Size {
		n, err := unix.Read(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return [Size]byte{}, fmt.Errorf("frame: read: %w", err)
		}
		if n == 0 {
			return [Size]byte{}, fmt.Errorf("frame: peer closed after %d/%d bytes", off, Size)
		}
		off += n
	}
	return buf, nil
}

// WriteFrame writes all Size bytes of buf to fd, looping over short writes.
func WriteFrame(fd int, buf [Size]byte) error {
	off := 0
	for off < Size {
		n, err := unix.Write(fd, buf[off:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("frame: write: %w", err)
		}
		if n <= 0 {
			return fmt.Errorf("frame: non-positive write count %d", n)
		}
		off += n
	}
	return nil
}
