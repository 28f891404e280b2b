package relay

import (
	"errors"
	"io"
	"net"
	"sync"
)

// Endpoint is one side of a relay session: a duplex byte channel whose
// write direction can be shut independently of the read direction.
// transport.Stream and *net.TCPConn both satisfy it.
type Endpoint interface {
	io.Reader
	io.Writer

	// CloseWrite signals end-of-data to the peer; reads continue.
	CloseWrite() error

	// Close tears down both directions.
	Close() error
}

// DefaultBufferSize is the per-direction copy buffer size.
const DefaultBufferSize = 32 * 1024

// Pump relays bytes in both directions between local and remote until
// both directions have drained. A normal end-of-data on one side is
// propagated as a half-close of the paired writer; an I/O error tears
// both endpoints down immediately. It returns the bytes moved in each
// direction and the first error observed, with clean EOFs not counted
// as errors.
func Pump(local, remote Endpoint, bufSize int) (toRemote, toLocal int64, err error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	var wg sync.WaitGroup
	var errTo, errFrom error

	wg.Add(2)
	go func() {
		defer wg.Done()
		toRemote, errTo = pumpHalf(remote, local, bufSize)
		if errTo != nil {
			// Abrupt teardown: the paired direction cannot outlive an error.
			local.Close()
			remote.Close()
		}
	}()
	go func() {
		defer wg.Done()
		toLocal, errFrom = pumpHalf(local, remote, bufSize)
		if errFrom != nil {
			local.Close()
			remote.Close()
		}
	}()
	wg.Wait()

	if errTo != nil {
		return toRemote, toLocal, errTo
	}
	return toRemote, toLocal, errFrom
}

// pumpHalf copies src to dst until EOF, then half-closes dst.
func pumpHalf(dst, src Endpoint, bufSize int) (int64, error) {
	buf := make([]byte, bufSize)
	n, err := io.CopyBuffer(dst, src, buf)
	if err == nil || isClosedErr(err) {
		dst.CloseWrite()
		return n, nil
	}
	return n, err
}

// isClosedErr reports errors that amount to an orderly end of data:
// the other pump direction tearing the endpoint down as it finishes.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}
