package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/wormhole-proxy/wormhole/wormhole-srv/logger"
)

const (
	// relayBufferSize is the chunk size for shuttling bytes between the
	// client and the upstream connection.
	relayBufferSize = 4096
)

// bufferPool reuses relay buffers to reduce GC pressure.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// relay pumps bytes from src to dst until src reaches EOF or either side
// fails. Closing the destination is the caller's job: tunnels half-close so
// the far end observes EOF, while the forwarder keeps the client open for a
// possible protocol-fallback retry. Connection resets and broken pipes from
// an impatient peer are expected and not reported as errors.
//
// When firstLine is non-nil, the bytes up to the first CR or LF are captured
// into it; the forwarder uses this to log upstream status lines.
func relay(src io.Reader, dst net.Conn, firstLine *bytes.Buffer) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)

	var written int64
	capturing := firstLine != nil

	for {
		n, readErr := src.Read(*buf)
		if n > 0 {
			if capturing {
				capturing = captureFirstLine(firstLine, (*buf)[:n])
			}
			w, writeErr := dst.Write((*buf)[:n])
			written += int64(w)
			if writeErr != nil {
				if isPeerGone(writeErr) {
					return written, nil
				}
				return written, NewProxyError(ErrCodeRelayFailed, "relay write failed", writeErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF || isPeerGone(readErr) {
				return written, nil
			}
			return written, NewProxyError(ErrCodeRelayFailed, "relay read failed", readErr)
		}
	}
}

// captureFirstLine appends chunk bytes up to the first line break. Returns
// whether capture should continue on the next chunk.
func captureFirstLine(dst *bytes.Buffer, chunk []byte) bool {
	if idx := bytes.IndexAny(chunk, "\r\n"); idx >= 0 {
		dst.Write(chunk[:idx])
		return false
	}
	dst.Write(chunk)
	return true
}

// closeWrite half-closes dst when possible so the peer sees EOF, falling
// back to a full close.
func closeWrite(dst net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := dst.(writeCloser); ok {
		if err := wc.CloseWrite(); err != nil && !isPeerGone(err) {
			logger.Trace("Error half-closing relay destination: %v", err)
		}
		return
	}
	if err := dst.Close(); err != nil && !isPeerGone(err) {
		logger.Trace("Error closing relay destination: %v", err)
	}
}

// isPeerGone reports errors that mean the other side went away mid-transfer.
func isPeerGone(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
