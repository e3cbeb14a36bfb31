// Package wire implements the binary command protocol (spec §6): one
// command byte tag, a fixed payload, and a response terminated by a single
// 0x00 byte. Framing itself is an external collaborator's concern — only
// command semantics are fixed here — so this package is the thin
// translation layer between bytes on a socket and calls into internal/db.
package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/flashkv/flashkv/internal/db"
	"github.com/flashkv/flashkv/internal/lsm"
)

const (
	tagPut    = 'p'
	tagDelete = 'd'
	tagGet    = 'g'
	tagLoad   = 'l'
	tagRange  = 'r'
	tagStats  = 's'

	responseTerminator = 0x00
)

// Serve runs one connection's read-execute-write loop until the client
// disconnects, a protocol or I/O error occurs, or ctx is canceled. Every
// error closes the connection silently and returns — there is no
// partial-response or retry behavior inside the core (§7).
func Serve(ctx context.Context, conn net.Conn, database *db.Database, log *slog.Logger) {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		if err := handleOne(r, w, database); err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Debug("connection closed", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func handleOne(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	tag, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch tag {
	case tagPut:
		return handlePut(r, w, database)
	case tagDelete:
		return handleDelete(r, w, database)
	case tagGet:
		return handleGet(r, w, database)
	case tagLoad:
		return handleLoad(r, w, database)
	case tagRange:
		return handleRange(r, w, database)
	case tagStats:
		return handleStats(w, database)
	default:
		return fmt.Errorf("wire: unrecognized command tag %q", tag)
	}
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeResponse(w *bufio.Writer, body string) error {
	if _, err := w.WriteString(body); err != nil {
		return err
	}
	return w.WriteByte(responseTerminator)
}

func handlePut(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	key, err := readInt32(r)
	if err != nil {
		return err
	}
	val, err := readInt32(r)
	if err != nil {
		return err
	}
	if err := database.Put(key, val); err != nil {
		return err
	}
	return writeResponse(w, "OK")
}

func handleDelete(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	key, err := readInt32(r)
	if err != nil {
		return err
	}
	if err := database.Delete(key); err != nil {
		return err
	}
	return writeResponse(w, "OK")
}

func handleGet(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	key, err := readInt32(r)
	if err != nil {
		return err
	}
	res, err := database.Get(key)
	if err != nil {
		return err
	}
	if res.Status != lsm.Found {
		return writeResponse(w, "")
	}
	return writeResponse(w, fmt.Sprintf("%d", res.Value))
}

func handleLoad(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	count, err := readUint64(r)
	if err != nil {
		return err
	}
	if err := database.Load(r, count); err != nil {
		return err
	}
	return writeResponse(w, "OK")
}

func handleRange(r *bufio.Reader, w *bufio.Writer, database *db.Database) error {
	lo, err := readInt32(r)
	if err != nil {
		return err
	}
	hi, err := readInt32(r)
	if err != nil {
		return err
	}
	pairs, err := database.Range(lo, hi)
	if err != nil {
		return err
	}

	body := ""
	for _, p := range pairs {
		body += fmt.Sprintf("%d:%d ", p.Key, p.Val)
	}
	return writeResponse(w, body)
}

func handleStats(w *bufio.Writer, database *db.Database) error {
	return writeResponse(w, database.Stats())
}
