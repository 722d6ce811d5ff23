// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package katcp provides a register transport over the KATCP text
// protocol, in the dialect spoken by tcpborphserver on CASPER boards:
// ?wordread and ?wordwrite address 32-bit words of a named device,
// ?read fetches a raw byte block. Replies ride on '!' lines, '#'
// informs carry logs and listings.
package katcp // import "github.com/jack-h/caltech-lwa/katcp"

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/jack-h/caltech-lwa/adc16"
)

// Option configures a KATCP connection.
type Option func(*Conn)

// WithLogger sets the logger informs and protocol chatter go to.
func WithLogger(msg *log.Logger) Option {
	return func(c *Conn) {
		c.msg = msg
	}
}

// WithTimeout sets the socket deadline applied to each request round
// trip. The default is 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.timeout = d
	}
}

// Conn is a KATCP client connection to one board. Requests are
// serialized: the protocol carries no request identifiers, so replies
// are matched to requests by order.
type Conn struct {
	conn net.Conn
	rd   *bufio.Reader

	msg     *log.Logger
	timeout time.Duration

	mu sync.Mutex
}

// Dial connects to a KATCP server, usually <board>:7147.
func Dial(ctx context.Context, addr string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("katcp: could not dial %q: %w", addr, err)
	}

	c := &Conn{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		msg:     log.New(os.Stdout, "katcp: ", 0),
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// WriteWord writes v to 32-bit word off of the named device.
func (c *Conn) WriteWord(dev string, off uint32, v uint32) error {
	_, _, err := c.request("wordwrite",
		[]byte(dev),
		[]byte(strconv.FormatUint(uint64(off), 10)),
		[]byte(fmt.Sprintf("0x%08x", v)),
	)
	if err != nil {
		return xerrors.Errorf("katcp: could not write word %d of %q: %w", off, dev, err)
	}
	return nil
}

// ReadWord reads 32-bit word off of the named device.
func (c *Conn) ReadWord(dev string, off uint32) (uint32, error) {
	args, _, err := c.request("wordread",
		[]byte(dev),
		[]byte(strconv.FormatUint(uint64(off), 10)),
	)
	if err != nil {
		return 0, xerrors.Errorf("katcp: could not read word %d of %q: %w", off, dev, err)
	}
	if len(args) == 0 {
		return 0, xerrors.Errorf("katcp: empty wordread reply for %q", dev)
	}
	v, err := strconv.ParseUint(string(args[0]), 0, 32)
	if err != nil {
		return 0, xerrors.Errorf("katcp: could not parse wordread reply %q: %w", args[0], err)
	}
	return uint32(v), nil
}

// ReadBlock fills p from byte offset off of the named device.
func (c *Conn) ReadBlock(dev string, off uint32, p []byte) error {
	args, _, err := c.request("read",
		[]byte(dev),
		[]byte(strconv.FormatUint(uint64(off), 10)),
		[]byte(strconv.Itoa(len(p))),
	)
	if err != nil {
		return xerrors.Errorf("katcp: could not read %d bytes of %q: %w", len(p), dev, err)
	}
	var data []byte
	if len(args) > 0 {
		data = args[0]
	}
	if len(data) != len(p) {
		return xerrors.Errorf("katcp: truncated read of %q: got=%d bytes, want=%d",
			dev, len(data), len(p),
		)
	}
	copy(p, data)
	return nil
}

// ListDev returns the names of the devices of the running design.
func (c *Conn) ListDev() ([]string, error) {
	_, informs, err := c.request("listdev")
	if err != nil {
		return nil, xerrors.Errorf("katcp: could not list devices: %w", err)
	}
	devs := make([]string, 0, len(informs))
	for _, inf := range informs {
		if len(inf) == 0 {
			continue
		}
		devs = append(devs, string(inf[0]))
	}
	sort.Strings(devs)
	return devs, nil
}

// Ping runs a watchdog round trip.
func (c *Conn) Ping() error {
	_, _, err := c.request("watchdog")
	if err != nil {
		return xerrors.Errorf("katcp: could not ping: %w", err)
	}
	return nil
}

// request runs one KATCP round trip: the named request goes out, then
// lines are consumed until its reply arrives. Informs named like the
// request are collected, any other inform is logged and dropped.
func (c *Conn) request(name string, args ...[]byte) ([][]byte, [][][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		err := c.conn.SetDeadline(time.Now().Add(c.timeout))
		if err != nil {
			return nil, nil, xerrors.Errorf("could not set deadline: %w", err)
		}
	}

	req := make([]byte, 0, 64)
	req = append(req, '?')
	req = append(req, name...)
	for _, arg := range args {
		req = append(req, ' ')
		req = escape(req, arg)
	}
	req = append(req, '\n')

	_, err := c.conn.Write(req)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not send request: %w", err)
	}

	var informs [][][]byte
	for {
		line, err := c.rd.ReadBytes('\n')
		if err != nil {
			return nil, nil, xerrors.Errorf("could not read reply: %w", err)
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}

		switch line[0] {
		case '#':
			fields, err := split(line[1:])
			if err != nil {
				return nil, nil, err
			}
			if len(fields) > 0 && string(fields[0]) == name {
				informs = append(informs, fields[1:])
				continue
			}
			c.msg.Printf("inform: %s", line[1:])

		case '!':
			fields, err := split(line[1:])
			if err != nil {
				return nil, nil, err
			}
			if len(fields) == 0 || string(fields[0]) != name {
				return nil, nil, xerrors.Errorf("unexpected reply %q to request %q", line, name)
			}
			if len(fields) < 2 || string(fields[1]) != "ok" {
				return nil, nil, xerrors.Errorf("request failed: %q", line)
			}
			return fields[2:], informs, nil

		default:
			return nil, nil, xerrors.Errorf("invalid message %q", line)
		}
	}
}

// split cuts a message (sans type marker) into its unescaped fields.
func split(line []byte) ([][]byte, error) {
	var fields [][]byte
	for _, f := range bytes.Fields(line) {
		v, err := unescape(f)
		if err != nil {
			return nil, err
		}
		fields = append(fields, v)
	}
	return fields, nil
}

// escape appends p to dst with KATCP escaping applied.
func escape(dst []byte, p []byte) []byte {
	if len(p) == 0 {
		return append(dst, '\\', '@')
	}
	for _, b := range p {
		switch b {
		case '\\':
			dst = append(dst, '\\', '\\')
		case ' ':
			dst = append(dst, '\\', '_')
		case 0x00:
			dst = append(dst, '\\', '0')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case 0x1b:
			dst = append(dst, '\\', 'e')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// unescape resolves KATCP escapes of one field.
func unescape(p []byte) ([]byte, error) {
	if !bytes.ContainsAny(p, `\`) {
		return p, nil
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		b := p[i]
		if b != '\\' {
			out = append(out, b)
			continue
		}
		i++
		if i == len(p) {
			return nil, xerrors.Errorf("truncated escape in %q", p)
		}
		switch p[i] {
		case '\\':
			out = append(out, '\\')
		case '_':
			out = append(out, ' ')
		case '0':
			out = append(out, 0x00)
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case 'e':
			out = append(out, 0x1b)
		case 't':
			out = append(out, '\t')
		case '@':
			// empty argument marker
		default:
			return nil, xerrors.Errorf("invalid escape %q in %q", p[i-1:i+1], p)
		}
	}
	return out, nil
}

var (
	_ adc16.Transport = (*Conn)(nil)
)
