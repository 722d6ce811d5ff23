// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package adcsrv exposes a fleet of ADC16 boards to a tdaq run
// control: boards are dialed at configure time, initialized and
// calibrated on the usual /init;/start commands, and every calibration
// outcome is published on an output stream and, optionally, stored in
// the station calibration database.
package adcsrv // import "github.com/jack-h/caltech-lwa/adcsrv"

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-daq/tdaq"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/caldb"
	"github.com/jack-h/caltech-lwa/katcp"
)

// store is the calibration-report sink of the server.
type store interface {
	StoreReport(ctx context.Context, board string, rep *adc16.Report) (int64, error)
	Close() error
}

type board struct {
	addr string
	t    adc16.Transport
	dev  *adc16.Device
	rep  *adc16.Report
}

// Server drives the ADC16 boards of one station host.
type Server struct {
	msg *log.Logger

	addrs []string
	dopts []adc16.Option

	dial  func(ctx context.Context, addr string) (adc16.Transport, error)
	newDB func(dbname string) (store, error)

	mu     sync.Mutex
	boards map[string]*board

	dbname string
	db     store

	data chan []byte
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets the logger used outside of tdaq command handling.
func WithLogger(msg *log.Logger) Option {
	return func(srv *Server) error {
		if msg == nil {
			return xerrors.Errorf("nil logger")
		}
		srv.msg = msg
		return nil
	}
}

// WithCalDB stores every calibration report in the named station
// database.
func WithCalDB(dbname string) Option {
	return func(srv *Server) error {
		srv.dbname = dbname
		return nil
	}
}

// WithDeviceOptions passes options down to every board device.
func WithDeviceOptions(opts ...adc16.Option) Option {
	return func(srv *Server) error {
		srv.dopts = append(srv.dopts, opts...)
		return nil
	}
}

// New creates a server for the boards at the given KATCP addresses.
func New(addrs []string, opts ...Option) (*Server, error) {
	if len(addrs) == 0 {
		return nil, xerrors.Errorf("adcsrv: no boards configured")
	}
	srv := &Server{
		msg:   log.New(os.Stdout, "adcsrv: ", 0),
		addrs: append([]string(nil), addrs...),
		dial: func(ctx context.Context, addr string) (adc16.Transport, error) {
			return katcp.Dial(ctx, addr)
		},
		newDB: func(dbname string) (store, error) {
			return caldb.Open(dbname)
		},
		boards: make(map[string]*board),
		data:   make(chan []byte, 32),
	}
	for _, opt := range opts {
		if err := opt(srv); err != nil {
			return nil, xerrors.Errorf("adcsrv: could not apply option: %w", err)
		}
	}
	return srv, nil
}

func (srv *Server) board(addr string) (*board, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	b, ok := srv.boards[addr]
	return b, ok
}

func closeTransport(t adc16.Transport) error {
	if c, ok := t.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// configure dials every board and builds its device. A second
// configure drops the previous connections first.
func (srv *Server) configure(ctx context.Context) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for addr, b := range srv.boards {
		if err := closeTransport(b.t); err != nil {
			srv.msg.Printf("could not close board %q: %+v", addr, err)
		}
		delete(srv.boards, addr)
	}

	for _, addr := range srv.addrs {
		t, err := srv.dial(ctx, addr)
		if err != nil {
			return xerrors.Errorf("adcsrv: could not dial board %q: %w", addr, err)
		}
		dev, err := adc16.New(t, srv.dopts...)
		if err != nil {
			_ = closeTransport(t)
			return xerrors.Errorf("adcsrv: could not create device for board %q: %w", addr, err)
		}
		srv.boards[addr] = &board{addr: addr, t: t, dev: dev}
		srv.msg.Printf("board %q: %d chips", addr, dev.NumChips())
	}

	if srv.dbname != "" && srv.db == nil {
		db, err := srv.newDB(srv.dbname)
		if err != nil {
			return xerrors.Errorf("adcsrv: could not open caldb %q: %w", srv.dbname, err)
		}
		srv.db = db
	}

	return nil
}

// initialize resets and programs every board.
func (srv *Server) initialize() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, addr := range srv.addrs {
		b, ok := srv.boards[addr]
		if !ok {
			return xerrors.Errorf("adcsrv: unknown board %q", addr)
		}
		if err := b.dev.Init(); err != nil {
			return xerrors.Errorf("adcsrv: could not initialize board %q: %w", addr, err)
		}
		srv.msg.Printf("board %q: initialized", addr)
	}
	return nil
}

// reset pulses the controller reset of every board.
func (srv *Server) reset() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, addr := range srv.addrs {
		b, ok := srv.boards[addr]
		if !ok {
			return xerrors.Errorf("adcsrv: unknown board %q", addr)
		}
		if err := b.dev.Reset(); err != nil {
			return xerrors.Errorf("adcsrv: could not reset board %q: %w", addr, err)
		}
	}
	return nil
}

// start calibrates every board, boards in parallel.
func (srv *Server) start(ctx context.Context) error {
	var grp errgroup.Group
	for _, addr := range srv.addrs {
		addr := addr
		grp.Go(func() error {
			return srv.calibrate(ctx, addr)
		})
	}
	return grp.Wait()
}

// calibrate runs the calibration of one board and publishes its
// report. The report is published and stored on failure too, stamped
// with the stage reached.
func (srv *Server) calibrate(ctx context.Context, addr string) error {
	b, ok := srv.board(addr)
	if !ok {
		return xerrors.Errorf("adcsrv: unknown board %q", addr)
	}

	srv.msg.Printf("calibrating board %q...", addr)
	rep, err := b.dev.Calibrate(ctx)
	if rep != nil {
		srv.mu.Lock()
		b.rep = rep
		srv.mu.Unlock()

		srv.publish(addr, rep)
		if srv.db != nil {
			id, errDB := srv.db.StoreReport(ctx, addr, rep)
			if errDB != nil {
				srv.msg.Printf("could not store report for %q: %+v", addr, errDB)
			} else {
				srv.msg.Printf("stored report %d for %q", id, addr)
			}
		}
	}
	if err != nil {
		return xerrors.Errorf("adcsrv: could not calibrate board %q: %w", addr, err)
	}
	srv.msg.Printf("calibrating board %q... [done]", addr)
	return nil
}

func (srv *Server) publish(addr string, rep *adc16.Report) {
	raw, err := marshalReport(addr, rep)
	if err != nil {
		srv.msg.Printf("could not marshal report for %q: %+v", addr, err)
		return
	}
	select {
	case srv.data <- raw:
	default:
		srv.msg.Printf("report stream full, dropping report for %q", addr)
	}
}

// stop logs the outcome of the calibration run.
func (srv *Server) stop() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	for _, addr := range srv.addrs {
		b, ok := srv.boards[addr]
		if !ok || b.rep == nil {
			continue
		}
		srv.msg.Printf("board %q: stage=%v ok=%v", addr, b.rep.Stage, b.rep.OK)
	}
	return nil
}

// quit drops every board connection and the database connection.
func (srv *Server) quit() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	var first error
	for _, addr := range srv.addrs {
		b, ok := srv.boards[addr]
		if !ok {
			continue
		}
		if err := closeTransport(b.t); err != nil && first == nil {
			first = xerrors.Errorf("adcsrv: could not close board %q: %w", addr, err)
		}
		delete(srv.boards, addr)
	}
	if srv.db != nil {
		if err := srv.db.Close(); err != nil && first == nil {
			first = xerrors.Errorf("adcsrv: could not close caldb: %w", err)
		}
		srv.db = nil
	}
	return first
}

func (srv *Server) statusOf(addr string) (adc16.Status, error) {
	b, ok := srv.board(addr)
	if !ok {
		return adc16.Status{}, xerrors.Errorf("adcsrv: unknown board %q", addr)
	}
	st, err := b.dev.Status()
	if err != nil {
		return adc16.Status{}, xerrors.Errorf("adcsrv: could not read status of board %q: %w", addr, err)
	}
	return st, nil
}

func marshalReport(addr string, rep *adc16.Report) ([]byte, error) {
	type chipJSON struct {
		Chip  int    `json:"chip"`
		Model string `json:"model"`
		Res   uint8  `json:"res"`
		Stage string `json:"stage"`
		Taps  []int  `json:"taps"`
	}
	out := struct {
		Board string     `json:"board"`
		Time  time.Time  `json:"time"`
		Temp  *float64   `json:"temp,omitempty"`
		Demux string     `json:"demux"`
		Stage string     `json:"stage"`
		OK    bool       `json:"ok"`
		Chips []chipJSON `json:"chips"`
	}{
		Board: addr,
		Time:  rep.Time,
		Demux: rep.Demux.String(),
		Stage: rep.Stage.String(),
		OK:    rep.OK,
	}
	if !math.IsNaN(rep.Temp) {
		out.Temp = &rep.Temp
	}
	for _, c := range rep.Chips {
		out.Chips = append(out.Chips, chipJSON{
			Chip:  c.Chip,
			Model: c.Model,
			Res:   c.Res,
			Stage: c.Stage.String(),
			Taps:  c.Taps,
		})
	}
	return json.Marshal(out)
}

func (srv *Server) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	err := srv.configure(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not configure boards: %+v", err)
		return xerrors.Errorf("could not configure boards: %w", err)
	}
	return nil
}

func (srv *Server) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := srv.initialize()
	if err != nil {
		ctx.Msg.Errorf("could not initialize boards: %+v", err)
		return xerrors.Errorf("could not initialize boards: %w", err)
	}
	return nil
}

func (srv *Server) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	err := srv.reset()
	if err != nil {
		ctx.Msg.Errorf("could not reset boards: %+v", err)
		return xerrors.Errorf("could not reset boards: %w", err)
	}
	return nil
}

func (srv *Server) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	err := srv.start(ctx.Ctx)
	if err != nil {
		ctx.Msg.Errorf("could not calibrate boards: %+v", err)
		return xerrors.Errorf("could not calibrate boards: %w", err)
	}
	return nil
}

func (srv *Server) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return srv.stop()
}

func (srv *Server) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	err := srv.quit()
	if err != nil {
		ctx.Msg.Errorf("could not release boards: %+v", err)
		return xerrors.Errorf("could not release boards: %w", err)
	}
	return nil
}

// OnCalibBoard recalibrates the one board named in the request body.
func (srv *Server) OnCalibBoard(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	dec := tdaq.NewDecoder(bytes.NewReader(req.Body))
	addr := dec.ReadStr()
	ctx.Msg.Debugf("received /calib-board command for %q...", addr)

	err := srv.calibrate(ctx.Ctx, addr)
	if err != nil {
		ctx.Msg.Errorf("could not calibrate board %q: %+v", addr, err)
		return xerrors.Errorf("could not calibrate board %q: %w", addr, err)
	}
	return nil
}

// OnStatus logs the decoded controller status of every board.
func (srv *Server) OnStatus(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /status command...")
	for _, addr := range srv.addrs {
		st, err := srv.statusOf(addr)
		if err != nil {
			ctx.Msg.Errorf("could not read status of board %q: %+v", addr, err)
			return xerrors.Errorf("could not read status of board %q: %w", addr, err)
		}
		ctx.Msg.Infof("board %q: rev=%d locked=%#04b units=%d wire3=0x%04x",
			addr, st.BoardRev, st.Locked, st.NumUnits, st.Wire3,
		)
	}
	return nil
}

// Output streams calibration reports, one JSON document per frame.
func (srv *Server) Output(ctx tdaq.Context, dst *tdaq.Frame) error {
	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case data := <-srv.data:
		dst.Body = data
	}
	return nil
}

// Run keeps the report stream open until the run is told to stop.
// Calibrations happen on /start and /calib-board, not here.
func (srv *Server) Run(ctx tdaq.Context) error {
	<-ctx.Ctx.Done()
	return nil
}

var (
	_ store = (*caldb.DB)(nil)
)
