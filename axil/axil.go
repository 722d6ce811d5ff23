// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package axil provides a register transport over a memory-mapped
// AXI-Lite window, for control software running on the board CPU.
// Named devices of the FPGA design are located inside the window by a
// region map, usually decoded from the design's register listing.
package axil // import "github.com/jack-h/caltech-lwa/axil"

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/internal/mmap"
)

// A Region locates one named device inside the AXI window.
type Region struct {
	Off  int64 `json:"off"`  // byte offset from the window base
	Size int64 `json:"size"` // byte span of the device
}

// LoadRegions reads a JSON region map, one entry per named device of
// the FPGA design:
//
//	{"adc16_controller": {"off": 0, "size": 16}, ...}
func LoadRegions(fname string) (map[string]Region, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("axil: could not open region map %q: %w", fname, err)
	}
	defer f.Close()

	var regs map[string]Region
	err = json.NewDecoder(f).Decode(&regs)
	if err != nil {
		return nil, fmt.Errorf("axil: could not decode region map %q: %w", fname, err)
	}
	return regs, nil
}

// Device maps one AXI-Lite window and serves register traffic against
// it. Accesses keep a sticky error: once a read or write fails, every
// following access reports that first failure until the device is
// reopened.
type Device struct {
	fd   *os.File
	rw   *mmap.Handle
	regs map[string]Region

	buf [4]byte
	err error
}

// Open maps span bytes at base of the memory device fname (usually
// /dev/mem) and binds the named regions into the window.
func Open(fname string, base int64, span int, regs map[string]Region) (*Device, error) {
	fd, err := os.OpenFile(fname, os.O_RDWR|os.O_SYNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("axil: could not open %q: %w", fname, err)
	}

	data, err := unix.Mmap(
		int(fd.Fd()),
		base, span,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("axil: could not mmap %q: %w", fname, err)
	}
	if data == nil || len(data) != span {
		fd.Close()
		return nil, fmt.Errorf("axil: invalid mmap'd data: %d", len(data))
	}

	dev := &Device{
		fd:   fd,
		rw:   mmap.HandleFrom(data),
		regs: make(map[string]Region, len(regs)),
	}
	for name, reg := range regs {
		if reg.Off < 0 || reg.Size <= 0 || reg.Off+reg.Size > int64(span) {
			dev.Close()
			return nil, fmt.Errorf(
				"axil: region %q (off=0x%x, size=0x%x) outside window (span=0x%x)",
				name, reg.Off, reg.Size, span,
			)
		}
		dev.regs[name] = reg
	}

	return dev, nil
}

// Close unmaps the window and releases the memory device.
func (dev *Device) Close() error {
	err1 := dev.rw.Close()
	err2 := dev.fd.Close()
	if err1 != nil {
		return fmt.Errorf("axil: could not unmap window: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("axil: could not close memory device: %w", err2)
	}
	return nil
}

// Err returns the sticky error state of the device.
func (dev *Device) Err() error { return dev.err }

// Devices returns the names of the bound regions, sorted.
func (dev *Device) Devices() []string {
	names := make([]string, 0, len(dev.regs))
	for name := range dev.regs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (dev *Device) region(name string, off int64, n int64) (Region, error) {
	reg, ok := dev.regs[name]
	if !ok {
		return Region{}, fmt.Errorf("axil: unknown device %q", name)
	}
	if off < 0 || off+n > reg.Size {
		return Region{}, fmt.Errorf(
			"axil: access [0x%x, 0x%x) outside device %q (size=0x%x)",
			off, off+n, name, reg.Size,
		)
	}
	return reg, nil
}

// WriteWord writes v to 32-bit word off of the named device.
func (dev *Device) WriteWord(name string, off uint32, v uint32) error {
	if dev.err != nil {
		return dev.err
	}
	reg, err := dev.region(name, 4*int64(off), 4)
	if err != nil {
		return err
	}
	dev.writeU32(reg.Off+4*int64(off), v)
	return dev.err
}

// ReadWord reads 32-bit word off of the named device.
func (dev *Device) ReadWord(name string, off uint32) (uint32, error) {
	if dev.err != nil {
		return 0, dev.err
	}
	reg, err := dev.region(name, 4*int64(off), 4)
	if err != nil {
		return 0, err
	}
	v := dev.readU32(reg.Off + 4*int64(off))
	return v, dev.err
}

// ReadBlock fills p from byte offset off of the named device.
func (dev *Device) ReadBlock(name string, off uint32, p []byte) error {
	if dev.err != nil {
		return dev.err
	}
	reg, err := dev.region(name, int64(off), int64(len(p)))
	if err != nil {
		return err
	}
	_, dev.err = dev.rw.ReadAt(p, reg.Off+int64(off))
	if dev.err != nil {
		dev.err = fmt.Errorf("axil: could not read %d bytes of %q: %w", len(p), name, dev.err)
	}
	return dev.err
}

func (dev *Device) readU32(off int64) uint32 {
	if dev.err != nil {
		return 0
	}
	_, dev.err = dev.rw.ReadAt(dev.buf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("axil: could not read register 0x%x: %w", off, dev.err)
		return 0
	}
	return binary.LittleEndian.Uint32(dev.buf[:4])
}

func (dev *Device) writeU32(off int64, v uint32) {
	if dev.err != nil {
		return
	}
	binary.LittleEndian.PutUint32(dev.buf[:4], v)
	_, dev.err = dev.rw.WriteAt(dev.buf[:4], off)
	if dev.err != nil {
		dev.err = fmt.Errorf("axil: could not write register 0x%x: %w", off, dev.err)
	}
}

var (
	_ adc16.Transport = (*Device)(nil)
)
