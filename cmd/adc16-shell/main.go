// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command adc16-shell is an interactive shell to poke at an ADC16
// board over KATCP:
//
//	$> adc16-shell -addr=snap01:7147
//	adc16> status
//	adc16> peek adc16_controller 1
//	adc16> calibrate
//
// Type 'help' at the prompt for the list of commands.
package main // import "github.com/jack-h/caltech-lwa/cmd/adc16-shell"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/katcp"
	"github.com/peterh/liner"
)

func main() {
	var (
		addr = flag.String("addr", "", "KATCP address of the board (host:port)")
		hist = flag.String("history", filepath.Join(os.TempDir(), ".adc16-shell.hist"), "history file")
	)

	flag.Parse()

	log.SetPrefix("adc16-shell: ")
	log.SetFlags(0)

	if *addr == "" {
		log.Fatalf("missing -addr flag")
	}

	err := run(*addr, *hist)
	if err != nil {
		log.Fatalf("could not run shell: %+v", err)
	}
}

func run(addr, hist string) error {
	conn, err := katcp.Dial(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("could not dial board %q: %w", addr, err)
	}
	defer conn.Close()

	dev, err := adc16.New(conn)
	if err != nil {
		return fmt.Errorf("could not create ADC16 device: %w", err)
	}
	sh := &shell{conn: conn, dev: dev}

	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	if f, err := os.Open(hist); err == nil {
		_, _ = term.ReadHistory(f)
		f.Close()
	}
	defer func() {
		f, err := os.Create(hist)
		if err != nil {
			log.Printf("could not save history: %+v", err)
			return
		}
		defer f.Close()
		_, _ = term.WriteHistory(f)
	}()

	fmt.Printf("connected to %q. type 'help' for the list of commands.\n", addr)
	for {
		line, err := term.Prompt("adc16> ")
		switch err {
		case nil:
			// ok
		case liner.ErrPromptAborted:
			continue
		case io.EOF:
			fmt.Println()
			return nil
		default:
			return fmt.Errorf("could not read line: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		quit, err := sh.dispatch(line)
		if err != nil {
			log.Printf("%+v", err)
			continue
		}
		if quit {
			return nil
		}
	}
}

type shell struct {
	conn *katcp.Conn
	dev  *adc16.Device
}

func (sh *shell) dispatch(line string) (quit bool, err error) {
	args := strings.Fields(line)
	cmd, args := args[0], args[1:]
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		sh.help()
	case "status":
		err = sh.status()
	case "listdev":
		err = sh.listdev()
	case "regs":
		err = sh.dev.DumpRegisters(os.Stdout)
	case "init":
		err = sh.dev.Init()
	case "calibrate":
		err = sh.calibrate()
	case "peek":
		err = sh.peek(args)
	case "poke":
		err = sh.poke(args)
	case "taps":
		err = sh.taps(args)
	case "settap":
		err = sh.settap(args)
	case "sweep":
		err = sh.sweep(args)
	case "snap":
		err = sh.snap(args)
	default:
		err = fmt.Errorf("unknown command %q. type 'help' for the list of commands", cmd)
	}
	return false, err
}

func (sh *shell) help() {
	fmt.Print(`commands:
  status                    decode the controller status word
  listdev                   list the devices of the board
  regs                      dump the controller registers
  peek <dev> <off>          read a word from a device
  poke <dev> <off> <val>    write a word to a device
  init                      reset and initialize the chips
  calibrate                 run the serial-link calibration
  taps [chip]               show the applied delay taps
  settap <chip> <lane> <tap>  apply one delay tap
  sweep <chip>              sweep delay taps and render the eye
  snap <chip>               capture and dump a snapshot block
  quit                      leave the shell
`)
}

func (sh *shell) status() error {
	st, err := sh.dev.Status()
	if err != nil {
		return fmt.Errorf("could not read status: %w", err)
	}
	fmt.Printf("zdok rev:  %d\n", st.ZdokRev)
	fmt.Printf("locked:    %#04b\n", st.Locked)
	fmt.Printf("num units: %d\n", st.NumUnits)
	fmt.Printf("ctrl rev:  %d\n", st.CtrlRev)
	fmt.Printf("board rev: %d\n", st.BoardRev)
	fmt.Printf("3-wire:    0x%04x\n", st.Wire3)
	return nil
}

func (sh *shell) listdev() error {
	devs, err := sh.conn.ListDev()
	if err != nil {
		return fmt.Errorf("could not list devices: %w", err)
	}
	for _, dev := range devs {
		fmt.Println(dev)
	}
	return nil
}

func (sh *shell) calibrate() error {
	rep, err := sh.dev.Calibrate(context.Background())
	if rep != nil {
		for _, c := range rep.Chips {
			fmt.Printf("chip %d (%s): stage=%v taps=%v\n", c.Chip, c.Model, c.Stage, c.Taps)
		}
	}
	if err != nil {
		return fmt.Errorf("could not calibrate: %w", err)
	}
	fmt.Printf("calibration ok (%v mode)\n", rep.Demux)
	return nil
}

func (sh *shell) peek(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: peek <dev> <off>")
	}
	off, err := word(args[1])
	if err != nil {
		return err
	}
	v, err := sh.conn.ReadWord(args[0], off)
	if err != nil {
		return fmt.Errorf("could not read %s[%d]: %w", args[0], off, err)
	}
	fmt.Printf("0x%08x\n", v)
	return nil
}

func (sh *shell) poke(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: poke <dev> <off> <val>")
	}
	off, err := word(args[1])
	if err != nil {
		return err
	}
	v, err := word(args[2])
	if err != nil {
		return err
	}
	err = sh.conn.WriteWord(args[0], off, v)
	if err != nil {
		return fmt.Errorf("could not write %s[%d]: %w", args[0], off, err)
	}
	return nil
}

func (sh *shell) taps(args []string) error {
	chips := make([]int, 0, sh.dev.NumChips())
	switch len(args) {
	case 0:
		for i := 0; i < sh.dev.NumChips(); i++ {
			chips = append(chips, i)
		}
	case 1:
		chip, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid chip %q: %w", args[0], err)
		}
		chips = append(chips, chip)
	default:
		return fmt.Errorf("usage: taps [chip]")
	}
	for _, chip := range chips {
		taps, err := sh.dev.DelayTaps(chip)
		if err != nil {
			return fmt.Errorf("could not get taps of chip %d: %w", chip, err)
		}
		fmt.Printf("chip %d: %v\n", chip, taps)
	}
	return nil
}

func (sh *shell) settap(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: settap <chip> <lane> <tap>")
	}
	vs := make([]int, len(args))
	for i, arg := range args {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid argument %q: %w", arg, err)
		}
		vs[i] = v
	}
	err := sh.dev.SetDelayTap(vs[0], vs[1], vs[2])
	if err != nil {
		return fmt.Errorf("could not set tap: %w", err)
	}
	return nil
}

func (sh *shell) sweep(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sweep <chip>")
	}
	chip, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid chip %q: %w", args[0], err)
	}
	sw, err := sh.dev.Sweep(chip)
	if err != nil {
		return fmt.Errorf("could not sweep chip %d: %w", chip, err)
	}
	return sw.Render(os.Stdout)
}

func (sh *shell) snap(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: snap <chip>")
	}
	chip, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid chip %q: %w", args[0], err)
	}
	m, err := sh.dev.Snapshot(chip)
	if err != nil {
		return fmt.Errorf("could not read snapshot of chip %d: %w", chip, err)
	}
	for _, row := range m {
		for i, v := range row {
			if i > 0 {
				fmt.Print(" ")
			}
			fmt.Print(v)
		}
		fmt.Println()
	}
	return nil
}

func word(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid word %q: %w", s, err)
	}
	return uint32(v), nil
}
