// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lwa-adc-srv starts a TDAQ server exposing a fleet of ADC16
// boards to the run control.
//
// Board addresses are given as positional arguments:
//
//	$> lwa-adc-srv [tdaq flags] snap01:7147 snap02:7147
//
// When the LWA_CALDB environment variable names a database, every
// calibration report is stored there as well.
package main // import "github.com/jack-h/caltech-lwa/cmd/lwa-adc-srv"

import (
	"context"
	"log"
	"os"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/jack-h/caltech-lwa/adcsrv"
)

var (
	dbname = os.Getenv("LWA_CALDB")
)

func main() {
	log.SetPrefix("lwa-adc-srv: ")
	log.SetFlags(0)

	cmd := flags.New()
	if len(cmd.Args) == 0 {
		log.Fatalf("missing board address(es)")
	}

	var opts []adcsrv.Option
	if dbname != "" {
		opts = append(opts, adcsrv.WithCalDB(dbname))
	}

	dev, err := adcsrv.New(cmd.Args, opts...)
	if err != nil {
		log.Fatalf("could not create ADC16 server: %+v", err)
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.CmdHandle("/calib-board", dev.OnCalibBoard)
	srv.CmdHandle("/status", dev.OnStatus)

	srv.OutputHandle("/adc16", dev.Output)

	srv.RunHandle(dev.Run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}
