// Copyright 2023 The caltech-lwa Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command adc16-watch periodically checks the serial-link health of an
// ADC16 board and sends mail alerts when the links degrade.
//
// By default only the clock-lock status is checked. With -deep the
// ramp-pattern bonding check runs too; it briefly drives test patterns
// through the chips, so the sampled data stream is garbage while the
// check runs.
//
// Mail alerts use the MAIL_USERNAME, MAIL_PASSWORD, MAIL_SERVER,
// MAIL_PORT and MAIL_TGTS environment variables.
package main // import "github.com/jack-h/caltech-lwa/cmd/adc16-watch"

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/jack-h/caltech-lwa/adc16"
	"github.com/jack-h/caltech-lwa/katcp"
	mail "gopkg.in/gomail.v2"
)

func main() {
	var (
		addr  = flag.String("addr", "", "KATCP address of the board (host:port)")
		freq  = flag.Duration("freq", 1*time.Minute, "probing interval")
		deep  = flag.Bool("deep", false, "run the ramp-pattern bonding check as well")
		cross = flag.Bool("cross", false, "extend the bonding check across chips")
	)

	flag.Parse()

	log.SetPrefix("adc16-watch: ")
	log.SetFlags(0)

	if *addr == "" {
		log.Fatalf("missing -addr flag")
	}

	err := run(*addr, *freq, *deep, *cross)
	if err != nil {
		log.Fatalf("could not watch board %q: %+v", *addr, err)
	}
}

func run(addr string, freq time.Duration, deep, cross bool) error {
	conn, err := katcp.Dial(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("could not dial board: %w", err)
	}
	defer conn.Close()

	dev, err := adc16.New(conn)
	if err != nil {
		return fmt.Errorf("could not create ADC16 device: %w", err)
	}

	w := &watcher{
		addr:  addr,
		freq:  freq,
		deep:  deep,
		cross: cross,
		dev:   dev,
		lock:  uint8(1)<<uint(dev.NumChips()/2) - 1,
	}
	return w.monitor()
}

type watcher struct {
	addr  string
	freq  time.Duration
	deep  bool
	cross bool

	dev  *adc16.Device
	lock uint8

	fails int // consecutive failed probes
}

func (w *watcher) monitor() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	defer signal.Stop(stop)

	tick := time.NewTicker(w.freq)
	defer tick.Stop()

	log.Printf("monitoring board %q every %v...", w.addr, w.freq)
	for {
		w.check()
		select {
		case <-stop:
			log.Printf("stopping...")
			return nil
		case <-tick.C:
		}
	}
}

func (w *watcher) check() {
	err := w.probe()
	if err == nil {
		if w.fails > 0 {
			log.Printf("board %q healthy again", w.addr)
		}
		w.fails = 0
		return
	}

	log.Printf("board %q unhealthy: %+v", w.addr, err)
	w.fails++

	const maxAlerts = 5
	if w.fails < maxAlerts {
		w.alertMail(err)
	}
}

func (w *watcher) probe() error {
	st, err := w.dev.Status()
	if err != nil {
		return fmt.Errorf("could not read status: %w", err)
	}
	if st.Locked != w.lock {
		return fmt.Errorf("clocks not locked: got=%#04b want=%#04b", st.Locked, w.lock)
	}
	if !w.deep {
		return nil
	}
	ok, err := w.dev.CheckBonded(w.cross)
	if err != nil {
		return fmt.Errorf("could not check lane bonding: %w", err)
	}
	if !ok {
		return fmt.Errorf("lanes out of phase")
	}
	return nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

func (w *watcher) alertMail(err error) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		log.Printf("could not send mail alert: missing credentials")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[adc16-watch] link alert: %q", w.addr))
	msg.SetBody("text/plain", fmt.Sprintf("board: %q\nerror: %+v\nfreq: %v",
		w.addr, err, w.freq,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		InsecureSkipVerify: true,
	}
	serr := dial.DialAndSend(msg)
	if serr != nil {
		log.Printf("could not send mail alert: %+v", serr)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
