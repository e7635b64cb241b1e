// Copyright (C) 2024 The fclink Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

// Package ports lists the serial ports a flight controller may be attached
// to and notices when devices come and go.
package ports

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// Port describes one serial port.
type Port struct {
	Name         string `json:"name" yaml:"name"`
	USB          bool   `json:"usb" yaml:"usb"`
	VID          string `json:"vid,omitempty" yaml:"vid,omitempty"`
	PID          string `json:"pid,omitempty" yaml:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty" yaml:"serial_number,omitempty"`
	Product      string `json:"product,omitempty" yaml:"product,omitempty"`
}

// Enumerator implements link.Enumerator on top of the host's serial port
// list.
type Enumerator struct {
	// All disables the filtering of ports that are unlikely to be a board.
	All bool

	log      *zap.SugaredLogger
	goos     string
	detailed func() ([]*enumerator.PortDetails, error)
	plain    func() ([]string, error)
}

func NewEnumerator(all bool, log *zap.SugaredLogger) *Enumerator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Enumerator{
		All:      all,
		log:      log,
		goos:     runtime.GOOS,
		detailed: enumerator.GetDetailedPortsList,
		plain:    serial.GetPortsList,
	}
}

func supported(goos string) bool {
	switch goos {
	case "linux", "darwin", "windows", "freebsd", "openbsd":
		return true
	default:
		return false
	}
}

// ListPorts returns the sorted names of the candidate ports.
func (e *Enumerator) ListPorts() ([]string, error) {
	ports, err := e.Details()
	if err != nil {
		return nil, err
	}
	res := make([]string, 0, len(ports))
	for _, p := range ports {
		res = append(res, p.Name)
	}
	return res, nil
}

// Details is like ListPorts but keeps what the host knows about each port.
func (e *Enumerator) Details() ([]Port, error) {
	if !supported(e.goos) {
		return nil, fmt.Errorf("listing serial ports on %s: %w", e.goos, link.ErrUnsupportedPlatform)
	}
	ports, err := e.list()
	if err != nil {
		return nil, err
	}
	if !e.All {
		ports = filterPorts(e.goos, ports)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}

func (e *Enumerator) list() ([]Port, error) {
	details, err := e.detailed()
	if err == nil {
		var res []Port
		for _, d := range details {
			if d == nil {
				continue
			}
			res = append(res, Port{
				Name:         d.Name,
				USB:          d.IsUSB,
				VID:          strings.ToUpper(d.VID),
				PID:          strings.ToUpper(d.PID),
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		return res, nil
	}
	e.log.Debugw("Detailed port listing failed, using plain listing", "error", err)

	names, err := e.plain()
	if err != nil {
		return nil, err
	}
	var res []Port
	for _, n := range names {
		res = append(res, Port{Name: n})
	}
	return res, nil
}

func filterPorts(goos string, ports []Port) []Port {
	var res []Port
	for _, p := range ports {
		if p.USB || strings.Contains(p.Name, "USB") || strings.Contains(p.Name, "ACM") || strings.Contains(p.Name, "COM") {
			res = append(res, p)
		}
	}
	if goos == "darwin" {
		return darwinFilterPorts(res)
	}
	return res
}

// darwinFilterPorts drops Bluetooth ports and prefers the call-out device
// /dev/cu.X over its dial-in twin /dev/tty.X.
func darwinFilterPorts(ports []Port) []Port {
	existing := map[string]struct{}{}
	for _, p := range ports {
		existing[p.Name] = struct{}{}
	}
	var res []Port
	for _, p := range ports {
		if strings.Contains(p.Name, "Bluetooth") {
			continue
		}
		if strings.HasPrefix(p.Name, "/dev/cu") {
			res = append(res, p)
		} else if strings.HasPrefix(p.Name, "/dev/tty") {
			candidate := "/dev/cu" + strings.TrimPrefix(p.Name, "/dev/tty")
			if _, exists := existing[candidate]; !exists {
				res = append(res, p)
			}
		}
	}
	return res
}
