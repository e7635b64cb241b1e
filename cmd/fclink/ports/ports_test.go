package ports

import (
	"errors"
	"testing"

	"github.com/pioneershow/fclink/cmd/fclink/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

func testEnumerator(goos string, details []*enumerator.PortDetails, plain []string) *Enumerator {
	return &Enumerator{
		log:  zap.NewNop().Sugar(),
		goos: goos,
		detailed: func() ([]*enumerator.PortDetails, error) {
			if details == nil {
				return nil, errors.New("no detailed listing")
			}
			return details, nil
		},
		plain: func() ([]string, error) { return plain, nil },
	}
}

func TestListPorts(t *testing.T) {
	tests := []struct {
		name     string
		goos     string
		all      bool
		details  []*enumerator.PortDetails
		plain    []string
		expected []string
	}{
		{
			name: "linux keeps usb and acm",
			goos: "linux",
			details: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyUSB1"},
				{Name: "/dev/ttyACM0", IsUSB: true, VID: "1209", PID: "5741"},
				nil,
			},
			expected: []string{"/dev/ttyACM0", "/dev/ttyUSB1"},
		},
		{
			name: "usb port with an unusual name",
			goos: "linux",
			details: []*enumerator.PortDetails{
				{Name: "/dev/serial_fc", IsUSB: true},
				{Name: "/dev/ttyS4"},
			},
			expected: []string{"/dev/serial_fc"},
		},
		{
			name: "all",
			goos: "linux",
			all:  true,
			details: []*enumerator.PortDetails{
				{Name: "/dev/ttyS0"},
				{Name: "/dev/ttyACM0"},
			},
			expected: []string{"/dev/ttyACM0", "/dev/ttyS0"},
		},
		{
			name: "darwin prefers call-out devices",
			goos: "darwin",
			details: []*enumerator.PortDetails{
				{Name: "/dev/tty.usbmodem01", IsUSB: true},
				{Name: "/dev/cu.usbmodem01", IsUSB: true},
				{Name: "/dev/tty.usbserial-2", IsUSB: true},
				{Name: "/dev/cu.Bluetooth-Incoming-Port", IsUSB: true},
			},
			expected: []string{"/dev/cu.usbmodem01", "/dev/tty.usbserial-2"},
		},
		{
			name:     "windows",
			goos:     "windows",
			details:  []*enumerator.PortDetails{{Name: "COM4"}, {Name: "COM3"}},
			expected: []string{"COM3", "COM4"},
		},
		{
			name:     "falls back to plain listing",
			goos:     "linux",
			plain:    []string{"/dev/ttyUSB0", "/dev/ttyS1"},
			expected: []string{"/dev/ttyUSB0"},
		},
		{
			name:     "nothing attached",
			goos:     "linux",
			details:  []*enumerator.PortDetails{},
			expected: []string{},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := testEnumerator(test.goos, test.details, test.plain)
			e.All = test.all
			ports, err := e.ListPorts()
			require.NoError(t, err)
			assert.Equal(t, test.expected, ports)
		})
	}
}

func TestDetails(t *testing.T) {
	e := testEnumerator("linux", []*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "1209", PID: "5741", SerialNumber: "3A0031", Product: "Pixracer"},
	}, nil)
	ports, err := e.Details()
	require.NoError(t, err)
	assert.Equal(t, []Port{{Name: "/dev/ttyACM0", USB: true, VID: "1209", PID: "5741", SerialNumber: "3A0031", Product: "Pixracer"}}, ports)
}

func TestListPorts_UnsupportedPlatform(t *testing.T) {
	e := testEnumerator("plan9", []*enumerator.PortDetails{{Name: "/dev/eia0"}}, nil)
	_, err := e.ListPorts()
	assert.ErrorIs(t, err, link.ErrUnsupportedPlatform)
}
