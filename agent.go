package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/hal/halsim"
	"github.com/nfcworks/t2t-agent/hal/libnfchal"
	"github.com/nfcworks/t2t-agent/hal/serialhal"
	"github.com/nfcworks/t2t-agent/server"
	"github.com/nfcworks/t2t-agent/storage"
)

type agentOptions struct {
	Port        int
	Driver      string
	Device      string
	Baud        int
	DBPath      string
	Payload     []byte
	AutoRespond bool
	AutoStart   bool
	DisableMDNS bool
}

// agent bundles the front-end driver, the server and the optional
// parameter store for one run of the process.
type agent struct {
	options agentOptions
	server  *server.Server
	store   *storage.Store
	tray    *trayApp
}

func newAgent(options agentOptions) (*agent, error) {
	driver, err := openDriver(options)
	if err != nil {
		return nil, err
	}

	var store *storage.Store
	if options.DBPath != "" {
		store, err = storage.Open(options.DBPath)
		if err != nil {
			driver.Done()
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	s := server.New(server.Config{
		HAL:         driver,
		Port:        options.Port,
		DriverName:  options.Driver,
		Store:       store,
		AutoRespond: options.AutoRespond,
		AutoStart:   options.AutoStart,
		DisableMDNS: options.DisableMDNS,
	})

	a := &agent{options: options, server: s, store: store}
	if len(options.Payload) > 0 {
		if err := s.SetPayload(options.Payload); err != nil {
			a.Stop()
			return nil, fmt.Errorf("storing payload: %w", err)
		}
	}
	return a, nil
}

func openDriver(options agentOptions) (hal.HAL, error) {
	switch options.Driver {
	case "sim":
		return halsim.New(), nil
	case "libnfc":
		return libnfchal.Open(libnfchal.Config{ConnString: options.Device})
	case "serial":
		if options.Device == "" {
			return nil, fmt.Errorf("the serial driver needs --device")
		}
		return serialhal.Open(serialhal.Config{Device: options.Device, Baud: options.Baud})
	default:
		return nil, fmt.Errorf("unknown driver %q", options.Driver)
	}
}

// Run serves until Stop is called.
func (a *agent) Run() error {
	log.WithFields(log.Fields{
		"port":   a.options.Port,
		"driver": a.options.Driver,
	}).Info("Starting agent")
	return a.server.Start()
}

func (a *agent) Stop() {
	a.server.Stop()
	if a.store != nil {
		a.store.Close()
	}
}
