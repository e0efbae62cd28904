package main

import (
	"fmt"
	"net"
	"time"

	"fyne.io/systray"
	log "github.com/sirupsen/logrus"

	"github.com/nfcworks/t2t-agent/hal/halguard"
)

// trayApp manages the system tray interface around a running agent.
type trayApp struct {
	agent *agent
}

// getLocalIPs returns local IPv4 addresses excluding loopback, for
// showing clients where to connect.
func getLocalIPs() []string {
	var ips []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return ips
}

// RunWithTray starts the agent in the background and blocks running the
// tray loop until Quit is chosen.
func (a *agent) RunWithTray() {
	a.tray = &trayApp{agent: a}
	systray.Run(a.tray.onReady, a.tray.onExit)
}

// QuitTray tears down the tray loop, which in turn stops the agent.
func (a *agent) QuitTray() {
	systray.Quit()
}

func (t *trayApp) onReady() {
	systray.SetTitle("T2T Agent")
	systray.SetTooltip("NFC Type 2 Tag emulation agent")

	mStatus := systray.AddMenuItem("Starting...", "Agent status")
	mStatus.Disable()

	mField := systray.AddMenuItem("Field: Absent", "Reader field status")
	mField.Disable()

	mDriver := systray.AddMenuItem("Driver: "+t.agent.options.Driver, "Front-end driver")
	mDriver.Disable()

	systray.AddSeparator()

	mEndpoint := systray.AddMenuItem("Endpoints", "Where clients connect")
	for _, ip := range getLocalIPs() {
		item := mEndpoint.AddSubMenuItem(fmt.Sprintf("ws://%s:%d/ws", ip, t.agent.options.Port), "WebSocket endpoint")
		item.Disable()
	}

	systray.AddSeparator()

	mStart := systray.AddMenuItem("Start Radio", "Activate the emulated tag")
	mStop := systray.AddMenuItem("Stop Radio", "Deactivate the emulated tag")

	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Stop the agent and exit")

	go func() {
		if err := t.agent.Run(); err != nil {
			log.WithError(err).Error("Agent exited")
			mStatus.SetTitle("Failed to start")
		}
	}()

	// Keep the state and field lines current.
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		var lastState halguard.State = -1
		lastField := false
		for range ticker.C {
			state := t.agent.server.Guard().State()
			if state != lastState {
				mStatus.SetTitle("State: " + state.String())
				lastState = state
			}

			field := t.agent.server.FieldPresent()
			if field != lastField {
				if field {
					mField.SetTitle("Field: Present")
				} else {
					mField.SetTitle("Field: Absent")
				}
				lastField = field
			}
		}
	}()

	go func() {
		for {
			select {
			case <-mStart.ClickedCh:
				if err := t.agent.server.Guard().Start(); err != nil {
					log.WithError(err).Warn("Start from tray failed")
				}
			case <-mStop.ClickedCh:
				if err := t.agent.server.Guard().Stop(); err != nil {
					log.WithError(err).Warn("Stop from tray failed")
				}
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

func (t *trayApp) onExit() {
	t.agent.Stop()
}
