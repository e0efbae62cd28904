// Command t2t-agent emulates an NFC Type 2 Tag on a local front-end and
// exposes the session to WebSocket clients, with zeroconf discovery on
// the local network.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/nfcworks/t2t-agent/buildinfo"
	"github.com/nfcworks/t2t-agent/hal"
	"github.com/nfcworks/t2t-agent/hal/remotehal"
)

var (
	app     = kingpin.New(buildinfo.Name, "NFC Type 2 Tag emulation agent.")
	verbose = app.Flag("verbose", "Enable debug logging.").Short('v').Bool()

	serve            = app.Command("serve", "Run the agent against a local front-end.")
	servePort        = serve.Flag("port", "Port for the WebSocket interface.").Default("18080").Int()
	serveDriver      = serve.Flag("driver", "Front-end driver.").Default("sim").Enum("sim", "libnfc", "serial")
	serveDevice      = serve.Flag("device", "Device string (libnfc connstring or serial port path).").String()
	serveBaud        = serve.Flag("baud", "Baud rate for the serial driver.").Default("115200").Int()
	serveDB          = serve.Flag("db", "Path to the parameter database. Empty keeps state in memory only.").String()
	servePayload     = serve.Flag("payload", "Hex-encoded payload stored for auto-response.").String()
	serveAutoRespond = serve.Flag("auto-respond", "Answer every inbound packet with the stored payload.").Bool()
	serveNoStart     = serve.Flag("no-start", "Leave the radio off until a client starts it.").Bool()
	serveNoMDNS      = serve.Flag("no-mdns", "Skip zeroconf registration.").Bool()
	serveTray        = serve.Flag("systray", "Run with a system tray icon.").Bool()

	discover     = app.Command("discover", "Find agents on the local network.")
	discoverWait = discover.Flag("wait", "How long to browse for agents.").Default("3s").Duration()

	watch    = app.Command("watch", "Connect to an agent and print its events.")
	watchURL = watch.Arg("url", "Agent WebSocket URL. Empty discovers the first agent on the network.").String()

	versionCmd = app.Command("version", "Print version information.")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	switch command {
	case serve.FullCommand():
		runServe()
	case discover.FullCommand():
		runDiscover()
	case watch.FullCommand():
		runWatch()
	case versionCmd.FullCommand():
		fmt.Println(buildinfo.BuildInfo())
	default:
		kingpin.FatalUsage("Unrecognized command")
	}
}

func runServe() {
	payload, err := decodePayloadFlag(*servePayload)
	if err != nil {
		log.WithError(err).Fatal("Invalid --payload value")
	}

	a, err := newAgent(agentOptions{
		Port:        *servePort,
		Driver:      *serveDriver,
		Device:      *serveDevice,
		Baud:        *serveBaud,
		DBPath:      *serveDB,
		Payload:     payload,
		AutoRespond: *serveAutoRespond,
		AutoStart:   !*serveNoStart,
		DisableMDNS: *serveNoMDNS,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to start agent")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	if *serveTray {
		go func() {
			<-signalChan
			a.QuitTray()
		}()
		a.RunWithTray()
		return
	}

	go func() {
		<-signalChan
		log.Info("Shutdown signal received, stopping agent")
		a.Stop()
	}()
	if err := a.Run(); err != nil {
		log.WithError(err).Fatal("Agent exited")
	}
}

func runDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), *discoverWait+time.Second)
	defer cancel()

	endpoints, err := remotehal.Discover(ctx, *discoverWait)
	if err != nil {
		log.WithError(err).Fatal("Discovery failed")
	}
	if len(endpoints) == 0 {
		fmt.Println("No agents found.")
		return
	}
	for _, ep := range endpoints {
		fmt.Printf("%s\t%s:%d\t%s\n", ep.Name, ep.Host, ep.Port, ep.URL)
	}
}

func runWatch() {
	url := *watchURL
	if url == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		endpoints, err := remotehal.Discover(ctx, 3*time.Second)
		cancel()
		if err != nil || len(endpoints) == 0 {
			log.Fatal("No agent found on the network; pass a URL explicitly")
		}
		url = endpoints[0].URL
		log.WithField("url", url).Info("Discovered agent")
	}

	remote, err := remotehal.Dial(url)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect")
	}
	defer remote.Done()

	err = remote.Setup(hal.ListenerFunc(func(ev hal.Event) {
		entry := log.WithField("event", ev.Kind.String())
		if len(ev.Data) > 0 {
			entry = entry.WithField("data", hex.EncodeToString(ev.Data))
		}
		entry.Info("Event")
	}))
	if err != nil {
		log.WithError(err).Fatal("Failed to register listener")
	}

	if status, err := remote.Status(); err == nil {
		log.WithFields(log.Fields{
			"state":  status.State,
			"driver": status.Driver,
			"field":  status.FieldPresent,
		}).Info("Connected")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan
}

func decodePayloadFlag(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	payload, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	return payload, nil
}
