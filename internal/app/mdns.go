package app

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/grandcat/zeroconf"

	"gryns/tower-server/internal/scan"
)

const (
	mdnsServiceType = "_gryns-scanner._tcp"
	mdnsDomain      = "local."

	// DNS labels are limited to 63 bytes.
	maxLabelBytes = 63
)

// startMDNS advertises the scanner broker on port so readers on the LAN
// can find it without configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	a.stopMDNS()

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "gryns"
	}
	instance := instanceLabel("Gryns Tower Server (" + host + ")")

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, a.scannerTXT(port, host), nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}
	a.mdns.Shutdown()
	a.mdns = nil
	a.logger.Info("mDNS advertisement stopped")
}

// scannerTXT lists what a scanner needs to join: where to publish reads,
// which technologies the server accepts and where the API lives.
func (a *App) scannerTXT(mqttPort int, host string) []string {
	fqdn := hostLabel(host)
	if !strings.Contains(fqdn, ".") {
		fqdn += ".local"
	}
	return []string{
		"mqtt_port=" + strconv.Itoa(mqttPort),
		"http_port=" + strconv.Itoa(a.cfg.HTTPPort),
		"reads=" + scan.ReadTopicFilter,
		"nfc=" + strconv.FormatBool(a.cfg.NFCEnabled),
		"qr=" + strconv.FormatBool(a.cfg.QREnabled),
		"host=" + fqdn,
	}
}

// mqttPort extracts the port of a bind address such as ":1883".
func mqttPort(bind string) int {
	_, p, err := net.SplitHostPort(bind)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return port
}

// instanceLabel keeps case and spaces but drops the characters DNS-SD
// browsers treat as separators.
func instanceLabel(name string) string {
	label := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '.', '_':
			return ' '
		}
		return r
	}, name)
	return clampLabel(strings.Join(strings.Fields(label), " "), "Gryns Tower Server")
}

// hostLabel lowercases a hostname and hyphenates spaces and underscores.
func hostLabel(name string) string {
	label := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r':
			return -1
		case ' ', '_':
			return '-'
		}
		return unicode.ToLower(r)
	}, strings.TrimSpace(name))
	return clampLabel(label, "gryns")
}

func clampLabel(label, fallback string) string {
	if label == "" {
		return fallback
	}
	for len(label) > maxLabelBytes {
		_, size := utf8.DecodeLastRuneInString(label)
		label = label[:len(label)-size]
	}
	return label
}
