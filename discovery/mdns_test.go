package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		SelfDeviceID:   "device-123",
		DeviceName:     "Alice Laptop",
		ListeningPort:  9990,
		KeyFingerprint: "abcd1234",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	if broadcaster == nil {
		t.Fatalf("expected broadcaster instance")
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9990 {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	assertContainsTXT(t, gotTXT, "device_id=device-123")
	assertContainsTXT(t, gotTXT, "device_name=Alice Laptop")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "key_fingerprint=abcd1234")
}

func TestStartBroadcasterValidatesConfig(t *testing.T) {
	registerFn := func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}

	cases := []Config{
		{DeviceName: "n", ListeningPort: 1, registerFn: registerFn},
		{SelfDeviceID: "d", ListeningPort: 1, registerFn: registerFn},
		{SelfDeviceID: "d", DeviceName: "n", registerFn: registerFn},
	}
	for i, cfg := range cases {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("case %d: expected StartBroadcaster to fail", i)
		}
	}
}

func TestServiceStartAndStop(t *testing.T) {
	cfg := Config{
		SelfDeviceID:  "self",
		DeviceName:    "Self",
		ListeningPort: 9990,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			<-ctx.Done()
			return nil
		},
	}

	svc, err := Start(cfg)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if svc.Broadcaster == nil || svc.Scanner == nil {
		t.Fatalf("expected broadcaster and scanner")
	}
	svc.Stop()
}

func TestConfigWithDefaults(t *testing.T) {
	withDefaults := Config{}.withDefaults()

	if withDefaults.Service != DefaultService {
		t.Fatalf("expected default service %q, got %q", DefaultService, withDefaults.Service)
	}
	if withDefaults.TTL != DefaultTTL {
		t.Fatalf("expected default TTL %d, got %d", DefaultTTL, withDefaults.TTL)
	}
	if withDefaults.RefreshInterval != DefaultRefreshInterval {
		t.Fatalf("expected default refresh interval %s, got %s", DefaultRefreshInterval, withDefaults.RefreshInterval)
	}
	if withDefaults.ScanTimeout != DefaultScanTimeout {
		t.Fatalf("expected default scan timeout %s, got %s", DefaultScanTimeout, withDefaults.ScanTimeout)
	}

	deadline := time.Hour
	custom := Config{ScanTimeout: deadline}.withDefaults()
	if custom.ScanTimeout != deadline {
		t.Fatalf("expected custom scan timeout to be kept")
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
