package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// etcdEndpoints returns the endpoints in XBRIDGE_ETCD, skipping the test when
// no cluster is configured.
func etcdEndpoints(t *testing.T) []string {
	endpoints := os.Getenv("XBRIDGE_ETCD")
	if endpoints == "" {
		t.Skip("XBRIDGE_ETCD not set")
	}
	return strings.Split(endpoints, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	reg, err := NewEtcdRegistry(etcdEndpoints(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0.0", Transport: TransportWebSocket}

	if err := reg.Register(ctx, "fileshare", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "fileshare", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover(ctx, "fileshare")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister(ctx, "fileshare", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ctx, "fileshare")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	// Cleanup
	reg.Deregister(ctx, "fileshare", inst2.Addr)
}

func TestMemoryRegistryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	updates := reg.Watch(ctx, "greeter")

	if err := reg.Register(ctx, "greeter", ServiceInstance{Addr: "b:1"}, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "greeter", ServiceInstance{Addr: "a:1", Weight: 3}, 10); err != nil {
		t.Fatal(err)
	}

	// only the latest list is kept for a slow watcher
	got := <-updates
	if len(got) != 2 || got[0].Addr != "a:1" || got[1].Addr != "b:1" {
		t.Fatalf("unexpected instances %+v", got)
	}

	if err := reg.Deregister(ctx, "greeter", "b:1"); err != nil {
		t.Fatal(err)
	}
	got = <-updates
	if len(got) != 1 || got[0].Addr != "a:1" {
		t.Fatalf("unexpected instances after deregister %+v", got)
	}

	cancel()
	for range updates {
	}

	if err := reg.Register(context.Background(), "greeter", ServiceInstance{}, 10); err == nil {
		t.Fatal("expect error for empty address")
	}
}

func TestInstanceEndpoint(t *testing.T) {
	for _, tc := range []struct {
		instance ServiceInstance
		network  string
		endpoint string
	}{
		{ServiceInstance{Addr: "10.0.0.1:7000"}, "tcp", "10.0.0.1:7000"},
		{ServiceInstance{Addr: "10.0.0.1:7001", Transport: TransportWebSocket}, "ws", "ws://10.0.0.1:7001"},
		{ServiceInstance{Addr: "wss://share.example/xb", Transport: TransportWebSocket}, "ws", "wss://share.example/xb"},
	} {
		if got := tc.instance.Network(); got != tc.network {
			t.Errorf("%s: network %s, want %s", tc.instance.Addr, got, tc.network)
		}
		if got := tc.instance.Endpoint(); got != tc.endpoint {
			t.Errorf("%s: endpoint %s, want %s", tc.instance.Addr, got, tc.endpoint)
		}
	}
}
