//go:build tuntest

package device

import (
	"testing"
)

// TestOpenTUNReadsFromKernel requires running as root (or with
// CAP_NET_ADMIN) with a real TUN device available, hence the tuntest build
// tag keeping it out of normal `go test` runs.
func TestOpenTUNReadsFromKernel(t *testing.T) {
	tun, err := OpenTUN("")
	if err != nil {
		t.Fatal(err)
	}
	defer tun.Close()

	buf := make([]byte, MTU)
	n, err := tun.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("read %d bytes from %s", n, tun.Name())
}
