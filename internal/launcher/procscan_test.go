package launcher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPort(t *testing.T) {
	cases := []struct {
		addr string
		want int
		ok   bool
	}{
		{"0100007F:21FE", 0x21FE, true},
		{"00000000000000000000000000000000:2206", 0x2206, true},
		{"0100007F", 0, false},
		{"0100007F:ZZZZ", 0, false},
	}
	for _, tc := range cases {
		got, err := localPort(tc.addr)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("localPort(%q) = %d, %v", tc.addr, got, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("localPort(%q) accepted", tc.addr)
		}
	}
}

func TestSocketInode(t *testing.T) {
	if inode, ok := socketInode("socket:[123456]"); !ok || inode != 123456 {
		t.Errorf("socket link = %d, %v", inode, ok)
	}
	for _, link := range []string{"pipe:[99]", "/dev/null", "socket:[x]", "socket:[1]extra"} {
		if _, ok := socketInode(link); ok {
			t.Errorf("%q parsed as socket", link)
		}
	}
}

func TestListeningSockets(t *testing.T) {
	// Header plus one LISTEN row (st 0A) on port 0x2206 = 8710 with inode
	// 777, one ESTABLISHED row that must be skipped.
	table := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:2206 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 777 1 0000000000000000 100 0 0 10 0
   1: 0100007F:A21E 0100007F:2206 01 00000000:00000000 00:00000000 00000000  1000        0 778 1 0000000000000000 20 4 30 10 -1
`
	path := filepath.Join(t.TempDir(), "tcp")
	if err := os.WriteFile(path, []byte(table), 0o644); err != nil {
		t.Fatal(err)
	}

	socks := listeningSockets(path)
	if len(socks) != 1 {
		t.Fatalf("sockets = %+v", socks)
	}
	if socks[0].port != 0x2206 || socks[0].inode != 777 {
		t.Errorf("socket = %+v", socks[0])
	}
}

func TestListeningSocketsMissingTable(t *testing.T) {
	if socks := listeningSockets(filepath.Join(t.TempDir(), "absent")); socks != nil {
		t.Errorf("sockets = %+v", socks)
	}
}
