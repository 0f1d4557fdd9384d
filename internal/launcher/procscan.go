package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// listenerPIDs maps each of the given TCP ports to the pid listening on
// it, resolved through /proc. Ports nobody listens on are absent from the
// result. Linux only; other platforms get an empty map and rely on
// pidfiles alone.
func listenerPIDs(ports []int) map[int]int {
	want := map[int]bool{}
	for _, p := range ports {
		want[p] = true
	}

	inodeToPort := map[uint64]int{}
	for _, table := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		for _, sock := range listeningSockets(table) {
			if want[sock.port] {
				inodeToPort[sock.inode] = sock.port
			}
		}
	}
	if len(inodeToPort) == 0 {
		return nil
	}

	portToPID := map[int]int{}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			// Not ours to inspect.
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			inode, ok := socketInode(link)
			if !ok {
				continue
			}
			if port, ok := inodeToPort[inode]; ok {
				portToPID[port] = pid
			}
		}
	}
	return portToPID
}

type listeningSocket struct {
	port  int
	inode uint64
}

// listeningSockets parses one /proc/net/tcp table for sockets in LISTEN
// state (st == 0A). Fields per line: sl local_address rem_address st ...
// with inode at index 9.
func listeningSockets(table string) []listeningSocket {
	data, err := os.ReadFile(table)
	if err != nil {
		return nil
	}

	var out []listeningSocket
	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) < 10 || fields[3] != "0A" {
			continue
		}
		port, err := localPort(fields[1])
		if err != nil {
			continue
		}
		inode, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, listeningSocket{port: port, inode: inode})
	}
	return out
}

// localPort extracts the port from a kernel hex address like 0100007F:21FE.
func localPort(addr string) (int, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return 0, fmt.Errorf("malformed address %q", addr)
	}
	port, err := strconv.ParseUint(addr[idx+1:], 16, 16)
	if err != nil {
		return 0, err
	}
	return int(port), nil
}

func socketInode(link string) (uint64, bool) {
	if !strings.HasPrefix(link, "socket:[") || !strings.HasSuffix(link, "]") {
		return 0, false
	}
	inode, err := strconv.ParseUint(link[len("socket:["):len(link)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return inode, true
}
