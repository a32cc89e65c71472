package router

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// DetectProjectRootFromOrigin resolves the working directory of the dev
// server a client connected from. The Origin header carries the dev
// server's port; the process listening on that port was almost always
// started from the project root. Returns "" when any step fails, leaving
// the caller on its default root.
func DetectProjectRootFromOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port == 0 {
		return ""
	}
	pid := pidListeningOn(port)
	if pid == 0 {
		return ""
	}
	return processCwd(pid)
}

func pidListeningOn(port int) int {
	out, err := exec.Command("lsof", "-i", fmt.Sprintf(":%d", port), "-sTCP:LISTEN", "-t").Output()
	if err != nil {
		return 0
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0
	}
	return pid
}

func processCwd(pid int) string {
	if runtime.GOOS == "linux" {
		cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", pid))
		if err != nil {
			return ""
		}
		return cwd
	}
	out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(pid), "-d", "cwd", "-Fn").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "n"); ok {
			return rest
		}
	}
	return ""
}
