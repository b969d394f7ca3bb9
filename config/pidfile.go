package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// CheckPidFile refuses to start if path names a pid file whose pid is still
// alive, the same guard the teacher's main.go runs via sysbox-libs/utils
// before entering its main loop.
func CheckPidFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%s: read pid file: %w", name, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.Signal(0)); err == nil {
		return fmt.Errorf("%s: already running with pid %d (%s)", name, pid, path)
	}
	return nil
}

// CreatePidFile writes the current process's pid to path, creating parent
// directories as needed.
func CreatePidFile(path string) error {
	if dir := dirOf(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create pid dir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// DestroyPidFile removes path, ignoring a not-exist error.
func DestroyPidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}
