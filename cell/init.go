package cell

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"syscall"

	"github.com/moby/sys/mount"
	"golang.org/x/sys/unix"
)

// InitCommandName is the argument the supervisor passes when it re-executes
// this binary to become a cell's init. The CLI wires it to RunInitProcess.
const InitCommandName = "init"

// RunInitProcess is the child side of the reexec spawn path. It runs inside
// the freshly unshared namespaces: it privatizes the mount tree, remounts
// proc for the new pid namespace, takes the cell's name as hostname, then
// replaces itself with the executable's command. It never returns on
// success.
func RunInitProcess() error {
	payload, err := readInitPayload()
	if err != nil {
		return err
	}

	// Undo mount propagation inherited from the host before touching /proc,
	// otherwise the remount would leak into the parent namespace.
	if err := mount.Mount("", "/", "", "rprivate"); err != nil {
		return fmt.Errorf("make rootfs private: %v", err)
	}
	if err := mount.Mount("proc", "/proc", "proc", "nosuid,noexec,nodev"); err != nil {
		return fmt.Errorf("mount proc: %v", err)
	}

	// The uts namespace is ours, so the cell manages its own identity.
	if err := unix.Sethostname([]byte(payload.CellName)); err != nil {
		return fmt.Errorf("set hostname: %v", err)
	}
	if err := unix.Setdomainname([]byte(payload.CellName)); err != nil {
		return fmt.Errorf("set domainname: %v", err)
	}

	return syscall.Exec("/bin/sh", []string{"sh", "-c", payload.Command}, os.Environ())
}

// readInitPayload reads the spawn payload from the pipe the supervisor put
// on fd 3.
func readInitPayload() (*initPayload, error) {
	pipe := os.NewFile(uintptr(3), "pipe")
	defer pipe.Close()
	content, err := ioutil.ReadAll(pipe)
	if err != nil {
		return nil, fmt.Errorf("read init pipe: %v", err)
	}
	var payload initPayload
	if err := json.Unmarshal(content, &payload); err != nil {
		return nil, fmt.Errorf("parse init payload: %v", err)
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("init payload carries no command")
	}
	return &payload, nil
}
