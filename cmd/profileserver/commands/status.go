package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/cli/timeutil"
)

var statusPidFile string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Report whether the profile server daemon is running, based on its PID file.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusPidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/profileserver/profileserver.pid)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	pidPath := statusPidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	info, err := os.Stat(pidPath)
	if err != nil {
		fmt.Println("Status: not running (no PID file)")
		return nil
	}
	data, err := os.ReadFile(pidPath)
	if err != nil {
		fmt.Println("Status: not running (no PID file)")
		return nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		fmt.Println("Status: unknown (PID file is corrupt)")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil || process.Signal(syscall.Signal(0)) != nil {
		fmt.Printf("Status: not running (stale PID file for %d)\n", pid)
		return nil
	}

	uptime := timeutil.FormatUptime(time.Since(info.ModTime()).String())
	fmt.Printf("Status: running (PID %d, uptime %s)\n", pid, uptime)
	return nil
}
