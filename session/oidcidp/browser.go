package oidcidp

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// openBrowser prints the URL and asks the OS to open it. Printing first keeps
// headless sessions usable.
func openBrowser(u string) error {
	fmt.Fprintf(os.Stderr, "Open this URL to continue:\n  %s\n", u)

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", u)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", u)
	default:
		cmd = exec.Command("xdg-open", u)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
