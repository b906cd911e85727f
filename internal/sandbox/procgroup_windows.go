//go:build windows

package sandbox

import "os/exec"

// setProcessGroup keeps exec's default cancellation (kill the direct child).
func setProcessGroup(cmd *exec.Cmd) {}
