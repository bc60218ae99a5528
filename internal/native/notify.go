package native

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Notifier shows desktop notifications with the platform's notification
// command. When disabled or when no command is available the notification
// is only logged.
type Notifier struct {
	enabled bool
	logger  *slog.Logger
	command func(title, body string) (string, []string, bool)
}

// NewNotifier creates a Notifier.
func NewNotifier(enabled bool, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{enabled: enabled, logger: logger, command: notifyCommand}
}

// Notify implements execution.Notifier.
func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	if !n.enabled {
		n.logger.Info("Notification", "title", title, "body", body)
		return nil
	}
	name, args, ok := n.command(title, body)
	if !ok {
		n.logger.Info("Notification", "title", title, "body", body)
		return nil
	}
	if _, err := exec.LookPath(name); err != nil {
		n.logger.Info("Notification", "title", title, "body", body)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func notifyCommand(title, body string) (string, []string, bool) {
	switch runtime.GOOS {
	case "linux":
		return "notify-send", []string{"--app-name=PC Care", title, body}, true
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return "osascript", []string{"-e", script}, true
	case "windows":
		script := fmt.Sprintf(
			"[reflection.assembly]::loadwithpartialname('System.Windows.Forms') | Out-Null; "+
				"$n = New-Object System.Windows.Forms.NotifyIcon; $n.Icon = [System.Drawing.SystemIcons]::Information; "+
				"$n.Visible = $true; $n.ShowBalloonTip(5000, '%s', '%s', 'Info'); Start-Sleep -Seconds 5; $n.Dispose()",
			psQuote(title), psQuote(body))
		return "powershell.exe", []string{"-NoProfile", "-NonInteractive", "-Command", script}, true
	}
	return "", nil, false
}

func psQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
