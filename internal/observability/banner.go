package observability

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorBlue     = "\033[34m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var radarFrames = []string{"◜", "◝", "◞", "◟"}
var radarIdx = 0

// termMu synchronizes ALL terminal output so that the cursor
// save/restore in PrintLiveStatus can never be interrupted by a log write.
var termMu sync.Mutex

// ------------------------------------------------------------
// Utility
// ------------------------------------------------------------

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ------------------------------------------------------------
// TermWriter – a mutex-guarded io.Writer for log output.
// Every log.Println call will go through this writer, ensuring
// the cursor is safely inside the scroll region before writing.
// ------------------------------------------------------------

type termWriter struct{}

func (tw termWriter) Write(p []byte) (n int, err error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns an io.Writer suitable for log.SetOutput().
// It serialises writes with PrintLiveStatus via termMu.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

// ------------------------------------------------------------
// Banner
// ------------------------------------------------------------

func PrintBanner() {
	fmt.Print("\033[2J\033[H")

	banner := `
  ______ ____  _   __  ______ ____ ______ ____  ______ ______
 / ____// __ \/ | / / / ____//  _// ____// __ \/ ____// ____/
/ /    / / / /  |/ / / /     / / / __/  / /_/ / / __ / __/
/ /___ / /_/ / /|  / / /___ _/ / / /___ / _, _/ /_/ // /___
\____/ \____/_/ |_/  \____//___//_____//_/ |_|\____//_____/

        >> CONFIRM BEFORE YOU COMMIT <<
`

	width := termWidth()
	lines := strings.Split(banner, "\n")

	for _, l := range lines {
		padding := (width - len(l)) / 2
		if padding < 0 {
			padding = 0
		}
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

func InitializeTerminal() {
	// Header/Logo area: 1-9
	// Dashboard/Status: 10
	// Gap: 11
	// Scrolling Logs: 12+
	fmt.Print("\033[12;r")  // Set scrolling region from line 12 to the bottom
	fmt.Print("\033[12;1H") // Move cursor to the start of the scrolling region
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// ------------------------------------------------------------
// Live Status
// ------------------------------------------------------------

// pulse grades how recent the last heartbeat is.
func pulse(lastHB time.Time, now time.Time) (icon, text, color string) {
	switch delta := now.Sub(lastHB); {
	case delta < 40*time.Second:
		return "🟢", "HEALTHY", colorNeonCyan
	case delta < 90*time.Second:
		return "🟡", "LAGGING", colorPurple
	}
	return "🔴", "OFFLINE", colorNeonMag
}

func roleStyle(role Role) (icon, color string) {
	switch role {
	case RolePlanning:
		return "🛰️", colorNeonCyan
	case RoleAwaiting:
		return "✋", colorBlue
	case RoleExecuting:
		return "⚙️", colorNeonMag
	}
	return "💤", colorReset
}

// workflowCounts renders "🛰️2 ✋1 ⚙️0" with the active role highlighted.
func workflowCounts(snap Snapshot) string {
	var parts []string
	for _, role := range []Role{RolePlanning, RoleAwaiting, RoleExecuting} {
		icon, color := roleStyle(role)
		if snap.Counts[role] == 0 {
			color = colorReset
		}
		parts = append(parts, fmt.Sprintf("%s%s%d%s", color, icon, snap.Counts[role], colorReset))
	}
	return strings.Join(parts, " ")
}

func latestTask(snap Snapshot) string {
	task := snap.Latest
	if task == "" {
		return "Waiting..."
	}
	task = strings.ReplaceAll(task, "\n", " ")
	if r := []rune(task); len(r) > 25 {
		task = string(r[:22]) + "..."
	}
	return task
}

func memoryBar(allocMB, sysMB float64) (string, string) {
	memPercent := 0.0
	if sysMB > 0 {
		memPercent = allocMB / sysMB
	}
	barWidth := 20
	filled := clamp(int(memPercent*float64(barWidth)), 0, barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("▒", barWidth-filled)
	if memPercent > 0.7 {
		return bar, colorNeonMag
	}
	return bar, colorNeonCyan
}

func PrintLiveStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	now := time.Now()
	snap := GetStatus()
	uptime := now.Sub(startTime).Round(time.Second)
	memMB := float64(m.Alloc) / 1024 / 1024

	pulseIcon, pulseText, pulseColor := pulse(snap.LastHeartbeat, now)

	radar := " "
	if snap.LatestRole != RoleIdle {
		radar = radarFrames[radarIdx]
		radarIdx = (radarIdx + 1) % len(radarFrames)
	}

	bar, barColor := memoryBar(memMB, float64(m.Sys)/1024/1024)

	// Build the status string BEFORE locking, to minimise lock hold time.
	statusStr := fmt.Sprintf(
		"\033[s\033[10;1H\033[K%s[%s] %s%s %-10s%s | %s | [%s] %s%s%s [%v] [%s%s %.1fMB%s]\033[u",
		colorReset,
		snap.LastHeartbeat.Format("15:04:05"),
		pulseColor, pulseIcon, pulseText, colorReset,
		workflowCounts(snap),
		latestTask(snap),
		colorPurple, radar, colorReset,
		uptime,
		barColor, bar, memMB, colorReset,
	)

	// Lock, write the ENTIRE escape sequence atomically, unlock.
	termMu.Lock()
	fmt.Print(statusStr)
	termMu.Unlock()
}
