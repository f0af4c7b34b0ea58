package farmagent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Shell command builders for adb-driven Android devices. Keeping the syntax
// here lets the rest of the package speak in gestures.

const (
	cmdWakeup      = "input keyevent KEYCODE_WAKEUP"
	cmdDismissLock = "input keyevent 82"
	cmdHome        = "input keyevent KEYCODE_HOME"
	cmdEnter       = "input keyevent 66"
	cmdModel       = "getprop ro.product.model"
	cmdOSVersion   = "getprop ro.build.version.release"
	cmdBattery     = "dumpsys battery"
)

var batteryLevelPattern = regexp.MustCompile(`level:\s*(\d+)`)

func tapCommand(p Point) string {
	return fmt.Sprintf("input tap %d %d", p.X, p.Y)
}

func swipeCommand(from, to Point, durationMS int) string {
	return fmt.Sprintf("input swipe %d %d %d %d %d", from.X, from.Y, to.X, to.Y, durationMS)
}

// shellQuoteEscaper escapes the characters the device shell still expands
// inside double quotes.
var shellQuoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

// textCommand types text; `input text` needs spaces encoded as %s and the
// payload quoted for the device shell.
func textCommand(text string) string {
	escaped := shellQuoteEscaper.Replace(text)
	escaped = strings.Join(strings.Fields(escaped), "%s")
	return fmt.Sprintf(`input text "%s"`, escaped)
}

func launchCommand(launch string) string {
	launch = strings.TrimSpace(launch)
	if strings.Contains(launch, "/") {
		return "am start -n " + launch
	}
	return fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", launch)
}

// parseBatteryLevel extracts the level from `dumpsys battery` output.
func parseBatteryLevel(output string) (int, bool) {
	match := batteryLevelPattern.FindStringSubmatch(output)
	if len(match) < 2 {
		return 0, false
	}
	level, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return level, true
}
