package dispatcher

import "time"

// longWindow is the widest window the upstream service accepts with
// hour-precision bounds. Anything wider must be asked for date-only.
const longWindow = 7 * 24 * time.Hour

// FormatWindow renders a request window as the single argument the
// fetch scripts pass through to the upstream service.
func FormatWindow(start, end time.Time) string {
	if end.Sub(start) > longWindow {
		return start.Format("2006-01-02") + " " + end.Format("2006-01-02")
	}
	return start.Format("2006-01-02T15") + " " + end.Format("2006-01-02T15")
}
