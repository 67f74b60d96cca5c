// Package progress implements the telemetry contract every fetch job follows:
// a Tracker holding item counters and timing, and a non-blocking Hub that
// batches the resulting events on a background goroutine and fans them out to
// pluggable sinks (logs, the message bus, Prometheus). Jobs never wait on a
// slow consumer; when the Hub buffer is full events are dropped and counted.
package progress
