// Package audiocore holds the capture side of airlog: the device source
// contract, the frame type, the bounded frame queue and the dispatcher that
// fans frames out to sinks.
//
// # Data flow
//
//	Source (driver thread) -> FrameQueue.Push
//	Dispatcher goroutine   -> FrameQueue.Pop -> per-sink channel -> Sink.Consume
//
// The driver thread only ever calls FrameQueue.Push, which never blocks.
// When the queue is full the newest frame is dropped and counted. The
// dispatcher owns the other end of the queue and hands each frame to every
// registered sink through the sink's own bounded channel, so a slow sink
// loses frames without stalling capture or the other sinks.
//
// # Frames
//
// A Frame carries interleaved little-endian PCM in the session format.
// Frames are immutable once produced: every sink receives the same Data
// slice and must not modify it.
//
// # Sources
//
// Concrete sources live under sources/: a miniaudio device source and a
// synthetic tone generator used for dry runs and tests. Sources are opened,
// started, stopped and reopened by Capture, which also implements the
// watchdog's restart contract.
package audiocore
