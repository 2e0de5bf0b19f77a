// Package delivery ships rendered tracker messages to a webhook.
//
// Producers call Enqueue, which never blocks and never fails. A single worker
// pops jobs in FIFO order, waits for rate-limit capacity, and posts an embed
// payload with a small retry budget.
//
// # Rate limiting
//
// The Limiter counts successful deliveries in a fixed window (one minute by
// default) shared by a global counter and one counter per tracker that declares
// its own limit. The worker sleeps until the window boundary when either is
// exhausted. Apply (config reload) resets the window.
//
// # Shutdown
//
// StopAndDrain stops the worker from waiting for capacity, then gives every
// remaining job a single attempt that bypasses the limiter until the deadline.
// Jobs still queued after the deadline are discarded and counted.
package delivery
