// Package notifier provides a lightweight notification service.
//
// The check-in engine emits one aggregate summary per run; this service
// delivers it asynchronously through a kit.Adapter implementation (the
// Telegram adapter). Delivery is best-effort: failures are retried with
// backoff and then logged, never propagated back into a run.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently emitted notifications.
package notifier
