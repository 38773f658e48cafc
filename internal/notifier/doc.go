// Package notifier is the delivery gateway between the relay and Telegram.
//
// Deliver sends one alert to a user's destination and reports success as a
// bool; unreachable recipients never surface as errors. Sends are rate
// limited and retried with jittered exponential backoff unless the transport
// reports the recipient as permanently unreachable.
//
// # Warnings
//
// Warn is Deliver with a per-key cool-down, used for background warnings so
// a broken account does not spam its owner every tick. The cool-down cache is
// bounded; the entries closest to expiry are evicted first.
//
// # Unreachable users
//
// A failing user is logged once at warn level and then tracked in memory
// until a delivery succeeds again. Snapshot exposes that list for the ops
// endpoint.
package notifier
