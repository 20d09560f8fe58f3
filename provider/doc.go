// Package provider
// Author: momentics <momentics@gmail.com>
//
// Data-provider collaborators consumed by the WebSocket core: read-only
// snapshot queries for the dashboard, performance and marketplace views, and
// the manual-sync command whose completion the core broadcasts.
//
// Memory is a self-contained in-process implementation seeded from
// configuration. Guard wraps any DataProvider with a circuit breaker so a
// failing backend is answered fast instead of piling up requests.
package provider
