// Package events streams run progress to an external monitoring endpoint
// over socket.io. The notifier is strictly best-effort: connection problems
// degrade to log warnings and a nil *Notifier drops all events, so a run
// never fails because nobody is listening.
package events
