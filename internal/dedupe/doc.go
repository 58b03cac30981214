// Package dedupe suppresses repeated work for keys seen within a time window.
// The relay uses it so an agent that resends the same alert id does not page
// the notifier twice.
package dedupe
