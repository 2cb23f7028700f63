// Package trigger decides whether an accepted location event should fire an
// offer. It composes a value-zone lookup and an environmental condition lookup
// and fails closed when either is unavailable.
package trigger
