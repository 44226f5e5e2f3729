// Package refresh drives credential renewal for accounts whose cookies the
// vendor has rejected. The actual renewal is behind the Refresher interface;
// the trigger owns scheduling (periodic scan, immediate wake) and publishes
// successful refreshes for cross-instance sync.
package refresh
