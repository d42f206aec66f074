// Package session is the authoritative local record of open editing
// sessions ("tabs"). The whole set of sessions is one persisted aggregate;
// every mutation re-reads it, applies the change and writes it back inside
// a single storage transaction, then announces the new logical clock on the
// broadcast channel.
//
// Sessions may be bound to a document in the document store. Saving a bound
// session compares versions first; a mismatch materializes the stored
// document as a sibling session and reports a ConflictRecord that must be
// resolved explicitly with ApplyResolution.
package session
