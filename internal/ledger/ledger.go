// Package ledger tracks the requests a query has outstanding with each peer.
//
// The set of entries is the source of truth for "already asked, don't ask
// again": a (peer, CID) pair has at most one entry at a time.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/amaydixit11/dagswap/internal/protocol"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrAlreadyPending is returned when a request for the same peer and CID is
// still outstanding
var ErrAlreadyPending = errors.New("request already pending")

// Entry is one outstanding request
type Entry struct {
	Peer   peer.ID
	Cid    cid.Cid
	Type   protocol.RequestType
	SentAt time.Time

	// Queued entries are waiting for the owner to send them. They count as
	// pending but never expire.
	Queued bool
}

// Ledger holds the outstanding requests of one query. It is not safe for
// concurrent use; the owning query serializes access.
type Ledger struct {
	byPeer map[peer.ID]map[cid.Cid]Entry
	byCid  map[cid.Cid]int
	size   int
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		byPeer: make(map[peer.ID]map[cid.Cid]Entry),
		byCid:  make(map[cid.Cid]int),
	}
}

// RecordSent records a request sent to p for c
func (l *Ledger) RecordSent(p peer.ID, c cid.Cid, typ protocol.RequestType, now time.Time) error {
	wants, ok := l.byPeer[p]
	if !ok {
		wants = make(map[cid.Cid]Entry)
		l.byPeer[p] = wants
	}
	if _, exists := wants[c]; exists {
		return ErrAlreadyPending
	}
	wants[c] = Entry{Peer: p, Cid: c, Type: typ, SentAt: now}
	l.byCid[c]++
	l.size++
	return nil
}

// RecordQueued records a request to p for c that has not gone out yet.
// It is pending like a sent request but is skipped by SweepExpired until
// Start is called.
func (l *Ledger) RecordQueued(p peer.ID, c cid.Cid, typ protocol.RequestType, now time.Time) error {
	if err := l.RecordSent(p, c, typ, now); err != nil {
		return err
	}
	e := l.byPeer[p][c]
	e.Queued = true
	l.byPeer[p][c] = e
	return nil
}

// Start marks the queued entry for (p, c) as sent at now. It returns false
// if there is no such entry.
func (l *Ledger) Start(p peer.ID, c cid.Cid, now time.Time) bool {
	e, ok := l.byPeer[p][c]
	if !ok {
		return false
	}
	e.Queued = false
	e.SentAt = now
	l.byPeer[p][c] = e
	return true
}

// RecordResponse removes and returns the entry for (p, c). A missing entry
// means the response was unsolicited or a duplicate.
func (l *Ledger) RecordResponse(p peer.ID, c cid.Cid) (Entry, bool) {
	wants, ok := l.byPeer[p]
	if !ok {
		return Entry{}, false
	}
	e, ok := wants[c]
	if !ok {
		return Entry{}, false
	}
	l.remove(e)
	return e, true
}

// SweepExpired removes and returns every entry sent more than timeout before
// now, oldest first. Queued entries are kept.
func (l *Ledger) SweepExpired(now time.Time, timeout time.Duration) []Entry {
	var expired []Entry
	for _, wants := range l.byPeer {
		for _, e := range wants {
			if !e.Queued && now.Sub(e.SentAt) > timeout {
				expired = append(expired, e)
			}
		}
	}
	for _, e := range expired {
		l.remove(e)
	}
	sortEntries(expired)
	return expired
}

// Pending returns the entry for (p, c) if one exists
func (l *Ledger) Pending(p peer.ID, c cid.Cid) (Entry, bool) {
	e, ok := l.byPeer[p][c]
	return e, ok
}

// IsPending reports whether any peer has an outstanding request for c
func (l *Ledger) IsPending(c cid.Cid) bool {
	return l.byCid[c] > 0
}

// PendingFor returns the number of outstanding requests to p
func (l *Ledger) PendingFor(p peer.ID) int {
	return len(l.byPeer[p])
}

// EntriesFor returns the outstanding requests to p, oldest first
func (l *Ledger) EntriesFor(p peer.ID) []Entry {
	wants := l.byPeer[p]
	out := make([]Entry, 0, len(wants))
	for _, e := range wants {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Len returns the total number of outstanding requests
func (l *Ledger) Len() int {
	return l.size
}

func (l *Ledger) remove(e Entry) {
	wants := l.byPeer[e.Peer]
	delete(wants, e.Cid)
	if len(wants) == 0 {
		delete(l.byPeer, e.Peer)
	}
	if n := l.byCid[e.Cid] - 1; n > 0 {
		l.byCid[e.Cid] = n
	} else {
		delete(l.byCid, e.Cid)
	}
	l.size--
}

// sortEntries orders by send time, then peer and CID, so callers see a
// stable order regardless of map iteration.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.Before(b.SentAt)
		}
		if a.Peer != b.Peer {
			return a.Peer < b.Peer
		}
		return a.Cid.KeyString() < b.Cid.KeyString()
	})
}
