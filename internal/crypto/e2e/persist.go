package e2e

// RatchetSnapshot is the serializable form of a Ratchet, used to persist
// pairwise session state into the local VSIG session-state file so it
// survives client restarts.
type RatchetSnapshot struct {
	DHSelfPriv [32]byte
	DHSelfPub  [32]byte
	DHRemote   *[32]byte
	RootKey    [32]byte
	CKs        *[32]byte
	CKr        *[32]byte
	Ns, Nr     uint32
	PN         uint32
	Skipped    []SkippedEntry
}

// SkippedEntry is one cached out-of-order message key.
type SkippedEntry struct {
	DH  [32]byte
	N   uint32
	Key [32]byte
}

// Snapshot captures the ratchet's full state for persistence.
func (r *Ratchet) Snapshot() RatchetSnapshot {
	s := RatchetSnapshot{
		DHSelfPriv: r.dhSelfPriv,
		DHSelfPub:  r.dhSelfPub,
		RootKey:    r.rootKey,
		Ns:         r.ns,
		Nr:         r.nr,
		PN:         r.pn,
	}
	if r.dhRemote != nil {
		v := *r.dhRemote
		s.DHRemote = &v
	}
	if r.cks != nil {
		v := *r.cks
		s.CKs = &v
	}
	if r.ckr != nil {
		v := *r.ckr
		s.CKr = &v
	}
	for k, v := range r.skipped {
		s.Skipped = append(s.Skipped, SkippedEntry{DH: k.dh, N: k.n, Key: v})
	}
	return s
}

// RatchetFromSnapshot reconstructs a Ratchet from a previously captured
// RatchetSnapshot.
func RatchetFromSnapshot(s RatchetSnapshot) *Ratchet {
	r := &Ratchet{
		dhSelfPriv: s.DHSelfPriv,
		dhSelfPub:  s.DHSelfPub,
		rootKey:    s.RootKey,
		ns:         s.Ns,
		nr:         s.Nr,
		pn:         s.PN,
		skipped:    make(map[skippedKey][32]byte, len(s.Skipped)),
	}
	if s.DHRemote != nil {
		v := *s.DHRemote
		r.dhRemote = &v
	}
	if s.CKs != nil {
		v := *s.CKs
		r.cks = &v
	}
	if s.CKr != nil {
		v := *s.CKr
		r.ckr = &v
	}
	for _, e := range s.Skipped {
		r.skipped[skippedKey{dh: e.DH, n: e.N}] = e.Key
	}
	return r
}
