package sync

import (
	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/text/unicode/norm"
)

// entryKey identifies an entry across filesystems. Names are compared in
// NFC so that a file created on macOS (NFD) matches its twin on the server.
func entryKey(e Entry) string {
	return norm.NFC.String(e.RelPath) + "\x00" + e.Kind.String()
}

// computeDelta returns the source entries whose key is absent from the
// destination, preserving source order.
func computeDelta(src, dst []Entry) Delta {
	have := mapset.NewThreadUnsafeSetWithSize[string](len(dst))
	for _, e := range dst {
		have.Add(entryKey(e))
	}

	delta := make(Delta, 0)

	for _, e := range src {
		if !have.Contains(entryKey(e)) {
			delta = append(delta, e)
		}
	}

	return delta
}
