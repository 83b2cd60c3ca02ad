package resolve

// Peer is one candidate in a responsibility computation.
type Peer struct {
	ID  string
	Key Key
}

// Responsible selects the peer with the minimum Hamming distance to target.
// Ties break to the lexicographically smallest peer id, which keeps the
// outcome identical on every peer that shares the same peer-set view. The
// second return is false when the candidate set is empty.
func Responsible(target Key, candidates []Peer) (Peer, bool) {
	var best Peer
	bestDist := -1
	for _, p := range candidates {
		d := HammingDistance(target, p.Key)
		switch {
		case bestDist < 0 || d < bestDist:
			best = p
			bestDist = d
		case d == bestDist && p.ID < best.ID:
			best = p
		}
	}
	return best, bestDist >= 0
}
