package asset

import "bytes"

// VerifyChain walks records, which must be one asset's versions in
// ascending age order, and checks that ages are contiguous, that every
// record's hash is correct and that each PrevHash equals the hash of the
// record one age below. A chain starting above age 0 is checked from its
// first record; that record's PrevHash is trusted as given.
//
// It returns nil for an intact (or empty) chain, otherwise the first break.
func VerifyChain(records []*Asset) error {
	var prev *Asset
	for _, curr := range records {
		if prev != nil {
			if curr.Key != prev.Key {
				return ErrInvalidFilter.New("chain mixes assets " + prev.Key.String() + " and " + curr.Key.String())
			}
			if curr.Age != prev.Age+1 {
				return ErrAgeSequence.New(curr.Key.String(), prev.Age+1, curr.Age)
			}
			if !bytes.Equal(curr.PrevHash, prev.Hash) {
				return ErrInvalidPrevHash.New(curr.Key.String(), curr.Age)
			}
		}
		if curr.Age == 0 && len(curr.PrevHash) != 0 {
			return ErrInvalidPrevHash.New(curr.Key.String(), curr.Age)
		}
		if err := curr.VerifyHash(); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}
