package snapshot

// EstimateSize returns the UTF-8 byte length of the snapshot's canonical
// serialized form, the number of bytes the driver would hand to the host
// store. Garbage collection compares this against the configured quota
// thresholds, so serialization failures are returned rather than reported as
// size zero.
func EstimateSize(s *Snapshot) (int, error) {
	serialized, err := Serialise(s)
	if err != nil {
		return 0, err
	}
	return len(serialized), nil
}
