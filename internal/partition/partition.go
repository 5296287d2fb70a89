// Package partition implements the Partitioner (C8): splitting the
// instrument universe into groups that stay under the exchange's
// channel-per-connection cap.
//
// Deribit caps a single WebSocket connection at 500 channels; each
// instrument consumes two (ticker + trades), so the default group size is
// 250 instruments per connection (spec §4.8, §6).
package partition

// DefaultMaxPerPartition is the instrument count per connection that keeps
// two channels/instrument under Deribit's 500-channel cap.
const DefaultMaxPerPartition = 250

// Partition splits instruments into groups of at most maxPerPart, preserving
// the input order (the catalog ranks by open interest, so group 0 always
// holds the highest-open-interest instruments). The returned groups'
// disjoint union equals instruments.
func Partition(instruments []string, maxPerPart int) [][]string {
	if maxPerPart <= 0 {
		maxPerPart = DefaultMaxPerPartition
	}
	if len(instruments) == 0 {
		return nil
	}

	groups := make([][]string, 0, (len(instruments)+maxPerPart-1)/maxPerPart)
	for start := 0; start < len(instruments); start += maxPerPart {
		end := start + maxPerPart
		if end > len(instruments) {
			end = len(instruments)
		}
		group := make([]string, end-start)
		copy(group, instruments[start:end])
		groups = append(groups, group)
	}
	return groups
}

// Owner returns the partition a connection with the given id owns, and
// false if the connection id has no partition (connectionID >= number of
// partitions is a configuration error per spec §4.8).
func Owner(groups [][]string, connectionID int) ([]string, bool) {
	if connectionID < 0 || connectionID >= len(groups) {
		return nil, false
	}
	return groups[connectionID], true
}
