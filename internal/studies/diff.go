package studies

// MoveRecord is one ply produced by the parser.
type MoveRecord struct {
	Side        Side
	Origin      string
	Destination string
	OwnMove     bool
}

// MoveKey identifies a move within one user's repertoire.
type MoveKey struct {
	Side        Side
	Origin      string
	Destination string
}

// Key returns the composite identity of the record.
func (record MoveRecord) Key() MoveKey {
	return MoveKey{Side: record.Side, Origin: record.Origin, Destination: record.Destination}
}

func (move Move) key() MoveKey {
	return MoveKey{Side: Side(move.Side), Origin: move.Origin, Destination: move.Destination}
}

func (move Move) record() MoveRecord {
	return MoveRecord{Side: Side(move.Side), Origin: move.Origin, Destination: move.Destination, OwnMove: move.OwnMove}
}

// MoveDiff is the set difference between two versions of a study's moves.
type MoveDiff struct {
	Added   []MoveRecord
	Removed []MoveRecord
}

// NumAdded returns the number of added moves.
func (diff MoveDiff) NumAdded() int {
	return len(diff.Added)
}

// NumRemoved returns the number of removed moves.
func (diff MoveDiff) NumRemoved() int {
	return len(diff.Removed)
}

// NumAddedOwn returns the number of added moves played by the user.
func (diff MoveDiff) NumAddedOwn() int {
	return countOwn(diff.Added)
}

// NumRemovedOwn returns the number of removed moves played by the user.
func (diff MoveDiff) NumRemovedOwn() int {
	return countOwn(diff.Removed)
}

// Empty reports whether both sides of the diff are empty.
func (diff MoveDiff) Empty() bool {
	return len(diff.Added) == 0 && len(diff.Removed) == 0
}

// DiffMoves compares existing and parsed moves by identity key, ignoring order and duplicates.
func DiffMoves(existing, parsed []MoveRecord) MoveDiff {
	existingKeys := indexRecords(existing)
	parsedKeys := indexRecords(parsed)

	diff := MoveDiff{}
	for _, record := range uniqueRecords(parsed) {
		if _, ok := existingKeys[record.Key()]; !ok {
			diff.Added = append(diff.Added, record)
		}
	}
	for _, record := range uniqueRecords(existing) {
		if _, ok := parsedKeys[record.Key()]; !ok {
			diff.Removed = append(diff.Removed, record)
		}
	}
	return diff
}

func indexRecords(records []MoveRecord) map[MoveKey]struct{} {
	index := make(map[MoveKey]struct{}, len(records))
	for _, record := range records {
		index[record.Key()] = struct{}{}
	}
	return index
}

func uniqueRecords(records []MoveRecord) []MoveRecord {
	seen := make(map[MoveKey]struct{}, len(records))
	unique := make([]MoveRecord, 0, len(records))
	for _, record := range records {
		key := record.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, record)
	}
	return unique
}

func countOwn(records []MoveRecord) int {
	count := 0
	for _, record := range records {
		if record.OwnMove {
			count++
		}
	}
	return count
}
