package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
)

// InsertSpec describes one dedup-inserted entity type.
type InsertSpec struct {
	Table     string
	Lock      LockID
	Columns   []string
	Identity  []string // subset of Columns forming the identity tuple
	Returning []string
}

// InsertOutcome reports, for one input row in original order, whether
// its identity tuple already existed plus the requested return columns.
// Only the first occurrence of a once-missing tuple is labeled
// inserted; later duplicates within the same call are labeled existing.
type InsertOutcome struct {
	Existing bool
	Returned []interface{}
}

// MixedRow - either a raw already-known identity value or a full
// candidate row. Raw values are validated to exist, never inserted.
type MixedRow struct {
	ID  interface{}
	Row []interface{}
}

// InsertGeneral inserts only rows whose identity tuple is not already
// present, serialized against concurrent writers of the same entity
// type by a transaction-scoped advisory lock. The lock is released at
// transaction end; the caller owns the commit boundary.
func (db *DB) InsertGeneral(ctx context.Context, tx pgx.Tx, spec InsertSpec, rows [][]interface{}) ([]InsertOutcome, error) {
	idIdx, err := identityIndices(spec)
	if err != nil {
		return nil, err
	}
	if err := AdvisoryLock(ctx, tx, spec.Lock); err != nil {
		return nil, err
	}
	out := make([]InsertOutcome, len(rows))
	for start := 0; start < len(rows); start += db.ChunkSize {
		end := start + db.ChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := db.insertChunk(ctx, tx, spec, idIdx, rows[start:end], out[start:end]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (db *DB) insertChunk(ctx context.Context, tx pgx.Tx, spec InsertSpec, idIdx []int, rows [][]interface{}, out []InsertOutcome) error {
	order, occurrences := dedupeIdentities(rows, idIdx)

	found, err := db.selectExisting(ctx, tx, spec, idIdx, rows, order, occurrences)
	if err != nil {
		return err
	}
	missing := make([]string, 0, len(order))
	for _, key := range order {
		if _, ok := found[key]; !ok {
			missing = append(missing, key)
		}
	}
	inserted, err := db.insertMissing(ctx, tx, spec, idIdx, rows, missing, occurrences)
	if err != nil {
		return err
	}
	for _, key := range order {
		indices := occurrences[key]
		if returned, ok := found[key]; ok {
			for _, idx := range indices {
				out[idx] = InsertOutcome{Existing: true, Returned: returned}
			}
			continue
		}
		returned, ok := inserted[key]
		if !ok {
			// Should not occur under correct locking.
			return fmt.Errorf("identity tuple %q not found in %s after insert", key, spec.Table)
		}
		for pos, idx := range indices {
			out[idx] = InsertOutcome{Existing: pos > 0, Returned: returned}
		}
	}
	return nil
}

// dedupeIdentities maps each identity tuple to all original indices
// sharing it, preserving first-occurrence order.
func dedupeIdentities(rows [][]interface{}, idIdx []int) ([]string, map[string][]int) {
	order := make([]string, 0, len(rows))
	occurrences := make(map[string][]int, len(rows))
	for i, row := range rows {
		key := identityKey(row, idIdx)
		if _, ok := occurrences[key]; !ok {
			order = append(order, key)
		}
		occurrences[key] = append(occurrences[key], i)
	}
	return order, occurrences
}

func identityKey(row []interface{}, idIdx []int) string {
	var b strings.Builder
	for _, idx := range idIdx {
		fmt.Fprintf(&b, "%v\x1f", row[idx])
	}
	return b.String()
}

func identityIndices(spec InsertSpec) ([]int, error) {
	idIdx := make([]int, 0, len(spec.Identity))
	for _, name := range spec.Identity {
		pos := -1
		for i, col := range spec.Columns {
			if col == name {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("identity column %q not in insert columns for %s", name, spec.Table)
		}
		idIdx = append(idIdx, pos)
	}
	return idIdx, nil
}

func (db *DB) selectExisting(ctx context.Context, tx pgx.Tx, spec InsertSpec, idIdx []int, rows [][]interface{}, order []string, occurrences map[string][]int) (map[string][]interface{}, error) {
	args := make([]interface{}, 0, len(order)*len(idIdx))
	tuples := make([]string, 0, len(order))
	for _, key := range order {
		row := rows[occurrences[key][0]]
		placeholders := make([]string, 0, len(idIdx))
		for _, idx := range idIdx {
			args = append(args, row[idx])
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		tuples = append(tuples, "("+strings.Join(placeholders, ", ")+")")
	}
	query := fmt.Sprintf(
		`select %s from %s where (%s) in (%s)`,
		strings.Join(append(append([]string{}, spec.Identity...), spec.Returning...), ", "),
		spec.Table,
		strings.Join(spec.Identity, ", "),
		strings.Join(tuples, ", "),
	)
	pgrows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer pgrows.Close()
	return scanKeyed(pgrows, len(spec.Identity), len(spec.Returning))
}

func (db *DB) insertMissing(ctx context.Context, tx pgx.Tx, spec InsertSpec, idIdx []int, rows [][]interface{}, missing []string, occurrences map[string][]int) (map[string][]interface{}, error) {
	if len(missing) == 0 {
		return map[string][]interface{}{}, nil
	}
	args := make([]interface{}, 0, len(missing)*len(spec.Columns))
	values := make([]string, 0, len(missing))
	for _, key := range missing {
		// One representative row per identity tuple.
		row := rows[occurrences[key][0]]
		placeholders := make([]string, 0, len(row))
		for _, val := range row {
			args = append(args, val)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
	}
	query := fmt.Sprintf(
		`insert into %s (%s) values %s returning %s`,
		spec.Table,
		strings.Join(spec.Columns, ", "),
		strings.Join(values, ", "),
		strings.Join(append(append([]string{}, spec.Identity...), spec.Returning...), ", "),
	)
	pgrows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer pgrows.Close()
	return scanKeyed(pgrows, len(spec.Identity), len(spec.Returning))
}

// scanKeyed reads (identity..., returning...) rows into a map keyed by
// the identity tuple.
func scanKeyed(pgrows pgx.Rows, identityLen, returningLen int) (map[string][]interface{}, error) {
	keyed := map[string][]interface{}{}
	for pgrows.Next() {
		vals, err := pgrows.Values()
		if err != nil {
			return nil, err
		}
		idVals := vals[:identityLen]
		idIdx := make([]int, identityLen)
		for i := range idIdx {
			idIdx[i] = i
		}
		keyed[identityKey(idVals, idIdx)] = vals[identityLen : identityLen+returningLen]
	}
	return keyed, pgrows.Err()
}

// InsertMixed is the companion variant: per element either a raw
// identity value in idColumn or a full candidate row. Raw values
// matching no existing row are an error.
func (db *DB) InsertMixed(ctx context.Context, tx pgx.Tx, spec InsertSpec, idColumn string, rows []MixedRow) ([]InsertOutcome, error) {
	full := make([][]interface{}, 0, len(rows))
	fullIdx := make([]int, 0, len(rows))
	raw := make([]interface{}, 0, len(rows))
	rawIdx := make([]int, 0, len(rows))
	for i, row := range rows {
		if row.ID != nil {
			raw = append(raw, row.ID)
			rawIdx = append(rawIdx, i)
			continue
		}
		full = append(full, row.Row)
		fullIdx = append(fullIdx, i)
	}
	out := make([]InsertOutcome, len(rows))
	if len(full) > 0 {
		outcomes, err := db.InsertGeneral(ctx, tx, spec, full)
		if err != nil {
			return nil, err
		}
		for i, outcome := range outcomes {
			out[fullIdx[i]] = outcome
		}
	}
	if len(raw) > 0 {
		placeholders := make([]string, len(raw))
		for i := range raw {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
		query := fmt.Sprintf(
			`select %s, %s from %s where %s in (%s)`,
			idColumn,
			strings.Join(spec.Returning, ", "),
			spec.Table,
			idColumn,
			strings.Join(placeholders, ", "),
		)
		pgrows, err := tx.Query(ctx, query, raw...)
		if err != nil {
			return nil, err
		}
		defer pgrows.Close()
		keyed, err := scanKeyed(pgrows, 1, len(spec.Returning))
		if err != nil {
			return nil, err
		}
		for i, id := range raw {
			returned, ok := keyed[identityKey([]interface{}{id}, []int{0})]
			if !ok {
				return nil, fmt.Errorf("%s %v does not exist in %s", idColumn, id, spec.Table)
			}
			out[rawIdx[i]] = InsertOutcome{Existing: true, Returned: returned}
		}
	}
	return out, nil
}
