package txn

import (
	"context"
	"fmt"
)

// Savepoint is a handle onto a Scope's journal at some prior length
// (Savepoints).
type Savepoint struct {
	scope *Scope
	mark int
}

// Savepoint returns a handle holding the current journal length.
// Releasing or rolling back a savepoint implicitly discards any nested
// savepoint taken after it, since both operate purely on journal length
// ("multiple savepoints... releasing or rolling back
// implicitly discards nested savepoints taken after it").
func (s *Scope) Savepoint() Savepoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Savepoint{scope: s, mark: len(s.journal)}
}

// Release discards the handle; entries up to the mark remain in the
// scope's journal.
func (sp Savepoint) Release() {}

// Rollback issues inverses for every entry recorded after the mark, in
// reverse order, then truncates the journal to the mark.
func (sp Savepoint) Rollback(ctx context.Context) (*Result, error) {
	sp.scope.mu.Lock()
	if sp.mark > len(sp.scope.journal) {
		sp.scope.mu.Unlock()
		return nil, fmt.Errorf("txn: savepoint mark %d is beyond current journal length %d (already rolled back?)", sp.mark, len(sp.scope.journal))
	}
	tail := append([]journalEntry(nil), sp.scope.journal[sp.mark:]...)
	sp.scope.journal = sp.scope.journal[:sp.mark]
	sp.scope.mu.Unlock()

	res := &Result{Committed: false, Reconciled: make(map[string]map[int64]int64)}
	for i := len(tail) - 1; i >= 0; i-- {
		if err := sp.scope.invert(ctx, tail[i], res); err != nil {
			res.FailedInverses = append(res.FailedInverses, err)
		}
	}
	return res, nil
}
