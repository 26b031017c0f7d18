package ledger

import "github.com/ineyio/querygate"

// Tracked returns how many reservations the record still holds.
func (m *Memory) Tracked(identity querygate.Identity, period querygate.Period) int {
	m.mu.Lock()
	rec, ok := m.records[recordKey{identity, period}]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return len(rec.reservations)
}
