package lending

import "sync"

// lockTable grants exclusive access to named records without blocking. A
// caller either obtains every requested key or none of them.
type lockTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]struct{})}
}

func (t *lockTable) tryAcquire(keys ...string) (func(), bool) {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup || key == "" {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, key := range unique {
		if _, busy := t.held[key]; busy {
			return nil, false
		}
	}
	for _, key := range unique {
		t.held[key] = struct{}{}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			for _, key := range unique {
				delete(t.held, key)
			}
		})
	}, true
}

func poolKey(id string) string { return "pool:" + id }
func loanKey(id string) string { return "loan:" + id }
func collateralKey(ref string) string { return "collateral:" + ref }
