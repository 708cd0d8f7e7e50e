// Package memstore is an in-process domain.LedgerStore. Accounts are kept
// JSON-encoded, the same shape the Postgres store persists, so a
// transaction can never alias committed state.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Store holds the whole ledger in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string][]byte
	events   []domain.Event
}

// New returns an empty store.
func New() *Store {
	return &Store{accounts: make(map[string][]byte)}
}

var _ domain.LedgerStore = (*Store)(nil)

// Apply runs fn against a write overlay and commits it only if fn succeeds.
func (s *Store) Apply(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, writes: make(map[string][]byte), deletes: make(map[string]bool)}
	if err := fn(tx); err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(s.accounts, k)
	}
	for k, v := range tx.writes {
		s.accounts[k] = v
	}
	s.events = append(s.events, tx.events...)
	return nil
}

// View runs fn against a read-only snapshot. Writes made by fn are dropped.
func (s *Store) View(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s, writes: make(map[string][]byte), deletes: make(map[string]bool)})
}

type memTx struct {
	store   *Store
	writes  map[string][]byte
	deletes map[string]bool
	events  []domain.Event
}

func (t *memTx) raw(key string) ([]byte, bool) {
	if t.deletes[key] {
		return nil, false
	}
	if b, ok := t.writes[key]; ok {
		return b, true
	}
	b, ok := t.store.accounts[key]
	return b, ok
}

func get[T any](t *memTx, key string) (T, error) {
	var v T
	b, ok := t.raw(key)
	if !ok {
		return v, fmt.Errorf("memstore: %s: %w", key, domain.ErrNotFound)
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("memstore: decode %s: %w", key, err)
	}
	return v, nil
}

func put[T any](t *memTx, key string, v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore: encode %s: %w", key, err)
	}
	delete(t.deletes, key)
	t.writes[key] = b
	return nil
}

func key(kind string, addr domain.Pubkey) string { return kind + "/" + addr.String() }

func (t *memTx) Perpetuals(context.Context) (domain.Perpetuals, error) {
	return get[domain.Perpetuals](t, "perpetuals")
}

func (t *memTx) PutPerpetuals(_ context.Context, p domain.Perpetuals) error {
	return put(t, "perpetuals", p)
}

func (t *memTx) Pool(_ context.Context, addr domain.Pubkey) (domain.Pool, error) {
	return get[domain.Pool](t, key("pool", addr))
}

func (t *memTx) PutPool(_ context.Context, p domain.Pool) error {
	return put(t, key("pool", p.Address), p)
}

func (t *memTx) Custody(_ context.Context, addr domain.Pubkey) (domain.Custody, error) {
	return get[domain.Custody](t, key("custody", addr))
}

func (t *memTx) PutCustody(_ context.Context, c domain.Custody) error {
	return put(t, key("custody", c.Address), c)
}

func (t *memTx) Oracle(_ context.Context, addr domain.Pubkey) (domain.OracleAccount, error) {
	return get[domain.OracleAccount](t, key("oracle", addr))
}

func (t *memTx) PutOracle(_ context.Context, o domain.OracleAccount) error {
	return put(t, key("oracle", o.Address), o)
}

func (t *memTx) Position(_ context.Context, addr domain.Pubkey) (domain.Position, error) {
	return get[domain.Position](t, key("position", addr))
}

func (t *memTx) PutPosition(_ context.Context, p domain.Position) error {
	return put(t, key("position", p.Address), p)
}

func (t *memTx) PositionsByOwner(_ context.Context, owner domain.Pubkey) ([]domain.Position, error) {
	var out []domain.Position
	err := t.scan("position/", func(k string) error {
		p, err := get[domain.Position](t, k)
		if err != nil {
			return err
		}
		if p.Owner == owner {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	return out, err
}

// scan visits every live key with prefix exactly once.
func (t *memTx) scan(prefix string, visit func(key string) error) error {
	for k := range t.writes {
		if strings.HasPrefix(k, prefix) {
			if err := visit(k); err != nil {
				return err
			}
		}
	}
	for k := range t.store.accounts {
		if _, shadowed := t.writes[k]; shadowed || t.deletes[k] || !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := visit(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *memTx) Escrow(_ context.Context, position domain.Pubkey) (domain.PositionEscrow, error) {
	return get[domain.PositionEscrow](t, key("escrow", position))
}

func (t *memTx) PutEscrow(_ context.Context, e domain.PositionEscrow) error {
	return put(t, key("escrow", e.Position), e)
}

func (t *memTx) DeleteEscrow(_ context.Context, position domain.Pubkey) error {
	k := key("escrow", position)
	delete(t.writes, k)
	t.deletes[k] = true
	return nil
}

func computationKey(offset uint64) string {
	return "computation/" + strconv.FormatUint(offset, 10)
}

func (t *memTx) Computation(_ context.Context, offset uint64) (domain.Computation, error) {
	return get[domain.Computation](t, computationKey(offset))
}

func (t *memTx) PutComputation(_ context.Context, c domain.Computation) error {
	return put(t, computationKey(c.Offset), c)
}

func (t *memTx) PendingComputations(context.Context) ([]domain.Computation, error) {
	var out []domain.Computation
	err := t.scan("computation/", func(k string) error {
		c, err := get[domain.Computation](t, k)
		if err != nil {
			return err
		}
		if c.Status == domain.StatusPending {
			out = append(out, c)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, err
}

func (t *memTx) Mint(_ context.Context, addr domain.Pubkey) (domain.Mint, error) {
	return get[domain.Mint](t, key("mint", addr))
}

func (t *memTx) PutMint(_ context.Context, m domain.Mint) error {
	return put(t, key("mint", m.Address), m)
}

func (t *memTx) TokenAccount(_ context.Context, addr domain.Pubkey) (domain.TokenAccount, error) {
	return get[domain.TokenAccount](t, key("token", addr))
}

func (t *memTx) PutTokenAccount(_ context.Context, a domain.TokenAccount) error {
	return put(t, key("token", a.Address), a)
}

func (t *memTx) Cluster(context.Context) (domain.ClusterAccount, error) {
	return get[domain.ClusterAccount](t, "cluster")
}

func (t *memTx) PutCluster(_ context.Context, c domain.ClusterAccount) error {
	return put(t, "cluster", c)
}

func (t *memTx) Definition(_ context.Context, name domain.DefinitionName) (domain.CompDef, error) {
	return get[domain.CompDef](t, "compdef/"+string(name))
}

func (t *memTx) PutDefinition(_ context.Context, d domain.CompDef) error {
	return put(t, "compdef/"+string(d.Name), d)
}

func (t *memTx) AppendEvent(_ context.Context, e *domain.Event) error {
	e.Seq = uint64(len(t.store.events)+len(t.events)) + 1
	t.events = append(t.events, *e)
	return nil
}

func (t *memTx) Events(_ context.Context, afterSeq uint64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, src := range [][]domain.Event{t.store.events, t.events} {
		for _, e := range src {
			if e.Seq <= afterSeq {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}
