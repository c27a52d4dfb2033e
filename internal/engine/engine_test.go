package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nakulbh/walletcore/internal/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// memStore is an in-memory Store/Tx implementation with real per-wallet
// mutexes, so lock ordering bugs in the engine show up as deadlocks.
type memStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
	emails   map[string]uuid.UUID
	wallets  map[uuid.UUID]*domain.Wallet // by account id
	txns     map[uuid.UUID]*domain.Transaction
	entries  map[uuid.UUID][]domain.LedgerEntry
	idem     map[string]*domain.IdempotencyRecord
	locks    map[uuid.UUID]*sync.Mutex
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[uuid.UUID]*domain.Account),
		emails:   make(map[string]uuid.UUID),
		wallets:  make(map[uuid.UUID]*domain.Wallet),
		txns:     make(map[uuid.UUID]*domain.Transaction),
		entries:  make(map[uuid.UUID][]domain.LedgerEntry),
		idem:     make(map[string]*domain.IdempotencyRecord),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func idemKey(accountID uuid.UUID, key string) string {
	return accountID.String() + "|" + key
}

func (s *memStore) addAccount(email string, kyc domain.KYCStatus, balance decimal.Decimal) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	now := time.Now().UTC()
	s.accounts[id] = &domain.Account{ID: id, Email: email, KYCStatus: kyc, CreatedAt: now}
	s.emails[email] = id
	s.wallets[id] = &domain.Wallet{
		ID: uuid.New(), AccountID: id, Currency: "USD",
		Balance: balance, Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	s.locks[id] = &sync.Mutex{}
	return id
}

func (s *memStore) balance(accountID uuid.UUID) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[accountID].Balance
}

func (s *memStore) AccountByID(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) AccountByIdentifier(ctx context.Context, identifier string) (*domain.Account, error) {
	if id, err := uuid.Parse(identifier); err == nil {
		return s.AccountByID(ctx, id)
	}
	s.mu.Lock()
	id, ok := s.emails[identifier]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return s.AccountByID(ctx, id)
}

func (s *memStore) WalletByAccount(_ context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[accountID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *memStore) TransactionByID(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *memStore) EntriesByTransaction(_ context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LedgerEntry(nil), s.entries[txID]...), nil
}

func (s *memStore) FindIdempotencyRecord(_ context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.idem[idemKey(accountID, key)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) TransactionsByAccount(_ context.Context, accountID uuid.UUID, cursor domain.HistoryCursor, limit int) ([]domain.Transaction, domain.HistoryCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []domain.Transaction
	for _, t := range s.txns {
		if (t.FromAccountID != nil && *t.FromAccountID == accountID) || t.ToAccountID == accountID {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID.String() > all[j].ID.String()
	})
	if !cursor.IsZero() {
		for i, t := range all {
			if t.ID == cursor.ID {
				all = all[i+1:]
				break
			}
		}
	}
	if len(all) > limit {
		all = all[:limit]
	}
	var next domain.HistoryCursor
	if len(all) == limit && limit > 0 {
		last := all[len(all)-1]
		next = domain.HistoryCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return all, next, nil
}

func (s *memStore) VerificationStatus(_ context.Context, accountID uuid.UUID) (domain.KYCStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return "", domain.ErrAccountNotFound
	}
	return a.KYCStatus, nil
}

func (s *memStore) Begin(_ context.Context) (Tx, error) {
	return &memTx{store: s, wallets: make(map[uuid.UUID]*domain.Wallet)}, nil
}

// memTx buffers writes until Commit and holds real wallet locks from
// WalletForUpdate until the unit of work ends.
type memTx struct {
	store   *memStore
	locked  []uuid.UUID
	wallets map[uuid.UUID]*domain.Wallet // pending, by wallet id
	txns    []*domain.Transaction
	entries []domain.LedgerEntry
	idem    []*domain.IdempotencyRecord
	done    bool
}

func (t *memTx) release() {
	for _, id := range t.locked {
		t.store.locks[id].Unlock()
	}
	t.locked = nil
	t.done = true
}

func (t *memTx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	for _, r := range t.idem {
		if _, exists := t.store.idem[idemKey(r.AccountID, r.Key)]; exists {
			t.store.mu.Unlock()
			t.release()
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	for _, w := range t.wallets {
		cp := *w
		t.store.wallets[w.AccountID] = &cp
	}
	for _, txn := range t.txns {
		cp := *txn
		t.store.txns[txn.ID] = &cp
	}
	for _, e := range t.entries {
		t.store.entries[e.TransactionID] = append(t.store.entries[e.TransactionID], e)
	}
	for _, r := range t.idem {
		cp := *r
		t.store.idem[idemKey(r.AccountID, r.Key)] = &cp
	}
	t.store.mu.Unlock()
	t.release()
	return nil
}

func (t *memTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.release()
	return nil
}

func (t *memTx) WalletForUpdate(_ context.Context, accountID uuid.UUID) (*domain.Wallet, error) {
	t.store.mu.Lock()
	lock, ok := t.store.locks[accountID]
	if !ok {
		t.store.mu.Unlock()
		return nil, domain.ErrWalletNotFound
	}
	t.store.mu.Unlock()

	lock.Lock()
	t.locked = append(t.locked, accountID)

	t.store.mu.Lock()
	cp := *t.store.wallets[accountID]
	t.store.mu.Unlock()
	t.wallets[cp.ID] = &cp
	return &cp, nil
}

func (t *memTx) SaveWallet(_ context.Context, w *domain.Wallet) error {
	t.wallets[w.ID] = w
	return nil
}

func (t *memTx) CreateTransaction(_ context.Context, txn *domain.Transaction) error {
	t.txns = append(t.txns, txn)
	return nil
}

func (t *memTx) RecordEntries(_ context.Context, entries ...domain.LedgerEntry) error {
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *memTx) FindIdempotencyRecord(ctx context.Context, accountID uuid.UUID, key string) (*domain.IdempotencyRecord, error) {
	return t.store.FindIdempotencyRecord(ctx, accountID, key)
}

func (t *memTx) SaveIdempotencyRecord(_ context.Context, r *domain.IdempotencyRecord) error {
	t.store.mu.Lock()
	_, exists := t.store.idem[idemKey(r.AccountID, r.Key)]
	t.store.mu.Unlock()
	if exists {
		return domain.ErrDuplicateIdempotencyKey
	}
	t.idem = append(t.idem, r)
	return nil
}

func (t *memTx) TransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return t.store.TransactionByID(ctx, id)
}

func (t *memTx) EntriesByTransaction(ctx context.Context, txID uuid.UUID) ([]domain.LedgerEntry, error) {
	return t.store.EntriesByTransaction(ctx, txID)
}

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	st := newMemStore()
	eng := New(st, st, nil, nil, Config{
		Currency:            "USD",
		Precision:           2,
		RequireVerification: true,
	}, nil)
	return eng, st
}

func legByType(t *testing.T, entries []domain.LedgerEntry, typ domain.EntryType) domain.LedgerEntry {
	t.Helper()
	for _, e := range entries {
		if e.Type == typ {
			return e
		}
	}
	t.Fatalf("no %s leg in %d entries", typ, len(entries))
	return domain.LedgerEntry{}
}

func TestTransferSuccess(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("50.00"))

	out, err := eng.Transfer(context.Background(), alice, bob.String(), d("30.00"), "rent", "key-1")
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.False(t, out.Replayed)
	assert.Equal(t, domain.StatusCompleted, out.Transaction.Status)
	assert.Equal(t, domain.TypeTransfer, out.Transaction.Type)
	require.NotNil(t, out.Transaction.FromAccountID)
	assert.Equal(t, alice, *out.Transaction.FromAccountID)
	assert.Equal(t, bob, out.Transaction.ToAccountID)

	assert.True(t, st.balance(alice).Equal(d("70.00")))
	assert.True(t, st.balance(bob).Equal(d("80.00")))

	require.Len(t, out.Entries, 2)
	debit := legByType(t, out.Entries, domain.EntryDebit)
	credit := legByType(t, out.Entries, domain.EntryCredit)
	assert.True(t, debit.Amount.Equal(credit.Amount))
	assert.True(t, debit.BalanceAfter.Equal(d("70.00")))
	assert.True(t, credit.BalanceAfter.Equal(d("80.00")))
	assert.True(t, debit.SignedAmount().Add(credit.SignedAmount()).IsZero())
}

func TestTransferByEmail(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	_, err := eng.Transfer(context.Background(), alice, "bob@example.com", d("10.00"), "", "key-email")
	require.NoError(t, err)
	assert.True(t, st.balance(bob).Equal(d("10.00")))
}

func TestTransferReplaySameKey(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("50.00"))

	first, err := eng.Transfer(context.Background(), alice, bob.String(), d("30.00"), "rent", "key-1")
	require.NoError(t, err)

	second, err := eng.Transfer(context.Background(), alice, bob.String(), d("30.00"), "rent", "key-1")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	// Balances moved exactly once.
	assert.True(t, st.balance(alice).Equal(d("70.00")))
	assert.True(t, st.balance(bob).Equal(d("80.00")))
}

func TestTransferInsufficientFundsRecorded(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("20.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	out, err := eng.Transfer(context.Background(), alice, bob.String(), d("50.00"), "", "key-broke")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, out)
	assert.Equal(t, domain.StatusFailed, out.Transaction.Status)
	assert.Empty(t, out.Entries)

	assert.True(t, st.balance(alice).Equal(d("20.00")))
	assert.True(t, st.balance(bob).Equal(d("0.00")))

	// A retry with the same key replays the recorded failure, even though
	// the balance would now cover a fresh attempt.
	st.mu.Lock()
	st.wallets[alice].Balance = d("500.00")
	st.mu.Unlock()

	replay, err := eng.Transfer(context.Background(), alice, bob.String(), d("50.00"), "", "key-broke")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	require.NotNil(t, replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, out.Transaction.ID, replay.Transaction.ID)
	assert.True(t, st.balance(alice).Equal(d("500.00")))
	assert.True(t, st.balance(bob).Equal(d("0.00")))
}

func TestReplayedFailurePreservesReason(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	// A recorded failure with some other reason must not replay as an
	// insufficient-funds error.
	now := time.Now().UTC()
	failed := &domain.Transaction{
		ID:            uuid.New(),
		ReferenceID:   "key-limit",
		FromAccountID: &alice,
		ToAccountID:   bob,
		Amount:        d("10.00"),
		Currency:      "USD",
		Type:          domain.TypeTransfer,
		Status:        domain.StatusFailed,
		FailureReason: "daily limit exceeded",
		CreatedAt:     now,
	}
	st.mu.Lock()
	st.txns[failed.ID] = failed
	st.idem[idemKey(alice, "key-limit")] = &domain.IdempotencyRecord{
		Key:           "key-limit",
		AccountID:     alice,
		TransactionID: failed.ID,
		Status:        domain.StatusFailed,
		FailureReason: failed.FailureReason,
		CreatedAt:     now,
	}
	st.mu.Unlock()

	out, err := eng.Transfer(context.Background(), alice, bob.String(), d("10.00"), "", "key-limit")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "daily limit exceeded")
	require.NotNil(t, out)
	assert.True(t, out.Replayed)
	assert.Equal(t, failed.ID, out.Transaction.ID)
	assert.True(t, st.balance(alice).Equal(d("100.00")))
}

func TestTransferSelfRejectedBeforeLocks(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))

	for _, to := range []string{alice.String(), "alice@example.com"} {
		out, err := eng.Transfer(context.Background(), alice, to, d("10.00"), "", "key-self")
		assert.ErrorIs(t, err, domain.ErrSelfTransfer)
		assert.Nil(t, out)
	}

	// Nothing recorded under the key.
	rec, err := st.FindIdempotencyRecord(context.Background(), alice, "key-self")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.True(t, st.balance(alice).Equal(d("100.00")))
}

func TestTransferInvalidAmount(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	for _, amount := range []decimal.Decimal{
		decimal.Zero,
		d("-5.00"),
		d("1.005"), // more fractional digits than the currency allows
	} {
		_, err := eng.Transfer(context.Background(), alice, bob.String(), amount, "", "key-bad")
		assert.ErrorIs(t, err, domain.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestTransferMissingIdempotencyKey(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	_, err := eng.Transfer(context.Background(), alice, bob.String(), d("10.00"), "", "")
	assert.ErrorIs(t, err, domain.ErrMissingIdempotencyKey)
}

func TestTransferRecipientNotFound(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))

	_, err := eng.Transfer(context.Background(), alice, "nobody@example.com", d("10.00"), "", "key-404")
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)

	_, err = eng.Transfer(context.Background(), alice, uuid.NewString(), d("10.00"), "", "key-404b")
	assert.ErrorIs(t, err, domain.ErrRecipientNotFound)
}

func TestTransferRequiresVerification(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	carol := st.addAccount("carol@example.com", domain.KYCPending, d("100.00"))

	_, err := eng.Transfer(context.Background(), alice, carol.String(), d("10.00"), "", "key-kyc1")
	assert.ErrorIs(t, err, domain.ErrVerificationRequired)

	_, err = eng.Transfer(context.Background(), carol, alice.String(), d("10.00"), "", "key-kyc2")
	assert.ErrorIs(t, err, domain.ErrVerificationRequired)

	assert.True(t, st.balance(alice).Equal(d("100.00")))
	assert.True(t, st.balance(carol).Equal(d("100.00")))
}

func TestVerificationCanBeDisabled(t *testing.T) {
	st := newMemStore()
	eng := New(st, st, nil, nil, Config{Currency: "USD", Precision: 2}, nil)
	alice := st.addAccount("alice@example.com", domain.KYCPending, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCPending, d("0.00"))

	_, err := eng.Transfer(context.Background(), alice, bob.String(), d("10.00"), "", "key-nokyc")
	require.NoError(t, err)
	assert.True(t, st.balance(bob).Equal(d("10.00")))
}

func TestCreditIdempotent(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("10.00"))

	first, err := eng.Credit(context.Background(), alice, d("25.00"), "PAY-ABC123")
	require.NoError(t, err)
	assert.Equal(t, domain.TypeDeposit, first.Transaction.Type)
	assert.Nil(t, first.Transaction.FromAccountID)
	require.Len(t, first.Entries, 1)
	assert.Equal(t, domain.EntryCredit, first.Entries[0].Type)
	assert.True(t, first.Entries[0].BalanceAfter.Equal(d("35.00")))

	second, err := eng.Credit(context.Background(), alice, d("25.00"), "PAY-ABC123")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.True(t, st.balance(alice).Equal(d("35.00")))
}

func TestConcurrentOpposingTransfers(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("100.00"))

	const rounds = 20
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2*rounds)

	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := eng.Transfer(context.Background(), alice, bob.String(), d("1.00"), "", uuid.NewString())
			errs <- err
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_, err := eng.Transfer(context.Background(), bob, alice.String(), d("1.00"), "", uuid.NewString())
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	// Equal opposing flows cancel out and total money is conserved.
	assert.True(t, st.balance(alice).Equal(d("100.00")))
	assert.True(t, st.balance(bob).Equal(d("100.00")))
}

func TestConcurrentSameKeyTransfers(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	// Both submissions race the unique (account, key) record; whichever
	// loses the insert must replay the winner's committed outcome.
	const rounds = 50
	for i := 0; i < rounds; i++ {
		key := uuid.NewString()
		outcomes := make([]*Outcome, 2)
		errs := make([]error, 2)

		var wg sync.WaitGroup
		wg.Add(2)
		for j := 0; j < 2; j++ {
			go func(j int) {
				defer wg.Done()
				outcomes[j], errs[j] = eng.Transfer(context.Background(), alice, bob.String(), d("1.00"), "", key)
			}(j)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		require.NotNil(t, outcomes[0])
		require.NotNil(t, outcomes[1])
		assert.Equal(t, outcomes[0].Transaction.ID, outcomes[1].Transaction.ID,
			"both submissions must observe the same committed transaction")
	}

	// The key was honored every round: money moved exactly once per key.
	assert.True(t, st.balance(alice).Equal(d("50.00")))
	assert.True(t, st.balance(bob).Equal(d("50.00")))
}

func TestGetBalance(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("42.42"))

	balance, err := eng.GetBalance(context.Background(), alice)
	require.NoError(t, err)
	assert.True(t, balance.Equal(d("42.42")))

	_, err = eng.GetBalance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrWalletNotFound)
}

func TestGetHistoryPagination(t *testing.T) {
	eng, st := newTestEngine(t)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("1000.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	for i := 0; i < 5; i++ {
		_, err := eng.Transfer(context.Background(), alice, bob.String(), d("1.00"), "", uuid.NewString())
		require.NoError(t, err)
	}

	page1, cursor, err := eng.GetHistory(context.Background(), alice, domain.HistoryCursor{}, 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.False(t, cursor.IsZero())

	page2, _, err := eng.GetHistory(context.Background(), alice, cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)

	// Newest first, no overlap across pages.
	seen := make(map[uuid.UUID]bool)
	var prev time.Time
	for i, txn := range append(page1, page2...) {
		assert.False(t, seen[txn.ID], "duplicate transaction across pages")
		seen[txn.ID] = true
		if i > 0 {
			assert.False(t, txn.CreatedAt.After(prev), "history not in reverse chronological order")
		}
		prev = txn.CreatedAt
	}
}

// stubCache records lookups so the fast path is observable.
type stubCache struct {
	mu   sync.Mutex
	data map[string]uuid.UUID
	hits int
}

func newStubCache() *stubCache {
	return &stubCache{data: make(map[string]uuid.UUID)}
}

func (c *stubCache) GetTransactionID(_ context.Context, accountID uuid.UUID, key string) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.data[idemKey(accountID, key)]
	if ok {
		c.hits++
	}
	return id, ok
}

func (c *stubCache) SetTransactionID(_ context.Context, accountID uuid.UUID, key string, txID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[idemKey(accountID, key)] = txID
}

func TestCachedReplayFastPath(t *testing.T) {
	st := newMemStore()
	cache := newStubCache()
	eng := New(st, st, nil, cache, Config{Currency: "USD", Precision: 2, RequireVerification: true}, nil)
	alice := st.addAccount("alice@example.com", domain.KYCVerified, d("100.00"))
	bob := st.addAccount("bob@example.com", domain.KYCVerified, d("0.00"))

	first, err := eng.Transfer(context.Background(), alice, bob.String(), d("10.00"), "", "key-cache")
	require.NoError(t, err)

	second, err := eng.Transfer(context.Background(), alice, bob.String(), d("10.00"), "", "key-cache")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, 1, cache.hits)
	assert.True(t, st.balance(bob).Equal(d("10.00")))
}
