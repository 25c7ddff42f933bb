/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements lead.TxStore plus pricing-config and partner storage using
  SQLite. In production the same patterns apply to PostgreSQL - only minor
  SQL dialect differences.

INVARIANTS LIVE IN THE SCHEMA:
  - Wallet overdraft is impossible: debits are a single conditional
    UPDATE ... WHERE balance_minor >= ?. Zero rows affected means the
    predicate rejected the debit; there is no read-then-write window.
  - One non-withdrawn offer per (quote, partner): partial unique index.
  - One refund per debit: partial unique index on the REFUND reference.
  - lead_transactions and audit_log are append-only: no UPDATE or DELETE
    statements exist for them.

MONEY REPRESENTATION:
  Wallet balances are stored in minor units (paise) as INTEGER so the
  conditional debit can use exact SQL arithmetic. Ledger amounts are stored
  as decimal TEXT; they are never computed on in SQL.

CONCURRENCY:
  WAL mode, a single pooled connection (":memory:" databases are
  per-connection and WAL allows one writer anyway), and a sync.RWMutex:
  writes and units of work take the write lock, reads take the read lock.
  WithTx holds the write lock for the whole unit, so units of work are
  serialized exactly like a single-writer database serializes them.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - lead/store.go: Interface definitions
  - lead/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/pricing"
)

// Store implements lead.TxStore, pricing.Source, and lead.TierResolver.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears all data. Used by the demo scenario loaders only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{
		"audit_log", "offers", "quotes", "lead_transactions",
		"wallets", "partners", "pricing_configs",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	-- Wallets: one prepaid balance per partner. Balance in minor units so
	-- the conditional debit is exact integer arithmetic.
	CREATE TABLE IF NOT EXISTS wallets (
		partner_id TEXT PRIMARY KEY,
		balance_minor INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT 'INR',
		alert_threshold_minor INTEGER NOT NULL DEFAULT 0,
		low_balance BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK (balance_minor >= 0)
	);

	-- Lead transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS lead_transactions (
		id TEXT PRIMARY KEY,
		partner_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'INR',
		offer_id TEXT,
		quote_id TEXT,
		reference_id TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lead_tx_partner
		ON lead_transactions(partner_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_lead_tx_offer
		ON lead_transactions(offer_id) WHERE offer_id IS NOT NULL;

	-- CRITICAL: a debit can be refunded at most once.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_refund
		ON lead_transactions(reference_id)
		WHERE tx_type = 'REFUND';

	-- Quotes
	CREATE TABLE IF NOT EXISTS quotes (
		id TEXT PRIMARY KEY,
		shipper_id TEXT NOT NULL,
		status TEXT NOT NULL,
		cargo_name TEXT NOT NULL,
		hazard_class TEXT,
		quantity TEXT NOT NULL,
		unit TEXT,
		pickup_state TEXT,
		delivery_state TEXT,
		vehicle_types_json TEXT,
		urgent BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		submitted_at TEXT
	);

	-- Drives the expiry sweep (hot path).
	CREATE INDEX IF NOT EXISTS idx_quotes_status_expiry
		ON quotes(status, expires_at);

	-- Offers
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL,
		partner_id TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'INR',
		status TEXT NOT NULL,
		valid_until TEXT,
		includes_loading BOOLEAN NOT NULL DEFAULT FALSE,
		includes_insurance BOOLEAN NOT NULL DEFAULT FALSE,
		remarks TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offers_quote
		ON offers(quote_id, status);
	CREATE INDEX IF NOT EXISTS idx_offers_partner
		ON offers(partner_id);

	-- CRITICAL: at most one non-withdrawn offer per (quote, partner).
	-- Race-proof second line of defence behind the settlement pre-check.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_active_offer
		ON offers(quote_id, partner_id)
		WHERE status != 'WITHDRAWN';

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		action TEXT NOT NULL,
		quote_id TEXT,
		offer_id TEXT,
		partner_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_quote
		ON audit_log(quote_id) WHERE quote_id IS NOT NULL;

	-- Partners (subscription tier lookup)
	CREATE TABLE IF NOT EXISTS partners (
		id TEXT PRIMARY KEY,
		name TEXT,
		subscription_tier TEXT NOT NULL DEFAULT 'BASIC',
		created_at TEXT NOT NULL
	);

	-- Pricing configs (versioned; at most one active)
	CREATE TABLE IF NOT EXISTS pricing_configs (
		version INTEGER PRIMARY KEY AUTOINCREMENT,
		config_json TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so every operation can run either
// standalone or inside a unit of work.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// MONEY CONVERSION
// =============================================================================

var hundred = decimal.NewFromInt(100)

func toMinor(m lead.Money) int64 {
	return m.Value.Round(2).Mul(hundred).IntPart()
}

func fromMinor(minor int64, currency string) lead.Money {
	if currency == "" {
		currency = lead.DefaultCurrency
	}
	return lead.Money{Value: decimal.NewFromInt(minor).Div(hundred), Currency: currency}
}

// =============================================================================
// TRANSACTIONAL STORE (lead.TxStore)
// =============================================================================

// WithTx executes fn against a transactional view of the store. The write
// lock is held for the whole unit.
func (s *Store) WithTx(ctx context.Context, fn func(lead.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every operation through the open *sql.Tx, so reads inside
// a unit of work observe its own uncommitted writes.
type txStore struct {
	q *sql.Tx
}

func (t *txStore) GetWallet(ctx context.Context, partnerID lead.PartnerID) (*lead.Wallet, error) {
	return getWallet(ctx, t.q, partnerID)
}
func (t *txStore) CreateWallet(ctx context.Context, w lead.Wallet) error {
	return createWallet(ctx, t.q, w)
}
func (t *txStore) Credit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) error {
	return credit(ctx, t.q, partnerID, amount)
}
func (t *txStore) ConditionalDebit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) (bool, error) {
	return conditionalDebit(ctx, t.q, partnerID, amount)
}
func (t *txStore) SetLowBalance(ctx context.Context, partnerID lead.PartnerID, low bool) error {
	return setLowBalance(ctx, t.q, partnerID, low)
}
func (t *txStore) AppendTransaction(ctx context.Context, tx lead.LeadTransaction) error {
	return appendTransaction(ctx, t.q, tx)
}
func (t *txStore) Transactions(ctx context.Context, partnerID lead.PartnerID, limit int) ([]lead.LeadTransaction, error) {
	return listTransactions(ctx, t.q, partnerID, limit)
}
func (t *txStore) GetTransaction(ctx context.Context, id lead.TransactionID) (*lead.LeadTransaction, error) {
	return getTransaction(ctx, t.q, id)
}
func (t *txStore) HasRefund(ctx context.Context, debitID lead.TransactionID) (bool, error) {
	return hasRefund(ctx, t.q, debitID)
}
func (t *txStore) GetQuote(ctx context.Context, id lead.QuoteID) (*lead.Quote, error) {
	return getQuote(ctx, t.q, id)
}
func (t *txStore) SaveQuote(ctx context.Context, q lead.Quote) error {
	return saveQuote(ctx, t.q, q)
}
func (t *txStore) TransitionQuote(ctx context.Context, id lead.QuoteID, from []lead.QuoteStatus, to lead.QuoteStatus) (bool, error) {
	return transitionQuote(ctx, t.q, id, from, to)
}
func (t *txStore) SetQuoteExpiry(ctx context.Context, id lead.QuoteID, expiresAt time.Time) error {
	return setQuoteExpiry(ctx, t.q, id, expiresAt)
}
func (t *txStore) OverdueQuotes(ctx context.Context, now time.Time) ([]lead.Quote, error) {
	return overdueQuotes(ctx, t.q, now)
}
func (t *txStore) CreateOffer(ctx context.Context, o lead.Offer) error {
	return createOffer(ctx, t.q, o)
}
func (t *txStore) GetOffer(ctx context.Context, id lead.OfferID) (*lead.Offer, error) {
	return getOffer(ctx, t.q, id)
}
func (t *txStore) FindActiveOffer(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID) (*lead.Offer, error) {
	return findActiveOffer(ctx, t.q, quoteID, partnerID)
}
func (t *txStore) OffersByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	return offersByQuote(ctx, t.q, quoteID)
}
func (t *txStore) PendingOffersByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	return pendingOffersByQuote(ctx, t.q, quoteID)
}
func (t *txStore) UpdateOfferStatus(ctx context.Context, id lead.OfferID, from []lead.OfferStatus, to lead.OfferStatus) (bool, error) {
	return updateOfferStatus(ctx, t.q, id, from, to)
}
func (t *txStore) ExpirePendingOffers(ctx context.Context, quoteID lead.QuoteID) (int, error) {
	return expirePendingOffers(ctx, t.q, quoteID)
}
func (t *txStore) AppendAudit(ctx context.Context, entry lead.AuditEntry) error {
	return appendAudit(ctx, t.q, entry)
}
func (t *txStore) AuditByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.AuditEntry, error) {
	return auditByQuote(ctx, t.q, quoteID)
}

// =============================================================================
// WALLET STORE
// =============================================================================

func (s *Store) GetWallet(ctx context.Context, partnerID lead.PartnerID) (*lead.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getWallet(ctx, s.db, partnerID)
}

func getWallet(ctx context.Context, q querier, partnerID lead.PartnerID) (*lead.Wallet, error) {
	var (
		w                lead.Wallet
		balanceMinor     int64
		thresholdMinor   int64
		createdAt, updAt string
	)

	err := q.QueryRowContext(ctx,
		`SELECT partner_id, balance_minor, currency, alert_threshold_minor, low_balance, created_at, updated_at
		 FROM wallets WHERE partner_id = ?`, partnerID,
	).Scan(&w.PartnerID, &balanceMinor, &w.Currency, &thresholdMinor, &w.LowBalance, &createdAt, &updAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}

	w.Balance = fromMinor(balanceMinor, w.Currency)
	w.AlertThreshold = fromMinor(thresholdMinor, w.Currency)
	w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updAt)
	return &w, nil
}

func (s *Store) CreateWallet(ctx context.Context, w lead.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createWallet(ctx, s.db, w)
}

func createWallet(ctx context.Context, q querier, w lead.Wallet) error {
	if w.Currency == "" {
		w.Currency = lead.DefaultCurrency
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := q.ExecContext(ctx,
		`INSERT INTO wallets (partner_id, balance_minor, currency, alert_threshold_minor, low_balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.PartnerID, toMinor(w.Balance), w.Currency, toMinor(w.AlertThreshold), w.LowBalance, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

func (s *Store) Credit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return credit(ctx, s.db, partnerID, amount)
}

func credit(ctx context.Context, q querier, partnerID lead.PartnerID, amount lead.Money) error {
	res, err := q.ExecContext(ctx,
		`UPDATE wallets SET balance_minor = balance_minor + ?, updated_at = ? WHERE partner_id = ?`,
		toMinor(amount), time.Now().UTC().Format(time.RFC3339), partnerID,
	)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return lead.ErrWalletNotProvisioned
	}
	return nil
}

func (s *Store) ConditionalDebit(ctx context.Context, partnerID lead.PartnerID, amount lead.Money) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conditionalDebit(ctx, s.db, partnerID, amount)
}

// conditionalDebit is the correctness-critical statement: decrement only
// when the balance covers the amount, in one indivisible update. Zero rows
// affected means the predicate rejected the debit (or the wallet is
// missing, which we then distinguish).
func conditionalDebit(ctx context.Context, q querier, partnerID lead.PartnerID, amount lead.Money) (bool, error) {
	minor := toMinor(amount)

	res, err := q.ExecContext(ctx,
		`UPDATE wallets
		 SET balance_minor = balance_minor - ?, updated_at = ?
		 WHERE partner_id = ? AND balance_minor >= ?`,
		minor, time.Now().UTC().Format(time.RFC3339), partnerID, minor,
	)
	if err != nil {
		return false, fmt.Errorf("failed to debit wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Rejected: missing wallet is a provisioning bug, not a balance issue.
	w, err := getWallet(ctx, q, partnerID)
	if err != nil {
		return false, err
	}
	if w == nil {
		return false, lead.ErrWalletNotProvisioned
	}
	return false, nil
}

func (s *Store) SetLowBalance(ctx context.Context, partnerID lead.PartnerID, low bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setLowBalance(ctx, s.db, partnerID, low)
}

func setLowBalance(ctx context.Context, q querier, partnerID lead.PartnerID, low bool) error {
	res, err := q.ExecContext(ctx,
		`UPDATE wallets SET low_balance = ? WHERE partner_id = ?`, low, partnerID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return lead.ErrWalletNotProvisioned
	}
	return nil
}

// =============================================================================
// TRANSACTION LOG (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx lead.LeadTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func appendTransaction(ctx context.Context, q querier, tx lead.LeadTransaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	_, err := q.ExecContext(ctx,
		`INSERT INTO lead_transactions
		 (id, partner_id, tx_type, amount, currency, offer_id, quote_id, reference_id, description, metadata_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.PartnerID, tx.Type, tx.Amount.Value.String(), tx.Amount.Currency,
		nullString(string(tx.OfferID)), nullString(string(tx.QuoteID)), nullString(tx.ReferenceID),
		tx.Description, string(metadataJSON),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		// Only the refund index means a double refund. Any other unique
		// violation (a reused transaction id hits the primary key) is a
		// caller bug, not a settled refund.
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "lead_transactions.reference_id") {
			return lead.ErrAlreadyRefunded
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, partnerID lead.PartnerID, limit int) ([]lead.LeadTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, partnerID, limit)
}

func listTransactions(ctx context.Context, q querier, partnerID lead.PartnerID, limit int) ([]lead.LeadTransaction, error) {
	query := `
		SELECT id, partner_id, tx_type, amount, currency, offer_id, quote_id, reference_id, description, metadata_json, created_at
		FROM lead_transactions
		WHERE partner_id = ?
		ORDER BY created_at DESC`
	args := []any{partnerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []lead.LeadTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (s *Store) GetTransaction(ctx context.Context, id lead.TransactionID) (*lead.LeadTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id lead.TransactionID) (*lead.LeadTransaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, partner_id, tx_type, amount, currency, offer_id, quote_id, reference_id, description, metadata_json, created_at
		 FROM lead_transactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	tx, err := scanTransaction(rows)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

func (s *Store) HasRefund(ctx context.Context, debitID lead.TransactionID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasRefund(ctx, s.db, debitID)
}

func hasRefund(ctx context.Context, q querier, debitID lead.TransactionID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM lead_transactions WHERE tx_type = 'REFUND' AND reference_id = ?`,
		debitID,
	).Scan(&count)
	return count > 0, err
}

func scanTransaction(rows *sql.Rows) (lead.LeadTransaction, error) {
	var (
		tx           lead.LeadTransaction
		amount       string
		currency     string
		offerID      sql.NullString
		quoteID      sql.NullString
		referenceID  sql.NullString
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(&tx.ID, &tx.PartnerID, &tx.Type, &amount, &currency,
		&offerID, &quoteID, &referenceID, &description, &metadataJSON, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Amount = lead.Money{Value: lead.MustParseDecimal(amount), Currency: currency}
	tx.OfferID = lead.OfferID(offerID.String)
	tx.QuoteID = lead.QuoteID(quoteID.String)
	tx.ReferenceID = referenceID.String
	tx.Description = description.String
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}

	return tx, nil
}

// =============================================================================
// QUOTE STORE
// =============================================================================

const quoteColumns = `id, shipper_id, status, cargo_name, hazard_class, quantity, unit,
	pickup_state, delivery_state, vehicle_types_json, urgent, expires_at, created_at, submitted_at`

func (s *Store) GetQuote(ctx context.Context, id lead.QuoteID) (*lead.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getQuote(ctx, s.db, id)
}

func getQuote(ctx context.Context, q querier, id lead.QuoteID) (*lead.Quote, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	quote, err := scanQuote(rows)
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func (s *Store) SaveQuote(ctx context.Context, q lead.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveQuote(ctx, s.db, q)
}

func saveQuote(ctx context.Context, qr querier, q lead.Quote) error {
	vehiclesJSON, _ := json.Marshal(q.VehicleTypes)

	var expiresAt, submittedAt *string
	if q.ExpiresAt != nil {
		v := q.ExpiresAt.UTC().Format(time.RFC3339)
		expiresAt = &v
	}
	if q.SubmittedAt != nil {
		v := q.SubmittedAt.UTC().Format(time.RFC3339)
		submittedAt = &v
	}
	createdAt := q.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := qr.ExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expires_at = excluded.expires_at,
			submitted_at = excluded.submitted_at`,
		q.ID, q.ShipperID, q.Status, q.Cargo.Name, nullString(q.Cargo.HazardClass),
		q.Cargo.Quantity.String(), q.Cargo.Unit, q.PickupState, q.DeliveryState,
		string(vehiclesJSON), q.Urgent, expiresAt,
		createdAt.UTC().Format(time.RFC3339), submittedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save quote: %w", err)
	}
	return nil
}

func (s *Store) TransitionQuote(ctx context.Context, id lead.QuoteID, from []lead.QuoteStatus, to lead.QuoteStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionQuote(ctx, s.db, id, from, to)
}

// transitionQuote is a compare-and-swap on status: the row changes only if
// its current status is in the from set.
func transitionQuote(ctx context.Context, q querier, id lead.QuoteID, from []lead.QuoteStatus, to lead.QuoteStatus) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := q.ExecContext(ctx,
		`UPDATE quotes SET status = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to transition quote: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) SetQuoteExpiry(ctx context.Context, id lead.QuoteID, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setQuoteExpiry(ctx, s.db, id, expiresAt)
}

func setQuoteExpiry(ctx context.Context, q querier, id lead.QuoteID, expiresAt time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE quotes SET expires_at = ? WHERE id = ?`,
		expiresAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return lead.ErrQuoteNotFound
	}
	return nil
}

func (s *Store) OverdueQuotes(ctx context.Context, now time.Time) ([]lead.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return overdueQuotes(ctx, s.db, now)
}

func overdueQuotes(ctx context.Context, q querier, now time.Time) ([]lead.Quote, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+quoteColumns+` FROM quotes
		 WHERE status IN ('MATCHING', 'OFFERS_AVAILABLE')
		   AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at ASC`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue quotes: %w", err)
	}
	defer rows.Close()

	var quotes []lead.Quote
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

func scanQuote(rows *sql.Rows) (lead.Quote, error) {
	var (
		q            lead.Quote
		hazardClass  sql.NullString
		quantity     string
		unit         sql.NullString
		pickup       sql.NullString
		delivery     sql.NullString
		vehiclesJSON sql.NullString
		expiresAt    sql.NullString
		createdAt    string
		submittedAt  sql.NullString
	)

	err := rows.Scan(&q.ID, &q.ShipperID, &q.Status, &q.Cargo.Name, &hazardClass,
		&quantity, &unit, &pickup, &delivery, &vehiclesJSON, &q.Urgent,
		&expiresAt, &createdAt, &submittedAt)
	if err != nil {
		return q, fmt.Errorf("failed to scan quote: %w", err)
	}

	q.Cargo.HazardClass = hazardClass.String
	q.Cargo.Quantity = lead.MustParseDecimal(quantity)
	q.Cargo.Unit = unit.String
	q.PickupState = pickup.String
	q.DeliveryState = delivery.String
	if vehiclesJSON.Valid && vehiclesJSON.String != "" {
		json.Unmarshal([]byte(vehiclesJSON.String), &q.VehicleTypes)
	}
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		q.ExpiresAt = &t
	}
	q.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if submittedAt.Valid {
		t, _ := time.Parse(time.RFC3339, submittedAt.String)
		q.SubmittedAt = &t
	}
	return q, nil
}

// =============================================================================
// OFFER STORE
// =============================================================================

const offerColumns = `id, quote_id, partner_id, price, currency, status, valid_until,
	includes_loading, includes_insurance, remarks, created_at, updated_at`

func (s *Store) CreateOffer(ctx context.Context, o lead.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createOffer(ctx, s.db, o)
}

func createOffer(ctx context.Context, q querier, o lead.Offer) error {
	var validUntil *string
	if o.ValidUntil != nil {
		v := o.ValidUntil.UTC().Format(time.RFC3339)
		validUntil = &v
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO offers
		(id, quote_id, partner_id, price, currency, status, valid_until,
		 includes_loading, includes_insurance, remarks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.QuoteID, o.PartnerID, o.Price.Value.String(), o.Price.Currency,
		o.Status, validUntil, o.IncludesLoading, o.IncludesInsurance, o.Remarks,
		o.CreatedAt.UTC().Format(time.RFC3339), o.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return lead.ErrDuplicateOffer
		}
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

func (s *Store) GetOffer(ctx context.Context, id lead.OfferID) (*lead.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOffer(ctx, s.db, id)
}

func getOffer(ctx context.Context, q querier, id lead.OfferID) (*lead.Offer, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	o, err := scanOffer(rows)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) FindActiveOffer(ctx context.Context, quoteID lead.QuoteID, partnerID lead.PartnerID) (*lead.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findActiveOffer(ctx, s.db, quoteID, partnerID)
}

func findActiveOffer(ctx context.Context, q querier, quoteID lead.QuoteID, partnerID lead.PartnerID) (*lead.Offer, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+offerColumns+` FROM offers
		 WHERE quote_id = ? AND partner_id = ? AND status != 'WITHDRAWN'
		 LIMIT 1`, quoteID, partnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	o, err := scanOffer(rows)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) OffersByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return offersByQuote(ctx, s.db, quoteID)
}

func offersByQuote(ctx context.Context, q querier, quoteID lead.QuoteID) ([]lead.Offer, error) {
	return queryOffers(ctx, q,
		`SELECT `+offerColumns+` FROM offers WHERE quote_id = ? ORDER BY created_at ASC`, quoteID)
}

func (s *Store) PendingOffersByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.Offer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingOffersByQuote(ctx, s.db, quoteID)
}

func pendingOffersByQuote(ctx context.Context, q querier, quoteID lead.QuoteID) ([]lead.Offer, error) {
	return queryOffers(ctx, q,
		`SELECT `+offerColumns+` FROM offers
		 WHERE quote_id = ? AND status = 'PENDING' ORDER BY created_at ASC`, quoteID)
}

func queryOffers(ctx context.Context, q querier, query string, args ...any) ([]lead.Offer, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var offers []lead.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func (s *Store) UpdateOfferStatus(ctx context.Context, id lead.OfferID, from []lead.OfferStatus, to lead.OfferStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateOfferStatus(ctx, s.db, id, from, to)
}

func updateOfferStatus(ctx context.Context, q querier, id lead.OfferID, from []lead.OfferStatus, to lead.OfferStatus) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, time.Now().UTC().Format(time.RFC3339), id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := q.ExecContext(ctx,
		`UPDATE offers SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, fmt.Errorf("failed to update offer status: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ExpirePendingOffers(ctx context.Context, quoteID lead.QuoteID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expirePendingOffers(ctx, s.db, quoteID)
}

func expirePendingOffers(ctx context.Context, q querier, quoteID lead.QuoteID) (int, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE offers SET status = 'EXPIRED', updated_at = ?
		 WHERE quote_id = ? AND status = 'PENDING'`,
		time.Now().UTC().Format(time.RFC3339), quoteID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire offers: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanOffer(rows *sql.Rows) (lead.Offer, error) {
	var (
		o          lead.Offer
		price      string
		currency   string
		validUntil sql.NullString
		remarks    sql.NullString
		createdAt  string
		updatedAt  string
	)

	err := rows.Scan(&o.ID, &o.QuoteID, &o.PartnerID, &price, &currency, &o.Status,
		&validUntil, &o.IncludesLoading, &o.IncludesInsurance, &remarks, &createdAt, &updatedAt)
	if err != nil {
		return o, fmt.Errorf("failed to scan offer: %w", err)
	}

	o.Price = lead.Money{Value: lead.MustParseDecimal(price), Currency: currency}
	o.Remarks = remarks.String
	if validUntil.Valid {
		t, _ := time.Parse(time.RFC3339, validUntil.String)
		o.ValidUntil = &t
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return o, nil
}

// =============================================================================
// AUDIT LOG (append-only)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry lead.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func appendAudit(ctx context.Context, q querier, entry lead.AuditEntry) error {
	payloadJSON, _ := json.Marshal(entry.Payload)

	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, at, action, quote_id, offer_id, partner_id, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At.UTC().Format(time.RFC3339Nano), entry.Action,
		nullString(string(entry.QuoteID)), nullString(string(entry.OfferID)),
		nullString(string(entry.PartnerID)), string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) AuditByQuote(ctx context.Context, quoteID lead.QuoteID) ([]lead.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return auditByQuote(ctx, s.db, quoteID)
}

func auditByQuote(ctx context.Context, q querier, quoteID lead.QuoteID) ([]lead.AuditEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, at, action, quote_id, offer_id, partner_id, payload_json
		 FROM audit_log WHERE quote_id = ? ORDER BY at ASC`, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []lead.AuditEntry
	for rows.Next() {
		var (
			e           lead.AuditEntry
			at          string
			qID         sql.NullString
			offerID     sql.NullString
			partnerID   sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.Action, &qID, &offerID, &partnerID, &payloadJSON); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.QuoteID = lead.QuoteID(qID.String)
		e.OfferID = lead.OfferID(offerID.String)
		e.PartnerID = lead.PartnerID(partnerID.String)
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// PARTNERS (subscription tier lookup)
// =============================================================================

// Partner is a logistics partner record.
type Partner struct {
	ID        string
	Name      string
	Tier      lead.SubscriptionTier
	CreatedAt time.Time
}

// SavePartner inserts or updates a partner.
func (s *Store) SavePartner(ctx context.Context, p Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Tier == "" {
		p.Tier = lead.TierBasic
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partners (id, name, subscription_tier, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			subscription_tier = excluded.subscription_tier`,
		p.ID, p.Name, p.Tier, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// Tier implements lead.TierResolver. Unknown partners resolve to BASIC.
func (s *Store) Tier(partnerID lead.PartnerID) (lead.SubscriptionTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tier lead.SubscriptionTier
	err := s.db.QueryRow(
		`SELECT subscription_tier FROM partners WHERE id = ?`, partnerID,
	).Scan(&tier)

	if err == sql.ErrNoRows {
		return lead.TierBasic, nil
	}
	if err != nil {
		return "", err
	}
	return tier, nil
}

// =============================================================================
// PRICING CONFIG STORE (pricing.Source)
// =============================================================================

// Active implements pricing.Source: the newest active config, or (nil, nil)
// when none has ever been activated.
func (s *Store) Active(ctx context.Context) (*pricing.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		version    int
		configJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, config_json FROM pricing_configs
		 WHERE active = TRUE ORDER BY version DESC LIMIT 1`,
	).Scan(&version, &configJSON)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing config: %w", err)
	}

	var cfg pricing.Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pricing config v%d: %w", version, err)
	}
	cfg.Version = version
	return &cfg, nil
}

// SavePricingConfig validates and activates a new config version,
// deactivating all previous versions. Returns the assigned version.
func (s *Store) SavePricingConfig(ctx context.Context, cfg *pricing.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("invalid pricing config: %w", err)
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer sqlTx.Rollback()

	if _, err := sqlTx.ExecContext(ctx, `UPDATE pricing_configs SET active = FALSE`); err != nil {
		return 0, err
	}

	res, err := sqlTx.ExecContext(ctx,
		`INSERT INTO pricing_configs (config_json, active, created_at) VALUES (?, TRUE, ?)`,
		string(configJSON), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	version, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, err
	}
	return int(version), nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
