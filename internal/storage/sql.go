package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/payment"
	"github.com/offchan/offchan/internal/signature"
)

// sqlBackend implements the store contracts over database/sql. Queries are
// written with ? placeholders and rebound per driver. Big integers are stored
// as decimal strings; ordering over them happens in Go.
type sqlBackend struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *sqlBackend) Channels() ChannelStore { return &sqlChannelStore{b} }
func (b *sqlBackend) Payments() PaymentStore { return &sqlPaymentStore{b} }
func (b *sqlBackend) Tokens() TokenStore     { return &sqlTokenStore{b} }
func (b *sqlBackend) Close() error           { return b.db.Close() }

func (b *sqlBackend) exec(ctx context.Context, query string, args ...any) error {
	_, err := b.db.ExecContext(ctx, b.rebind(query), args...)
	return err
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channels (
			channel_id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			value TEXT NOT NULL,
			spent TEXT NOT NULL,
			state INTEGER NOT NULL DEFAULT 0,
			token_contract TEXT NOT NULL DEFAULT '',
			settlement_period TEXT,
			settling_until TEXT
		);

		CREATE TABLE IF NOT EXISTS payments (
			token TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			price TEXT NOT NULL,
			value TEXT NOT NULL,
			channel_value TEXT NOT NULL,
			sig_v INTEGER NOT NULL,
			sig_r TEXT NOT NULL,
			sig_s TEXT NOT NULL,
			meta TEXT NOT NULL DEFAULT '',
			token_contract TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS tokens (
			token TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_channels_parties ON channels(sender, receiver);
		CREATE INDEX IF NOT EXISTS idx_channels_state ON channels(state);
		CREATE INDEX IF NOT EXISTS idx_payments_channel ON payments(channel_id);
	`)
	return err
}

const channelColumns = `channel_id, sender, receiver, value, spent, state, token_contract, settlement_period, settling_until`

type sqlChannelStore struct {
	*sqlBackend
}

func (s *sqlChannelStore) Save(ctx context.Context, ch *channel.PaymentChannel) error {
	return s.exec(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ChannelID.String(), ch.Sender, ch.Receiver, ch.Value.String(), ch.Spent.String(),
		int(ch.State), ch.TokenContract, bigOrNil(ch.SettlementPeriod), bigOrNil(ch.SettlingUntil))
}

func (s *sqlChannelStore) SaveOrUpdate(ctx context.Context, ch *channel.PaymentChannel) error {
	existing, err := s.FirstByID(ctx, ch.ChannelID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.Save(ctx, ch)
	}
	return s.exec(ctx, `
		UPDATE channels
		SET sender = ?, receiver = ?, value = ?, spent = ?, state = ?, token_contract = ?,
		    settlement_period = ?, settling_until = ?
		WHERE channel_id = ?
	`, ch.Sender, ch.Receiver, ch.Value.String(), ch.Spent.String(), int(ch.State),
		ch.TokenContract, bigOrNil(ch.SettlementPeriod), bigOrNil(ch.SettlingUntil), ch.ChannelID.String())
}

func (s *sqlChannelStore) FirstByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+channelColumns+` FROM channels WHERE channel_id = ?
	`), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	channels, err := scanChannels(rows)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return channels[0], nil
}

func (s *sqlChannelStore) Spend(ctx context.Context, id channel.ID, spent *big.Int) error {
	return s.exec(ctx, `UPDATE channels SET spent = ? WHERE channel_id = ?`, spent.String(), id.String())
}

func (s *sqlChannelStore) Deposit(ctx context.Context, id channel.ID, value *big.Int) error {
	return s.exec(ctx, `UPDATE channels SET value = ? WHERE channel_id = ?`, value.String(), id.String())
}

func (s *sqlChannelStore) All(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.query(ctx, `SELECT `+channelColumns+` FROM channels`)
}

func (s *sqlChannelStore) AllOpen(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE state = ?`, int(channel.Open))
}

func (s *sqlChannelStore) AllSettling(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE state = ?`, int(channel.Settling))
}

func (s *sqlChannelStore) FindUsable(ctx context.Context, sender, receiver string, amount *big.Int) (*channel.PaymentChannel, error) {
	channels, err := s.query(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE sender = ? AND receiver = ? AND state = ?
	`, sender, receiver, int(channel.Open))
	if err != nil {
		return nil, err
	}
	for _, ch := range channels {
		if ch.Usable(amount) {
			return ch, nil
		}
	}
	return nil, nil
}

func (s *sqlChannelStore) FindBySenderReceiverChannelID(ctx context.Context, sender, receiver string, id channel.ID) (*channel.PaymentChannel, error) {
	channels, err := s.query(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE sender = ? AND receiver = ? AND channel_id = ?
	`, sender, receiver, id.String())
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return channels[0], nil
}

func (s *sqlChannelStore) UpdateState(ctx context.Context, id channel.ID, state channel.State) error {
	return s.exec(ctx, `UPDATE channels SET state = ? WHERE channel_id = ?`, int(state), id.String())
}

func (s *sqlChannelStore) query(ctx context.Context, query string, args ...any) ([]*channel.PaymentChannel, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func scanChannels(rows *sql.Rows) ([]*channel.PaymentChannel, error) {
	var out []*channel.PaymentChannel
	for rows.Next() {
		var (
			id, sender, receiver, value, spent, tokenContract string
			state                                             int
			settlementPeriod, settlingUntil                   sql.NullString
		)
		if err := rows.Scan(&id, &sender, &receiver, &value, &spent, &state, &tokenContract, &settlementPeriod, &settlingUntil); err != nil {
			return nil, err
		}

		channelID, err := channel.ParseID(id)
		if err != nil {
			return nil, err
		}
		ch := &channel.PaymentChannel{
			Sender:        sender,
			Receiver:      receiver,
			ChannelID:     channelID,
			State:         channel.State(state),
			TokenContract: tokenContract,
		}
		if ch.Value, err = parseStoredBig("value", value); err != nil {
			return nil, err
		}
		if ch.Spent, err = parseStoredBig("spent", spent); err != nil {
			return nil, err
		}
		if settlementPeriod.Valid {
			if ch.SettlementPeriod, err = parseStoredBig("settlement_period", settlementPeriod.String); err != nil {
				return nil, err
			}
		}
		if settlingUntil.Valid {
			if ch.SettlingUntil, err = parseStoredBig("settling_until", settlingUntil.String); err != nil {
				return nil, err
			}
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

const paymentColumns = `token, channel_id, sender, receiver, price, value, channel_value, sig_v, sig_r, sig_s, meta, token_contract, created_at`

type sqlPaymentStore struct {
	*sqlBackend
}

func (s *sqlPaymentStore) Save(ctx context.Context, token string, p *payment.Payment) error {
	return s.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, token, p.ChannelID.String(), p.Sender, p.Receiver, p.Price.String(), p.Value.String(),
		p.ChannelValue.String(), int(p.Signature.V),
		"0x"+hex.EncodeToString(p.Signature.R[:]), "0x"+hex.EncodeToString(p.Signature.S[:]),
		p.Meta, p.TokenContract, p.CreatedAt)
}

func (s *sqlPaymentStore) FirstMaximum(ctx context.Context, id channel.ID) (*payment.Payment, error) {
	payments, err := s.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE channel_id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	var max *payment.Payment
	for _, p := range payments {
		if max == nil || p.Value.Cmp(max.Value) > 0 {
			max = p
		}
	}
	return max, nil
}

func (s *sqlPaymentStore) FindByToken(ctx context.Context, token string) (*payment.Payment, error) {
	payments, err := s.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE token = ?`, token)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return payments[0], nil
}

func (s *sqlPaymentStore) query(ctx context.Context, query string, args ...any) ([]*payment.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payment.Payment
	for rows.Next() {
		var (
			token, id, sender, receiver, price, value, channelValue string
			sigV                                                    int
			sigR, sigS, meta, tokenContract                         string
			createdAt                                               sql.NullTime
		)
		if err := rows.Scan(&token, &id, &sender, &receiver, &price, &value, &channelValue,
			&sigV, &sigR, &sigS, &meta, &tokenContract, &createdAt); err != nil {
			return nil, err
		}

		channelID, err := channel.ParseID(id)
		if err != nil {
			return nil, err
		}
		p := &payment.Payment{
			ChannelID:     channelID,
			Sender:        sender,
			Receiver:      receiver,
			Meta:          meta,
			Token:         token,
			TokenContract: tokenContract,
		}
		if p.Price, err = parseStoredBig("price", price); err != nil {
			return nil, err
		}
		if p.Value, err = parseStoredBig("value", value); err != nil {
			return nil, err
		}
		if p.ChannelValue, err = parseStoredBig("channel_value", channelValue); err != nil {
			return nil, err
		}
		if p.Signature, err = scanSignature(sigV, sigR, sigS); err != nil {
			return nil, err
		}
		if createdAt.Valid {
			p.CreatedAt = createdAt.Time.UTC()
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type sqlTokenStore struct {
	*sqlBackend
}

func (s *sqlTokenStore) Save(ctx context.Context, token string, id channel.ID) error {
	return s.exec(ctx, `INSERT INTO tokens (token, channel_id) VALUES (?, ?)`, token, id.String())
}

func (s *sqlTokenStore) IsPresent(ctx context.Context, token string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM tokens WHERE token = ?`), token)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func bigOrNil(value *big.Int) any {
	if value == nil {
		return nil
	}
	return value.String()
}

func parseStoredBig(column, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("column %q holds a non-integer value %q", column, raw)
	}
	return value, nil
}

func scanSignature(v int, r, s string) (signature.Signature, error) {
	rBytes, err := decodeWord(r)
	if err != nil {
		return signature.Signature{}, err
	}
	sBytes, err := decodeWord(s)
	if err != nil {
		return signature.Signature{}, err
	}
	return signature.FromParts(byte(v), rBytes, sBytes)
}

func decodeWord(raw string) ([]byte, error) {
	out, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("stored signature word %q is not hex: %w", raw, err)
	}
	return out, nil
}
