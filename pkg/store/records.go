package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fides/pkg/ledger"
	"fides/pkg/models"
)

type recordDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ChainStore persists accepted chain records to Postgres. The ledger replays
// the full table at startup; seq ordering reproduces the chain exactly.
type ChainStore struct {
	DB recordDB
}

func (s *ChainStore) AppendRecord(ctx context.Context, rec ledger.Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO chain_records
		(seq, record_type, record_id, decision_id, record_hash, previous_record_hash, record_timestamp, raw)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.Seq, rec.Type, rec.ID, rec.DecisionID, rec.Hash, rec.PrevHash, rec.Timestamp, []byte(rec.Raw))
	return err
}

func (s *ChainStore) LoadRecords(ctx context.Context) ([]ledger.Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT seq, record_type, record_id, decision_id, record_hash, previous_record_hash, record_timestamp, raw
		FROM chain_records ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Record
	for rows.Next() {
		var rec ledger.Record
		var raw []byte
		if err := rows.Scan(&rec.Seq, &rec.Type, &rec.ID, &rec.DecisionID, &rec.Hash, &rec.PrevHash, &rec.Timestamp, &raw); err != nil {
			return nil, err
		}
		rec.Raw = json.RawMessage(raw)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OutcomeStore is the side audit table for payment execute outcomes. Denied
// payments never reach the chain; this is the only place they are recorded.
type OutcomeStore struct {
	DB recordDB
}

func (s *OutcomeStore) RecordOutcome(ctx context.Context, p *models.PaymentEntry, d models.PaymentDecision) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO payment_outcomes
		(payment_id, decision_id, payment_amount, payment_currency, payment_beneficiary, request_timestamp, authorized, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, p.PaymentID, p.DecisionID, p.PaymentAmount.String(), p.PaymentCurrency, p.PaymentBeneficiary, p.RequestTimestamp, d.Authorized, d.Reason)
	return err
}

// AnchorStore persists the append-only anchor log.
type AnchorStore struct {
	DB recordDB
}

func (s *AnchorStore) AppendAnchor(ctx context.Context, a models.Anchor) error {
	media, err := json.Marshal(a.Media)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO anchors (anchor_id, seq, anchored_at, chain_height, state_hash, media)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, a.AnchorID, a.Seq, a.Timestamp, a.ChainHeight, a.StateHash, media)
	return err
}

func (s *AnchorStore) LoadAnchors(ctx context.Context) ([]models.Anchor, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT anchor_id, seq, anchored_at, chain_height, state_hash, media
		FROM anchors ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Anchor
	for rows.Next() {
		var a models.Anchor
		var media []byte
		if err := rows.Scan(&a.AnchorID, &a.Seq, &a.Timestamp, &a.ChainHeight, &a.StateHash, &media); err != nil {
			return nil, err
		}
		if len(media) > 0 {
			if err := json.Unmarshal(media, &a.Media); err != nil {
				return nil, err
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
